package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := New(&buf, "debug", "json")
	require.NoError(t, err)

	log.WithField("sandbox", 3).Debug("Browser started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Browser started", entry["msg"])
	assert.Equal(t, 3.0, entry["sandbox"])
}

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := New(&bytes.Buffer{}, "loud", "text")
	assert.Error(t, err)

	_, err = New(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}
