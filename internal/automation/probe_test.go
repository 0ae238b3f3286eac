package automation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/cookie-sandbox/internal/browser/browsertest"
)

func TestProbe(t *testing.T) {
	t.Parallel()

	page := browsertest.NewPage().SetHTML(`<html><head><title> Verify it's you </title>
		<script>var prompt = "recovery email";</script></head>
		<body><form><input type="email" aria-label="确认您的恢复邮箱"></form></body></html>`)

	probe, err := Snapshot(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, "Verify it's you", probe.Title())
	assert.True(t, probe.Has(`input[type="email"]`))
	assert.False(t, probe.Has(accountEntrySelector))
	assert.True(t, probe.Mentions(recoveryPrompt))
}

func TestProbeIgnoresScripts(t *testing.T) {
	t.Parallel()

	page := browsertest.NewPage().SetHTML(`<html><body><p>Welcome</p>
		<script>const label = "recovery email";</script></body></html>`)

	probe, err := Snapshot(context.Background(), page)
	require.NoError(t, err)
	assert.False(t, probe.Mentions(recoveryPrompt))
}
