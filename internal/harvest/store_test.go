package harvest

import (
	"io"
	"regexp"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

func TestFileName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a_x.com-example.com-1.txt", FileName("a@x.com", "example.com", 1))
	assert.Equal(t, "we_rd_name_-unknown-7.txt", FileName("we/rd name!", "", 7))
	assert.Regexp(t, regexp.MustCompile(`^anonymous-example\.com-3-\d{4}\.txt$`), FileName("", "example.com", 3))
	assert.NotEqual(t, FileName("a@x.com", "example.com", 1), FileName("a@x.com", "example.com", 2))
}

func TestStoreAvailable(t *testing.T) {
	t.Parallel()

	store, err := NewStore(afero.NewMemMapFs(), "/cookies")
	require.NoError(t, err)

	name, err := store.Available("anonymous-example.com-1-4242.txt")
	require.NoError(t, err)
	assert.Equal(t, "anonymous-example.com-1-4242.txt", name)

	require.NoError(t, store.Write(name, nil))
	next, err := store.Available(name)
	require.NoError(t, err)
	assert.Equal(t, "anonymous-example.com-1-4242-2.txt", next)

	require.NoError(t, store.Write(next, nil))
	third, err := store.Available(name)
	require.NoError(t, err)
	assert.Equal(t, "anonymous-example.com-1-4242-3.txt", third)

	_, err = store.Available("../x.txt")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestStoreWriteOverwrites(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	store, err := NewStore(fs, "/data/cookies")
	require.NoError(t, err)

	name := FileName("a@x.com", "example.com", 1)
	require.NoError(t, store.Write(name, []models.Cookie{{Name: "sid", Value: "first", Domain: "example.com", Path: "/"}}))
	require.NoError(t, store.Write(name, []models.Cookie{{Name: "sid", Value: "second", Domain: "example.com", Path: "/"}}))

	f, err := store.Open(name)
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Contains(t, string(body), "value: second")
	assert.NotContains(t, string(body), "value: first")

	files, err := store.List()
	require.NoError(t, err)
	require.Len(t, files, 1, "temporary files are never listed")
	assert.Equal(t, name, files[0].Name)
	assert.Equal(t, int64(len(body)), files[0].Size)
}

func TestStoreRejectsForeignNames(t *testing.T) {
	t.Parallel()

	store, err := NewStore(afero.NewMemMapFs(), "/cookies")
	require.NoError(t, err)

	for _, name := range []string{"", "../etc/passwd", "sub/x.txt", ".hidden.txt", "notes.md"} {
		_, err := store.Open(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
		assert.ErrorIs(t, store.Write(name, nil), ErrInvalidName, name)
	}
}
