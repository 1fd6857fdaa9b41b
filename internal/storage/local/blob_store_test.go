package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_CreatesBaseDir(t *testing.T) {
	t.Parallel()
	base := filepath.Join(t.TempDir(), "blobs")

	_, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNew_RequiresBaseDir(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.Error(t, err)
}

func TestPutObject_WritesFileAndReturnsURI(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "ab/abc123.json", "application/json", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Contains(t, uri, "file://")

	data, err := os.ReadFile(filepath.Join(base, "ab", "abc123.json"))
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), data)
}

func TestPutObject_RejectsTraversal(t *testing.T) {
	t.Parallel()
	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.json", "application/json", []byte("x"))
	require.Error(t, err)
}

func TestPutObject_RequiresPath(t *testing.T) {
	t.Parallel()
	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "  ", "application/json", []byte("x"))
	require.Error(t, err)
}
