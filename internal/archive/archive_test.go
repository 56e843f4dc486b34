package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorePutGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key := Key("secret-1", "ab12", ".zip")
	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	loc, err := s.Put(ctx, key, []byte("first"), "application/zip")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.baseDir, "secret-1", "ab12.zip"), loc)

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	_, err = os.Stat(loc + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(ctx, "a/b.zip", []byte("original"), "application/zip")
	require.NoError(t, err)
	_, err = s.Put(ctx, "a/b.zip", []byte("replacement"), "application/zip")
	require.NoError(t, err)

	data, err := s.Get(ctx, "a/b.zip")
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestFileStoreMissingKey(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "nope.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeysCannotEscapeRoot(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "../x.zip", "/abs.zip", "a/../../x", "a//b", ".hidden", "a/./b"} {
		_, err := s.Put(context.Background(), key, []byte("x"), "")
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, s)

	dir := t.TempDir()
	s, err = New(ctx, Config{Backend: BackendFile, Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, BackendFile, s.Backend())

	_, err = New(ctx, Config{Backend: BackendS3})
	assert.Error(t, err)

	_, err = New(ctx, Config{Backend: BackendGCS})
	assert.Error(t, err)

	_, err = New(ctx, Config{Backend: "tape"})
	assert.Error(t, err)
}
