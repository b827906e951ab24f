package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/storage"
)

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "pending", []byte("first")))
	require.NoError(t, s.Put(ctx, "pending", []byte("second")))

	got, err := s.Get(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")

	require.NoError(t, s.Delete(ctx, "pending"))
	_, err = s.Get(ctx, "pending")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "pending"), "deleting a missing key succeeds")
}

func TestStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "spool")
	_, err := New(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStore_RejectsPathKeys(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "..", "a/b", `a\b`} {
		err := s.Put(context.Background(), key, []byte("x"))
		require.Error(t, err, key)
		assert.True(t, errors.IsInvalid(err), key)
	}
}

func TestNew_RequiresDirectory(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
