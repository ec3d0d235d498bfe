package objectstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemStore_PutGetRoundTrip(t *testing.T) {
	store := NewFilesystemStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "frames", "obama/1.jpg", "image/jpeg", []byte("hello")))

	got, err := store.Get(ctx, "frames", "obama/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestFilesystemStore_GetMissingKeyErrors(t *testing.T) {
	store := NewFilesystemStore(t.TempDir())
	_, err := store.Get(context.Background(), "frames", "missing.jpg")
	assert.Error(t, err)
}

func TestFilesystemStore_PutOverwritesLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFilesystemStore(dir)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "frames", "obama/1.jpg", "image/jpeg", []byte("v1")))
	require.NoError(t, store.Put(ctx, "frames", "obama/1.jpg", "image/jpeg", []byte("v2-longer")))

	got, err := store.Get(ctx, "frames", "obama/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2-longer"), got)

	entries, err := os.ReadDir(dir + "/frames/obama")
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "atomic rename must not leave temp files behind")
	}
}

func TestFilesystemStore_DeleteIsIdempotent(t *testing.T) {
	store := NewFilesystemStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "frames", "x.jpg", "image/jpeg", []byte("data")))
	require.NoError(t, store.Delete(ctx, "frames", "x.jpg"))
	assert.NoError(t, store.Delete(ctx, "frames", "x.jpg"), "deleting an already-absent key must not error")

	_, err := store.Get(ctx, "frames", "x.jpg")
	assert.Error(t, err)
}

func TestFilesystemStore_ListFiltersByPrefix(t *testing.T) {
	store := NewFilesystemStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "actions", "Lock_screen/obama/1.jpg", "image/jpeg", []byte("a")))
	require.NoError(t, store.Put(ctx, "actions", "Lock_screen/obama/2.jpg", "image/jpeg", []byte("b")))
	require.NoError(t, store.Put(ctx, "actions", "Sign_out/obama/1.jpg", "image/jpeg", []byte("c")))

	keys, err := store.List(ctx, "actions", "Lock_screen/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.Contains(t, k, "Lock_screen/")
	}
}

func TestFilesystemStore_ListOnMissingBucketReturnsEmpty(t *testing.T) {
	store := NewFilesystemStore(t.TempDir())
	keys, err := store.List(context.Background(), "nonexistent", "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
