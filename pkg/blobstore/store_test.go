package blobstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holochain-go/corechain/pkg/blobstore"
	"github.com/holochain-go/corechain/pkg/holo"
)

func TestFileStorePutGetRoundTrips(t *testing.T) {
	store, err := blobstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("hello blob")
	hash, err := store.Put(ctx, data)
	require.NoError(t, err)

	exists, err := store.Exists(ctx, hash)
	require.NoError(t, err)
	require.True(t, exists)

	got, err := store.Get(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFileStorePutIsContentAddressedAndIdempotent(t *testing.T) {
	store, err := blobstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("same bytes twice")
	h1, err := store.Put(ctx, data)
	require.NoError(t, err)
	h2, err := store.Put(ctx, data)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestFileStoreGetMissingErrors(t *testing.T) {
	store, err := blobstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Get(ctx, holo.NewHash(holo.HashTypeEntry, []byte("never-put")))
	require.Error(t, err)
}

func TestFileStoreDeleteIsIdempotent(t *testing.T) {
	store, err := blobstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	hash, err := store.Put(ctx, []byte("to be deleted"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, hash))
	exists, err := store.Exists(ctx, hash)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, store.Delete(ctx, hash), "deleting an already-absent blob must not error")
}
