package sourcechain_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/blobstore"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/sourcechain"
)

func TestAppendRecordOverflowsLargeAppEntryToBlobStore(t *testing.T) {
	dir := t.TempDir()
	blobs, err := blobstore.NewFileStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	store, err := sourcechain.OpenSQLiteAuthoredStore(filepath.Join(dir, "authored.sqlite"), sourcechain.WithBlobStore(blobs))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	big := bytes.Repeat([]byte("x"), 128*1024)
	rec := &entry.Record{
		SignedAction: action.SignedAction{Action: action.Action{
			Kind: action.KindCreate, ActionSeq: 0,
			Create: &action.CreateFields{EntryType: "post", EntryHash: mustHash(t, big)},
		}},
		Entry: &entry.Entry{Kind: entry.KindApp, App: big},
	}

	ctx := context.Background()
	require.NoError(t, store.AppendRecord(ctx, 0, rec))

	got, err := store.GetAtIndex(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, got.Entry)
	require.Equal(t, big, got.Entry.App, "overflowed bytes must round-trip through the blobstore transparently")
}

func TestAppendRecordKeepsSmallAppEntryInline(t *testing.T) {
	dir := t.TempDir()
	blobs, err := blobstore.NewFileStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	store, err := sourcechain.OpenSQLiteAuthoredStore(filepath.Join(dir, "authored.sqlite"), sourcechain.WithBlobStore(blobs))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	small := []byte(`{"hello":"world"}`)
	rec := &entry.Record{
		SignedAction: action.SignedAction{Action: action.Action{
			Kind: action.KindCreate, ActionSeq: 0,
			Create: &action.CreateFields{EntryType: "post", EntryHash: mustHash(t, small)},
		}},
		Entry: &entry.Entry{Kind: entry.KindApp, App: small},
	}

	ctx := context.Background()
	require.NoError(t, store.AppendRecord(ctx, 0, rec))

	got, err := store.GetAtIndex(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, small, got.Entry.App)
}

func mustHash(t *testing.T, app []byte) holo.EntryHash {
	t.Helper()
	h, err := (&entry.Entry{Kind: entry.KindApp, App: app}).Hash()
	require.NoError(t, err)
	return h
}
