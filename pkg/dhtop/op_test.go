package dhtop_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/dhtop"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
)

func isPublic(entryType string) bool { return entryType == "post" }

func newRecord(t *testing.T, a *action.Action, e *entry.Entry) *entry.Record {
	t.Helper()
	require.NoError(t, a.Validate())
	return &entry.Record{SignedAction: action.SignedAction{Action: *a}, Entry: e}
}

func TestProduceCreatePublicEntryEmitsStoreEntry(t *testing.T) {
	author := holo.NewHash(holo.HashTypeAgent, []byte("agent-1"))
	appEntry := &entry.Entry{Kind: entry.KindApp, App: []byte(`{"a":1}`)}
	entryHash, err := appEntry.Hash()
	require.NoError(t, err)

	a := &action.Action{
		Kind:       action.KindCreate,
		Author:     author,
		Timestamp:  holo.Now(),
		PrevAction: holo.NewHash(holo.HashTypeAction, []byte("prev")),
		ActionSeq:  3,
		Create:     &action.CreateFields{EntryType: "post", EntryHash: entryHash},
	}
	rec := newRecord(t, a, appEntry)

	ops, err := dhtop.Produce(rec, isPublic)
	require.NoError(t, err)

	kinds := map[dhtop.Type]dhtop.Op{}
	for _, op := range ops {
		kinds[op.Type] = op
	}
	require.Contains(t, kinds, dhtop.TypeStoreRecord)
	require.Contains(t, kinds, dhtop.TypeRegisterAgentActivity)
	require.Contains(t, kinds, dhtop.TypeStoreEntry)
	require.Equal(t, entryHash, kinds[dhtop.TypeStoreEntry].Basis)
	require.Equal(t, author, kinds[dhtop.TypeRegisterAgentActivity].Basis)
	require.Len(t, ops, 3)
}

func TestProduceCreatePrivateEntrySkipsStoreEntry(t *testing.T) {
	author := holo.NewHash(holo.HashTypeAgent, []byte("agent-2"))
	appEntry := &entry.Entry{Kind: entry.KindApp, App: []byte(`{"secret":true}`)}
	entryHash, err := appEntry.Hash()
	require.NoError(t, err)

	a := &action.Action{
		Kind:       action.KindCreate,
		Author:     author,
		Timestamp:  holo.Now(),
		PrevAction: holo.NewHash(holo.HashTypeAction, []byte("prev")),
		ActionSeq:  1,
		Create:     &action.CreateFields{EntryType: "private_note", EntryHash: entryHash},
	}
	rec := newRecord(t, a, appEntry)

	ops, err := dhtop.Produce(rec, isPublic)
	require.NoError(t, err)

	for _, op := range ops {
		require.NotEqual(t, dhtop.TypeStoreEntry, op.Type, "private entry must never produce StoreEntry")
	}
	require.Len(t, ops, 2) // StoreRecord + RegisterAgentActivity only
}

func TestProduceUpdateEmitsRegisterUpdatedOps(t *testing.T) {
	author := holo.NewHash(holo.HashTypeAgent, []byte("agent-3"))
	appEntry := &entry.Entry{Kind: entry.KindApp, App: []byte(`{"a":2}`)}
	entryHash, err := appEntry.Hash()
	require.NoError(t, err)
	origAction := holo.NewHash(holo.HashTypeAction, []byte("orig-action"))
	origEntry := holo.NewHash(holo.HashTypeEntry, []byte("orig-entry"))

	a := &action.Action{
		Kind:       action.KindUpdate,
		Author:     author,
		Timestamp:  holo.Now(),
		PrevAction: holo.NewHash(holo.HashTypeAction, []byte("prev")),
		ActionSeq:  4,
		Update: &action.UpdateFields{
			OriginalActionAddress: origAction,
			OriginalEntryAddress:  origEntry,
			EntryType:             "post",
			EntryHash:             entryHash,
		},
	}
	rec := newRecord(t, a, appEntry)

	ops, err := dhtop.Produce(rec, isPublic)
	require.NoError(t, err)

	var sawContent, sawRecord bool
	for _, op := range ops {
		switch op.Type {
		case dhtop.TypeRegisterUpdatedContent:
			sawContent = true
			require.Equal(t, origEntry, op.Basis)
		case dhtop.TypeRegisterUpdatedRecord:
			sawRecord = true
			require.Equal(t, origAction, op.Basis)
		}
	}
	require.True(t, sawContent)
	require.True(t, sawRecord)
}

func TestProduceDeleteEmitsRegisterDeletedOps(t *testing.T) {
	author := holo.NewHash(holo.HashTypeAgent, []byte("agent-4"))
	deletesAction := holo.NewHash(holo.HashTypeAction, []byte("deletes-action"))
	deletesEntry := holo.NewHash(holo.HashTypeEntry, []byte("deletes-entry"))

	a := &action.Action{
		Kind:       action.KindDelete,
		Author:     author,
		Timestamp:  holo.Now(),
		PrevAction: holo.NewHash(holo.HashTypeAction, []byte("prev")),
		ActionSeq:  5,
		Delete:     &action.DeleteFields{DeletesAddress: deletesAction, DeletesEntryAddress: deletesEntry},
	}
	rec := newRecord(t, a, nil)

	ops, err := dhtop.Produce(rec, isPublic)
	require.NoError(t, err)

	var sawBy, sawEntryAction bool
	for _, op := range ops {
		switch op.Type {
		case dhtop.TypeRegisterDeletedBy:
			sawBy = true
			require.Equal(t, deletesAction, op.Basis)
		case dhtop.TypeRegisterDeletedEntryAction:
			sawEntryAction = true
			require.Equal(t, deletesEntry, op.Basis)
		}
	}
	require.True(t, sawBy)
	require.True(t, sawEntryAction)
}

func TestProduceCreateLinkAndDeleteLink(t *testing.T) {
	author := holo.NewHash(holo.HashTypeAgent, []byte("agent-5"))
	base := holo.NewHash(holo.HashTypeEntry, []byte("base"))
	target := holo.NewHash(holo.HashTypeEntry, []byte("target"))

	createLink := &action.Action{
		Kind:       action.KindCreateLink,
		Author:     author,
		Timestamp:  holo.Now(),
		PrevAction: holo.NewHash(holo.HashTypeAction, []byte("prev")),
		ActionSeq:  6,
		CreateLink: &action.CreateLinkFields{Base: base, Target: target, LinkType: 1, Tag: []byte("tag")},
	}
	rec := newRecord(t, createLink, nil)
	ops, err := dhtop.Produce(rec, isPublic)
	require.NoError(t, err)
	var sawAdd bool
	for _, op := range ops {
		if op.Type == dhtop.TypeRegisterAddLink {
			sawAdd = true
			require.Equal(t, base, op.Basis)
		}
	}
	require.True(t, sawAdd)

	linkAddHash := holo.NewHash(holo.HashTypeAction, []byte("link-add"))
	deleteLink := &action.Action{
		Kind:       action.KindDeleteLink,
		Author:     author,
		Timestamp:  holo.Now(),
		PrevAction: holo.NewHash(holo.HashTypeAction, []byte("prev2")),
		ActionSeq:  7,
		DeleteLink: &action.DeleteLinkFields{LinkAddAddress: linkAddHash, Base: base},
	}
	rec2 := newRecord(t, deleteLink, nil)
	ops2, err := dhtop.Produce(rec2, isPublic)
	require.NoError(t, err)
	var sawRemove bool
	for _, op := range ops2 {
		if op.Type == dhtop.TypeRegisterRemoveLink {
			sawRemove = true
			require.Equal(t, linkAddHash, op.Basis)
		}
	}
	require.True(t, sawRemove)
}

func TestOrderLessRanksByTypeThenTimestamp(t *testing.T) {
	a := dhtop.Order{TypeRank: 0, Timestamp: 100}
	b := dhtop.Order{TypeRank: 1, Timestamp: 1}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))

	c := dhtop.Order{TypeRank: 2, Timestamp: 5}
	d := dhtop.Order{TypeRank: 2, Timestamp: 10}
	require.True(t, c.Less(d))
}
