package sourcechain_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/keystore"
	"github.com/holochain-go/corechain/pkg/sourcechain"
)

func newTestChain(t *testing.T) (*sourcechain.SourceChain, holo.AgentKey) {
	t.Helper()
	dir := t.TempDir()
	store, err := sourcechain.OpenSQLiteAuthoredStore(filepath.Join(dir, "authored.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ks := keystore.NewInMemory()
	agent, err := ks.NewSignKeypairRandom()
	require.NoError(t, err)

	dna := holo.NewHash(holo.HashTypeDna, []byte("test-dna"))
	sc, err := sourcechain.Open(context.Background(), store, ks, agent, dna, func(string) bool { return true })
	require.NoError(t, err)
	return sc, agent
}

func TestGenesisEstablishesHeadAndInitialized(t *testing.T) {
	sc, agent := newTestChain(t)
	require.False(t, sc.HasInitialized())

	dna := holo.NewHash(holo.HashTypeDna, []byte("test-dna"))
	agentEntry := &entry.Entry{Kind: entry.KindAgent, Agent: agent}

	err := sc.Genesis(context.Background(), dna, nil, agentEntry)
	require.NoError(t, err)
	require.True(t, sc.HasInitialized())
	require.EqualValues(t, 3, sc.Len())
	require.EqualValues(t, 2, sc.ChainHead().ActionSeq)
}

func TestAuthorChainsOffPriorHead(t *testing.T) {
	sc, agent := newTestChain(t)
	dna := holo.NewHash(holo.HashTypeDna, []byte("test-dna"))
	agentEntry := &entry.Entry{Kind: entry.KindAgent, Agent: agent}
	require.NoError(t, sc.Genesis(context.Background(), dna, nil, agentEntry))

	headBefore := sc.ChainHead()

	appEntry := &entry.Entry{Kind: entry.KindApp, App: []byte("hello")}
	entryHash, err := appEntry.Hash()
	require.NoError(t, err)

	tmpl := &action.Action{Kind: action.KindCreate, Create: &action.CreateFields{EntryType: "post", EntryHash: entryHash}}
	rec, err := sc.Author(tmpl, appEntry)
	require.NoError(t, err)
	require.Equal(t, headBefore.ActionHash, rec.SignedAction.Action.PrevAction)
	require.Equal(t, headBefore.ActionSeq+1, rec.SignedAction.Action.ActionSeq)

	require.NoError(t, sc.Flush(context.Background()))

	got, err := sc.GetAtIndex(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "post", got.SignedAction.Action.Create.EntryType)
}

func TestChainLockRejectsOrdinaryAuthor(t *testing.T) {
	sc, agent := newTestChain(t)
	dna := holo.NewHash(holo.HashTypeDna, []byte("test-dna"))
	agentEntry := &entry.Entry{Kind: entry.KindAgent, Agent: agent}
	require.NoError(t, sc.Genesis(context.Background(), dna, nil, agentEntry))

	subject := holo.NewHash(holo.HashTypeExternal, []byte("session-1"))
	require.NoError(t, sc.Lock(context.Background(), subject, holo.Now().Add(1)))
	require.True(t, sc.IsLocked())

	appEntry := &entry.Entry{Kind: entry.KindApp, App: []byte("x")}
	entryHash, err := appEntry.Hash()
	require.NoError(t, err)
	tmpl := &action.Action{Kind: action.KindCreate, Create: &action.CreateFields{EntryType: "post", EntryHash: entryHash}}

	_, err = sc.Author(tmpl, appEntry)
	require.ErrorIs(t, err, holo.ErrChainLocked)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authored.sqlite")
	ks := keystore.NewInMemory()
	agent, err := ks.NewSignKeypairRandom()
	require.NoError(t, err)
	dna := holo.NewHash(holo.HashTypeDna, []byte("test-dna"))

	store, err := sourcechain.OpenSQLiteAuthoredStore(path)
	require.NoError(t, err)
	sc, err := sourcechain.Open(context.Background(), store, ks, agent, dna, func(string) bool { return true })
	require.NoError(t, err)
	agentEntry := &entry.Entry{Kind: entry.KindAgent, Agent: agent}
	require.NoError(t, sc.Genesis(context.Background(), dna, nil, agentEntry))
	require.NoError(t, store.Close())

	require.FileExists(t, path)

	store2, err := sourcechain.OpenSQLiteAuthoredStore(path)
	require.NoError(t, err)
	defer store2.Close()
	sc2, err := sourcechain.Open(context.Background(), store2, ks, agent, dna, func(string) bool { return true })
	require.NoError(t, err)
	require.True(t, sc2.HasInitialized())
	require.EqualValues(t, 3, sc2.Len())
	require.Equal(t, sc.ChainHead(), sc2.ChainHead())

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}
