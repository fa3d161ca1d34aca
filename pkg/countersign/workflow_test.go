package countersign_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/countersign"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/keystore"
	"github.com/holochain-go/corechain/pkg/ports"
	"github.com/holochain-go/corechain/pkg/sourcechain"
)

// fakeNetwork answers GetAgentActivity with a canned response per agent,
// enough to drive §4.7 resolution without a real transport.
type fakeNetwork struct {
	responses map[holo.AgentKey]*ports.ActivityResponse
}

func (f *fakeNetwork) Publish(ctx context.Context, basis holo.Hash, ops []holo.Hash, opts ports.PublishOptions) error {
	return nil
}
func (f *fakeNetwork) Get(ctx context.Context, hash holo.Hash, opts ports.GetOptions) (*entry.Record, error) {
	return nil, nil
}
func (f *fakeNetwork) GetAgentActivity(ctx context.Context, author holo.AgentKey, filter ports.ActivityFilter, opts ports.GetOptions) (*ports.ActivityResponse, error) {
	return f.responses[author], nil
}
func (f *fakeNetwork) MustGetAgentActivity(ctx context.Context, author holo.AgentKey, filter ports.ActivityFilter) (*ports.MustGetAgentActivityResponse, error) {
	return nil, nil
}
func (f *fakeNetwork) CountersigningAuthorityResponse(ctx context.Context, agents []holo.AgentKey, signedActions []action.SignedAction) error {
	return nil
}
func (f *fakeNetwork) SendValidationReceipts(ctx context.Context, toAgent holo.AgentKey, receipts []ports.SignedReceiptWire) error {
	return nil
}

func newTestWorkflow(t *testing.T) (*countersign.Workflow, holo.AgentKey) {
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
	require.NoError(t, sc.Genesis(context.Background(), dna, nil, &entry.Entry{Kind: entry.KindAgent, Agent: agent}))

	return &countersign.Workflow{Chain: sc, Network: &fakeNetwork{responses: map[holo.AgentKey]*ports.ActivityResponse{}}, AuthoritiesToQuery: 1}, agent
}

func TestWorkflowHappyPathFlushesAndUnlocks(t *testing.T) {
	w, alice := newTestWorkflow(t)
	bob := holo.NewHash(holo.HashTypeAgent, []byte("bob"))

	appEntry := &entry.Entry{Kind: entry.KindApp, App: []byte(`{"x":1}`)}
	entryHash, err := appEntry.Hash()
	require.NoError(t, err)

	req := countersign.PreflightRequest{
		SessionID:    countersign.NewSessionID(),
		AppEntryHash: entryHash,
		Participants: []holo.AgentKey{alice, bob},
		ActionSeqs:   []uint32{3, 7},
		Expires:      holo.Now().Add(1e9),
	}

	sess, err := w.Accept(context.Background(), req)
	require.NoError(t, err)
	require.True(t, w.Chain.IsLocked())

	tmpl := &action.Action{Kind: action.KindCreate, Create: &action.CreateFields{EntryType: "counter", EntryHash: entryHash}}
	_, err = w.Commit(sess, tmpl, appEntry)
	require.NoError(t, err)
	require.True(t, w.Chain.IsLocked(), "chain stays locked until the session resolves")

	bobSigned := action.SignedAction{Action: action.Action{
		Kind: action.KindCreate, Author: bob, ActionSeq: 7,
		Create: &action.CreateFields{EntryType: "counter", EntryHash: entryHash},
	}}
	sig, err := w.ReceiveBundle(context.Background(), sess, appEntry, []action.SignedAction{bobSigned})
	require.NoError(t, err)
	require.NotNil(t, sig)
	require.Equal(t, countersign.SignalSuccessfulCountersigning, sig.Kind)
	require.False(t, w.Chain.IsLocked())

	rec, err := w.Chain.GetAtIndex(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "counter", rec.SignedAction.Action.Create.EntryType)
}

func TestWorkflowResolvesAbandonedAfterExpiry(t *testing.T) {
	w, alice := newTestWorkflow(t)
	bob := holo.NewHash(holo.HashTypeAgent, []byte("bob"))

	appEntry := &entry.Entry{Kind: entry.KindApp, App: []byte(`{"x":2}`)}
	entryHash, err := appEntry.Hash()
	require.NoError(t, err)

	req := countersign.PreflightRequest{
		SessionID:    countersign.NewSessionID(),
		AppEntryHash: entryHash,
		Participants: []holo.AgentKey{alice, bob},
		ActionSeqs:   []uint32{3, 7},
		Expires:      holo.Now(),
	}
	sess, err := w.Accept(context.Background(), req)
	require.NoError(t, err)

	tmpl := &action.Action{Kind: action.KindCreate, Create: &action.CreateFields{EntryType: "counter", EntryHash: entryHash}}
	_, err = w.Commit(sess, tmpl, appEntry)
	require.NoError(t, err)

	fn := w.Network.(*fakeNetwork)
	fn.responses[bob] = &ports.ActivityResponse{}
	res, sig, err := w.ResolveStalled(context.Background(), sess, appEntry)
	require.NoError(t, err)
	require.Nil(t, sig)
	require.Equal(t, countersign.SessionIndeterminate, res)
	require.True(t, w.Chain.IsLocked(), "indeterminate resolution leaves the chain locked")

	fn.responses[bob] = &ports.ActivityResponse{Actions: []action.SignedAction{{
		Action: action.Action{Kind: action.KindCreate, Author: bob, ActionSeq: 7, Create: &action.CreateFields{EntryType: "other"}},
	}}}
	res, sig, err = w.ResolveStalled(context.Background(), sess, appEntry)
	require.NoError(t, err)
	require.Equal(t, countersign.SessionAbandoned, res)
	require.NotNil(t, sig)
	require.Equal(t, countersign.SignalAbandonedCountersigning, sig.Kind)
	require.False(t, w.Chain.IsLocked())

	n, err := w.Chain.GetAtIndex(context.Background(), 3)
	require.NoError(t, err)
	require.Nil(t, n, "the unflushed countersign commit was discarded")
}

func TestReconcileOnRestartClearsOrphanedLock(t *testing.T) {
	w, _ := newTestWorkflow(t)

	subject := holo.NewHash(holo.HashTypeExternal, []byte("orphan-session"))
	require.NoError(t, w.Chain.Lock(context.Background(), subject, holo.Now().Add(1e9)))

	cleared, err := w.ReconcileOnRestart(context.Background(), func(holo.Hash) bool { return false })
	require.NoError(t, err)
	require.True(t, cleared)
	require.False(t, w.Chain.IsLocked())
}
