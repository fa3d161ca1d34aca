package dht_test

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holochain-go/corechain/pkg/activity"
	"github.com/holochain-go/corechain/pkg/dht"
	"github.com/holochain-go/corechain/pkg/dhtop"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/policy"
	"github.com/holochain-go/corechain/pkg/receiptagg"
)

// memStore is a minimal in-memory dht.Store fake used to exercise the
// Integrator's stage transitions without a live Postgres instance.
type memStore struct {
	mu      sync.Mutex
	records map[holo.OpHash]*dht.Record
}

func newMemStore() *memStore {
	return &memStore{records: map[holo.OpHash]*dht.Record{}}
}

func (m *memStore) Put(ctx context.Context, op dhtop.Op) (holo.OpHash, error) {
	h, err := op.Hash()
	if err != nil {
		return holo.Hash{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[h]; !exists {
		m.records[h] = &dht.Record{Op: op, OpHash: h, Stage: dht.StagePending}
	}
	return h, nil
}

func (m *memStore) SetStage(ctx context.Context, opHash holo.OpHash, stage dht.ValidationStage, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[opHash]
	if !ok {
		return nil
	}
	rec.Stage = stage
	rec.History = append(rec.History, dht.StageTransition{Stage: stage, Note: note})
	return nil
}

func (m *memStore) Get(ctx context.Context, opHash holo.OpHash) (*dht.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[opHash], nil
}

func (m *memStore) ScanByStage(ctx context.Context, stage dht.ValidationStage, limit int) ([]*dht.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*dht.Record
	for _, rec := range m.records {
		if rec.Stage == stage {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpHash.String() < out[j].OpHash.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ByBasis(ctx context.Context, basis holo.Hash) ([]*dht.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*dht.Record
	for _, rec := range m.records {
		if rec.Op.Basis == basis && rec.Stage == dht.StageIntegrated {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) MarkReceiptsSent(ctx context.Context, opHash holo.OpHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[opHash]; ok {
		rec.ReceiptsSent = true
	}
	return nil
}

func (m *memStore) SetReceiptPolicy(ctx context.Context, opHash holo.OpHash, requireReceipt, withholdPublish bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[opHash]; ok {
		rec.RequireReceipt = requireReceipt
		rec.WithholdPublish = withholdPublish
	}
	return nil
}

var _ dht.Store = (*memStore)(nil)

func testOp(t *testing.T, seed string) dhtop.Op {
	t.Helper()
	return dhtop.Op{
		Type:       dhtop.TypeStoreRecord,
		Basis:      holo.NewHash(holo.HashTypeAction, []byte(seed)),
		ActionHash: holo.NewHash(holo.HashTypeAction, []byte(seed)),
		Author:     holo.NewHash(holo.HashTypeAgent, []byte(seed)),
	}
}

func TestIntegratorAdvancesAcceptedOpToIntegrated(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	h, err := store.Put(ctx, testOp(t, "op-1"))
	require.NoError(t, err)

	it := dht.NewIntegrator(store)
	acceptAll := func(ctx context.Context, r *dht.Record) (bool, string, error) { return true, "", nil }

	n, err := it.AdvancePending(ctx, acceptAll, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := store.Get(ctx, h)
	require.NoError(t, err)
	require.Equal(t, dht.StageAwaitingAppValidation, rec.Stage)

	n, err = it.AdvanceAppValidation(ctx, nil, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, _ = store.Get(ctx, h)
	require.Equal(t, dht.StageAwaitingIntegration, rec.Stage)

	n, err = it.Integrate(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, _ = store.Get(ctx, h)
	require.Equal(t, dht.StageIntegrated, rec.Stage)

	byBasis, err := store.ByBasis(ctx, rec.Op.Basis)
	require.NoError(t, err)
	require.Len(t, byBasis, 1)
}

func TestIntegratorRejectsFailingOp(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	h, err := store.Put(ctx, testOp(t, "op-2"))
	require.NoError(t, err)

	it := dht.NewIntegrator(store)
	rejectAll := func(ctx context.Context, r *dht.Record) (bool, string, error) { return false, "bad op", nil }

	n, err := it.AdvancePending(ctx, rejectAll, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	rec, _ := store.Get(ctx, h)
	require.Equal(t, dht.StageRejected, rec.Stage)
	require.Equal(t, "bad op", rec.History[len(rec.History)-1].Note)
}

func TestIntegratorLeavesMissingDependencyOpPending(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	h, err := store.Put(ctx, testOp(t, "op-3"))
	require.NoError(t, err)

	it := dht.NewIntegrator(store)
	missingDep := func(ctx context.Context, r *dht.Record) (bool, string, error) {
		return false, "", holo.MissingDhtDep(holo.NewHash(holo.HashTypeAction, []byte("dep")))
	}

	n, err := it.AdvancePending(ctx, missingDep, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	rec, _ := store.Get(ctx, h)
	require.Equal(t, dht.StagePending, rec.Stage, "op with a missing dependency must stay pending for retry")
}

func seqOp(t *testing.T, author holo.AgentKey, seq uint32, opType dhtop.Type) dhtop.Op {
	t.Helper()
	actionHash := holo.NewHash(holo.HashTypeAction, []byte{byte(seq)})
	return dhtop.Op{
		Type:       opType,
		Basis:      author,
		ActionHash: actionHash,
		Author:     author,
		ActionSeq:  seq,
	}
}

// TestIntegrateGatesOnActivityDependency exercises §4.3 item 3: an op at
// seq N only integrates once its author's activity cache shows seq N-1
// already integrated, and the RegisterAgentActivity op for a seq is what
// advances that watermark.
func TestIntegrateGatesOnActivityDependency(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	author := holo.NewHash(holo.HashTypeAgent, []byte("agent"))
	cache := activity.NewCache()
	it := dht.NewIntegrator(store, dht.WithActivityCache(cache))

	seq1Record := seqOp(t, author, 1, dhtop.TypeStoreRecord)
	h1, err := store.Put(ctx, seq1Record)
	require.NoError(t, err)
	require.NoError(t, store.SetStage(ctx, h1, dht.StageAwaitingIntegration, "awaiting"))

	// Seq 1's dependency (seq 0's RegisterAgentActivity) hasn't integrated
	// yet, so it must stay put.
	n, err := it.Integrate(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	rec, _ := store.Get(ctx, h1)
	require.Equal(t, dht.StageAwaitingIntegration, rec.Stage)

	// Integrate seq 0's RegisterAgentActivity op, which advances the cache.
	seq0Activity := seqOp(t, author, 0, dhtop.TypeRegisterAgentActivity)
	h0, err := store.Put(ctx, seq0Activity)
	require.NoError(t, err)
	require.NoError(t, store.SetStage(ctx, h0, dht.StageAwaitingIntegration, "awaiting"))

	// Integrate may need up to two scans: one to integrate seq 0 itself,
	// and (if seq 1 was scanned first within a single pass) one more to
	// pick up seq 1 now that the watermark has advanced.
	n, err = it.Integrate(ctx, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
	if n < 2 {
		n, err = it.Integrate(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	rec, _ = store.Get(ctx, h1)
	require.Equal(t, dht.StageIntegrated, rec.Stage)
	upTo, ok := cache.IntegratedUpTo(author)
	require.True(t, ok)
	require.Equal(t, uint32(0), upTo, "only the RegisterAgentActivity op advances the watermark")
}

func TestAdvancePendingAppliesReceiptPolicy(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	recordOp := testOp(t, "record-op")
	hRecord, err := store.Put(ctx, recordOp)
	require.NoError(t, err)

	activityOp := recordOp
	activityOp.Type = dhtop.TypeRegisterAgentActivity
	activityOp.Basis = activityOp.Author
	hActivity, err := store.Put(ctx, activityOp)
	require.NoError(t, err)

	eval, err := policy.New("", "")
	require.NoError(t, err)
	it := dht.NewIntegrator(store, dht.WithReceiptPolicy(eval))
	acceptAll := func(ctx context.Context, r *dht.Record) (bool, string, error) { return true, "", nil }

	n, err := it.AdvancePending(ctx, acceptAll, 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rec, _ := store.Get(ctx, hRecord)
	require.True(t, rec.RequireReceipt, "default policy requires a receipt for StoreRecord")

	rec, _ = store.Get(ctx, hActivity)
	require.False(t, rec.RequireReceipt, "default policy exempts RegisterAgentActivity")
}

func TestReceiptQuorumMet(t *testing.T) {
	ctx := context.Background()
	agg, err := receiptagg.Open(filepath.Join(t.TempDir(), "receipts.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { agg.Close() })

	op := testOp(t, "quorum-op")
	h, err := op.Hash()
	require.NoError(t, err)

	unrequired := &dht.Record{Op: op, OpHash: h, RequireReceipt: false}
	met, err := dht.ReceiptQuorumMet(ctx, unrequired, agg, 2)
	require.NoError(t, err)
	require.True(t, met, "an op that never required a receipt trivially meets quorum")

	required := &dht.Record{Op: op, OpHash: h, RequireReceipt: true}
	met, err = dht.ReceiptQuorumMet(ctx, required, agg, 2)
	require.NoError(t, err)
	require.False(t, met)

	for i := 0; i < 2; i++ {
		validator := holo.NewHash(holo.HashTypeAgent, []byte{byte(i)})
		added, err := agg.AddIfUnique(ctx, receiptagg.Receipt{
			OpHash: h, ActionHash: op.ActionHash, Validator: validator, Valid: true,
			Signature: holo.Signature{0x01}, Receivedat: holo.Now(),
		})
		require.NoError(t, err)
		require.True(t, added)
	}

	met, err = dht.ReceiptQuorumMet(ctx, required, agg, 2)
	require.NoError(t, err)
	require.True(t, met, "two distinct valid receipts should satisfy a quorum of 2")
}

func TestReceiptsComplete(t *testing.T) {
	require.True(t, dht.ReceiptsComplete(&dht.Record{RequireReceipt: false}))
	require.False(t, dht.ReceiptsComplete(&dht.Record{RequireReceipt: true, ReceiptsSent: false}))
	require.True(t, dht.ReceiptsComplete(&dht.Record{RequireReceipt: true, ReceiptsSent: true}))
}
