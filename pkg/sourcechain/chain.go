package sourcechain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/dhtop"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/keystore"
)

// ChainHead is the tip of a source chain (§4.1 chain_head): the hash and
// sequence of the most recently committed action, scratch included.
type ChainHead struct {
	ActionHash holo.ActionHash
	ActionSeq  uint32
}

// SourceChain is the append-only, hash-linked per-agent log (§4.1). Writes
// go through a scratch space first and are flushed to the AuthoredStore only
// on Flush, following the same scratch-then-flush discipline as the
// original's SourceChainBuffer (SPEC_FULL §C.2): callers build up a set of
// pending records, validate them, and commit them atomically together, so a
// failed validation never leaves a partial write in the persisted chain.
type SourceChain struct {
	mu sync.Mutex

	store    AuthoredStore
	keys     keystore.Keystore
	author   holo.AgentKey
	dna      holo.DnaHash
	pub      IsPublicTypeFunc
	lockedBy *chainLock

	// scratch holds records authored since the last Flush, not yet visible
	// to GetAtIndex/chain readers outside this SourceChain.
	scratch []*entry.Record
	// persistedLen is the chain length as of the last successful Flush (or
	// load), cached to avoid a DB round trip on every head check.
	persistedLen uint32
	head         ChainHead
	initialized  bool

	logger *slog.Logger
}

// IsPublicTypeFunc re-exports dhtop's callback type so SourceChain callers
// don't need to import dhtop directly just to pass one in.
type IsPublicTypeFunc = dhtop.IsPublicTypeFunc

// Open loads a SourceChain over an existing AuthoredStore, restoring the
// chain head from whatever has already been flushed.
func Open(ctx context.Context, store AuthoredStore, keys keystore.Keystore, author holo.AgentKey, dna holo.DnaHash, pub IsPublicTypeFunc) (*SourceChain, error) {
	sc := &SourceChain{store: store, keys: keys, author: author, dna: dna, pub: pub,
		logger: slog.Default().With("component", "sourcechain", "author", author.String())}
	n, err := store.Len(ctx)
	if err != nil {
		return nil, err
	}
	sc.persistedLen = n
	if n > 0 {
		rec, err := store.GetAtIndex(ctx, n-1)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("sourcechain: store reports length %d but index %d missing", n, n-1)
		}
		h, err := rec.SignedAction.Action.Hash()
		if err != nil {
			return nil, err
		}
		sc.head = ChainHead{ActionHash: h, ActionSeq: rec.SignedAction.Action.ActionSeq}
		sc.initialized = true
	}
	return sc, nil
}

// AuthorKey returns the agent key this chain is authored by.
func (sc *SourceChain) AuthorKey() holo.AgentKey { return sc.author }

// HasInitialized reports whether the genesis triple has been committed
// (§4.1 has_initialized).
func (sc *SourceChain) HasInitialized() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.initialized
}

// ChainHead returns the current tip, scratch included (§4.1 chain_head).
func (sc *SourceChain) ChainHead() ChainHead {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.head
}

// Len returns the chain length, scratch included.
func (sc *SourceChain) Len() uint32 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.persistedLen + uint32(len(sc.scratch))
}

// Genesis commits the three genesis actions (Dna, AgentValidationPkg,
// Create of the agent entry) in one Flush, per the §3 genesis invariant.
func (sc *SourceChain) Genesis(ctx context.Context, dnaHash holo.DnaHash, membraneProof []byte, agentEntry *entry.Entry) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.initialized || len(sc.scratch) > 0 || sc.persistedLen > 0 {
		return fmt.Errorf("sourcechain: genesis called on non-empty chain")
	}

	now := holo.Now()

	dnaAction := &action.Action{Kind: action.KindDna, Author: sc.author, Timestamp: now, ActionSeq: 0, Dna: &action.DnaFields{Hash: dnaHash}}
	dnaRec, err := sc.signAndWrap(dnaAction, nil)
	if err != nil {
		return err
	}
	prevHash, err := dnaAction.Hash()
	if err != nil {
		return err
	}

	avpAction := &action.Action{Kind: action.KindAgentValidationPkg, Author: sc.author, Timestamp: now, PrevAction: prevHash, ActionSeq: 1, AgentValidationPkg: &action.AgentValidationPkgFields{MembraneProof: membraneProof}}
	avpRec, err := sc.signAndWrap(avpAction, nil)
	if err != nil {
		return err
	}
	prevHash, err = avpAction.Hash()
	if err != nil {
		return err
	}

	agentEntryHash, err := agentEntry.Hash()
	if err != nil {
		return err
	}
	createAction := &action.Action{
		Kind: action.KindCreate, Author: sc.author, Timestamp: now, PrevAction: prevHash, ActionSeq: 2,
		Create: &action.CreateFields{EntryType: "agent", EntryHash: agentEntryHash},
	}
	createRec, err := sc.signAndWrap(createAction, agentEntry)
	if err != nil {
		return err
	}

	if !action.IsGenesisTriple(&dnaRec.SignedAction.Action, &avpRec.SignedAction.Action, &createRec.SignedAction.Action) {
		return fmt.Errorf("%w: constructed genesis triple failed self-check", holo.ErrMalformedGenesisData)
	}

	sc.scratch = append(sc.scratch, dnaRec, avpRec, createRec)
	if err := sc.flushLocked(ctx); err != nil {
		sc.scratch = nil
		return err
	}
	sc.initialized = true
	return nil
}

func (sc *SourceChain) signAndWrap(a *action.Action, e *entry.Entry) (*entry.Record, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	h, err := a.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := sc.keys.Sign(sc.author, h.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sourcechain: sign action: %w", err)
	}
	rec := &entry.Record{SignedAction: action.SignedAction{Action: *a, Signature: sig}, Entry: e}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// PutRaw appends a fully-formed, already-signed record directly to scratch
// without re-deriving it (§4.1 put_raw) — used when replaying records
// received from elsewhere (e.g. countersigning session resolution) rather
// than authoring new ones locally.
func (sc *SourceChain) PutRaw(rec *entry.Record) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := rec.Validate(); err != nil {
		return err
	}
	a := rec.SignedAction.Action
	if a.PrevAction != sc.head.ActionHash {
		return holo.ErrPrevActionMismatch
	}
	if a.ActionSeq != sc.head.ActionSeq+1 {
		return holo.ErrSeqMismatch
	}
	h, err := a.Hash()
	if err != nil {
		return err
	}
	sc.scratch = append(sc.scratch, rec)
	sc.head = ChainHead{ActionHash: h, ActionSeq: a.ActionSeq}
	return nil
}

// Author builds, signs, and stages (in scratch) a new action/entry pair atop
// the current head. kind-specific fields are supplied via the appropriate
// action.*Fields pointer on template; Author fills in Kind, Author,
// Timestamp, PrevAction, and ActionSeq.
func (sc *SourceChain) Author(template *action.Action, e *entry.Entry) (*entry.Record, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.lockedBy != nil && !sc.lockedBy.expired() {
		sc.logger.Warn("author rejected: chain locked", "kind", template.Kind)
		return nil, holo.ErrChainLocked
	}

	rec, err := sc.authorLocked(template, e)
	if err != nil {
		sc.logger.Error("author failed", "kind", template.Kind, slog.Any("err", err))
		return nil, err
	}
	sc.logger.Debug("authored action", "kind", rec.SignedAction.Action.Kind, "action_seq", rec.SignedAction.Action.ActionSeq)
	return rec, nil
}

// AuthorForSession is Author's counterpart for the one record a locked chain
// is still allowed to commit: the countersigned action closing out the
// session identified by subject (§4.7). Any other caller trying to author
// while locked must go through Author and get ErrChainLocked. Unlike
// ordinary commits, the record stays in scratch — it is deliberately not
// flushed here, since §4.7's "authored ops ... are marked withhold_publish
// and are NOT published until the session completes" only makes sense if
// the commit itself is still reversible; the lock is also left in place, so
// that a concurrent ordinary Author can't land on top of an uncommitted
// countersigning session. The caller is responsible for calling Flush (on
// success) or DiscardUnflushedSessionCommit (on abandonment) followed by
// Unlock, per the resolution outcome (§4.7 "resolution"; see
// pkg/countersign.Workflow).
func (sc *SourceChain) AuthorForSession(subject holo.Hash, template *action.Action, e *entry.Entry) (*entry.Record, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.lockedBy == nil || sc.lockedBy.expired() {
		return nil, holo.ErrSessionExpired
	}
	if sc.lockedBy.subject != subject {
		return nil, holo.ErrChainLocked
	}
	return sc.authorLocked(template, e)
}

// DiscardUnflushedSessionCommit removes the most recent scratch record and
// rolls the head back to what it was before AuthorForSession staged it,
// implementing §4.7 abandon_session's "delete the countersign action(s)...
// from the authored store" for the case that matters in practice: the
// action was only ever staged in scratch, never flushed, because the
// workflow defers Flush until CountersigningSuccess. Returns an error if
// the chain isn't currently locked for subject or if scratch is empty
// (the commit was already flushed, which the workflow must not do before
// success — see AuthorForSession).
func (sc *SourceChain) DiscardUnflushedSessionCommit(ctx context.Context, subject holo.Hash) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.lockedBy == nil || sc.lockedBy.subject != subject {
		return holo.ErrChainLocked
	}
	if len(sc.scratch) == 0 {
		return fmt.Errorf("sourcechain: no unflushed session commit to discard for subject %s", subject)
	}
	sc.scratch = sc.scratch[:len(sc.scratch)-1]
	if len(sc.scratch) > 0 {
		last := sc.scratch[len(sc.scratch)-1]
		h, err := last.SignedAction.Action.Hash()
		if err != nil {
			return err
		}
		sc.head = ChainHead{ActionHash: h, ActionSeq: last.SignedAction.Action.ActionSeq}
		return nil
	}
	if sc.persistedLen == 0 {
		sc.head = ChainHead{}
		return nil
	}
	rec, err := sc.store.GetAtIndex(ctx, sc.persistedLen-1)
	if err != nil {
		return err
	}
	ah, err := rec.SignedAction.Action.Hash()
	if err != nil {
		return err
	}
	sc.head = ChainHead{ActionHash: ah, ActionSeq: rec.SignedAction.Action.ActionSeq}
	return nil
}

func (sc *SourceChain) authorLocked(template *action.Action, e *entry.Entry) (*entry.Record, error) {
	template.Author = sc.author
	template.Timestamp = holo.Now()
	template.PrevAction = sc.head.ActionHash
	template.ActionSeq = sc.head.ActionSeq + 1

	rec, err := sc.signAndWrap(template, e)
	if err != nil {
		return nil, err
	}
	h, err := rec.SignedAction.Action.Hash()
	if err != nil {
		return nil, err
	}
	sc.scratch = append(sc.scratch, rec)
	sc.head = ChainHead{ActionHash: h, ActionSeq: rec.SignedAction.Action.ActionSeq}
	return rec, nil
}

// Flush persists everything currently in scratch to the AuthoredStore,
// atomically from the caller's point of view (§4.1 flush semantics): if any
// record fails to persist, the whole batch is discarded from scratch and
// the chain head is rolled back to its last persisted value.
func (sc *SourceChain) Flush(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.flushLocked(ctx)
}

func (sc *SourceChain) flushLocked(ctx context.Context) error {
	if len(sc.scratch) == 0 {
		return nil
	}
	startIndex := sc.persistedLen
	n := len(sc.scratch)
	for i, rec := range sc.scratch {
		if err := sc.store.AppendRecord(ctx, startIndex+uint32(i), rec); err != nil {
			sc.rollbackHeadLocked(ctx)
			sc.logger.Error("flush failed", "action_seq", startIndex+uint32(i), slog.Any("err", err))
			return fmt.Errorf("sourcechain: flush at index %d: %w", startIndex+uint32(i), err)
		}
	}
	sc.persistedLen += uint32(len(sc.scratch))
	sc.scratch = nil
	sc.logger.Info("flushed records", "count", n, "chain_head", sc.head.ActionSeq)
	return nil
}

// rollbackHeadLocked restores head/ActionSeq to the last persisted record,
// discarding whatever scratch had advanced it to (§4.1/§5: a failed flush
// must not leave the in-memory head ahead of what's durable).
func (sc *SourceChain) rollbackHeadLocked(ctx context.Context) {
	sc.scratch = nil
	if sc.persistedLen == 0 {
		sc.head = ChainHead{}
		return
	}
	last, err := sc.store.GetAtIndex(ctx, sc.persistedLen-1)
	if err != nil || last == nil {
		sc.logger.Error("rollback: reload chain head failed", "index", sc.persistedLen-1, slog.Any("err", err))
		return
	}
	h, err := last.SignedAction.Action.Hash()
	if err != nil {
		sc.logger.Error("rollback: hash chain head failed", slog.Any("err", err))
		return
	}
	sc.head = ChainHead{ActionHash: h, ActionSeq: last.SignedAction.Action.ActionSeq}
}

// GetAtIndex returns the record at index, scratch included.
func (sc *SourceChain) GetAtIndex(ctx context.Context, index uint32) (*entry.Record, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if index < sc.persistedLen {
		return sc.store.GetAtIndex(ctx, index)
	}
	scratchIdx := index - sc.persistedLen
	if scratchIdx >= uint32(len(sc.scratch)) {
		return nil, nil
	}
	return sc.scratch[scratchIdx], nil
}

// GetAction is a convenience wrapper over GetAtIndex returning just the
// action.
func (sc *SourceChain) GetAction(ctx context.Context, index uint32) (*action.Action, error) {
	rec, err := sc.GetAtIndex(ctx, index)
	if err != nil || rec == nil {
		return nil, err
	}
	return &rec.SignedAction.Action, nil
}

// GetRecord is an alias for GetAtIndex kept for callers that read more
// naturally in terms of records than raw indices.
func (sc *SourceChain) GetRecord(ctx context.Context, index uint32) (*entry.Record, error) {
	return sc.GetAtIndex(ctx, index)
}

// IterBack walks the chain from the current head back to genesis, calling fn
// for each record until fn returns false or genesis is reached (§4.1
// iter_back).
func (sc *SourceChain) IterBack(ctx context.Context, fn func(*entry.Record) bool) error {
	n := sc.Len()
	for i := int64(n) - 1; i >= 0; i-- {
		rec, err := sc.GetAtIndex(ctx, uint32(i))
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// DumpState summarizes the chain for diagnostics (§4.1 dump_state): length,
// head, and the number of ops pending publication from unflushed scratch
// records.
type DumpState struct {
	Len               uint32
	Head              ChainHead
	ScratchLen        int
	PendingPublishOps int
}

func (sc *SourceChain) DumpState() (DumpState, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	pending := 0
	for _, rec := range sc.scratch {
		ops, err := dhtop.Produce(rec, sc.pub)
		if err != nil {
			return DumpState{}, err
		}
		pending += dhtop.CountPublishable(ops)
	}
	return DumpState{
		Len:               sc.persistedLen + uint32(len(sc.scratch)),
		Head:              sc.head,
		ScratchLen:        len(sc.scratch),
		PendingPublishOps: pending,
	}, nil
}
