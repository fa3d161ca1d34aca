package sourcechain

import (
	"context"
	"time"

	"github.com/holochain-go/corechain/pkg/holo"
)

// chainLock records that the chain is held for a countersigning session
// (§4.7, §5): while locked, Author refuses any action not part of that
// session, surfacing ErrChainLocked, so a participant can't accidentally
// fork their own chain mid-session.
type chainLock struct {
	subject holo.Hash // the preflight request hash identifying the session
	expires holo.Timestamp
}

func (l *chainLock) expired() bool {
	return holo.Now().After(l.expires)
}

// Lock places the chain under a countersigning hold until expires, tied to
// subject (the session's preflight request hash). Returns ErrChainLocked if
// already locked for a different, unexpired subject. The hold is also
// written to the Authored DB's chain_lock row (§4.7 "accept": "the caller's
// chain is locked (inserting a lock row for author)") so it survives a
// process restart for the restart-discipline reconciliation below.
func (sc *SourceChain) Lock(ctx context.Context, subject holo.Hash, expires holo.Timestamp) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.lockedBy != nil && !sc.lockedBy.expired() && sc.lockedBy.subject != subject {
		return holo.ErrChainLocked
	}
	if err := sc.store.PersistLock(ctx, sc.author, subject, expires); err != nil {
		return err
	}
	sc.lockedBy = &chainLock{subject: subject, expires: expires}
	return nil
}

// Unlock releases a hold for subject. Releasing a lock held by a different,
// unexpired subject is a programming error in the caller and returns
// ErrChainLocked rather than silently unlocking someone else's session.
func (sc *SourceChain) Unlock(ctx context.Context, subject holo.Hash) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.lockedBy == nil {
		return sc.store.DeleteLock(ctx, sc.author)
	}
	if !sc.lockedBy.expired() && sc.lockedBy.subject != subject {
		return holo.ErrChainLocked
	}
	if err := sc.store.DeleteLock(ctx, sc.author); err != nil {
		return err
	}
	sc.lockedBy = nil
	return nil
}

// ReconcileLockOnRestart implements the §4.7 restart discipline: "an Unknown
// session with a lock but no workspace entry is abandoned: the lock is
// cleared and the chain is left intact (no signal is emitted)." hasSession
// reports whether subject still has a live entry in the countersigning
// workspace; when it doesn't, a persisted lock found on Open is stale and is
// cleared without touching any authored record. Returns false if there was
// no persisted lock to reconcile.
func (sc *SourceChain) ReconcileLockOnRestart(ctx context.Context, hasSession func(subject holo.Hash) bool) (cleared bool, err error) {
	persisted, err := sc.store.LoadLock(ctx, sc.author)
	if err != nil {
		return false, err
	}
	if persisted == nil {
		return false, nil
	}
	sc.mu.Lock()
	sc.lockedBy = &chainLock{subject: persisted.Subject, expires: persisted.Expires}
	sc.mu.Unlock()
	if hasSession(persisted.Subject) {
		return false, nil
	}
	if err := sc.store.DeleteLock(ctx, sc.author); err != nil {
		return false, err
	}
	sc.mu.Lock()
	sc.lockedBy = nil
	sc.mu.Unlock()
	return true, nil
}

// IsLocked reports whether the chain is currently held for any unexpired
// countersigning session.
func (sc *SourceChain) IsLocked() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lockedBy != nil && !sc.lockedBy.expired()
}

// CheckHeadMoved reports ErrHeadMoved if the chain head has advanced past
// expectedHead since the caller last observed it — used by countersigning
// (§4.7) to detect a concurrent local commit invalidating a pending session.
func (sc *SourceChain) CheckHeadMoved(expectedHead ChainHead) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.head != expectedHead {
		return holo.ErrHeadMoved
	}
	return nil
}

// defaultLockTTL is a default countersigning lock duration. Nothing in this
// module applies it: countersign.Workflow.Accept locks the chain until the
// preflight request's own Expires.
const defaultLockTTL = 5 * time.Minute
