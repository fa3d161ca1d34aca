// Package entry implements the Entry tagged sum and the Record type (§3).
package entry

import (
	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/holo"
)

// Kind discriminates the Entry variants.
type Kind uint8

const (
	KindAgent Kind = iota + 1
	KindApp
	KindCapGrant
	KindCapClaim
	KindCounterSign
)

// Entry is a tagged sum over the five variants in §3.
type Entry struct {
	Kind Kind

	Agent       holo.AgentKey // KindAgent
	App         []byte        // KindApp
	CapGrant    []byte        // KindCapGrant, opaque capability-grant bytes
	CapClaim    []byte        // KindCapClaim, opaque capability-claim bytes
	CounterSign *CounterSignEntry
}

// CounterSignEntry carries the session data alongside the app bytes being
// jointly committed (§3 "CounterSign(CounterSigningSessionData, AppBytes)").
type CounterSignEntry struct {
	Session SessionData
	AppData []byte
}

// SessionData is the preflight-derived session descriptor embedded in the
// CounterSign entry so every participant's copy is self-describing.
type SessionData struct {
	PreflightRequestHash holo.Hash
	Participants         []holo.AgentKey
	// ActionSeqs records, per participant (same order as Participants), the
	// action_seq each participant's countersigned action will occupy.
	ActionSeqs []uint32
}

// Hash computes the entry's content hash (§3).
func (e *Entry) Hash() (holo.EntryHash, error) {
	return holo.HashContent(holo.HashTypeEntry, e)
}

// Visibility reports whether this entry is Public (safe to gossip in full
// via StoreEntry) or Private (only ever published as a hash reference).
// Agent, CapGrant, and CapClaim entries are always private; App entries
// carry visibility via their app-supplied entry type string, following the
// original's per-entry-type visibility flag (SPEC_FULL §C.1).
func (e *Entry) Visibility(appEntryType string, isPublicType func(entryType string) bool) action.EntryVisibility {
	switch e.Kind {
	case KindAgent, KindCapGrant, KindCapClaim:
		return action.VisibilityPrivate
	case KindApp, KindCounterSign:
		if isPublicType != nil && isPublicType(appEntryType) {
			return action.VisibilityPublic
		}
		return action.VisibilityPrivate
	default:
		return action.VisibilityPrivate
	}
}

// Record is a (SignedAction, Option<Entry>) pair (§3). Entry is present
// exactly when the action variant carries an entry_hash.
type Record struct {
	SignedAction action.SignedAction
	Entry        *Entry
}

// Validate enforces the §3 invariant that Entry is present iff the action
// carries an entry_hash, and that its hash matches.
func (r *Record) Validate() error {
	entryHash, hasEntryHash := r.SignedAction.Action.EntryHash()
	if hasEntryHash == (r.Entry == nil) {
		return holo.ErrHeaderAndEntryMismatch
	}
	if r.Entry == nil {
		return nil
	}
	h, err := r.Entry.Hash()
	if err != nil {
		return err
	}
	if h != entryHash {
		return holo.ErrHeaderAndEntryMismatch
	}
	return nil
}
