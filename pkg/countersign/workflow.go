// Workflow ties the pure session/resolution logic in session.go and
// resolve.go to the source chain (§2 item 7: "Countersigning Workflow
// drives session completion, timeout, and abandonment, cooperating with
// source chain locks and publish"). Modeled on the same
// governance/corroborator.go quorum-then-act shape as resolve.go, with the
// chain-lock cooperation following kernel/critical_path.go's
// acquire-then-release-on-every-exit-path discipline.
package countersign

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/ports"
	"github.com/holochain-go/corechain/pkg/sourcechain"
)

var workflowLogger = slog.Default().With("component", "countersign.workflow")

// SignalKind distinguishes the two system signals §4.7 names.
type SignalKind uint8

const (
	SignalSuccessfulCountersigning SignalKind = iota + 1
	SignalAbandonedCountersigning
)

func (k SignalKind) String() string {
	switch k {
	case SignalSuccessfulCountersigning:
		return "SuccessfulCountersigning"
	case SignalAbandonedCountersigning:
		return "AbandonedCountersigning"
	default:
		return "Invalid"
	}
}

// Signal is the system-level notification §4.7 emits when a session
// resolves either way.
type Signal struct {
	Kind      SignalKind
	EntryHash holo.EntryHash
}

// Workflow drives one local participant's countersigning session end to
// end: accept (locking the chain), commit (staging the local half of the
// entry), signature ingress, and — once the deadline passes without a full
// bundle — resolution against remote agent activity (§4.7). It owns every
// chain-lock/flush/discard decision; Session and the resolve.go functions
// stay pure so they can be unit-tested without a chain at all.
type Workflow struct {
	Chain   *sourcechain.SourceChain
	Network ports.Network

	// AuthoritiesToQuery is NUM_AUTHORITIES_TO_QUERY (§4.7 resolution step
	// 3); nodeconfig.Config.AuthoritiesToQuery feeds this in a wired node.
	AuthoritiesToQuery int
}

// Accept implements §4.7 "accept": locks the caller's chain for req's
// session and enters it at StateAccepted. The lock's subject is the
// preflight request's own hash, so a later commit/resolve/abandon can be
// correlated back to this exact negotiation.
func (w *Workflow) Accept(ctx context.Context, req PreflightRequest) (*Session, error) {
	sess, err := Accept(req)
	if err != nil {
		return nil, err
	}
	if err := w.Chain.Lock(ctx, sess.RequestHash, req.Expires); err != nil {
		return nil, fmt.Errorf("countersign: accept: %w", err)
	}
	return sess, nil
}

// Commit implements §4.7 "commit": stages the local countersigned
// action/entry via the locked chain (observing the lock — only the
// countersign action may land while it's held) and records it as this
// participant's own signature. The record is left in scratch, unflushed,
// until the session resolves one way or the other.
func (w *Workflow) Commit(sess *Session, template *action.Action, appEntry *entry.Entry) (*entry.Record, error) {
	rec, err := w.Chain.AuthorForSession(sess.RequestHash, template, appEntry)
	if err != nil {
		return nil, fmt.Errorf("countersign: commit: %w", err)
	}
	if err := sess.Commit(rec.SignedAction); err != nil {
		return nil, err
	}
	return rec, nil
}

// ReceiveBundle implements §4.7 "signature ingress": feeds a full bundle of
// participants' signed actions into sess (this participant's own, already
// recorded by Commit, is skipped), then — if that completes collection and
// CountersigningSuccess agrees the bundle is internally consistent —
// flushes the staged commit, unlocks the chain, and returns the
// SuccessfulCountersigning signal. Any other outcome leaves the chain
// locked for a later resolution pass.
func (w *Workflow) ReceiveBundle(ctx context.Context, sess *Session, appEntry *entry.Entry, bundle []action.SignedAction) (*Signal, error) {
	local := w.Chain.AuthorKey()
	workflowLogger.Debug("received signature bundle", "session", sess.RequestHash.String(), "bundle_size", len(bundle))
	for _, sa := range bundle {
		if sa.Action.Author == local {
			continue // our own half was already recorded by Commit
		}
		if err := sess.ReceiveCountersignature(sa); err != nil {
			workflowLogger.Warn("receive bundle rejected", "session", sess.RequestHash.String(), slog.Any("err", err))
			return nil, fmt.Errorf("countersign: receive bundle: %w", err)
		}
	}
	sig, err := w.tryComplete(ctx, sess, appEntry)
	if err != nil {
		workflowLogger.Error("receive bundle: complete failed", "session", sess.RequestHash.String(), slog.Any("err", err))
	}
	return sig, err
}

// tryComplete finalizes sess if CountersigningSuccess now agrees, per §4.7
// "On acceptance ... the chain is unlocked, withhold_publish is cleared ...
// and publish/integrate triggers fire. A SuccessfulCountersigning system
// signal is emitted." (Triggering publish/integrate is the caller's job,
// same as every other pkg/trigger consumer — Workflow only owns the chain
// state transition and the signal.) Returns a nil Signal, nil error when
// the session simply isn't complete yet.
func (w *Workflow) tryComplete(ctx context.Context, sess *Session, appEntry *entry.Entry) (*Signal, error) {
	ok, err := sess.CountersigningSuccess(appEntry)
	if err != nil || !ok {
		return nil, err
	}
	if err := w.Chain.Flush(ctx); err != nil {
		return nil, fmt.Errorf("countersign: flush on success: %w", err)
	}
	if err := w.Chain.Unlock(ctx, sess.RequestHash); err != nil {
		return nil, fmt.Errorf("countersign: unlock on success: %w", err)
	}
	if _, err := sess.Resolve(holo.Now(), appEntry); err != nil {
		return nil, err
	}
	workflowLogger.Info("countersigning session completed", "session", sess.RequestHash.String(), "entry_hash", sess.Request.AppEntryHash.String())
	return &Signal{Kind: SignalSuccessfulCountersigning, EntryHash: sess.Request.AppEntryHash}, nil
}

// ResolveStalled implements §4.7 resolution steps 1-4 for a session that
// has passed its deadline without a full bundle: query every other
// participant's agent-activity authorities, classify and aggregate the
// responses, and either complete the session (synthesizing a bundle from
// this participant's own commit plus the remote actions resolution turned
// up), abandon it (discarding the staged commit and unlocking the chain),
// or leave it Indeterminate for forced user resolution. appEntry is needed
// to re-check CountersigningSuccess if the synthesized bundle completes
// the session. A non-expired session returns SessionIndeterminate without
// querying anything — resolution only runs past the deadline (§4.7).
func (w *Workflow) ResolveStalled(ctx context.Context, sess *Session, appEntry *entry.Entry) (SessionResolution, *Signal, error) {
	sess.mu.Lock()
	expired := holo.Now().After(sess.Request.Expires)
	local := w.Chain.AuthorKey()
	others := make([]holo.AgentKey, 0, len(sess.Request.Participants))
	seqByAgent := make(map[holo.AgentKey]uint32, len(sess.Request.Participants))
	for i, p := range sess.Request.Participants {
		seqByAgent[p] = sess.Request.ActionSeqs[i]
		if p != local {
			others = append(others, p)
		}
	}
	entryHash := sess.Request.AppEntryHash
	sess.mu.Unlock()

	if !expired {
		return SessionIndeterminate, nil, nil
	}
	workflowLogger.Debug("session stalled past deadline, resolving", "session", sess.RequestHash.String(), "participants", len(others))

	resolutions := make([]ParticipantResolution, 0, len(others))
	for _, agent := range others {
		res, err := ResolveParticipant(ctx, w.Network, agent, seqByAgent[agent], entryHash, w.authoritiesToQuery())
		if err != nil {
			workflowLogger.Error("resolve participant failed", "session", sess.RequestHash.String(), "agent", agent.String(), slog.Any("err", err))
			return SessionIndeterminate, nil, err
		}
		resolutions = append(resolutions, res)
	}

	switch AggregateResolutions(resolutions) {
	case SessionComplete:
		// An earlier indeterminate pass leaves the session Unknown; reopen it
		// so the resolved signatures can be collected.
		sess.mu.Lock()
		if sess.State == StateUnknown {
			sess.State = StateAccepted
		}
		sess.mu.Unlock()
		for _, res := range resolutions {
			if res.Signed == nil {
				continue
			}
			if err := sess.ReceiveCountersignature(*res.Signed); err != nil {
				return SessionIndeterminate, nil, fmt.Errorf("countersign: synthesize bundle: %w", err)
			}
		}
		sig, err := w.tryComplete(ctx, sess, appEntry)
		if err != nil {
			return SessionIndeterminate, nil, err
		}
		if sig == nil {
			return SessionIndeterminate, nil, nil
		}
		return SessionComplete, sig, nil
	case SessionAbandoned:
		if err := w.Chain.DiscardUnflushedSessionCommit(ctx, sess.RequestHash); err != nil {
			return SessionIndeterminate, nil, fmt.Errorf("countersign: discard on abandon: %w", err)
		}
		if err := w.Chain.Unlock(ctx, sess.RequestHash); err != nil {
			return SessionIndeterminate, nil, fmt.Errorf("countersign: unlock on abandon: %w", err)
		}
		sess.Abandon()
		workflowLogger.Warn("countersigning session abandoned", "session", sess.RequestHash.String(), "entry_hash", entryHash.String())
		return SessionAbandoned, &Signal{Kind: SignalAbandonedCountersigning, EntryHash: entryHash}, nil
	default:
		sess.mu.Lock()
		sess.State = StateUnknown
		sess.mu.Unlock()
		workflowLogger.Debug("countersigning session resolution indeterminate", "session", sess.RequestHash.String())
		return SessionIndeterminate, nil, nil
	}
}

// ReconcileOnRestart implements §4.7 "restart discipline": called once at
// node startup, before any session has been re-entered into the
// (necessarily empty, post-restart) workspace. A persisted lock with no
// corresponding live session is abandoned — cleared without touching the
// chain or emitting a signal — so a crash mid-session can never strand the
// chain locked forever.
func (w *Workflow) ReconcileOnRestart(ctx context.Context, hasSession func(subject holo.Hash) bool) (cleared bool, err error) {
	return w.Chain.ReconcileLockOnRestart(ctx, hasSession)
}

// authoritiesToQuery defaults to 1 if unset, matching ResolveParticipant's
// own defensive floor.
func (w *Workflow) authoritiesToQuery() int {
	if w.AuthoritiesToQuery < 1 {
		return 1
	}
	return w.AuthoritiesToQuery
}
