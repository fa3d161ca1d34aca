// Package countersign implements the multi-party atomic-commit workflow
// (§4.7): a preflight negotiation, a locked chain-head window, and
// resolution once every participant's signature set either completes or the
// session times out. Modeled on the teacher's governance/corroborator.go
// (collecting independent attestations toward a quorum before resolving)
// and kernel/critical_path.go for the state-machine discipline around a
// guarded multi-step resource hold.
package countersign

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
)

// State is the session state machine named in §4.7.
type State uint8

const (
	StateIdle State = iota + 1
	StateAccepted
	StateSignaturesCollected
	StateUnknown
	StateComplete
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAccepted:
		return "Accepted"
	case StateSignaturesCollected:
		return "SignaturesCollected"
	case StateUnknown:
		return "Unknown"
	case StateComplete:
		return "Complete"
	case StateAbandoned:
		return "Abandoned"
	default:
		return "Invalid"
	}
}

// PreflightRequest is the session proposal every participant must agree to
// before any of them locks their chain (§4.7).
type PreflightRequest struct {
	SessionID    string
	AppEntryHash holo.EntryHash
	Participants []holo.AgentKey
	// ActionSeqs gives each participant's action_seq for their countersigned
	// action, same order as Participants.
ActionSeqs   []uint32
	Expires holo.Timestamp
}

func (p *PreflightRequest) Hash() (holo.Hash, error) {
	return holo.HashContent(holo.HashTypeExternal, p)
}

// Session tracks one countersigning negotiation from the accepting
// participant's point of view.
type Session struct {
	mu sync.Mutex

	Request     PreflightRequest
	RequestHash holo.Hash
	State       State
	// Signatures collects each participant's signed countersigned action as
	// it arrives, keyed by agent.
	Signatures map[holo.AgentKey]action.SignedAction
}

// NewSessionID mints a fresh session identifier the way the teacher mints
// correlation IDs for in-flight corroboration rounds.
func NewSessionID() string { return uuid.NewString() }

// Accept moves a freshly received PreflightRequest into StateAccepted,
// recording its hash for later chain-lock correlation (§4.7 "accept").
func Accept(req PreflightRequest) (*Session, error) {
	h, err := req.Hash()
	if err != nil {
		return nil, err
	}
	return &Session{
		Request: req, RequestHash: h, State: StateAccepted,
		Signatures: make(map[holo.AgentKey]action.SignedAction),
	}, nil
}

// Commit records this participant's own countersigned action as the first
// entry in Signatures (§4.7 "commit": the local half of the joint entry).
func (s *Session) Commit(sa action.SignedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateAccepted {
		return fmt.Errorf("countersign: commit called outside Accepted state (state=%s)", s.State)
	}
	if !isParticipant(s.Request.Participants, sa.Action.Author) {
		return fmt.Errorf("countersign: committing author is not a session participant")
	}
	s.Signatures[sa.Action.Author] = sa
	return nil
}

// ReceiveCountersignature records a remote participant's signed action as it
// arrives via CountersigningAuthorityResponse (§6 port), transitioning to
// StateSignaturesCollected once every participant is accounted for.
func (s *Session) ReceiveCountersignature(sa action.SignedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateAccepted && s.State != StateSignaturesCollected {
		return fmt.Errorf("countersign: unexpected signature in state %s", s.State)
	}
	if !isParticipant(s.Request.Participants, sa.Action.Author) {
		return fmt.Errorf("countersign: signature from non-participant %s", sa.Action.Author)
	}
	s.Signatures[sa.Action.Author] = sa
	if len(s.Signatures) == len(s.Request.Participants) {
		s.State = StateSignaturesCollected
	}
	return nil
}

// CountersigningSuccess reports whether every participant's signature has
// been collected and is internally consistent: same app entry hash, and
// each action's action_seq matches the seq it was preflighted for (§4.7
// "countersigning_success").
func (s *Session) CountersigningSuccess(appEntry *entry.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateSignaturesCollected {
		return false, nil
	}
	entryHash, err := appEntry.Hash()
	if err != nil {
		return false, err
	}
	if entryHash != s.Request.AppEntryHash {
		return false, fmt.Errorf("countersign: app entry hash does not match preflight request")
	}
	for i, participant := range s.Request.Participants {
		sa, ok := s.Signatures[participant]
		if !ok {
			return false, nil
		}
		if sa.Action.ActionSeq != s.Request.ActionSeqs[i] {
			return false, fmt.Errorf("countersign: participant %s signed at seq %d, expected %d", participant, sa.Action.ActionSeq, s.Request.ActionSeqs[i])
		}
	}
	return true, nil
}

// Resolution is the outcome of resolving a session once it either completes
// or the preflight deadline passes (§4.7 "resolution").
type Resolution uint8

const (
	ResolutionComplete Resolution = iota + 1
	ResolutionTimedOutUnresolved
	ResolutionAbandoned
)

// Resolve decides the session's Resolution given the current time, moving
// State to Complete, Abandoned or Unknown accordingly. A session past its
// Expires that never reached SignaturesCollected resolves Abandoned; one
// that reached SignaturesCollected but whose CountersigningSuccess check
// failed resolves as TimedOutUnresolved (State unchanged, error returned) so
// the caller can fall back to agent-activity-based recovery
// (Workflow.ResolveStalled, §4.7, §9) rather than silently dropping the
// locked chain. A session that is neither complete nor past its Expires
// moves to StateUnknown and also resolves TimedOutUnresolved.
func (s *Session) Resolve(now holo.Timestamp, appEntry *entry.Entry) (Resolution, error) {
	s.mu.Lock()
	already := s.State
	s.mu.Unlock()

	if already == StateComplete {
		return ResolutionComplete, nil
	}
	if already == StateAbandoned {
		return ResolutionAbandoned, nil
	}

	ok, err := s.CountersigningSuccess(appEntry)
	if err != nil {
		return ResolutionTimedOutUnresolved, err
	}
	if ok {
		s.mu.Lock()
		s.State = StateComplete
		s.mu.Unlock()
		return ResolutionComplete, nil
	}

	if now.After(s.Request.Expires) {
		s.mu.Lock()
		s.State = StateAbandoned
		s.mu.Unlock()
		return ResolutionAbandoned, nil
	}

	s.mu.Lock()
	s.State = StateUnknown
	s.mu.Unlock()
	return ResolutionTimedOutUnresolved, nil
}

// Abandon force-transitions the session to StateAbandoned regardless of
// expiry (§4.7 "abandon_session"). It only changes the session's state;
// releasing the chain lock is the caller's job (Workflow.ResolveStalled
// unlocks the chain before calling it).
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateAbandoned
}

// Restart resets a timed-out-but-not-abandoned session back to Accepted so
// a fresh round of countersignature collection can be attempted against the
// same preflight request (§4.7 "restart").
func (s *Session) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateUnknown {
		return fmt.Errorf("countersign: restart only valid from Unknown state, got %s", s.State)
	}
	s.Signatures = make(map[holo.AgentKey]action.SignedAction)
	s.State = StateAccepted
	return nil
}

func isParticipant(participants []holo.AgentKey, agent holo.AgentKey) bool {
	for _, p := range participants {
		if p == agent {
			return true
		}
	}
	return false
}
