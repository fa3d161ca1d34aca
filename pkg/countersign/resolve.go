// Resolution subroutine (§4.7, scenario S8): once a session's deadline
// passes without a full signature bundle, decide per participant whether
// their countersign action landed, is still missing, or was abandoned, by
// querying that participant's agent-activity authorities. Modeled on the
// teacher's governance/corroborator.go quorum-collection pattern — several
// independent attestations must agree before a verdict is trusted.
package countersign

import (
	"context"
	"fmt"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/ports"
)

// ParticipantVerdict is the per-authority/per-participant classification
// from §4.7 resolution step 2.
type ParticipantVerdict uint8

const (
	VerdictIndeterminate ParticipantVerdict = iota + 1
	VerdictComplete
	VerdictAbandoned
)

func (v ParticipantVerdict) String() string {
	switch v {
	case VerdictComplete:
		return "Complete"
	case VerdictAbandoned:
		return "Abandoned"
	case VerdictIndeterminate:
		return "Indeterminate"
	default:
		return "Invalid"
	}
}

// ParticipantResolution is the §4.7 step 3 per-agent decision: the agreed
// verdict across the queried authorities, plus the signed action when the
// verdict is Complete.
type ParticipantResolution struct {
	Agent   holo.AgentKey
	Verdict ParticipantVerdict
	Signed  *action.SignedAction
}

// maxAuthorityAttempts bounds how many authorities ResolveParticipant will
// query looking for authoritiesToQuery non-ignored responses, so a network
// port that only ever answers with warranted authorities can't spin this
// forever.
const maxAuthorityAttempts = 64

// ResolveParticipant implements §4.7 resolution steps 1-3 for a single
// participant: query agent-activity authorities for participant's action at
// seq until authoritiesToQuery non-warranted responses are counted (at most
// maxAuthorityAttempts calls), classify each response, and require all
// counted responses to agree. Disagreement, or failing to collect
// authoritiesToQuery countable responses, yields Indeterminate.
//
// Because ports.Network abstracts over which physical authority answers a
// given call, "querying N authorities" is modeled as making N counted
// GetAgentActivity calls (warranted responses are not counted and trigger
// another call): a real Network implementation load-
// balances each call across the basis hash's authority set, matching the
// abstraction level every other port in this module sits at.
func ResolveParticipant(
	ctx context.Context,
	network ports.Network,
	participant holo.AgentKey,
	seq uint32,
	expectedEntryHash holo.EntryHash,
	authoritiesToQuery int,
) (ParticipantResolution, error) {
	if authoritiesToQuery < 1 {
		authoritiesToQuery = 1
	}

	var agreed *ParticipantResolution
	counted := 0
	for attempt := 0; counted < authoritiesToQuery && attempt < maxAuthorityAttempts; attempt++ {
		resp, err := network.GetAgentActivity(ctx, participant, ports.ActivityFilter{FromSeq: &seq, ToSeq: &seq}, ports.GetOptions{})
		if err != nil {
			return ParticipantResolution{}, fmt.Errorf("countersign: resolve participant %s: query agent activity: %w", participant, err)
		}

		verdict, signed, ignored := classifyActivityResponse(resp, seq, expectedEntryHash)
		if ignored {
			continue // "authority is warranted -> ignore this agent" (§4.7 step 2)
		}
		counted++

		if agreed == nil {
			agreed = &ParticipantResolution{Agent: participant, Verdict: verdict, Signed: signed}
		} else if agreed.Verdict != verdict {
			return ParticipantResolution{Agent: participant, Verdict: VerdictIndeterminate}, nil
		}
	}

	if agreed == nil || counted < authoritiesToQuery {
		return ParticipantResolution{Agent: participant, Verdict: VerdictIndeterminate}, nil
	}
	return *agreed, nil
}

// classifyActivityResponse implements §4.7 resolution step 2 for one
// authority response. ignored=true corresponds to "authority is warranted";
// the caller must not count that response toward the required quorum.
func classifyActivityResponse(resp *ports.ActivityResponse, seq uint32, expectedEntryHash holo.EntryHash) (verdict ParticipantVerdict, signed *action.SignedAction, ignored bool) {
	if resp == nil {
		return VerdictIndeterminate, nil, false
	}
	if resp.AuthorityWarranted {
		return 0, nil, true
	}
	if len(resp.Actions) == 0 {
		return VerdictIndeterminate, nil, false // chain empty or record not yet stored
	}

	var found *action.SignedAction
	for i := range resp.Actions {
		if resp.Actions[i].Action.ActionSeq == seq {
			found = &resp.Actions[i]
			break
		}
	}
	if found == nil {
		return VerdictIndeterminate, nil, false
	}

	entryHash, hasEntry := found.Action.EntryHash()
	if hasEntry && entryHash == expectedEntryHash {
		return VerdictComplete, found, false
	}
	// Present but not our countersign entry (other entry, hidden entry, or
	// N/A) — the participant moved on without us.
	return VerdictAbandoned, nil, false
}

// SessionResolution is the §4.7 step 4 aggregate verdict across every other
// participant in a session.
type SessionResolution uint8

const (
	SessionIndeterminate SessionResolution = iota + 1
	SessionComplete
	SessionAbandoned
)

// AggregateResolutions implements §4.7 resolution step 4: if every other
// participant resolved Complete, the session completes (the caller
// synthesizes a signature bundle from the collected actions and re-enters
// CountersigningSuccess); if every other participant resolved Abandoned,
// the session is abandoned; any other mix (including any Indeterminate)
// leaves the session Indeterminate for forced user resolution.
func AggregateResolutions(others []ParticipantResolution) SessionResolution {
	if len(others) == 0 {
		return SessionIndeterminate
	}
	allComplete, allAbandoned := true, true
	for _, r := range others {
		if r.Verdict != VerdictComplete {
			allComplete = false
		}
		if r.Verdict != VerdictAbandoned {
			allAbandoned = false
		}
	}
	switch {
	case allComplete:
		return SessionComplete
	case allAbandoned:
		return SessionAbandoned
	default:
		return SessionIndeterminate
	}
}
