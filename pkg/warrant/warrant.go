// Package warrant implements signed misbehavior attestations (§4.6): a
// third party's proof, gossiped like any other op, that some agent
// authored something invalid. Modeled on the teacher's governance/denial.go
// (a signed denial-of-service attestation carrying a proof payload and a
// validator signature) generalized from "this request should be denied" to
// "this chain action is invalid."
package warrant

import (
	"fmt"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/dhtop"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/keystore"
)

// ProofKind discriminates the two warrant proof variants named in §4.6.
type ProofKind uint8

const (
	ProofChainFork ProofKind = iota + 1
	ProofInvalidChainOp
)

// ChainForkProof evidences that an agent authored two different actions at
// the same action_seq: the two conflicting signed actions are the proof
// itself. Seq is the warrant's own declared sequence number (§3 "ChainFork
// { chain_author, action_pair, seq }"), checked against both actions'
// ActionSeq independently of the actions themselves so a warrant that
// misstates its own seq is rejected even if both embedded actions are
// otherwise well-formed (spec scenario S6).
type ChainForkProof struct {
	ActionA action.SignedAction
	ActionB action.SignedAction
	Seq     uint32
}

// InvalidChainOpProof evidences that a specific signed action failed system
// or app validation, carrying the rejection reason as part of the proof so
// a recipient can re-derive the same verdict without re-fetching
// dependencies that may since have been garbage collected.
type InvalidChainOpProof struct {
	Action action.SignedAction
	Reason string
}

// Warrant is a third party's attestation against author, signed by the
// Warrantor who observed the misbehavior (§4.6).
type Warrant struct {
	Proof     ProofKind
	Author    holo.AgentKey // the agent accused of misbehavior
	Warrantor holo.AgentKey // the agent issuing the warrant
	Timestamp holo.Timestamp

	ChainFork      *ChainForkProof      // ProofChainFork
	InvalidChainOp *InvalidChainOpProof // ProofInvalidChainOp

	Signature holo.Signature // Warrantor's signature over the warrant's hash
}

// Hash computes the warrant's content hash (its identity on the wire, and
// the basis for its TypeWarrant DHT op).
func (w *Warrant) Hash() (holo.WarrantHash, error) {
	return holo.HashContent(holo.HashTypeWarrant, struct {
		Proof          ProofKind
		Author         holo.AgentKey
		Warrantor      holo.AgentKey
		Timestamp      holo.Timestamp
		ChainFork      *ChainForkProof
		InvalidChainOp *InvalidChainOpProof
	}{w.Proof, w.Author, w.Warrantor, w.Timestamp, w.ChainFork, w.InvalidChainOp})
}

// NewChainForkWarrant constructs and signs a ChainFork warrant: two actions
// by the same author at the same seq but with different hashes.
func NewChainForkWarrant(keys keystore.Keystore, warrantor holo.AgentKey, a, b action.SignedAction) (*Warrant, error) {
	if a.Action.Author != b.Action.Author {
		return nil, fmt.Errorf("warrant: chain fork proof requires a single accused author")
	}
	if a.Action.ActionSeq != b.Action.ActionSeq {
		return nil, fmt.Errorf("warrant: chain fork proof requires actions at the same seq")
	}
	ha, err := a.Action.Hash()
	if err != nil {
		return nil, err
	}
	hb, err := b.Action.Hash()
	if err != nil {
		return nil, err
	}
	if ha == hb {
		return nil, fmt.Errorf("warrant: actions are identical, not a fork")
	}
	if a.Action.PrevAction != b.Action.PrevAction {
		return nil, fmt.Errorf("warrant: chain fork proof requires actions with the same prev_action")
	}
	w := &Warrant{
		Proof: ProofChainFork, Author: a.Action.Author, Warrantor: warrantor, Timestamp: holo.Now(),
		ChainFork: &ChainForkProof{ActionA: a, ActionB: b, Seq: a.Action.ActionSeq},
	}
	return signWarrant(keys, warrantor, w)
}

// NewChainForkWarrantWithSeq is NewChainForkWarrant but lets the caller
// override the warrant's declared seq independently of the two actions'
// own ActionSeq — used only to construct malformed warrants for testing
// the S6 "warrant seq mismatch" rejection path; real callers should use
// NewChainForkWarrant.
func NewChainForkWarrantWithSeq(keys keystore.Keystore, warrantor holo.AgentKey, a, b action.SignedAction, declaredSeq uint32) (*Warrant, error) {
	w, err := NewChainForkWarrant(keys, warrantor, a, b)
	if err != nil {
		return nil, err
	}
	w.ChainFork.Seq = declaredSeq
	return signWarrant(keys, warrantor, w)
}

// NewInvalidChainOpWarrant constructs and signs an InvalidChainOp warrant
// around a rejected action.
func NewInvalidChainOpWarrant(keys keystore.Keystore, warrantor holo.AgentKey, sa action.SignedAction, reason string) (*Warrant, error) {
	w := &Warrant{
		Proof: ProofInvalidChainOp, Author: sa.Action.Author, Warrantor: warrantor, Timestamp: holo.Now(),
		InvalidChainOp: &InvalidChainOpProof{Action: sa, Reason: reason},
	}
	return signWarrant(keys, warrantor, w)
}

// ToOp expands w into its TypeWarrant DHT op (§3 op table: "Warrant(WarrantOp)
// — basis: warranted author"), the same way dhtop.Produce expands a chain
// record into ops — warrants just don't originate from a chain record, so
// this lives alongside the warrant rather than in dhtop.Produce itself.
func (w *Warrant) ToOp() (dhtop.Op, error) {
	h, err := w.Hash()
	if err != nil {
		return dhtop.Op{}, fmt.Errorf("warrant: hash for op: %w", err)
	}
	return dhtop.Op{
		Type:  dhtop.TypeWarrant,
		Basis: w.Author,
		Order: dhtop.Order{TypeRank: uint8(dhtop.TypeWarrant), Timestamp: w.Timestamp},
		Warrant: &dhtop.WarrantRef{
			WarrantHash: h,
		},
		Author: w.Author,
	}, nil
}

func signWarrant(keys keystore.Keystore, warrantor holo.AgentKey, w *Warrant) (*Warrant, error) {
	h, err := w.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := keys.Sign(warrantor, h.Bytes())
	if err != nil {
		return nil, fmt.Errorf("warrant: sign: %w", err)
	}
	w.Signature = sig
	return w, nil
}

// Verify checks a warrant's internal soundness (§8 property 5 "warrant
// soundness"): the Warrantor's signature is valid, and the proof itself is
// internally consistent (for ChainFork: both actions really are by Author at
// the same seq with different hashes; for InvalidChainOp: the action really
// is by Author). It does NOT re-run the validation that produced an
// InvalidChainOp's reason — that's sysval's job, given the proof's action.
func (w *Warrant) Verify(keys keystore.Keystore) error {
	h, err := w.Hash()
	if err != nil {
		return err
	}
	if !keys.Verify(w.Warrantor, h.Bytes(), w.Signature) {
		return fmt.Errorf("warrant: warrantor signature does not verify")
	}
	switch w.Proof {
	case ProofChainFork:
		if w.ChainFork == nil {
			return fmt.Errorf("warrant: chain fork proof missing")
		}
		a, b := w.ChainFork.ActionA, w.ChainFork.ActionB
		if a.Action.Author != w.Author || b.Action.Author != w.Author {
			return fmt.Errorf("warrant: chain fork proof actions not authored by accused")
		}
		if a.Action.ActionSeq != b.Action.ActionSeq {
			return fmt.Errorf("warrant: chain fork proof actions at different seqs")
		}
		if w.ChainFork.Seq != a.Action.ActionSeq {
			return fmt.Errorf("warrant seq mismatch: warrant declares seq %d, actions are at seq %d", w.ChainFork.Seq, a.Action.ActionSeq)
		}
		if a.Action.PrevAction != b.Action.PrevAction {
			return fmt.Errorf("warrant: chain fork proof actions have different prev_action")
		}
		ha, err := a.Action.Hash()
		if err != nil {
			return err
		}
		hb, err := b.Action.Hash()
		if err != nil {
			return err
		}
		if ha == hb {
			return fmt.Errorf("warrant: chain fork proof actions are identical")
		}
		if !keys.Verify(a.Action.Author, ha.Bytes(), a.Signature) {
			return fmt.Errorf("warrant: chain fork proof action A signature does not verify")
		}
		if !keys.Verify(b.Action.Author, hb.Bytes(), b.Signature) {
			return fmt.Errorf("warrant: chain fork proof action B signature does not verify")
		}
	case ProofInvalidChainOp:
		if w.InvalidChainOp == nil {
			return fmt.Errorf("warrant: invalid chain op proof missing")
		}
		accused := w.InvalidChainOp.Action
		if accused.Action.Author != w.Author {
			return fmt.Errorf("warrant: invalid chain op proof action not authored by accused")
		}
		accusedHash, err := accused.Action.Hash()
		if err != nil {
			return err
		}
		if !keys.Verify(accused.Action.Author, accusedHash.Bytes(), accused.Signature) {
			return fmt.Errorf("warrant: invalid chain op proof action signature does not verify")
		}
	default:
		return fmt.Errorf("warrant: unknown proof kind %d", w.Proof)
	}
	return nil
}
