// Package action implements the Action tagged sum — the header record on an
// agent's source chain (spec §3 "Action").
package action

import (
	"fmt"

	"github.com/holochain-go/corechain/pkg/holo"
)

// Kind discriminates the Action variants.
type Kind uint8

const (
	KindDna Kind = iota + 1
	KindAgentValidationPkg
	KindCreate
	KindUpdate
	KindDelete
	KindCreateLink
	KindDeleteLink
	KindOpenChain
	KindCloseChain
	KindInitZomesComplete
)

func (k Kind) String() string {
	switch k {
	case KindDna:
		return "Dna"
	case KindAgentValidationPkg:
		return "AgentValidationPkg"
	case KindCreate:
		return "Create"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	case KindCreateLink:
		return "CreateLink"
	case KindDeleteLink:
		return "DeleteLink"
	case KindOpenChain:
		return "OpenChain"
	case KindCloseChain:
		return "CloseChain"
	case KindInitZomesComplete:
		return "InitZomesComplete"
	default:
		return "Unknown"
	}
}

// EntryVisibility categorizes whether an entry may be gossiped in full
// (Public) or only its hash is ever published (Private). Derived the same
// way the original `action.rs` derives it from the entry type (SPEC_FULL §C.1).
type EntryVisibility uint8

const (
	VisibilityPublic EntryVisibility = iota
	VisibilityPrivate
)

// Action is a tagged sum over the ten variants in §3. Rather than a sealed
// interface with ten structs (which would force a type switch at every call
// site just to read the common fields), the common fields are promoted to
// the top level and variant-only fields live in the matching sub-struct;
// at most one of the sub-structs is non-nil, matching Kind
// (InitZomesComplete carries no variant fields and has no sub-struct).
type Action struct {
	Kind       Kind
	Author     holo.AgentKey
	Timestamp  holo.Timestamp
	PrevAction holo.ActionHash // zero for Dna
	ActionSeq  uint32          // 0 for Dna

	Dna                *DnaFields
	AgentValidationPkg *AgentValidationPkgFields
	Create             *CreateFields
	Update             *UpdateFields
	Delete             *DeleteFields
	CreateLink         *CreateLinkFields
	DeleteLink         *DeleteLinkFields
	OpenChain          *OpenChainFields
	CloseChain         *CloseChainFields
}

type DnaFields struct {
	Hash holo.DnaHash
}

type AgentValidationPkgFields struct {
	MembraneProof []byte // nil if absent
}

type CreateFields struct {
	EntryType string
	EntryHash holo.EntryHash
	Weight    EntryRateWeight
}

type UpdateFields struct {
	OriginalActionAddress holo.ActionHash
	OriginalEntryAddress  holo.EntryHash
	EntryType             string
	EntryHash             holo.EntryHash
	Weight                EntryRateWeight
}

type DeleteFields struct {
	DeletesAddress      holo.ActionHash
	DeletesEntryAddress holo.EntryHash
}

type CreateLinkFields struct {
	Base     holo.AnyLinkable
	Target   holo.AnyLinkable
	LinkType uint8
	Tag      []byte
	Weight   EntryRateWeight
}

type DeleteLinkFields struct {
	LinkAddAddress holo.ActionHash
	Base           holo.AnyLinkable
}

type OpenChainFields struct {
	PrevDnaHash holo.DnaHash
}

type CloseChainFields struct {
	NewDnaHash holo.DnaHash
}

// EntryRateWeight is an opaque rate-limiting weight carried by entry-
// creating actions; its internals are a conductor-level concern out of
// scope here (§1), so it is kept as an opaque struct that round-trips.
type EntryRateWeight struct {
	Bucket   uint8
	Units    uint32
	RateBPS  uint32
}

// EntryHash returns the entry hash carried by this action, and whether the
// action carries one at all (only Create/Update do).
func (a *Action) EntryHash() (holo.EntryHash, bool) {
	switch a.Kind {
	case KindCreate:
		return a.Create.EntryHash, true
	case KindUpdate:
		return a.Update.EntryHash, true
	default:
		return holo.Hash{}, false
	}
}

// EntryType returns the app-supplied entry type string for entry-creating
// actions.
func (a *Action) EntryType() (string, bool) {
	switch a.Kind {
	case KindCreate:
		return a.Create.EntryType, true
	case KindUpdate:
		return a.Update.EntryType, true
	default:
		return "", false
	}
}

// Hash computes the action's content hash (§3: "the action hash is defined
// over the blob representation of the action").
func (a *Action) Hash() (holo.ActionHash, error) {
	return holo.HashContent(holo.HashTypeAction, a)
}

// SignedAction pairs an Action with the signature over its content hash,
// produced by the keystore for Action.Author (§3 "SignedAction").
type SignedAction struct {
	Action    Action
	Signature holo.Signature
}

// Validate checks the structural invariants in §3 that don't require chain
// context (genesis position, seq monotonicity against a known previous
// action are checked by the source chain / system validator, which have
// that context). This checks only what a single action can assert about
// itself.
func (a *Action) Validate() error {
	if a.Kind == 0 {
		return fmt.Errorf("%w: unset action kind", holo.ErrMalformedGenesisData)
	}
	if a.Kind == KindDna {
		if a.ActionSeq != 0 {
			return fmt.Errorf("%w: Dna action must have seq 0, got %d", holo.ErrSeqMismatch, a.ActionSeq)
		}
		if !a.PrevAction.IsZero() {
			return fmt.Errorf("%w: Dna action must not have a prev_action", holo.ErrMalformedGenesisData)
		}
		return nil
	}
	if a.PrevAction.IsZero() {
		return fmt.Errorf("%w: non-Dna action must carry prev_action", holo.ErrMalformedGenesisData)
	}
	switch a.Kind {
	case KindCreate:
		if a.Create == nil {
			return fmt.Errorf("%w: Create action missing fields", holo.ErrMalformedGenesisData)
		}
	case KindUpdate:
		if a.Update == nil {
			return fmt.Errorf("%w: Update action missing fields", holo.ErrMalformedGenesisData)
		}
	case KindDelete:
		if a.Delete == nil {
			return fmt.Errorf("%w: Delete action missing fields", holo.ErrMalformedGenesisData)
		}
	case KindCreateLink:
		if a.CreateLink == nil {
			return fmt.Errorf("%w: CreateLink action missing fields", holo.ErrMalformedGenesisData)
		}
	case KindDeleteLink:
		if a.DeleteLink == nil {
			return fmt.Errorf("%w: DeleteLink action missing fields", holo.ErrMalformedGenesisData)
		}
	}
	return nil
}

// IsGenesisTriple reports whether the three actions, in order, have the
// genesis kinds and seqs (§3 invariant): Dna at seq 0, AgentValidationPkg at
// seq 1, then a Create at seq 2. It checks kinds and seqs only; it does not
// check that the Create's entry is the AgentPubKey entry.
func IsGenesisTriple(a0, a1, a2 *Action) bool {
	if a0.Kind != KindDna || a1.Kind != KindAgentValidationPkg || a2.Kind != KindCreate {
		return false
	}
	return a0.ActionSeq == 0 && a1.ActionSeq == 1 && a2.ActionSeq == 2
}
