// Package dhtop implements DHT Op production and classification (§3 "Op",
// §4.2 "Op Producer"): expanding a committed Record into the fixed set of
// typed ops that get gossiped to authorities selected by each op's basis
// hash.
package dhtop

import (
	"fmt"
	"log/slog"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
)

var logger = slog.Default().With("component", "dhtop")

// Type discriminates the Op variants (§3 table). The numeric values double
// as the op-type rank used by Order (§4.2), so their declaration order IS
// the ranking. Every variant has a rank of its own (0-9): the two
// RegisterUpdated* types do not share a rank, nor do the two
// RegisterDeleted* types.
type Type uint8

const (
	TypeStoreRecord Type = iota
	TypeStoreEntry
	TypeRegisterAgentActivity
	TypeRegisterUpdatedContent
	TypeRegisterUpdatedRecord
	TypeRegisterDeletedBy
	TypeRegisterDeletedEntryAction
	TypeRegisterAddLink
	TypeRegisterRemoveLink
	TypeWarrant
)

func (t Type) String() string {
	switch t {
	case TypeStoreRecord:
		return "StoreRecord"
	case TypeStoreEntry:
		return "StoreEntry"
	case TypeRegisterAgentActivity:
		return "RegisterAgentActivity"
	case TypeRegisterUpdatedContent:
		return "RegisterUpdatedContent"
	case TypeRegisterUpdatedRecord:
		return "RegisterUpdatedRecord"
	case TypeRegisterDeletedBy:
		return "RegisterDeletedBy"
	case TypeRegisterDeletedEntryAction:
		return "RegisterDeletedEntryAction"
	case TypeRegisterAddLink:
		return "RegisterAddLink"
	case TypeRegisterRemoveLink:
		return "RegisterRemoveLink"
	case TypeWarrant:
		return "Warrant"
	default:
		return "Unknown"
	}
}

// Order is the total order key described in §3/§4.2: op-type rank first,
// then timestamp, then (by convention, applied by callers comparing two
// Orders with equal rank and timestamp) the op hash.
type Order struct {
	TypeRank  uint8
	Timestamp holo.Timestamp
}

// Less compares two Orders for the (rank, timestamp) part of the ordering;
// ties must be broken by op hash by the caller, since Order alone can't see
// it.
func (o Order) Less(other Order) bool {
	if o.TypeRank != other.TypeRank {
		return o.TypeRank < other.TypeRank
	}
	return o.Timestamp < other.Timestamp
}

// Op is one DHT operation: a typed projection of a Record, addressed at a
// basis hash that selects its DHT authority.
type Op struct {
	Type       Type
	Basis      holo.Hash
	Order      Order
	Action     action.SignedAction
	Entry      *entry.Entry // present only for StoreRecord/StoreEntry when applicable
	Warrant    *WarrantRef  // present only for TypeWarrant; see pkg/warrant
	ActionHash holo.ActionHash
	Author     holo.AgentKey
	ActionSeq  uint32
}

// WarrantRef is an opaque forward reference to a warrant payload; pkg/warrant
// defines the concrete Warrant type and constructs ops of TypeWarrant
// directly rather than through Produce, since warrants don't originate from
// a chain record.
type WarrantRef struct {
	WarrantHash holo.WarrantHash
}

// Hash computes the op's content hash, used as its identity on the wire and
// as a deterministic order tie-break (§3, §4.2). Warrant ops fold in the
// referenced warrant hash, since they carry no ActionHash of their own.
func (o *Op) Hash() (holo.OpHash, error) {
	var warrantHash holo.WarrantHash
	if o.Warrant != nil {
		warrantHash = o.Warrant.WarrantHash
	}
	return holo.HashContent(holo.HashTypeOp, struct {
		Type        Type
		Basis       holo.Hash
		ActionHash  holo.ActionHash
		WarrantHash holo.WarrantHash
		Timestamp   holo.Timestamp
	}{o.Type, o.Basis, o.ActionHash, warrantHash, o.Order.Timestamp})
}

// IsPublicTypeFunc reports whether an app-supplied entry type is public.
// Supplied by the caller (the zome/DNA definition is out of scope, §1).
type IsPublicTypeFunc func(entryType string) bool

// Produce expands rec into the full fixed set of ops described in §3,
// filtered only by entry visibility (§4.2, §8 property 4 "Op production
// totality"): a chain that only ever authors private entries still
// produces RegisterAgentActivity and StoreRecord ops, just never
// StoreEntry for that private content.
func Produce(rec *entry.Record, isPublicType IsPublicTypeFunc) ([]Op, error) {
	a := rec.SignedAction.Action
	actionHash, err := a.Hash()
	if err != nil {
		logger.Error("produce: hash action failed", "kind", a.Kind, slog.Any("err", err))
		return nil, fmt.Errorf("dhtop: hash action: %w", err)
	}

	var ops []Op

	// StoreRecord and RegisterAgentActivity are produced for every action,
	// public or private entry alike.
	ops = append(ops, Op{
		Type:       TypeStoreRecord,
		Basis:      actionHash,
		Order:      Order{TypeRank: uint8(TypeStoreRecord), Timestamp: a.Timestamp},
		Action:     rec.SignedAction,
		Entry:      rec.Entry,
		ActionHash: actionHash,
		Author:     a.Author,
		ActionSeq:  a.ActionSeq,
	})

	ops = append(ops, Op{
		Type:       TypeRegisterAgentActivity,
		Basis:      a.Author,
		Order:      Order{TypeRank: uint8(TypeRegisterAgentActivity), Timestamp: a.Timestamp},
		Action:     rec.SignedAction,
		ActionHash: actionHash,
		Author:     a.Author,
		ActionSeq:  a.ActionSeq,
	})

	if entryHash, hasEntry := a.EntryHash(); hasEntry {
		if rec.Entry == nil {
			err := fmt.Errorf("dhtop: action %s declares an entry but record carries none", actionHash)
			logger.Error("produce: missing entry", "action_hash", actionHash.String(), slog.Any("err", err))
			return nil, err
		}
		entryType, _ := a.EntryType()
		vis := rec.Entry.Visibility(entryType, isPublicType)
		if vis == action.VisibilityPublic {
			ops = append(ops, Op{
				Type:       TypeStoreEntry,
				Basis:      entryHash,
				Order:      Order{TypeRank: uint8(TypeStoreEntry), Timestamp: a.Timestamp},
				Action:     rec.SignedAction,
				Entry:      rec.Entry,
				ActionHash: actionHash,
				Author:     a.Author,
				ActionSeq:  a.ActionSeq,
			})
		}
	}

	switch a.Kind {
	case action.KindUpdate:
		ops = append(ops,
			Op{
				Type:       TypeRegisterUpdatedContent,
				Basis:      a.Update.OriginalEntryAddress,
				Order:      Order{TypeRank: uint8(TypeRegisterUpdatedContent), Timestamp: a.Timestamp},
				Action:     rec.SignedAction,
				ActionHash: actionHash,
				Author:     a.Author,
				ActionSeq:  a.ActionSeq,
			},
			Op{
				Type:       TypeRegisterUpdatedRecord,
				Basis:      a.Update.OriginalActionAddress,
				Order:      Order{TypeRank: uint8(TypeRegisterUpdatedRecord), Timestamp: a.Timestamp},
				Action:     rec.SignedAction,
				ActionHash: actionHash,
				Author:     a.Author,
				ActionSeq:  a.ActionSeq,
			},
		)
	case action.KindDelete:
		ops = append(ops,
			Op{
				Type:       TypeRegisterDeletedBy,
				Basis:      a.Delete.DeletesAddress,
				Order:      Order{TypeRank: uint8(TypeRegisterDeletedBy), Timestamp: a.Timestamp},
				Action:     rec.SignedAction,
				ActionHash: actionHash,
				Author:     a.Author,
				ActionSeq:  a.ActionSeq,
			},
			Op{
				Type:       TypeRegisterDeletedEntryAction,
				Basis:      a.Delete.DeletesEntryAddress,
				Order:      Order{TypeRank: uint8(TypeRegisterDeletedEntryAction), Timestamp: a.Timestamp},
				Action:     rec.SignedAction,
				ActionHash: actionHash,
				Author:     a.Author,
				ActionSeq:  a.ActionSeq,
			},
		)
	case action.KindCreateLink:
		ops = append(ops, Op{
			Type:       TypeRegisterAddLink,
			Basis:      a.CreateLink.Base,
			Order:      Order{TypeRank: uint8(TypeRegisterAddLink), Timestamp: a.Timestamp},
			Action:     rec.SignedAction,
			ActionHash: actionHash,
			Author:     a.Author,
			ActionSeq:  a.ActionSeq,
		})
	case action.KindDeleteLink:
		ops = append(ops, Op{
			Type:       TypeRegisterRemoveLink,
			Basis:      a.DeleteLink.LinkAddAddress,
			Order:      Order{TypeRank: uint8(TypeRegisterRemoveLink), Timestamp: a.Timestamp},
			Action:     rec.SignedAction,
			ActionHash: actionHash,
			Author:     a.Author,
			ActionSeq:  a.ActionSeq,
		})
	}

	logger.Debug("produced ops", "action_hash", actionHash.String(), "author", a.Author.String(), "action_seq", a.ActionSeq, "op_count", len(ops))
	return ops, nil
}

// CountPublishable reports how many of ops would actually be published —
// i.e. excludes any StoreEntry whose entry is private (§4.1 dump_state).
// Produce never emits a private StoreEntry in the first place, so in
// practice this equals len(ops); it exists so dump_state can state the
// count without re-deriving visibility.
func CountPublishable(ops []Op) int {
	return len(ops)
}
