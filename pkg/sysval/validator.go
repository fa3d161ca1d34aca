// Package sysval implements system-level validation (§4.5): the
// structural, signature, and chain-consistency checks every op must pass
// before app validation even runs. Modeled on the teacher's gate-chain
// validation shape (pkg/conform's ordered Gate list) for the control flow,
// and using github.com/santhosh-tekuri/jsonschema/v5 for the structural
// wire-payload checks the way the teacher validates inbound payloads
// against a JSON schema before touching business logic.
package sysval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/dhtop"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/keystore"
	"github.com/holochain-go/corechain/pkg/warrant"
)

// Outcome is the §4.5/§7 sum a system validation run resolves to.
type Outcome uint8

const (
	Accepted Outcome = iota + 1
	Rejected
	MissingDependency
)

// ActionSource resolves a previously-seen action by hash, used to check
// prev_action/seq continuity and referenced-original fetchability (Update/
// Delete/DeleteLink, §4.5 item 4). cascade.Cascade satisfies it; the
// validator does no fork detection through it.
type ActionSource interface {
	GetByActionHash(ctx context.Context, h holo.ActionHash) (*action.SignedAction, error)
}

// WarrantSource resolves a previously-seen warrant by hash (§4.5 item 6,
// §4.6), used to validate TypeWarrant ops — which carry only a hash
// reference (dhtop.WarrantRef) and need the full proof fetched before it
// can be checked.
type WarrantSource interface {
	GetByWarrantHash(ctx context.Context, h holo.WarrantHash) (*warrant.Warrant, error)
}

// Validator runs system validation for one op at a time (§4.5).
type Validator struct {
	keys     keystore.Keystore
	source   ActionSource
	schema   *jsonschema.Schema
	warrants WarrantSource
	isPublic dhtop.IsPublicTypeFunc
	logger   *slog.Logger
}

// Option configures optional Validator behavior beyond the three mandatory
// constructor arguments, so existing call sites with only keys/source/
// schema keep working unchanged.
type Option func(*Validator)

// WithWarrantSource enables §4.5 item 6 (Warrant op validation). Without
// it, TypeWarrant ops always resolve MissingDependency, since there is
// nowhere to fetch the referenced warrant from.
func WithWarrantSource(ws WarrantSource) Option {
	return func(v *Validator) { v.warrants = ws }
}

// WithPublicTypeFunc supplies the app's entry-type visibility predicate
// (§4.2, §4.5 item 3) used to check a StoreEntry op never carries a
// private entry. Without it, every app entry type is treated as private,
// matching the fail-closed default dhtop.Produce itself uses when no
// predicate is supplied.
func WithPublicTypeFunc(fn dhtop.IsPublicTypeFunc) Option {
	return func(v *Validator) { v.isPublic = fn }
}

// New builds a Validator. schema, if non-nil, is applied to the op's entry
// payload (when present) as an additional structural check beyond the
// Go-level type system — mirroring how the teacher validates arbitrary JSON
// payloads it doesn't otherwise have static types for.
func New(keys keystore.Keystore, source ActionSource, schema *jsonschema.Schema, opts ...Option) *Validator {
	v := &Validator{keys: keys, source: source, schema: schema, logger: slog.Default().With("component", "sysval")}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CompileEntrySchema compiles a JSON schema document (as raw bytes) for use
// as New's schema argument.
func CompileEntrySchema(url string, doc []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("sysval: add schema resource: %w", err)
	}
	return compiler.Compile(url)
}

// Validate runs the system validation checks of §4.5 against op: signature
// authenticity, structural well-formedness, entry-hash/visibility
// agreement (StoreRecord/StoreEntry), referenced-original fetchability
// (Update/Delete/DeleteLink), chain continuity (prev_action/seq), and — for
// TypeWarrant ops — the embedded proof (§4.6). It returns Accepted,
// Rejected (with a reason), or MissingDependency (with a
// *holo.MissingDhtDepError wrapped in err) when a dependency this op needs
// hasn't arrived yet and the check should be retried later (§7 "Retryable
// Dependency Error").
func (v *Validator) Validate(ctx context.Context, op *dhtop.Op) (Outcome, string, error) {
	opHash, hashErr := op.Hash()
	outcome, reason, err := v.validate(ctx, op)
	switch {
	case err != nil:
		v.logger.Error("validate error", "op_type", op.Type, "op_hash", logHash(opHash, hashErr), slog.Any("err", err))
	case outcome == Rejected:
		v.logger.Warn("op rejected", "op_type", op.Type, "op_hash", logHash(opHash, hashErr), "reason", reason)
	case outcome == MissingDependency:
		v.logger.Debug("op missing dependency, scheduled for retry", "op_type", op.Type, "op_hash", logHash(opHash, hashErr), slog.Any("err", err))
	default:
		v.logger.Debug("op accepted", "op_type", op.Type, "op_hash", logHash(opHash, hashErr), "author", op.Author.String(), "action_seq", op.ActionSeq)
	}
	return outcome, reason, err
}

// logHash renders h for a log field, falling back to "unknown" when hashing
// the op itself failed (the hashing error, if any, is logged separately).
func logHash(h holo.OpHash, err error) string {
	if err != nil {
		return "unknown"
	}
	return h.String()
}

func (v *Validator) validate(ctx context.Context, op *dhtop.Op) (Outcome, string, error) {
	if op.Type == dhtop.TypeWarrant {
		return v.validateWarrant(ctx, op)
	}

	sa := op.Action
	a := sa.Action

	if err := a.Validate(); err != nil {
		return Rejected, err.Error(), nil
	}

	actionHash, err := a.Hash()
	if err != nil {
		return Rejected, "", err
	}
	if !v.keys.Verify(a.Author, actionHash.Bytes(), sa.Signature) {
		return Rejected, "signature does not verify against author key", nil
	}

	if op.Type == dhtop.TypeStoreRecord || op.Type == dhtop.TypeStoreEntry {
		if outcome, reason, err := v.validateEntry(op, &a); outcome != Accepted {
			return outcome, reason, err
		}
	}

	if op.Entry != nil && v.schema != nil && op.Entry.App != nil {
		if err := v.schema.Validate(toInterface(op.Entry.App)); err != nil {
			return Rejected, fmt.Sprintf("entry failed schema validation: %v", err), nil
		}
	}

	if a.Kind == action.KindDna {
		return Accepted, "", nil
	}

	prev, err := v.source.GetByActionHash(ctx, a.PrevAction)
	if err != nil {
		return Rejected, "", err
	}
	if prev == nil {
		return MissingDependency, "", holo.MissingDhtDep(a.PrevAction)
	}
	if prev.Action.ActionSeq+1 != a.ActionSeq {
		return Rejected, fmt.Sprintf("action_seq %d does not follow prev_action's seq %d", a.ActionSeq, prev.Action.ActionSeq), nil
	}
	if prev.Action.Author != a.Author {
		return Rejected, "prev_action authored by a different agent", nil
	}

	return v.validateOriginalReference(ctx, &a)
}

// validateEntry implements §4.5 item 3: for StoreEntry/StoreRecord ops
// carrying an entry, the entry's content hash must match the action's
// declared entry_hash, and a StoreEntry op must never carry a private
// entry (private entries are published as StoreRecord only, §4.2).
func (v *Validator) validateEntry(op *dhtop.Op, a *action.Action) (Outcome, string, error) {
	entryHash, has := a.EntryHash()
	if !has || op.Entry == nil {
		return Accepted, "", nil
	}
	gotHash, err := op.Entry.Hash()
	if err != nil {
		return Rejected, "", err
	}
	if gotHash != entryHash {
		return Rejected, "entry content hash does not match action's declared entry_hash", nil
	}
	if op.Type == dhtop.TypeStoreEntry {
		entryType, _ := a.EntryType()
		if op.Entry.Visibility(entryType, v.isPublic) == action.VisibilityPrivate {
			return Rejected, "StoreEntry op must not carry a private entry", nil
		}
	}
	return Accepted, "", nil
}

// validateOriginalReference implements §4.5 item 4: Update/Delete/
// DeleteLink actions reference an original action that must be fetchable,
// locally or (by the caller, via a cascade-backed ActionSource) remotely.
func (v *Validator) validateOriginalReference(ctx context.Context, a *action.Action) (Outcome, string, error) {
	var orig holo.ActionHash
	switch a.Kind {
	case action.KindUpdate:
		orig = a.Update.OriginalActionAddress
	case action.KindDelete:
		orig = a.Delete.DeletesAddress
	case action.KindDeleteLink:
		orig = a.DeleteLink.LinkAddAddress
	default:
		return Accepted, "", nil
	}
	rec, err := v.source.GetByActionHash(ctx, orig)
	if err != nil {
		return Rejected, "", err
	}
	if rec == nil {
		return MissingDependency, "", holo.MissingDhtDep(orig)
	}
	return Accepted, "", nil
}

// validateWarrant implements §4.5 item 6 / §4.6: fetch the full warrant
// referenced by op and check its embedded proof. A warrant this node
// hasn't fetched yet, or no WarrantSource configured at all, resolves
// MissingDependency so intake retries it the same as any other dependency.
func (v *Validator) validateWarrant(ctx context.Context, op *dhtop.Op) (Outcome, string, error) {
	if op.Warrant == nil {
		return Rejected, "warrant op missing warrant reference", nil
	}
	if v.warrants == nil {
		return MissingDependency, "", holo.MissingDhtDep(op.Warrant.WarrantHash)
	}
	w, err := v.warrants.GetByWarrantHash(ctx, op.Warrant.WarrantHash)
	if err != nil {
		return Rejected, "", err
	}
	if w == nil {
		return MissingDependency, "", holo.MissingDhtDep(op.Warrant.WarrantHash)
	}
	if err := w.Verify(v.keys); err != nil {
		return Rejected, err.Error(), nil
	}
	return Accepted, "", nil
}

func toInterface(raw []byte) interface{} {
	// App entry bytes are opaque to this core (§1); when a schema is
	// configured the caller is responsible for supplying bytes that are
	// themselves a JSON document. A non-JSON payload decodes to nil, which
	// then fails validation, the correct outcome for a schema-constrained
	// entry type.
	var v interface{}
	_ = json.Unmarshal(raw, &v)
	return v
}
