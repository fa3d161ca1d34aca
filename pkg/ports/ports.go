// Package ports declares the typed external collaborators this core depends
// on but does not implement (§6): the network transport, the app-level
// (WASM zome) validator, and related wire response types. Everything named
// here is, per spec §1, out of scope to implement — the admin CLI, TOML
// config loading, websocket/RPC surface, keystore implementation, low-level
// transport, and conductor lifecycle appear ONLY as these typed ports.
//
// Open question disposition (spec §9): bridge configuration and its cycle
// detection belong to the conductor lifecycle, itself out of scope; this
// package intentionally does not model bridges at all.
package ports

import (
	"context"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
)

// GetOptions tunes a Network.Get call (timeout, whether to return the most
// recent vs. the oldest known value, etc). Left minimal since its knobs are
// a network-layer concern out of scope here.
type GetOptions struct {
	Timeout int64 // milliseconds; 0 means the port's default
}

// PublishOptions tunes a Network.Publish call.
type PublishOptions struct {
	RequireReceipt bool
}

// ActivityFilter bounds a get_agent_activity query (§6) by sequence range.
type ActivityFilter struct {
	FromSeq *uint32
	ToSeq   *uint32
}

// ActivityResponse is the result of get_agent_activity: the subset of an
// author's chain actions the remote authority is willing to disclose.
type ActivityResponse struct {
	Actions  []action.SignedAction
	Warrants []holo.Hash // hashes of any warrants filed against this author

	// AuthorityWarranted reports that the queried authority itself has been
	// found to have misbehaved (§4.7 resolution step 2: "authority is
	// warranted"). A caller resolving a countersigning session must discard
	// this response and query a different authority rather than counting it
	// toward the required-response quorum.
	AuthorityWarranted bool
}

// MustGetAgentActivityResponse is the sum described in §6 /
// SPEC_FULL §C.3: `must_get_agent_activity` either returns the requested
// range of ops in full, or one of three reasons it could not.
type MustGetAgentActivityResponseKind uint8

const (
	MustGetActivity MustGetAgentActivityResponseKind = iota + 1
	MustGetIncompleteChain
	MustGetChainTopNotFound
	MustGetEmptyRange
)

type MustGetAgentActivityResponse struct {
	Kind            MustGetAgentActivityResponseKind
	Actions         []action.SignedAction   // MustGetActivity
	ChainTopNotFound holo.ActionHash         // MustGetChainTopNotFound
}

// Network is the §6 network port: publish, get, agent-activity queries,
// countersigning-authority responses, and receipt delivery. A concrete
// implementation talks to the (out of scope) gossip/transport layer; this
// core only ever calls through this interface.
type Network interface {
	Publish(ctx context.Context, basis holo.Hash, ops []holo.Hash, opts PublishOptions) error
	Get(ctx context.Context, hash holo.Hash, opts GetOptions) (*entry.Record, error)
	GetAgentActivity(ctx context.Context, author holo.AgentKey, filter ActivityFilter, opts GetOptions) (*ActivityResponse, error)
	MustGetAgentActivity(ctx context.Context, author holo.AgentKey, filter ActivityFilter) (*MustGetAgentActivityResponse, error)
	CountersigningAuthorityResponse(ctx context.Context, agents []holo.AgentKey, signedActions []action.SignedAction) error
	SendValidationReceipts(ctx context.Context, toAgent holo.AgentKey, receipts []SignedReceiptWire) error
}

// SignedReceiptWire is the wire shape of a validation receipt as sent over
// the network port; pkg/receiptagg defines the richer in-process type and
// converts at the boundary.
type SignedReceiptWire struct {
	OpHash    holo.OpHash
	Validator holo.AgentKey
	Valid     bool
	Signature holo.Signature
}

// AppValidationOutcome is the sum an (out-of-scope) app validator returns
// for a single op (§4.5, §6): a pure function of Op × Store.
type AppValidationOutcome uint8

const (
	AppValid AppValidationOutcome = iota + 1
	AppInvalid
	AppUnresolvedDependencies
)

// AppValidator is the §6 port for app-level (WASM zome) validation — out of
// scope to implement; the system validator (pkg/sysval) calls through this
// after its own structural checks pass, and treats a nil AppValidator as
// "no app validation configured" (Accepted once structural checks pass).
type AppValidator interface {
	ValidateOp(ctx context.Context, op interface{}) (AppValidationOutcome, string, error)
}
