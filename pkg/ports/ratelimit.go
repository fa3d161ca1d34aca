// Rate limiting on the Network port (§5: "every network send/query may
// suspend and is cancellable"). A node bounds how often it hammers the
// network with publish/get/agent-activity calls, the same way the teacher
// rate-limits outbound calls against third-party collaborators.
package ports

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
)

// RateLimits configures independent token-bucket limiters per Network
// method. A zero Limit means "unlimited" for that method (rate.Inf).
type RateLimits struct {
	Publish               rate.Limit
	Get                   rate.Limit
	GetAgentActivity      rate.Limit
	PublishBurst          int
	GetBurst              int
	GetAgentActivityBurst int
}

// RateLimitedNetwork wraps a Network and applies a per-method token-bucket
// limiter before delegating, blocking (respecting ctx cancellation) until a
// token is available rather than rejecting the call outright — a node under
// load gets backpressure, not spurious errors.
type RateLimitedNetwork struct {
	next Network

	publish          *rate.Limiter
	get              *rate.Limiter
	getAgentActivity *rate.Limiter
}

// NewRateLimitedNetwork builds a RateLimitedNetwork. Limits of 0 are treated
// as unlimited for that method.
func NewRateLimitedNetwork(next Network, limits RateLimits) *RateLimitedNetwork {
	mk := func(limit rate.Limit, burst int) *rate.Limiter {
		if limit <= 0 {
			limit = rate.Inf
		}
		if burst <= 0 {
			burst = 1
		}
		return rate.NewLimiter(limit, burst)
	}
	return &RateLimitedNetwork{
		next:             next,
		publish:          mk(limits.Publish, limits.PublishBurst),
		get:              mk(limits.Get, limits.GetBurst),
		getAgentActivity: mk(limits.GetAgentActivity, limits.GetAgentActivityBurst),
	}
}

func (n *RateLimitedNetwork) Publish(ctx context.Context, basis holo.Hash, ops []holo.Hash, opts PublishOptions) error {
	if err := n.publish.Wait(ctx); err != nil {
		return fmt.Errorf("ports: rate limit wait for publish: %w", err)
	}
	return n.next.Publish(ctx, basis, ops, opts)
}

func (n *RateLimitedNetwork) Get(ctx context.Context, hash holo.Hash, opts GetOptions) (*entry.Record, error) {
	if err := n.get.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ports: rate limit wait for get: %w", err)
	}
	return n.next.Get(ctx, hash, opts)
}

func (n *RateLimitedNetwork) GetAgentActivity(ctx context.Context, author holo.AgentKey, filter ActivityFilter, opts GetOptions) (*ActivityResponse, error) {
	if err := n.getAgentActivity.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ports: rate limit wait for get_agent_activity: %w", err)
	}
	return n.next.GetAgentActivity(ctx, author, filter, opts)
}

func (n *RateLimitedNetwork) MustGetAgentActivity(ctx context.Context, author holo.AgentKey, filter ActivityFilter) (*MustGetAgentActivityResponse, error) {
	if err := n.getAgentActivity.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ports: rate limit wait for must_get_agent_activity: %w", err)
	}
	return n.next.MustGetAgentActivity(ctx, author, filter)
}

func (n *RateLimitedNetwork) CountersigningAuthorityResponse(ctx context.Context, agents []holo.AgentKey, signedActions []action.SignedAction) error {
	if err := n.publish.Wait(ctx); err != nil {
		return fmt.Errorf("ports: rate limit wait for countersigning_authority_response: %w", err)
	}
	return n.next.CountersigningAuthorityResponse(ctx, agents, signedActions)
}

func (n *RateLimitedNetwork) SendValidationReceipts(ctx context.Context, toAgent holo.AgentKey, receipts []SignedReceiptWire) error {
	if err := n.publish.Wait(ctx); err != nil {
		return fmt.Errorf("ports: rate limit wait for send_validation_receipts: %w", err)
	}
	return n.next.SendValidationReceipts(ctx, toAgent, receipts)
}

var _ Network = (*RateLimitedNetwork)(nil)
