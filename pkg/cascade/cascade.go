// Package cascade implements the read pipeline referenced by §4.5/§6:
// resolving a hash to a record by checking progressively further-away
// sources — local DHT store, then an optional shared cache, then the
// network port — caching what it finds along the way. Modeled on the
// teacher's Redis-backed cache-aside layer (go-redis/v9 usage pattern
// throughout kernel/*) generalized from "cache a computed result" to
// "cache a fetched DHT record."
package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/dht"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/ports"
)

var logger = slog.Default().With("component", "cascade")

// Cascade resolves Get requests through, in order: the local DHT store, a
// shared cache (if configured), and finally the network port — populating
// the cache on a network hit so the next local request for the same hash
// doesn't cross the network again.
type Cascade struct {
	local   dht.Store
	cache   *redis.Client
	network ports.Network
	ttl     time.Duration
}

// New builds a Cascade. cache may be nil, in which case the cache tier is
// skipped entirely (a node operator who hasn't deployed Redis still gets
// correct, just slower, reads).
func New(local dht.Store, cache *redis.Client, network ports.Network, ttl time.Duration) *Cascade {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cascade{local: local, cache: cache, network: network, ttl: ttl}
}

func cacheKey(hash holo.Hash) string { return "cascade:record:" + hash.String() }

// Get resolves hash to a record, trying local, then cache, then network, in
// that order, and backfilling the cache (not the local store — only the
// integration pipeline writes there) on a network hit.
func (c *Cascade) Get(ctx context.Context, hash holo.Hash, opts ports.GetOptions) (*entry.Record, error) {
	if recs, err := c.local.ByBasis(ctx, hash); err == nil && len(recs) > 0 {
		return recordFromOp(recs[0])
	}

	if c.cache != nil {
		raw, err := c.cache.Get(ctx, cacheKey(hash)).Bytes()
		if err == nil {
			var rec entry.Record
			if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil {
				return &rec, nil
			}
		} else if err != redis.Nil {
			// A cache error shouldn't fail the read; fall through to the
			// network the same as a cache miss.
			_ = err
		}
	}

	rec, err := c.network.Get(ctx, hash, opts)
	if err != nil {
		logger.Error("cascade get failed", "hash", hash.String(), slog.Any("err", err))
		return nil, fmt.Errorf("cascade: network get %s: %w", hash, err)
	}
	if rec == nil {
		logger.Debug("cascade get: not found", "hash", hash.String())
		return nil, nil
	}
	logger.Debug("cascade get: network hit", "hash", hash.String())

	if c.cache != nil {
		if raw, err := json.Marshal(rec); err == nil {
			c.cache.Set(ctx, cacheKey(hash), raw, c.ttl)
		}
	}
	return rec, nil
}

func recordFromOp(r *dht.Record) (*entry.Record, error) {
	return &entry.Record{SignedAction: r.Op.Action, Entry: r.Op.Entry}, nil
}

// GetByActionHash adapts Get to the pkg/sysval.ActionSource port (§4.5's
// "pluggable Cascade that can fetch missing dependencies remotely"),
// letting the system validator resolve a prev/dependency action through the
// same local-then-cache-then-network pipeline every other read uses.
func (c *Cascade) GetByActionHash(ctx context.Context, h holo.ActionHash) (*action.SignedAction, error) {
	rec, err := c.Get(ctx, h, ports.GetOptions{})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return &rec.SignedAction, nil
}

// The remaining methods delegate straight to the underlying network port,
// letting *Cascade stand in anywhere a ports.Network is required (e.g.
// countersign.Workflow.Network / ResolveParticipant) while still being the
// one object a node wires its caching read-path through.

func (c *Cascade) Publish(ctx context.Context, basis holo.Hash, ops []holo.Hash, opts ports.PublishOptions) error {
	return c.network.Publish(ctx, basis, ops, opts)
}

func (c *Cascade) GetAgentActivity(ctx context.Context, author holo.AgentKey, filter ports.ActivityFilter, opts ports.GetOptions) (*ports.ActivityResponse, error) {
	return c.network.GetAgentActivity(ctx, author, filter, opts)
}

func (c *Cascade) MustGetAgentActivity(ctx context.Context, author holo.AgentKey, filter ports.ActivityFilter) (*ports.MustGetAgentActivityResponse, error) {
	return c.network.MustGetAgentActivity(ctx, author, filter)
}

func (c *Cascade) CountersigningAuthorityResponse(ctx context.Context, agents []holo.AgentKey, signedActions []action.SignedAction) error {
	return c.network.CountersigningAuthorityResponse(ctx, agents, signedActions)
}

func (c *Cascade) SendValidationReceipts(ctx context.Context, toAgent holo.AgentKey, receipts []ports.SignedReceiptWire) error {
	return c.network.SendValidationReceipts(ctx, toAgent, receipts)
}
