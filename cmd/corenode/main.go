// Command corenode is a small demonstration wiring of this module's
// pipeline: it opens a local source chain, runs genesis, authors one app
// entry, and drives that commit through the DHT op/validation/integration
// pipeline via the same event-driven trigger loops (§5/§9) a networked node
// uses, rather than calling the stages as a linear script. It is not an
// admin CLI or conductor (§1 non-goal) — just enough wiring to exercise the
// library end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/activity"
	"github.com/holochain-go/corechain/pkg/blobstore"
	"github.com/holochain-go/corechain/pkg/cascade"
	"github.com/holochain-go/corechain/pkg/dht"
	"github.com/holochain-go/corechain/pkg/dhtop"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/keystore"
	"github.com/holochain-go/corechain/pkg/nodeconfig"
	"github.com/holochain-go/corechain/pkg/policy"
	"github.com/holochain-go/corechain/pkg/ports"
	"github.com/holochain-go/corechain/pkg/receiptagg"
	"github.com/holochain-go/corechain/pkg/sourcechain"
	"github.com/holochain-go/corechain/pkg/sysval"
	"github.com/holochain-go/corechain/pkg/telemetry"
	"github.com/holochain-go/corechain/pkg/trigger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("corenode exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg := nodeconfig.Default()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}
	logger.Info("loaded node config", "quorum", cfg.Quorum, "authorities_to_query", cfg.AuthoritiesToQuery)

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled, _ = strconv.ParseBool(os.Getenv("TELEMETRY_ENABLED"))
	provider, err := telemetry.New(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer provider.Shutdown(context.Background())

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ks := keystore.NewInMemory()
	agent, err := ks.NewSignKeypairRandom()
	if err != nil {
		return fmt.Errorf("generate agent key: %w", err)
	}
	dnaHash := holo.NewHash(holo.HashTypeDna, []byte("demo-dna"))

	isPublicType := func(entryType string) bool { return entryType == "post" }

	blobs, err := blobstore.NewFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	store, err := sourcechain.OpenSQLiteAuthoredStore(filepath.Join(dataDir, "authored.sqlite"), sourcechain.WithBlobStore(blobs))
	if err != nil {
		return fmt.Errorf("open authored store: %w", err)
	}
	defer store.Close()

	chain, err := sourcechain.Open(ctx, store, ks, agent, dnaHash, isPublicType)
	if err != nil {
		return fmt.Errorf("open source chain: %w", err)
	}

	if !chain.HasInitialized() {
		agentEntry := &entry.Entry{Kind: entry.KindAgent, Agent: agent}
		if err := chain.Genesis(ctx, dnaHash, nil, agentEntry); err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
		logger.Info("genesis complete", "agent", agent.String())
	}

	dsn := os.Getenv("DHT_POSTGRES_DSN")
	if dsn == "" {
		logger.Info("DHT_POSTGRES_DSN not set, skipping DHT store wiring")
		return nil
	}

	dhtStore, err := dht.OpenPostgresStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open dht store: %w", err)
	}
	defer dhtStore.Close()

	receipts, err := receiptagg.Open(filepath.Join(dataDir, "receipts.sqlite"))
	if err != nil {
		return fmt.Errorf("open receipt aggregator: %w", err)
	}
	defer receipts.Close()

	// This single-node demo has no real transport to dial, so the cascade's
	// network tier is a stub that always reports "nothing found" (§6: the
	// transport itself is out of scope). The cascade still does real work:
	// it's the ActionSource the system validator resolves prev-action
	// dependencies through, local-store-first.
	net := localOnlyNetwork{}
	reader := cascade.New(dhtStore, nil, net, 0)

	validator := sysval.New(ks, reader, nil, sysval.WithPublicTypeFunc(isPublicType))
	receiptPolicy, err := policy.New("", "")
	if err != nil {
		return fmt.Errorf("build receipt policy: %w", err)
	}
	integrator := dht.NewIntegrator(dhtStore, dht.WithActivityCache(activity.NewCache()), dht.WithReceiptPolicy(receiptPolicy))

	// pending holds ops a commit produced, waiting for the incoming-op
	// trigger to carry them through validate -> integrate -> receipt. A
	// commit and the ops it produces are handed off between two independent
	// loops here, the same way a locally-authored op and a gossiped one from
	// a peer both land on the incoming-op loop in a networked node (§5).
	var mu sync.Mutex
	var pending []dhtop.Op
	intakeDone := make(chan struct{}, 1)

	onIncomingOp := func(ctx context.Context) {
		mu.Lock()
		ops := pending
		pending = nil
		mu.Unlock()
		if len(ops) == 0 {
			return
		}
		for _, op := range ops {
			if _, err := dhtStore.Put(ctx, op); err != nil {
				logger.Error("put op failed", "err", err)
				return
			}
		}
		sysCheck := func(ctx context.Context, r *dht.Record) (bool, string, error) {
			outcome, reason, err := validator.Validate(ctx, &r.Op)
			if err != nil {
				return false, "", err
			}
			return outcome == sysval.Accepted, reason, nil
		}
		if _, err := integrator.AdvancePending(ctx, sysCheck, cfg.IntegrationBatchSize); err != nil {
			logger.Error("advance pending ops failed", "err", err)
			return
		}
		if _, err := integrator.AdvanceAppValidation(ctx, nil, cfg.IntegrationBatchSize); err != nil {
			logger.Error("advance app validation failed", "err", err)
			return
		}
		if _, err := integrator.Integrate(ctx, cfg.IntegrationBatchSize); err != nil {
			logger.Error("integrate ops failed", "err", err)
			return
		}
		select {
		case intakeDone <- struct{}{}:
		default:
		}
	}

	// No countersigning session is active in this single-node demo; a node
	// with real peers fires this loop from countersign.Workflow's bundle and
	// timeout events and calls ReceiveBundle/ResolveStalled here (§4.7).
	onSessionStep := func(ctx context.Context) {}

	// Fires once a chain commit is flushed; a networked node also calls
	// Network.Publish from here (§4.2/§6, out of scope for this core). In
	// this demo it does nothing: run itself appends the commit's ops to
	// pending and fires the incoming-op loop.
	onCommit := func(ctx context.Context) {}

	set := trigger.NewSet(ctx, provider, onCommit, onIncomingOp, onSessionStep)

	appEntry := &entry.Entry{Kind: entry.KindApp, App: []byte(`{"hello":"world"}`)}
	entryHash, err := appEntry.Hash()
	if err != nil {
		return fmt.Errorf("hash app entry: %w", err)
	}
	tmpl := &action.Action{Kind: action.KindCreate, Create: &action.CreateFields{EntryType: "post", EntryHash: entryHash}}
	rec, err := chain.Author(tmpl, appEntry)
	if err != nil {
		return fmt.Errorf("author create action: %w", err)
	}
	if err := chain.Flush(ctx); err != nil {
		return fmt.Errorf("flush chain: %w", err)
	}
	logger.Info("authored app entry", "action_seq", rec.SignedAction.Action.ActionSeq)

	ops, err := dhtop.Produce(rec, isPublicType)
	if err != nil {
		return fmt.Errorf("produce ops: %w", err)
	}
	logger.Info("produced ops", "count", len(ops), "publishable", dhtop.CountPublishable(ops))

	mu.Lock()
	pending = append(pending, ops...)
	mu.Unlock()
	set.OnCommit.Fire()
	set.OnIncomingOp.Fire()

	select {
	case <-intakeDone:
	case <-time.After(10 * time.Second):
		logger.Warn("timed out waiting for intake pipeline to finish")
	}

	for _, op := range ops {
		h, err := op.Hash()
		if err != nil {
			return fmt.Errorf("hash op: %w", err)
		}
		opRec, err := dhtStore.Get(ctx, h)
		if err != nil {
			return fmt.Errorf("get op record: %w", err)
		}
		if opRec == nil {
			continue
		}
		met, err := dht.ReceiptQuorumMet(ctx, opRec, receipts, cfg.Quorum)
		if err != nil {
			return fmt.Errorf("check receipt quorum: %w", err)
		}
		logger.Info("receipt quorum status", "op_hash", h.String(), "require_receipt", opRec.RequireReceipt, "quorum_met", met)
	}

	cancel()
	set.OnCommit.Wait()
	set.OnIncomingOp.Wait()
	set.OnSessionStep.Wait()

	logger.Info("demo pipeline run complete")
	return nil
}

// localOnlyNetwork is a stub ports.Network for this single-node demo, which
// has no real peers to query: every call reports "nothing found" rather
// than reaching any transport (the transport itself is §6 out of scope).
// It exists so cascade.New and a future countersign.Workflow have a real
// Network value to wrap instead of nil.
type localOnlyNetwork struct{}

func (localOnlyNetwork) Publish(ctx context.Context, basis holo.Hash, ops []holo.Hash, opts ports.PublishOptions) error {
	return nil
}

func (localOnlyNetwork) Get(ctx context.Context, hash holo.Hash, opts ports.GetOptions) (*entry.Record, error) {
	return nil, nil
}

func (localOnlyNetwork) GetAgentActivity(ctx context.Context, author holo.AgentKey, filter ports.ActivityFilter, opts ports.GetOptions) (*ports.ActivityResponse, error) {
	return &ports.ActivityResponse{}, nil
}

func (localOnlyNetwork) MustGetAgentActivity(ctx context.Context, author holo.AgentKey, filter ports.ActivityFilter) (*ports.MustGetAgentActivityResponse, error) {
	return &ports.MustGetAgentActivityResponse{Kind: ports.MustGetChainTopNotFound}, nil
}

func (localOnlyNetwork) CountersigningAuthorityResponse(ctx context.Context, agents []holo.AgentKey, signedActions []action.SignedAction) error {
	return nil
}

func (localOnlyNetwork) SendValidationReceipts(ctx context.Context, toAgent holo.AgentKey, receipts []ports.SignedReceiptWire) error {
	return nil
}
