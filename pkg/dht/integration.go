package dht

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holochain-go/corechain/pkg/activity"
	"github.com/holochain-go/corechain/pkg/dhtop"
	"github.com/holochain-go/corechain/pkg/policy"
	"github.com/holochain-go/corechain/pkg/receiptagg"
)

// Integrator drives ops through the validation_stage machine (§4.3) using a
// Store and a stage-appropriate validation callback; pkg/trigger wires one
// of these into its edge-triggered loop (§5) rather than polling on an
// interval.
//
// cache, if set, gates the final AwaitingIntegration → Integrated step on
// the §4.3 item 3 rule: an op (RegisterAgentActivity ops included) only
// integrates once its author's RegisterAgentActivity dependency (the prev
// action, if any) is already integrated. RegisterAgentActivity ops themselves update the
// cache as they integrate, so the gate and the cache advance together.
//
// receiptPolicy, if set, decides require_receipt/withhold_publish (§4.3
// item 4, §4.8) for each op as it passes system validation.
type Integrator struct {
	store         Store
	cache         *activity.Cache
	receiptPolicy *policy.Evaluator
	logger        *slog.Logger
}

// IntegratorOption configures optional Integrator behavior beyond the bare
// Store every integrator needs.
type IntegratorOption func(*Integrator)

// WithActivityCache enables the §4.3 item 3 integration-contiguity gate,
// keeping cache updated as RegisterAgentActivity ops integrate.
func WithActivityCache(cache *activity.Cache) IntegratorOption {
	return func(it *Integrator) { it.cache = cache }
}

// WithReceiptPolicy enables §4.3 item 4: eval decides require_receipt and
// withhold_publish for each op as it clears system validation.
func WithReceiptPolicy(eval *policy.Evaluator) IntegratorOption {
	return func(it *Integrator) { it.receiptPolicy = eval }
}

func NewIntegrator(store Store, opts ...IntegratorOption) *Integrator {
	it := &Integrator{store: store, logger: slog.Default().With("component", "dht.integrator")}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// SysValidateFunc performs system validation of one op, returning true if it
// passed (pkg/sysval implements this).
type SysValidateFunc func(ctx context.Context, rec *Record) (ok bool, reason string, err error)

// AppValidateFunc performs app-level validation of one op via the out-of-
// scope ports.AppValidator; returns true if accepted.
type AppValidateFunc func(ctx context.Context, rec *Record) (ok bool, reason string, err error)

// AdvancePending scans ops at StagePending, runs sysValidate on each, and
// moves them to AwaitingAppValidation or Rejected. Ops whose
// sysValidate returns a MissingDhtDep-flavored error are left at
// StagePending for retry on the next scan (§4.5 "Retryable Dependency
// Error").
func (it *Integrator) AdvancePending(ctx context.Context, sysValidate SysValidateFunc, limit int) (int, error) {
	recs, err := it.store.ScanByStage(ctx, StagePending, limit)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, rec := range recs {
		ok, reason, err := sysValidate(ctx, rec)
		if err != nil {
			// Treat a validation error (including MissingDhtDepError) as a
			// retryable condition: leave it at StagePending and move on.
			it.logger.Debug("sys validation deferred", "op_hash", rec.OpHash.String(), slog.Any("err", err))
			continue
		}
		if !ok {
			if stageErr := it.store.SetStage(ctx, rec.OpHash, StageRejected, reason); stageErr != nil {
				it.logger.Error("set stage rejected failed", "op_hash", rec.OpHash.String(), slog.Any("err", stageErr))
				return advanced, stageErr
			}
			it.logger.Warn("op rejected by system validation", "op_hash", rec.OpHash.String(), "reason", reason)
			continue
		}
		if it.receiptPolicy != nil {
			// Evaluate fails closed internally (require=true, withhold=true
			// on error) and returns that decision alongside the error, so it
			// is always safe to apply even when err != nil.
			decision, _ := it.receiptPolicy.Evaluate(ctx, &rec.Op)
			if polErr := it.store.SetReceiptPolicy(ctx, rec.OpHash, decision.RequireReceipt, decision.WithholdPublish); polErr != nil {
				return advanced, polErr
			}
		}
		if stageErr := it.store.SetStage(ctx, rec.OpHash, StageAwaitingAppValidation, "passed system validation"); stageErr != nil {
			return advanced, stageErr
		}
		it.logger.Debug("op passed system validation", "op_hash", rec.OpHash.String(), "op_type", rec.Op.Type)
		advanced++
	}
	if advanced > 0 {
		it.logger.Info("advanced pending ops", "count", advanced)
	}
	return advanced, nil
}

// AdvanceAppValidation scans ops at StageAwaitingAppValidation and runs
// appValidate on each, moving them to AwaitingIntegration or Rejected. A nil
// appValidate treats every op as accepted (§6: no app validator configured).
func (it *Integrator) AdvanceAppValidation(ctx context.Context, appValidate AppValidateFunc, limit int) (int, error) {
	recs, err := it.store.ScanByStage(ctx, StageAwaitingAppValidation, limit)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, rec := range recs {
		ok, reason := true, ""
		if appValidate != nil {
			var verr error
			ok, reason, verr = appValidate(ctx, rec)
			if verr != nil {
				continue
			}
		}
		if !ok {
			if stageErr := it.store.SetStage(ctx, rec.OpHash, StageRejected, reason); stageErr != nil {
				return advanced, stageErr
			}
			continue
		}
		if stageErr := it.store.SetStage(ctx, rec.OpHash, StageAwaitingIntegration, "passed app validation"); stageErr != nil {
			return advanced, stageErr
		}
		advanced++
	}
	return advanced, nil
}

// Integrate scans ops at StageAwaitingIntegration and marks them Integrated,
// making them visible to ByBasis queries (§4.3 integration: "moving a
// validated op into the queryable store"). When an activity cache is
// configured (WithActivityCache), an op is only integrated once
// its RegisterAgentActivity dependency is met (§4.3 item 3); ops that aren't
// yet eligible are left at StageAwaitingIntegration and retried on the next
// scan, same as a MissingDhtDep does earlier in the pipeline.
func (it *Integrator) Integrate(ctx context.Context, limit int) (int, error) {
	recs, err := it.store.ScanByStage(ctx, StageAwaitingIntegration, limit)
	if err != nil {
		return 0, err
	}
	integrated := 0
	for _, rec := range recs {
		if it.cache != nil && !it.activityDependencyMet(rec) {
			it.logger.Debug("integration deferred: activity dependency not met", "op_hash", rec.OpHash.String(), "author", rec.Op.Author.String(), "action_seq", rec.Op.ActionSeq)
			continue
		}
		if err := it.store.SetStage(ctx, rec.OpHash, StageIntegrated, "integrated"); err != nil {
			it.logger.Error("integrate failed", "op_hash", rec.OpHash.String(), slog.Any("err", err))
			return integrated, fmt.Errorf("dht: integrate %s: %w", rec.OpHash, err)
		}
		if it.cache != nil && rec.Op.Type == dhtop.TypeRegisterAgentActivity {
			it.cache.SetActivityToIntegrated(rec.Op.Author, rec.Op.ActionSeq)
		}
		it.logger.Debug("op integrated", "op_hash", rec.OpHash.String(), "op_type", rec.Op.Type, "author", rec.Op.Author.String(), "action_seq", rec.Op.ActionSeq)
		integrated++
	}
	if integrated > 0 {
		it.logger.Info("integrated ops", "count", integrated)
	}
	return integrated, nil
}

// activityDependencyMet reports whether rec's author has already integrated
// the prev action (§4.3 item 3). Seq 0 has no prev_action and is always
// eligible; any other seq requires the cache's IntegratedUpTo watermark for
// rec's author to have already reached seq-1.
func (it *Integrator) activityDependencyMet(rec *Record) bool {
	if rec.Op.ActionSeq == 0 {
		return true
	}
	upTo, ok := it.cache.IntegratedUpTo(rec.Op.Author)
	if !ok {
		return false
	}
	return upTo >= rec.Op.ActionSeq-1
}

// ReceiptsComplete reports whether rec has satisfied its receipt
// requirement: either it never required one, or receipts have already been
// sent. This only gates the "have we sent ours" half of the exchange
// (§4.8); ReceiptQuorumMet gates the other half, "have we received enough".
func ReceiptsComplete(rec *Record) bool {
	return !rec.RequireReceipt || rec.ReceiptsSent
}

// ReceiptQuorumMet implements the other clause of §4.3 item 4: "when
// receipt quorum is reached receipts_complete becomes true". An op that
// never required a receipt trivially has its quorum met; otherwise agg's
// count of distinct valid receipts for rec.OpHash must reach quorum.
func ReceiptQuorumMet(ctx context.Context, rec *Record, agg *receiptagg.Aggregator, quorum int) (bool, error) {
	if !rec.RequireReceipt {
		return true, nil
	}
	n, err := agg.CountValid(ctx, rec.OpHash)
	if err != nil {
		return false, fmt.Errorf("dht: receipt quorum for %s: %w", rec.OpHash, err)
	}
	return n >= quorum, nil
}
