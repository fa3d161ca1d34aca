// Package policy implements the pluggable predicates that decide, per op,
// whether a validation receipt is required and whether publish should be
// withheld pending validation (§4.3, §4.8). Modeled on the teacher's
// CELPolicyEvaluator (pkg/governance/policy_evaluator_cel.go): a compiled,
// cached CEL program per expression, evaluated fail-closed against a
// dynamic input map.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/holochain-go/corechain/pkg/dhtop"
)

// Decision is what an Evaluator resolves an op to.
type Decision struct {
	RequireReceipt  bool
	WithholdPublish bool
}

// Evaluator compiles and caches CEL expressions over op attributes
// (op_type, basis, author, action_seq, timestamp) and evaluates them against
// each op the integration pipeline (pkg/dht) processes.
type Evaluator struct {
	env *cel.Env

	mu          sync.RWMutex
	prgCache    map[string]cel.Program
	requireExpr string
	withholdExpr string
}

// DefaultRequireReceiptExpr requires a receipt for every op except
// RegisterAgentActivity, whose sheer volume would otherwise overwhelm
// validators (mirrors the original implementation's default policy,
// SPEC_FULL §B).
const DefaultRequireReceiptExpr = `op.type != "RegisterAgentActivity"`

// DefaultWithholdPublishExpr never withholds publish by default; a node
// operator opts into withholding (e.g. to rate-limit a noisy author) by
// supplying a stricter expression.
const DefaultWithholdPublishExpr = `false`

// New builds an Evaluator from two CEL boolean expressions: one deciding
// require_receipt, one deciding withhold_publish. Pass "" for either to use
// its Default*Expr.
func New(requireReceiptExpr, withholdPublishExpr string) (*Evaluator, error) {
	if requireReceiptExpr == "" {
		requireReceiptExpr = DefaultRequireReceiptExpr
	}
	if withholdPublishExpr == "" {
		withholdPublishExpr = DefaultWithholdPublishExpr
	}
	env, err := cel.NewEnv(
		cel.Variable("op", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create cel env: %w", err)
	}
	return &Evaluator{
		env: env, prgCache: make(map[string]cel.Program),
		requireExpr: requireReceiptExpr, withholdExpr: withholdPublishExpr,
	}, nil
}

// Evaluate decides RequireReceipt and WithholdPublish for op, fail-closed:
// any compile or evaluation error yields the safer choice (require a
// receipt, withhold publish) rather than silently defaulting open.
func (e *Evaluator) Evaluate(ctx context.Context, op *dhtop.Op) (Decision, error) {
	input := opInput(op)

	require, err := e.evalBool(e.requireExpr, input)
	if err != nil {
		return Decision{RequireReceipt: true, WithholdPublish: true}, fmt.Errorf("policy: require_receipt: %w", err)
	}
	withhold, err := e.evalBool(e.withholdExpr, input)
	if err != nil {
		return Decision{RequireReceipt: require, WithholdPublish: true}, fmt.Errorf("policy: withhold_publish: %w", err)
	}
	return Decision{RequireReceipt: require, WithholdPublish: withhold}, nil
}

func opInput(op *dhtop.Op) map[string]any {
	return map[string]any{
		"timestamp": time.Now().Unix(),
		"op": map[string]any{
			"type":       op.Type.String(),
			"basis":      op.Basis.String(),
			"author":     op.Author.String(),
			"action_seq": int64(op.ActionSeq),
		},
	}
}

func (e *Evaluator) evalBool(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile %q: %w", expr, issues.Err())
			}
			p, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program %q: %w", expr, err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to bool", expr)
	}
	return val, nil
}
