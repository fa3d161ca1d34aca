// Package trigger implements the edge-triggered, coalescing work loops
// described in §5/§9: rather than polling on a fixed interval, each loop
// wakes on a signal (chain commit, incoming op, session event) and runs
// until there's nothing left to do, coalescing any signals that arrived
// mid-run into a single extra pass. Modeled on the teacher's
// LivenessManager watcher goroutines (pkg/governance/liveness.go): one
// cancelable goroutine per loop, driven by channels rather than a ticker.
package trigger

import (
	"context"
	"sync"

	"github.com/holochain-go/corechain/pkg/telemetry"
)

// Loop runs fn every time it's triggered, coalescing concurrent triggers:
// if Fire is called while fn is already running, fn runs again exactly once
// more after it finishes, regardless of how many times Fire was called in
// the meantime — the same coalescing discipline as a Go channel-of-capacity-1
// signal buffer.
type Loop struct {
	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	name     string
	provider *telemetry.Provider
}

// Option configures optional Loop behavior beyond the bare fn every loop
// needs.
type Option func(*Loop)

// WithTelemetry makes every fn run open a span (named name) and record RED
// metrics through provider (§5/§9: "Each trigger fire ... opens a span;
// integration and receipt counts are recorded as counters"). A nil provider
// is a no-op, so a node that hasn't stood up telemetry still runs plain.
func WithTelemetry(provider *telemetry.Provider, name string) Option {
	return func(l *Loop) {
		l.provider = provider
		l.name = name
	}
}

// New starts a Loop running fn in the background, in response to Fire,
// until ctx is canceled.
func New(ctx context.Context, fn func(context.Context), opts ...Option) *Loop {
	l := &Loop{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run(ctx, fn)
	return l
}

func (l *Loop) run(ctx context.Context, fn func(context.Context)) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.signal:
			if l.provider == nil {
				fn(ctx)
				continue
			}
			spanCtx, end := l.provider.TrackStage(ctx, l.name)
			fn(spanCtx)
			end(nil)
		}
	}
}

// Fire signals the loop to run fn at least once more. Non-blocking: if a
// signal is already pending, this is a no-op (coalesced).
func (l *Loop) Fire() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until the loop's goroutine has exited (ctx canceled).
func (l *Loop) Wait() { <-l.done }

// Set is a named collection of Loops covering the three trigger sources
// named in §5/§9: a local commit (drives publish + self-integration), an
// incoming op from the network (drives validate → integrate → receipt),
// and a countersigning session event (drives the next session step).
type Set struct {
	OnCommit      *Loop
	OnIncomingOp  *Loop
	OnSessionStep *Loop
}

// NewSet wires three independent loops sharing ctx's lifetime. provider may
// be nil, in which case the loops run untraced.
func NewSet(ctx context.Context, provider *telemetry.Provider, onCommit, onIncomingOp, onSessionStep func(context.Context)) *Set {
	return &Set{
		OnCommit:      New(ctx, onCommit, WithTelemetry(provider, "CommitTrigger")),
		OnIncomingOp:  New(ctx, onIncomingOp, WithTelemetry(provider, "PublishIntegrateTrigger")),
		OnSessionStep: New(ctx, onSessionStep, WithTelemetry(provider, "CountersigningTrigger")),
	}
}
