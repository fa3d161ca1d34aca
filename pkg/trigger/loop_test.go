package trigger_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holochain-go/corechain/pkg/trigger"
)

func TestLoopCoalescesConcurrentFires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs int32
	started := make(chan struct{}, 10)
	release := make(chan struct{})

	l := trigger.New(ctx, func(context.Context) {
		atomic.AddInt32(&runs, 1)
		started <- struct{}{}
		<-release
	})

	l.Fire()
	<-started // first run has started and is blocked on release

	// Fire several more times while the first run is still in flight; these
	// must coalesce into at most one more run.
	l.Fire()
	l.Fire()
	l.Fire()

	release <- struct{}{} // let first run finish

	select {
	case <-started: // second (coalesced) run starts
	case <-time.After(time.Second):
		t.Fatal("expected a coalesced second run to start")
	}
	release <- struct{}{}

	select {
	case <-started:
		t.Fatal("unexpected third run: fires during run 1 should have coalesced into a single run 2")
	case <-time.After(50 * time.Millisecond):
	}

	require.EqualValues(t, 2, atomic.LoadInt32(&runs))
}
