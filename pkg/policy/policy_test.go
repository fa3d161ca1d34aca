package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holochain-go/corechain/pkg/dhtop"
	"github.com/holochain-go/corechain/pkg/holo"
	"github.com/holochain-go/corechain/pkg/policy"
)

func TestDefaultPolicyRequiresReceiptExceptForAgentActivity(t *testing.T) {
	ev, err := policy.New("", "")
	require.NoError(t, err)

	storeRecordOp := &dhtop.Op{Type: dhtop.TypeStoreRecord, Basis: holo.NewHash(holo.HashTypeAction, []byte("b"))}
	decision, err := ev.Evaluate(context.Background(), storeRecordOp)
	require.NoError(t, err)
	require.True(t, decision.RequireReceipt)
	require.False(t, decision.WithholdPublish)

	activityOp := &dhtop.Op{Type: dhtop.TypeRegisterAgentActivity, Basis: holo.NewHash(holo.HashTypeAgent, []byte("a"))}
	decision, err = ev.Evaluate(context.Background(), activityOp)
	require.NoError(t, err)
	require.False(t, decision.RequireReceipt)
}

func TestCustomExpressionOverridesDefault(t *testing.T) {
	ev, err := policy.New(`op.type == "Warrant"`, `op.action_seq > 100`)
	require.NoError(t, err)

	warrantOp := &dhtop.Op{Type: dhtop.TypeWarrant}
	decision, err := ev.Evaluate(context.Background(), warrantOp)
	require.NoError(t, err)
	require.True(t, decision.RequireReceipt)

	highSeqOp := &dhtop.Op{Type: dhtop.TypeStoreRecord, ActionSeq: 200}
	decision, err = ev.Evaluate(context.Background(), highSeqOp)
	require.NoError(t, err)
	require.False(t, decision.RequireReceipt)
	require.True(t, decision.WithholdPublish)
}

func TestMalformedExpressionFailsClosed(t *testing.T) {
	ev, err := policy.New(`op.type == `, "") // invalid CEL syntax
	require.NoError(t, err)

	decision, err := ev.Evaluate(context.Background(), &dhtop.Op{Type: dhtop.TypeStoreRecord})
	require.Error(t, err)
	require.True(t, decision.RequireReceipt)
	require.True(t, decision.WithholdPublish)
}
