package action_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/holo"
)

func TestValidateDnaRequiresZeroSeqAndNoPrev(t *testing.T) {
	a := &action.Action{Kind: action.KindDna, ActionSeq: 0, Dna: &action.DnaFields{}}
	require.NoError(t, a.Validate())

	bad := &action.Action{Kind: action.KindDna, ActionSeq: 1, Dna: &action.DnaFields{}}
	require.Error(t, bad.Validate())

	badPrev := &action.Action{Kind: action.KindDna, PrevAction: holo.NewHash(holo.HashTypeAction, []byte("x")), Dna: &action.DnaFields{}}
	require.Error(t, badPrev.Validate())
}

func TestValidateNonDnaRequiresPrevAction(t *testing.T) {
	a := &action.Action{Kind: action.KindCreate, ActionSeq: 1, Create: &action.CreateFields{EntryType: "post"}}
	require.Error(t, a.Validate())

	a.PrevAction = holo.NewHash(holo.HashTypeAction, []byte("prev"))
	require.NoError(t, a.Validate())
}

func TestValidateRequiresVariantFields(t *testing.T) {
	a := &action.Action{Kind: action.KindCreate, PrevAction: holo.NewHash(holo.HashTypeAction, []byte("p")), ActionSeq: 1}
	require.Error(t, a.Validate(), "Create action with nil Create fields must fail validation")
}

func TestEntryHashAndEntryType(t *testing.T) {
	entryHash := holo.NewHash(holo.HashTypeEntry, []byte("e"))
	a := &action.Action{Kind: action.KindCreate, Create: &action.CreateFields{EntryType: "post", EntryHash: entryHash}}
	h, ok := a.EntryHash()
	require.True(t, ok)
	require.Equal(t, entryHash, h)

	typ, ok := a.EntryType()
	require.True(t, ok)
	require.Equal(t, "post", typ)

	dna := &action.Action{Kind: action.KindDna}
	_, ok = dna.EntryHash()
	require.False(t, ok)
}

func TestHashIsDeterministic(t *testing.T) {
	a := &action.Action{
		Kind: action.KindCreate, Author: holo.NewHash(holo.HashTypeAgent, []byte("a")),
		Timestamp: 1000, PrevAction: holo.NewHash(holo.HashTypeAction, []byte("p")), ActionSeq: 1,
		Create: &action.CreateFields{EntryType: "post", EntryHash: holo.NewHash(holo.HashTypeEntry, []byte("e"))},
	}
	h1, err := a.Hash()
	require.NoError(t, err)
	h2, err := a.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestIsGenesisTriple(t *testing.T) {
	dna := &action.Action{Kind: action.KindDna, ActionSeq: 0}
	avp := &action.Action{Kind: action.KindAgentValidationPkg, ActionSeq: 1}
	create := &action.Action{Kind: action.KindCreate, ActionSeq: 2}
	require.True(t, action.IsGenesisTriple(dna, avp, create))

	wrongOrder := &action.Action{Kind: action.KindCreate, ActionSeq: 0}
	require.False(t, action.IsGenesisTriple(wrongOrder, avp, create))

	wrongSeq := &action.Action{Kind: action.KindAgentValidationPkg, ActionSeq: 5}
	require.False(t, action.IsGenesisTriple(dna, wrongSeq, create))
}
