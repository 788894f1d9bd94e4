package round

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrypt-crossbar/defishard-sdk/engine"
	"github.com/zkrypt-crossbar/defishard-sdk/engine/simengine"
)

func newParams(t *testing.T, kind engine.Kind, selfIdx int) engine.Params {
	t.Helper()
	p := engine.Params{
		Kind:         kind,
		GroupID:      "group-1",
		SelfPartyID:  []string{"party-a", "party-b"}[selfIdx],
		PartyIndex:   selfIdx,
		Threshold:    2,
		Participants: []string{"party-a", "party-b"},
	}
	if kind != engine.KindDKG {
		p.PriorShare = []byte("prior-share")
	}
	return p
}

// runTwoParty drives two Processors, each wrapping its own simengine, to
// completion by ping-ponging their broadcast outputs, exercising Start,
// Deliver's fan-in accumulation, and round-advance together.
func runTwoParty(t *testing.T, kind engine.Kind) (*Processor, *Processor) {
	t.Helper()
	pa, err := simengine.New(newParams(t, kind, 0))
	require.NoError(t, err)
	pb, err := simengine.New(newParams(t, kind, 1))
	require.NoError(t, err)

	procA := New(kind, "group-1", pa, nil)
	procB := New(kind, "group-1", pb, nil)

	outA, err := procA.Start()
	require.NoError(t, err)
	outB, err := procB.Start()
	require.NoError(t, err)

	round := 1
	for {
		var nextA, nextB []engine.Message
		var doneA, doneB bool

		for _, m := range outB {
			nextA, doneA, err = procA.Deliver(round, engine.Inbound{From: "party-b", Payload: m.Payload, Broadcast: m.To == engine.Broadcast})
			require.NoError(t, err)
		}
		for _, m := range outA {
			nextB, doneB, err = procB.Deliver(round, engine.Inbound{From: "party-a", Payload: m.Payload, Broadcast: m.To == engine.Broadcast})
			require.NoError(t, err)
		}
		if doneA && doneB {
			break
		}
		outA, outB = nextA, nextB
		round++
		if round > 10 {
			t.Fatal("round processor never completed")
		}
	}
	return procA, procB
}

func TestProcessorTwoPartyDKGCompletes(t *testing.T) {
	procA, procB := runTwoParty(t, engine.KindDKG)

	stateA, _ := procA.State()
	stateB, _ := procB.State()
	assert.Equal(t, StateCompleted, stateA)
	assert.Equal(t, StateCompleted, stateB)

	artA := procA.Artifact()
	artB := procB.Artifact()
	require.NotNil(t, artA.KeyShare)
	require.NotNil(t, artB.KeyShare)
	assert.Equal(t, artA.KeyShare.PublicKey, artB.KeyShare.PublicKey)
}

func TestProcessorTwoPartyDSGCompletes(t *testing.T) {
	procA, procB := runTwoParty(t, engine.KindDSG)

	artA := procA.Artifact()
	artB := procB.Artifact()
	require.NotNil(t, artA.Signature)
	require.NotNil(t, artB.Signature)
	assert.Equal(t, artA.Signature.R, artB.Signature.R)
	assert.Equal(t, artA.Signature.S, artB.Signature.S)
}

func TestProcessorDropsStaleRound(t *testing.T) {
	p, err := simengine.New(newParams(t, engine.KindDKG, 0))
	require.NoError(t, err)
	proc := New(engine.KindDKG, "group-1", p, nil)
	_, err = proc.Start()
	require.NoError(t, err)

	// Deliver for round 0 (stale, since Start already advanced to round 1).
	next, done, err := proc.Deliver(0, engine.Inbound{From: "party-b", Payload: []byte("stale")})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, next)

	state, round := proc.State()
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, 1, round)
}

func TestProcessorBuffersFutureRound(t *testing.T) {
	p, err := simengine.New(newParams(t, engine.KindDKG, 0))
	require.NoError(t, err)
	proc := New(engine.KindDKG, "group-1", p, nil)
	_, err = proc.Start()
	require.NoError(t, err)

	_, done, err := proc.Deliver(2, engine.Inbound{From: "party-b", Payload: []byte("future")})
	require.NoError(t, err)
	assert.False(t, done)

	state, round := proc.State()
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, 1, round)
}

func TestProcessorTimeout(t *testing.T) {
	p, err := simengine.New(newParams(t, engine.KindDKG, 0))
	require.NoError(t, err)
	proc := New(engine.KindDKG, "group-1", p, nil)
	proc.SetRoundTimeout(1 * time.Millisecond)
	_, err = proc.Start()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	err = proc.CheckTimeout()
	require.Error(t, err)

	state, _ := proc.State()
	assert.Equal(t, StateFailed, state)
	assert.Error(t, proc.Failure())
}
