// Package simengine is a deterministic, non-cryptographic stand-in for a
// real MpcEngine. It exists to let round.Processor and protocol.Manager be
// tested against a known, fast round schedule without pulling in tss-lib's
// goroutine-driven machinery — the rest of the SDK treats the engine as opaque,
// so the orchestration layer's correctness never depends on which concrete
// engine is plugged in.
//
// simengine is not a threshold signature scheme. Its "public key" and
// "signature" artifacts are derived from session parameters alone and will
// not verify against real secp256k1 semantics; engine/tsslib is the engine
// that backs the end-to-end protocol flow.
package simengine

import (
	"crypto/sha256"
	"fmt"

	"github.com/zkrypt-crossbar/defishard-sdk/engine"
)

// rounds is how many broadcast rounds a simulated session takes before
// completing, independent of Kind — enough to exercise the Processor's
// round-advance and fan-in logic more than once.
const rounds = 3

type Engine struct {
	params engine.Params
	round  int
	done   bool
}

// New implements engine.Factory.
func New(p engine.Params) (engine.MpcEngine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Engine{params: p}, nil
}

func (e *Engine) FirstMessage() ([]engine.Message, error) {
	e.round = 1
	return e.broadcastPayload(1), nil
}

func (e *Engine) broadcastPayload(round int) []engine.Message {
	payload := []byte(fmt.Sprintf("%s:%s:%d:%d", e.params.Kind, e.params.SelfPartyID, round, e.params.PartyIndex))
	return []engine.Message{{To: engine.Broadcast, Payload: payload}}
}

func (e *Engine) RequiredFanIn(round int) int {
	n := len(e.params.Participants)
	if n <= 1 {
		return 0
	}
	return n - 1
}

func (e *Engine) Handle(round int, inbound []engine.Inbound) ([]engine.Message, error) {
	if round != e.round {
		return nil, fmt.Errorf("simengine: handle called for round %d, session at round %d", round, e.round)
	}
	if round < rounds {
		e.round = round + 1
		return e.broadcastPayload(e.round), nil
	}
	e.done = true
	return nil, nil
}

func (e *Engine) Completed() (engine.Artifact, bool) {
	if !e.done {
		return engine.Artifact{}, false
	}
	switch e.params.Kind {
	case engine.KindDSG:
		h := sha256.Sum256(append([]byte("simengine-sig:"), e.params.Digest[:]...))
		var r, s [32]byte
		copy(r[:], h[:])
		h2 := sha256.Sum256(h[:])
		copy(s[:], h2[:])
		return engine.Artifact{Kind: engine.KindDSG, Signature: &engine.SignatureArtifact{R: r, S: s}}, true
	default:
		seed := sha256.Sum256([]byte(fmt.Sprintf("simengine-pub:%s:%d", e.params.GroupID, e.params.Threshold)))
		var pub [33]byte
		pub[0] = 0x02
		copy(pub[1:], seed[:32])
		art := engine.KeyShareArtifact{
			Serialized:   append([]byte("simengine-share:"), seed[:]...),
			PublicKey:    pub,
			PartyIndex:   e.params.PartyIndex,
			Threshold:    e.params.Threshold,
			Participants: e.params.Participants,
		}
		return engine.Artifact{Kind: e.params.Kind, KeyShare: &art}, true
	}
}
