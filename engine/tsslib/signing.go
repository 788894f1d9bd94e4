package tsslib

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/bnb-chain/tss-lib/v2/common"
	"github.com/bnb-chain/tss-lib/v2/ecdsa/keygen"
	"github.com/bnb-chain/tss-lib/v2/ecdsa/signing"
	"github.com/bnb-chain/tss-lib/v2/tss"

	"github.com/zkrypt-crossbar/defishard-sdk/engine"
)

// signingEngine wraps tss-lib's signing.LocalParty. The signer committee is
// exactly params.Participants — callers are free to choose which
// threshold-sized subset signs to the caller (Bootstrap/Facade), not the
// engine. Grounded in signing_tss.go's
// SigningSession.
type signingEngine struct {
	params engine.Params
	com    *committee
	pubKey *engine.KeyShareArtifact

	party tss.Party
	outCh chan tss.Message
	endCh chan common.SignatureData
	errCh chan *tss.Error

	mu        sync.Mutex
	round     int
	signature *engine.SignatureArtifact
}

// NewDSG implements engine.Factory for Kind == KindDSG.
func NewDSG(p engine.Params) (engine.MpcEngine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Kind != engine.KindDSG {
		return nil, fmt.Errorf("tsslib: NewDSG called with kind %q", p.Kind)
	}
	var save keygen.LocalPartySaveData
	if err := json.Unmarshal(p.PriorShare, &save); err != nil {
		return nil, fmt.Errorf("tsslib: unmarshal key share: %w", err)
	}

	com, err := newCommittee(p.Participants)
	if err != nil {
		return nil, err
	}
	self, ok := com.byExternal(p.SelfPartyID)
	if !ok {
		return nil, fmt.Errorf("tsslib: self party id not in signer set")
	}

	ctx := tss.NewPeerContext(com.ids)
	parameters := tss.NewParameters(tss.S256(), ctx, self, len(com.ids), p.Threshold)

	outCh := make(chan tss.Message, 4*len(com.ids))
	endCh := make(chan common.SignatureData, 1)
	errCh := make(chan *tss.Error, 1)

	digest := new(big.Int).SetBytes(p.Digest[:])
	party := signing.NewLocalParty(digest, parameters, save, outCh, endCh)

	return &signingEngine{
		params: p,
		com:    com,
		party:  party,
		outCh:  outCh,
		endCh:  endCh,
		errCh:  errCh,
	}, nil
}

func (e *signingEngine) FirstMessage() ([]engine.Message, error) {
	go func() {
		if err := e.party.Start(); err != nil {
			e.errCh <- err
		}
	}()
	e.round = 1
	return collectOutgoing(e.outCh)
}

func (e *signingEngine) RequiredFanIn(round int) int {
	return len(e.com.ids) - 1
}

func (e *signingEngine) Handle(round int, inbound []engine.Inbound) ([]engine.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if round != e.round {
		return nil, fmt.Errorf("tsslib: dsg handle called for round %d, session at round %d", round, e.round)
	}

	for _, in := range inbound {
		from, ok := e.com.byExternal(in.From)
		if !ok {
			continue
		}
		parsed, err := tss.ParseWireMessage(in.Payload, from, in.Broadcast)
		if err != nil {
			return nil, fmt.Errorf("tsslib: parse dsg message from %s: %w", in.From, err)
		}
		if _, err := e.party.Update(parsed); err != nil {
			return nil, fmt.Errorf("tsslib: dsg update from %s: %w", in.From, err)
		}
	}

	select {
	case sig := <-e.endCh:
		var r, s [32]byte
		padInto(r[:], sig.R)
		padInto(s[:], sig.S)
		e.signature = &engine.SignatureArtifact{R: r, S: s}
		return nil, nil
	case tssErr := <-e.errCh:
		return nil, fmt.Errorf("tsslib: dsg engine error: %w", tssErr)
	default:
	}

	out, err := collectOutgoing(e.outCh)
	if err != nil {
		return nil, err
	}
	e.round++
	return out, nil
}

func (e *signingEngine) Completed() (engine.Artifact, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signature == nil {
		return engine.Artifact{}, false
	}
	return engine.Artifact{Kind: engine.KindDSG, Signature: e.signature}, true
}

// padInto left-pads src into dst (big-endian fixed width), matching
// signing_tss.go's padToBytes.
func padInto(dst []byte, src []byte) {
	if len(src) >= len(dst) {
		copy(dst, src[len(src)-len(dst):])
		return
	}
	copy(dst[len(dst)-len(src):], src)
}
