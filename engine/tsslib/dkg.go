package tsslib

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bnb-chain/tss-lib/v2/ecdsa/keygen"
	"github.com/bnb-chain/tss-lib/v2/tss"

	"github.com/zkrypt-crossbar/defishard-sdk/engine"
)

// dkgEngine wraps tss-lib's keygen.LocalParty, bridging its goroutine/channel
// driven execution model into the synchronous request/response shape
// round.Processor expects. Grounded in dkg_tss.go's DKGSession.
type dkgEngine struct {
	params engine.Params
	com    *committee

	party tss.Party
	outCh chan tss.Message
	endCh chan keygen.LocalPartySaveData
	errCh chan *tss.Error

	mu       sync.Mutex
	round    int
	artifact *engine.KeyShareArtifact
}

// NewDKG implements engine.Factory for Kind == KindDKG.
func NewDKG(p engine.Params) (engine.MpcEngine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Kind != engine.KindDKG {
		return nil, fmt.Errorf("tsslib: NewDKG called with kind %q", p.Kind)
	}
	com, err := newCommittee(p.Participants)
	if err != nil {
		return nil, err
	}
	self, ok := com.byExternal(p.SelfPartyID)
	if !ok {
		return nil, fmt.Errorf("tsslib: self party id not in participant set")
	}

	ctx := tss.NewPeerContext(com.ids)
	parameters := tss.NewParameters(tss.S256(), ctx, self, len(com.ids), p.Threshold)

	outCh := make(chan tss.Message, 4*len(com.ids))
	endCh := make(chan keygen.LocalPartySaveData, 1)
	errCh := make(chan *tss.Error, 1)

	party := keygen.NewLocalParty(parameters, outCh, endCh)

	return &dkgEngine{
		params: p,
		com:    com,
		party:  party,
		outCh:  outCh,
		endCh:  endCh,
		errCh:  errCh,
	}, nil
}

func (e *dkgEngine) FirstMessage() ([]engine.Message, error) {
	go func() {
		if err := e.party.Start(); err != nil {
			e.errCh <- err
		}
	}()
	e.round = 1
	return collectOutgoing(e.outCh)
}

func (e *dkgEngine) RequiredFanIn(round int) int {
	return len(e.com.ids) - 1
}

func (e *dkgEngine) Handle(round int, inbound []engine.Inbound) ([]engine.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if round != e.round {
		return nil, fmt.Errorf("tsslib: dkg handle called for round %d, session at round %d", round, e.round)
	}

	for _, in := range inbound {
		from, ok := e.com.byExternal(in.From)
		if !ok {
			continue
		}
		parsed, err := tss.ParseWireMessage(in.Payload, from, in.Broadcast)
		if err != nil {
			return nil, fmt.Errorf("tsslib: parse dkg message from %s: %w", in.From, err)
		}
		if _, err := e.party.Update(parsed); err != nil {
			return nil, fmt.Errorf("tsslib: dkg update from %s: %w", in.From, err)
		}
	}

	select {
	case save := <-e.endCh:
		art, err := artifactFromSaveData(save, e.params)
		if err != nil {
			return nil, err
		}
		e.artifact = art
		return nil, nil
	case tssErr := <-e.errCh:
		return nil, fmt.Errorf("tsslib: dkg engine error: %w", tssErr)
	default:
	}

	out, err := collectOutgoing(e.outCh)
	if err != nil {
		return nil, err
	}
	e.round++
	return out, nil
}

func (e *dkgEngine) Completed() (engine.Artifact, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.artifact == nil {
		return engine.Artifact{}, false
	}
	return engine.Artifact{Kind: engine.KindDKG, KeyShare: e.artifact}, true
}

// artifactFromSaveData extracts the compressed public key and serializes
// the save data as the opaque share blob the Keystore eventually persists.
func artifactFromSaveData(save keygen.LocalPartySaveData, p engine.Params) (*engine.KeyShareArtifact, error) {
	if save.ECDSAPub == nil {
		return nil, fmt.Errorf("tsslib: keygen completed with no public key")
	}
	pub, err := save.ECDSAPub.ToECDSAPubKey()
	if err != nil {
		return nil, fmt.Errorf("tsslib: convert public key: %w", err)
	}
	var compressed [33]byte
	compressed[0] = 0x02
	if pub.Y.Bit(0) == 1 {
		compressed[0] = 0x03
	}
	pub.X.FillBytes(compressed[1:])

	raw, err := json.Marshal(save)
	if err != nil {
		return nil, fmt.Errorf("tsslib: marshal save data: %w", err)
	}

	return &engine.KeyShareArtifact{
		Serialized:   raw,
		PublicKey:    compressed,
		PartyIndex:   p.PartyIndex,
		Threshold:    p.Threshold,
		Participants: p.Participants,
	}, nil
}
