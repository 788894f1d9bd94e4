package tsslib

import (
	"time"

	"github.com/bnb-chain/tss-lib/v2/tss"

	"github.com/zkrypt-crossbar/defishard-sdk/engine"
)

// drainTimeout bounds how long collectOutgoing waits for tss-lib's internal
// goroutine to finish pushing a round's messages onto outCh before it
// decides the round is exhausted. tss-lib's LocalParty has no explicit
// "round done" signal on this channel, so — following the same pattern as
// the pack's dkg_tss.go/signing_tss.go — a short quiescence window stands
// in for one.
const drainTimeout = 250 * time.Millisecond

// collectOutgoing drains every tss.Message currently queued on out,
// translating each to one or more engine.Message values. A message with a
// nil/empty To list is tss-lib's broadcast-to-all-but-self convention.
func collectOutgoing(out <-chan tss.Message) ([]engine.Message, error) {
	var msgs []engine.Message
	timeout := time.After(drainTimeout)
	for {
		select {
		case m := <-out:
			wireBytes, routing, err := m.WireBytes()
			if err != nil {
				return nil, err
			}
			if routing.IsBroadcast || len(routing.To) == 0 {
				msgs = append(msgs, engine.Message{To: engine.Broadcast, Payload: wireBytes})
				continue
			}
			for _, to := range routing.To {
				msgs = append(msgs, engine.Message{To: to.Moniker, Payload: wireBytes})
			}
		case <-timeout:
			return msgs, nil
		}
	}
}
