// Package round implements the Round Processor (C5): the state machine
// that drives one engine.MpcEngine through a single protocol session,
// buffering out-of-order inbound messages and enforcing the bounded-retry
// policy the protocol requires.
package round

import (
	"fmt"
	"sync"
	"time"

	"github.com/zkrypt-crossbar/defishard-sdk/engine"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/logger"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/metrics"
	"github.com/zkrypt-crossbar/defishard-sdk/sdkerr"
)

// State names the processor's current phase, mirroring the protocol's state
// diagram: Idle -> Running{k} -> Processing{k} -> (Running{k+1} | Completed |
// Failed). Running and Processing share a Round field rather than being
// distinct state types, since Go has no sum types worth the ceremony here.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"    // waiting for round Round's inbound messages
	StateProcessing State = "processing" // engine.Handle is consuming round Round's inputs
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// maxAttemptsPerRound is the critical bounded-retry policy: a second
// engine error on the same round is fatal, never retried a third time.
const maxAttemptsPerRound = 2

// defaultRoundTimeout is how long the processor waits for a round's fan-in
// to complete before declaring it failed.
const defaultRoundTimeout = 30 * time.Second

// Processor drives a single engine.MpcEngine session through completion or
// failure. It is not safe for concurrent use from multiple goroutines other
// than via its own exported methods, each of which takes the internal lock;
// the surrounding core is expected to be single-threaded anyway.
type Processor struct {
	mu sync.Mutex

	kind    engine.Kind
	groupID string
	eng     engine.MpcEngine

	state State
	round int

	// buffered holds inbound messages for rounds not yet ready to process:
	// round < p.round is dropped (stale), round > p.round is held until the
	// processor catches up, round == p.round accumulates toward fan-in.
	buffered map[int][]engine.Inbound

	attempts map[int]int // attempts made per round, for the retry budget

	roundTimeout time.Duration
	roundDeadline time.Time

	artifact engine.Artifact
	failure  error

	log logger.Logger
}

// New constructs a Processor around a freshly built engine for one session.
// The caller is responsible for calling Start once to obtain round 1's
// outbound messages.
func New(kind engine.Kind, groupID string, eng engine.MpcEngine, log logger.Logger) *Processor {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Processor{
		kind:         kind,
		groupID:      groupID,
		eng:          eng,
		state:        StateIdle,
		buffered:     make(map[int][]engine.Inbound),
		attempts:     make(map[int]int),
		roundTimeout: defaultRoundTimeout,
		log:          log,
	}
}

// SetRoundTimeout overrides the default 30s per-round deadline. Intended
// for tests; production callers should size this from config.
func (p *Processor) SetRoundTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roundTimeout = d
}

// State returns the processor's current phase and round number.
func (p *Processor) State() (State, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.round
}

// Artifact returns the terminal artifact once State reports Completed.
func (p *Processor) Artifact() engine.Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.artifact
}

// Failure returns the terminal error once State reports Failed.
func (p *Processor) Failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

// Start produces round 1's outbound messages and transitions Idle -> Running{1}.
func (p *Processor) Start() ([]engine.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return nil, fmt.Errorf("round: Start called in state %s", p.state)
	}
	msgs, err := p.eng.FirstMessage()
	if err != nil {
		p.failLocked(sdkerr.Wrap(sdkerr.Engine, "first message", err))
		return nil, p.failure
	}
	p.round = 1
	p.roundDeadline = time.Now().Add(p.roundTimeout)
	p.state = StateRunning
	metrics.SessionsStarted.WithLabelValues(string(p.kind)).Inc()
	return msgs, nil
}

// Deliver hands one inbound message to the processor. If it completes the
// fan-in for the current round, the round is processed immediately and the
// return values report the next round's outbound messages (if any), whether
// the session just completed, and any error. A stale (round < current)
// message is silently dropped; a future (round > current)
// message is buffered for later.
func (p *Processor) Deliver(round int, msg engine.Inbound) ([]engine.Message, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateCompleted || p.state == StateFailed {
		return nil, p.state == StateCompleted, p.terminalErr()
	}
	if round < p.round {
		p.log.Debug("round: dropping stale message", logger.Int("round", round), logger.Int("current", p.round))
		return nil, false, nil
	}
	p.buffered[round] = append(p.buffered[round], msg)
	if round > p.round {
		return nil, false, nil
	}
	if len(p.buffered[p.round]) < p.eng.RequiredFanIn(p.round) {
		return nil, false, nil
	}
	return p.processCurrentRoundLocked()
}

// CheckTimeout reports whether the current round's deadline has elapsed,
// failing the session if so. Callers should poll this on a ticker; the
// processor takes no background goroutines of its own, matching the
// cooperative, single-threaded core model the rest of the SDK uses.
func (p *Processor) CheckTimeout() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return nil
	}
	if time.Now().Before(p.roundDeadline) {
		return nil
	}
	p.failLocked(sdkerr.NewTimeout(sdkerr.ScopeRound, fmt.Sprintf("round %d timed out", p.round)))
	return p.failure
}

// processCurrentRoundLocked consumes the buffered inbound for p.round,
// enforcing the bounded-retry policy, and advances state. Caller holds mu.
func (p *Processor) processCurrentRoundLocked() ([]engine.Message, bool, error) {
	round := p.round
	inbound := p.buffered[round]
	delete(p.buffered, round)

	p.state = StateProcessing
	start := time.Now()
	msgs, err := p.eng.Handle(round, inbound)
	metrics.RoundDuration.WithLabelValues(string(p.kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		p.attempts[round]++
		if p.attempts[round] >= maxAttemptsPerRound {
			p.failLocked(sdkerr.Wrap(sdkerr.Engine, fmt.Sprintf("round %d", round), err))
			return nil, false, p.failure
		}
		metrics.RoundRetries.WithLabelValues(string(p.kind)).Inc()
		// Put the round back into Running so a re-delivery of the same
		// inputs (the caller's responsibility) can retry once more.
		p.state = StateRunning
		return nil, false, sdkerr.Wrap(sdkerr.Engine, fmt.Sprintf("round %d attempt %d", round, p.attempts[round]), err)
	}

	if artifact, done := p.eng.Completed(); done {
		p.artifact = artifact
		p.state = StateCompleted
		metrics.SessionsCompleted.WithLabelValues(string(p.kind)).Inc()
		return msgs, true, nil
	}

	p.round = round + 1
	p.roundDeadline = time.Now().Add(p.roundTimeout)
	p.state = StateRunning
	return msgs, false, nil
}

func (p *Processor) failLocked(err error) {
	p.state = StateFailed
	p.failure = err
	kind, _ := sdkerr.KindOf(err)
	metrics.SessionsFailed.WithLabelValues(string(p.kind), string(kind)).Inc()
}

func (p *Processor) terminalErr() error {
	if p.state == StateFailed {
		return p.failure
	}
	return nil
}
