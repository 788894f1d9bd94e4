// Package protocol implements the Protocol Manager (C6): the single-flight
// owner of at most one active round.Processor, responsible for decrypting
// inbound relay envelopes, feeding them to the processor, sealing and
// sending its outbound messages, and reporting session lifecycle as a
// stream of typed events.
package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/zkrypt-crossbar/defishard-sdk/engine"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/logger"
	"github.com/zkrypt-crossbar/defishard-sdk/relay"
	"github.com/zkrypt-crossbar/defishard-sdk/relay/envelope"
	"github.com/zkrypt-crossbar/defishard-sdk/round"
	"github.com/zkrypt-crossbar/defishard-sdk/sdkerr"
)

// EventKind enumerates the lifecycle events a Manager reports.
type EventKind string

const (
	EventKeygenProgress EventKind = "keygen_progress"
	EventKeygenComplete EventKind = "keygen_complete"
	EventSignComplete   EventKind = "sign_complete"
	EventRoundComplete  EventKind = "round_complete"
	EventError          EventKind = "error"
	EventConnected      EventKind = "connected"
	EventDisconnected   EventKind = "disconnected"
)

// Event is one lifecycle notification emitted on the Manager's event channel.
type Event struct {
	Kind      EventKind
	GroupID   string
	Round     int
	Artifact  engine.Artifact
	Err       error
}

// timeoutPollInterval is how often the Manager checks the active
// processor's round deadline while idle, waiting on the relay subscription.
const timeoutPollInterval = 500 * time.Millisecond

// Manager enforces a single-flight rule: only one session may be
// active at a time, and a second StartSession call while one is running
// fails with sdkerr.ErrBusy rather than queuing.
type Manager struct {
	client  *relay.Client
	keyring *relay.KeyRing
	log     logger.Logger

	mu        sync.Mutex
	active    *round.Processor
	sessionID string
	cancel    context.CancelFunc
	events    chan Event
}

// New constructs a Manager around an already-connected relay.Client and the
// Session Key Ring it shares with Bootstrap.
func New(client *relay.Client, keyring *relay.KeyRing, log logger.Logger) *Manager {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Manager{
		client:  client,
		keyring: keyring,
		log:     log,
		events:  make(chan Event, 32),
	}
}

// Events returns the channel Event values are published on. The channel is
// never closed by Cancel or a session completing; it lives as long as the
// Manager does.
func (m *Manager) Events() <-chan Event { return m.events }

// Busy reports whether a session is currently active.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// StartSession begins driving eng through a session bound to sessionID,
// sealing its messages under the key already installed in the Manager's
// KeyRing for groupID. It returns once round 1's outbound messages
// have been sent; completion and failure are reported asynchronously via
// Events.
func (m *Manager) StartSession(ctx context.Context, kind engine.Kind, groupID, sessionID, selfPartyID string, eng engine.MpcEngine, peers []string) error {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return sdkerr.ErrBusy
	}
	// The Key Ring holds one key per group, shared across
	// every protocol kind run against it; sessionID is only the relay's
	// routing token for this particular run.
	key, ok := m.keyring.Get(groupID)
	if !ok {
		m.mu.Unlock()
		return sdkerr.New(sdkerr.Invalid, "no session key installed for group "+groupID)
	}
	proc := round.New(kind, groupID, eng, m.log)
	runCtx, cancel := context.WithCancel(ctx)
	m.active = proc
	m.sessionID = sessionID
	m.cancel = cancel
	m.mu.Unlock()

	// Subscribe before sending anything: a peer's round-1 broadcast can
	// otherwise race ahead of our own subscription and the relay will drop
	// it as addressed to an unknown session.
	sub := m.client.Subscribe(sessionID)

	msgs, err := proc.Start()
	if err != nil {
		m.finish(sessionID, Event{Kind: EventError, GroupID: groupID, Err: err})
		return err
	}
	if err := m.sendAll(runCtx, sessionID, key, selfPartyID, 1, msgs); err != nil {
		m.finish(sessionID, Event{Kind: EventError, GroupID: groupID, Err: err})
		return err
	}

	go m.drive(runCtx, kind, groupID, sessionID, selfPartyID, key, peers, proc, sub)
	return nil
}

// Cancel aborts the active session, if any, with sdkerr.ErrCancelled.
func (m *Manager) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// drive owns the active session's lifecycle goroutine: it reads sealed
// envelopes off sub, opens them, delivers them to proc, and sends whatever
// new outbound messages that produces, until proc terminates or ctx is
// cancelled.
func (m *Manager) drive(ctx context.Context, kind engine.Kind, groupID, sessionID, selfPartyID string, key envelope.Key, peers []string, proc *round.Processor, sub <-chan *envelope.Sealed) {
	ticker := time.NewTicker(timeoutPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.finish(sessionID, Event{Kind: EventError, GroupID: groupID, Err: sdkerr.ErrCancelled})
			return

		case sealed, ok := <-sub:
			if !ok {
				m.finish(sessionID, Event{Kind: EventDisconnected, GroupID: groupID})
				return
			}
			plaintext, err := envelope.Open(key, sealed)
			if err != nil {
				m.log.Warn("protocol: dropping envelope that failed to open", logger.Error(err))
				continue
			}
			inbound := engine.Inbound{From: sealed.From, Payload: plaintext, Broadcast: sealed.To == envelope.Broadcast}
			msgs, done, err := proc.Deliver(sealed.Round, inbound)
			if err != nil {
				m.finish(sessionID, Event{Kind: EventError, GroupID: groupID, Err: err, Round: sealed.Round})
				return
			}
			if len(msgs) > 0 {
				_, round := proc.State()
				if sendErr := m.sendAll(ctx, sessionID, key, selfPartyID, round, msgs); sendErr != nil {
					m.finish(sessionID, Event{Kind: EventError, GroupID: groupID, Err: sendErr})
					return
				}
			}
			if done {
				m.complete(kind, groupID, sessionID, proc)
				return
			}
			m.publish(Event{Kind: EventRoundComplete, GroupID: groupID, Round: sealed.Round})

		case <-ticker.C:
			if err := proc.CheckTimeout(); err != nil {
				m.finish(sessionID, Event{Kind: EventError, GroupID: groupID, Err: err})
				return
			}
		}
	}
}

func (m *Manager) complete(kind engine.Kind, groupID, sessionID string, proc *round.Processor) {
	artifact := proc.Artifact()
	kindOfEvent := EventKeygenComplete
	if kind == engine.KindDSG {
		kindOfEvent = EventSignComplete
	}
	m.finish(sessionID, Event{Kind: kindOfEvent, GroupID: groupID, Artifact: artifact})
}

// finish tears down the active session's bookkeeping and publishes ev.
func (m *Manager) finish(sessionID string, ev Event) {
	m.mu.Lock()
	if m.sessionID == sessionID {
		m.active = nil
		m.sessionID = ""
		m.cancel = nil
	}
	m.mu.Unlock()
	m.client.Unsubscribe(sessionID)
	m.publish(ev)
}

func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("protocol: event channel full, dropping event", logger.String("kind", string(ev.Kind)))
	}
}

func (m *Manager) sendAll(ctx context.Context, sessionID string, key envelope.Key, from string, round int, msgs []engine.Message) error {
	for _, msg := range msgs {
		if msg.To == engine.Broadcast {
			// Seal once against the Broadcast sentinel and send a single
			// frame; the relay fans it out to every other party in the
			// session (excluding the sender) while preserving To="*", which
			// is what lets the receiving side's Broadcast bit survive the
			// round trip for engines that rely on it (tsslib's
			// tss.ParseWireMessage isBroadcast argument).
			sealed, err := envelope.Seal(key, from, envelope.Broadcast, round, msg.Payload)
			if err != nil {
				return sdkerr.Wrap(sdkerr.Decrypt, "seal round message", err)
			}
			if err := m.client.Send(ctx, sessionID, sealed); err != nil {
				return sdkerr.Wrap(sdkerr.Transport, "broadcast round message", err)
			}
			continue
		}
		sealed, err := envelope.Seal(key, from, msg.To, round, msg.Payload)
		if err != nil {
			return sdkerr.Wrap(sdkerr.Decrypt, "seal round message", err)
		}
		if err := m.client.Send(ctx, sessionID, sealed); err != nil {
			return sdkerr.Wrap(sdkerr.Transport, "send round message", err)
		}
	}
	return nil
}
