// Package relay implements the Relay Client (C2): the HTTP control-plane
// calls for party registration and group lifecycle, and the persistent
// WebSocket transport envelopes travel over during a protocol run.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zkrypt-crossbar/defishard-sdk/config"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/logger"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/metrics"
	"github.com/zkrypt-crossbar/defishard-sdk/relay/envelope"
	"github.com/zkrypt-crossbar/defishard-sdk/sdkerr"
)

// GroupInfo describes a group's current membership as reported by the relay.
type GroupInfo struct {
	GroupID    string   `json:"group_id"`
	Threshold  int      `json:"threshold"`
	Total      int      `json:"total"`
	PartyIDs   []string `json:"party_ids"`
	AdmittedAt []bool   `json:"admitted"`
}

// wireFrame is the JSON envelope sent and received on the WebSocket.
type wireFrame struct {
	SessionID  string `json:"session_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Round      int    `json:"round"`
	Nonce      string `json:"nonce"`      // base64, chunked codec
	Ciphertext string `json:"ciphertext"` // base64, chunked codec
}

// Client is the Relay Client: it owns the WebSocket connection and the HTTP
// control-plane calls, and hands each session its own inbound channel so
// the Round Processor never has to share a socket's read loop with anyone
// else's session.
type Client struct {
	cfg      config.RelayConfig
	partyID  string
	httpc    *http.Client
	log      logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	outbound chan wireFrame
	done     chan struct{}
	closed   bool

	subMu    sync.RWMutex
	subs     map[string]chan *envelope.Sealed // sessionID -> inbound channel
}

// NewClient builds a Relay Client for partyID (the Party's 33-byte
// compressed-key identity, hex-encoded) against the relay described by cfg.
func NewClient(cfg config.RelayConfig, partyID string) *Client {
	return &Client{
		cfg:      cfg,
		partyID:  partyID,
		httpc:    &http.Client{Timeout: cfg.RequestTimeout},
		log:      logger.GetDefaultLogger(),
		outbound: make(chan wireFrame, cfg.MaxQueueDepth),
		done:     make(chan struct{}),
		subs:     make(map[string]chan *envelope.Sealed),
	}
}

func (c *Client) httpURL(path string) string {
	return c.cfg.HTTPBaseURL + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return sdkerr.Wrap(sdkerr.Invalid, "marshal request body", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.httpURL(path), reader)
	if err != nil {
		return sdkerr.Wrap(sdkerr.Transport, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return sdkerr.Wrap(sdkerr.Transport, "relay request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return sdkerr.New(sdkerr.Protocol, fmt.Sprintf("relay returned %d: %s", resp.StatusCode, string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return sdkerr.Wrap(sdkerr.Protocol, "decode relay response", err)
	}
	return nil
}

// RegisterParty registers this Party's identity with the relay so other
// parties can address it by party id.
func (c *Client) RegisterParty(ctx context.Context) error {
	req := map[string]string{"party_id": c.partyID}
	return c.doJSON(ctx, http.MethodPost, "/v1/party/register", req, nil)
}

// CreateGroup asks the relay to allocate a new group with the given
// threshold/total parameters, admitting this party as its first member.
func (c *Client) CreateGroup(ctx context.Context, threshold, total int) (string, error) {
	req := map[string]interface{}{
		"threshold": threshold,
		"total":     total,
		"party_id":  c.partyID,
	}
	var resp struct {
		GroupID string `json:"group_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/group/create", req, &resp); err != nil {
		return "", err
	}
	return resp.GroupID, nil
}

// JoinGroup requests admission to an existing group and returns the
// 0-based party_index the relay assigned this party within the group.
func (c *Client) JoinGroup(ctx context.Context, groupID string) (int, error) {
	req := map[string]string{"group_id": groupID, "party_id": c.partyID}
	var resp struct {
		PartyIndex int `json:"party_index"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/group/join", req, &resp); err != nil {
		return 0, err
	}
	return resp.PartyIndex, nil
}

// GroupInfo fetches the current membership/admission state of a group.
func (c *Client) GroupInfo(ctx context.Context, groupID string) (*GroupInfo, error) {
	var info GroupInfo
	path := fmt.Sprintf("/v1/group/info?group_id=%s", groupID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// BindSession tells the relay which group a session id belongs to, so it
// knows the recipient set for that session's broadcast ("*") envelopes.
// Bootstrap.BindSession calls this at the start of every protocol run,
// before this party sends any round message.
func (c *Client) BindSession(ctx context.Context, sessionID, groupID string) error {
	req := map[string]string{"session_id": sessionID, "group_id": groupID}
	return c.doJSON(ctx, http.MethodPost, "/v1/session/bind", req, nil)
}

// Connect dials the relay's WebSocket endpoint and starts the read/write/
// heartbeat loops. It reconnects automatically with exponential backoff
// until Close is called.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.connectionLoop(ctx)
	return nil
}

// pongWait is how long the client waits for a pong after its last heartbeat
// ping before treating the connection as dead.
const pongWait = 30 * time.Second

// reconnectBackoffFactor is the exponential backoff multiplier
// specifies (200ms, ×1.5, cap 5s).
const reconnectBackoffFactor = 1.5

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	url := c.cfg.WSBaseURL + "/v1/ws?party_id=" + c.partyID
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return sdkerr.Wrap(sdkerr.Transport, fmt.Sprintf("websocket dial failed (http %d)", status), err)
	}
	// A pong due within pongWait of the last one keeps the read deadline
	// pushed out; a connection that stops ponging unblocks ReadMessage with a
	// timeout error, and readLoop tears it down for connectionLoop to redial.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	go c.writeLoop(conn)
	return nil
}

// connectionLoop watches for the current connection dying and redials with
// exponential backoff until Close shuts the client down.
func (c *Client) connectionLoop(ctx context.Context) {
	delay := c.cfg.ReconnectMinDelay
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				metrics.RelayReconnects.Inc()
				if err := c.dial(ctx); err != nil {
					c.log.Warn("relay reconnect failed", logger.Error(err), logger.Duration("retry_in", delay))
					jitter := time.Duration(rand.Int63n(int64(delay) / 2))
					time.Sleep(delay + jitter)
					delay = time.Duration(float64(delay) * reconnectBackoffFactor)
					if delay > c.cfg.ReconnectMaxDelay {
						delay = c.cfg.ReconnectMaxDelay
					}
					continue
				}
				delay = c.cfg.ReconnectMinDelay
				continue
			}
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn("relay: malformed frame", logger.Error(err))
			continue
		}
		nonce, err := envelope.DecodeString(frame.Nonce)
		if err != nil {
			c.log.Warn("relay: bad nonce encoding", logger.Error(err))
			continue
		}
		ciphertext, err := envelope.DecodeString(frame.Ciphertext)
		if err != nil {
			c.log.Warn("relay: bad ciphertext encoding", logger.Error(err))
			continue
		}
		sealed := &envelope.Sealed{
			From:       frame.From,
			To:         frame.To,
			Round:      frame.Round,
			Nonce:      nonce,
			Ciphertext: ciphertext,
		}
		metrics.EnvelopesReceived.WithLabelValues(fmt.Sprintf("round%d", frame.Round)).Inc()

		c.subMu.RLock()
		ch, ok := c.subs[frame.SessionID]
		c.subMu.RUnlock()
		if !ok {
			c.log.Debug("relay: dropping envelope for unknown session", logger.String("session_id", frame.SessionID))
			continue
		}
		select {
		case ch <- sealed:
		default:
			c.log.Warn("relay: inbound channel full, dropping envelope", logger.String("session_id", frame.SessionID))
		}
	}
}

func (c *Client) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			raw, err := json.Marshal(frame)
			if err != nil {
				c.log.Error("relay: marshal outbound frame", logger.Error(err))
				continue
			}
			c.mu.Lock()
			cur := c.conn
			c.mu.Unlock()
			if cur != conn {
				// a reconnect swapped the connection out from under us (or it
				// died and is not redialed yet): put the frame back on the
				// outbound queue for the current connection's writeLoop and
				// stop this stale loop.
				select {
				case c.outbound <- frame:
				default:
					c.log.Warn("relay: outbound queue full, dropping frame from stale connection", logger.String("session_id", frame.SessionID))
				}
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.log.Warn("relay: write failed", logger.Error(err))
				continue
			}
			metrics.EnvelopesSent.WithLabelValues(fmt.Sprintf("round%d", frame.Round)).Inc()
			metrics.OutboundQueueDepth.Set(float64(len(c.outbound)))
		}
	}
}

// Subscribe registers an inbound channel for sessionID; envelopes addressed
// through that session are delivered here until Unsubscribe is called.
func (c *Client) Subscribe(sessionID string) <-chan *envelope.Sealed {
	ch := make(chan *envelope.Sealed, 64)
	c.subMu.Lock()
	c.subs[sessionID] = ch
	c.subMu.Unlock()
	return ch
}

// Unsubscribe stops delivery for sessionID and closes its channel.
func (c *Client) Unsubscribe(sessionID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.subs[sessionID]; ok {
		close(ch)
		delete(c.subs, sessionID)
	}
}

// Send enqueues a sealed envelope for transmission, identified by sessionID
// so the receiving relay can route it to the right party's session
// subscription. It returns sdkerr.ErrBackpressure immediately if the
// outbound queue is full rather than blocking the caller indefinitely.
func (c *Client) Send(ctx context.Context, sessionID string, s *envelope.Sealed) error {
	frame := wireFrame{
		SessionID:  sessionID,
		From:       s.From,
		To:         s.To,
		Round:      s.Round,
		Nonce:      mustEncode(s.Nonce),
		Ciphertext: mustEncode(s.Ciphertext),
	}
	select {
	case c.outbound <- frame:
		return nil
	case <-ctx.Done():
		return sdkerr.Wrap(sdkerr.Cancelled, "send cancelled", ctx.Err())
	default:
		return sdkerr.ErrBackpressure
	}
}

func mustEncode(b []byte) string {
	s, err := envelope.EncodeToString(b)
	if err != nil {
		// chunked base64 encoding of an in-memory []byte cannot fail.
		panic(err)
	}
	return s
}

// NewSessionID returns a fresh random session identifier for binding a
// round-key-ring entry to a relay subscription.
func NewSessionID() string {
	return uuid.NewString()
}

// Close shuts the client down: stops the background loops, closes the
// socket and every session subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.Close()
	}

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()

	return nil
}
