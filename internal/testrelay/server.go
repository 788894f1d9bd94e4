// Package testrelay is a reference, in-process implementation of the
// star-topology relay server: it speaks the exact
// HTTP control-plane and WebSocket envelope wire contract relay.Client
// expects, persisting nothing beyond process lifetime and never inspecting
// envelope plaintext. It exists for tests and the cmd/dklsctl demo; a
// production relay is a separate deployment, not part of this SDK.
package testrelay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zkrypt-crossbar/defishard-sdk/internal/logger"
	"github.com/zkrypt-crossbar/defishard-sdk/internal/metrics"
)

// wireFrame mirrors relay.Client's unexported wireFrame: the JSON shape
// carried over the WebSocket. Duplicated here rather than imported so the
// reference server only depends on the wire contract, not relay's
// internals.
type wireFrame struct {
	SessionID  string `json:"session_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Round      int    `json:"round"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

const broadcastTo = "*"

type group struct {
	ID        string
	Threshold int
	Total     int
	PartyIDs  []string
	Admitted  []bool
}

// conn wraps a websocket.Conn with a write mutex: gorilla/websocket forbids
// concurrent writers, and multiple other parties' read loops can each try
// to relay a message to this party's socket at once.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Server is the reference relay. Construct with New, then use URL()/WSURL()
// to build a config.RelayConfig pointing at it.
type Server struct {
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader
	log      logger.Logger

	mu       sync.Mutex
	parties  map[string]bool
	groups   map[string]*group
	sessions map[string]string // session_id -> group_id
	conns    map[string]*conn  // party_id -> connection
}

// New starts a reference relay server listening on a loopback port.
func New() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      logger.GetDefaultLogger(),
		parties:  make(map[string]bool),
		groups:   make(map[string]*group),
		sessions: make(map[string]string),
		conns:    make(map[string]*conn),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/party/register", s.handleRegisterParty)
	mux.HandleFunc("/v1/group/create", s.handleCreateGroup)
	mux.HandleFunc("/v1/group/join", s.handleJoinGroup)
	mux.HandleFunc("/v1/group/info", s.handleGroupInfo)
	mux.HandleFunc("/v1/session/bind", s.handleBindSession)
	mux.HandleFunc("/v1/ws", s.handleWS)
	mux.Handle("/metrics", metrics.Handler())
	s.httpSrv = httptest.NewServer(mux)
	return s
}

// URL is the HTTP base URL for config.RelayConfig.HTTPBaseURL.
func (s *Server) URL() string { return s.httpSrv.URL }

// WSURL is the WebSocket base URL for config.RelayConfig.WSBaseURL.
func (s *Server) WSURL() string {
	return "ws" + s.httpSrv.URL[len("http"):]
}

// Close shuts the server down.
func (s *Server) Close() { s.httpSrv.Close() }

func writeJSONResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONResponse(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleRegisterParty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PartyID string `json:"party_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.PartyID == "" {
		writeError(w, http.StatusBadRequest, "party_id is required")
		return
	}
	s.mu.Lock()
	s.parties[req.PartyID] = true
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusOK, nil)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold int    `json:"threshold"`
		Total     int    `json:"total"`
		PartyID   string `json:"party_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Threshold < 1 || req.Total < req.Threshold {
		writeError(w, http.StatusBadRequest, "invalid threshold/total")
		return
	}
	g := &group{
		ID:        uuid.NewString(),
		Threshold: req.Threshold,
		Total:     req.Total,
		PartyIDs:  make([]string, req.Total),
		Admitted:  make([]bool, req.Total),
	}
	g.PartyIDs[0] = req.PartyID
	g.Admitted[0] = true

	s.mu.Lock()
	s.groups[g.ID] = g
	s.mu.Unlock()

	writeJSONResponse(w, http.StatusOK, map[string]string{"group_id": g.ID})
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID string `json:"group_id"`
		PartyID string `json:"party_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[req.GroupID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown group")
		return
	}
	for i, id := range g.PartyIDs {
		if id == req.PartyID {
			writeJSONResponse(w, http.StatusOK, map[string]int{"party_index": i})
			return
		}
	}
	for i, admitted := range g.Admitted {
		if !admitted {
			g.PartyIDs[i] = req.PartyID
			g.Admitted[i] = true
			writeJSONResponse(w, http.StatusOK, map[string]int{"party_index": i})
			return
		}
	}
	writeError(w, http.StatusConflict, "group is full")
}

func (s *Server) handleGroupInfo(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group_id")
	s.mu.Lock()
	g, ok := s.groups[groupID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown group")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"group_id":  g.ID,
		"threshold": g.Threshold,
		"total":     g.Total,
		"party_ids": g.PartyIDs,
		"admitted":  g.Admitted,
	})
}

func (s *Server) handleBindSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		GroupID   string `json:"group_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" || req.GroupID == "" {
		writeError(w, http.StatusBadRequest, "session_id and group_id are required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[req.GroupID]; !ok {
		writeError(w, http.StatusNotFound, "unknown group")
		return
	}
	s.sessions[req.SessionID] = req.GroupID
	writeJSONResponse(w, http.StatusOK, nil)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	partyID := r.URL.Query().Get("party_id")
	if partyID == "" {
		http.Error(w, "party_id is required", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("testrelay: upgrade failed", logger.Error(err))
		return
	}
	c := &conn{ws: ws}
	s.mu.Lock()
	s.conns[partyID] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conns[partyID] == c {
			delete(s.conns, partyID)
		}
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var frame wireFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		s.route(frame)
	}
}

// route delivers frame to its recipients. Broadcast frames fan out to
// every other party in the frame's bound group; unicast frames go to the
// one party named in To, if currently connected.
func (s *Server) route(frame wireFrame) {
	s.mu.Lock()
	groupID, bound := s.sessions[frame.SessionID]
	var recipients []string
	if frame.To == broadcastTo {
		if bound {
			if g, ok := s.groups[groupID]; ok {
				for _, id := range g.PartyIDs {
					if id != "" && id != frame.From {
						recipients = append(recipients, id)
					}
				}
			}
		}
	} else {
		recipients = []string{frame.To}
	}
	conns := make([]*conn, 0, len(recipients))
	for _, id := range recipients {
		if c, ok := s.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.writeJSON(frame); err != nil {
			s.log.Debug("testrelay: delivery failed", logger.Error(err))
		}
	}
}
