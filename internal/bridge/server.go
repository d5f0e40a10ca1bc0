package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/manager"
	"github.com/inercia/verso/internal/store"
	"github.com/inercia/verso/internal/transcript"
)

// Timing constants for the WebSocket keepalive cycle.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxMessageSize = 1024 * 1024

	// Inbound command budget per client: sustained and burst.
	commandRate  = 20
	commandBurst = 40
)

// DefaultPort is the bridge's default listen port.
const DefaultPort = 7537

// Config wires the bridge server.
type Config struct {
	// Host is the listen address; empty means 127.0.0.1. The bridge
	// refuses to bind non-loopback addresses.
	Host string
	// Port is the listen port; zero means DefaultPort.
	Port int
	// Token is the bearer token every request must present. Empty
	// disables authentication; only do that in tests.
	Token string

	// Manager is the orchestration core the bridge fronts. Required.
	Manager *manager.Manager
	// Store serves the read-only session listing API. Optional.
	Store store.SessionStore
}

// Server is the local UI bridge. It implements manager.Renderer so the
// manager's updates fan out to every connected client.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	httpSrv  *http.Server
	listener net.Listener
}

var _ manager.Renderer = (*Server)(nil)

// SetManager wires the orchestration core after construction. The
// manager takes the bridge as its renderer, so the two are created in
// sequence: bridge first, then manager, then this call. Must happen
// before Start.
func (s *Server) SetManager(m *manager.Manager) {
	s.cfg.Manager = m
}

// New creates a bridge server. Call Start to begin serving.
func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Server{
		cfg:     cfg,
		log:     logging.Bridge(),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bridge binds loopback only; cross-origin browser pages
			// still cannot speak without the token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if !isLoopback(s.cfg.Host) {
		return fmt.Errorf("bridge refuses to bind non-loopback address %q", s.cfg.Host)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to bind bridge listener: %w", err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Bridge server stopped", "error", err)
		}
	}()
	s.log.Info("Bridge listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes all client connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		close(c.done)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the bridge's HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.withAuth(s.handleWS))
	mux.HandleFunc("/api/sessions", s.withAuth(s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.withAuth(s.handleSession))
	return mux
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// withAuth enforces the bearer token on every endpoint. WebSocket
// clients may pass it as a query parameter since browsers cannot set
// headers on upgrade requests.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if presented == "" || presented == r.Header.Get("Authorization") {
				presented = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// handleSessions serves the stored session listing.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		http.Error(w, "no session store", http.StatusNotFound)
		return
	}
	recs, err := s.cfg.Store.List(r.URL.Query().Get("project"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

// handleSession serves one stored session with its transcript.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		http.Error(w, "no session store", http.StatusNotFound)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	rec, err := s.cfg.Store.Load(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		*store.Record
		Messages []*transcript.Message `json:"messages"`
	}{Record: rec, Messages: rec.Messages})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// client is one connected WebSocket front-end.
type client struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// handleWS upgrades the connection and runs the client's pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}
	c := &client{
		conn:    conn,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(commandRate), commandBurst),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info("Bridge client connected", "remote", r.RemoteAddr)

	s.sendHello(c)
	go s.writePump(c)
	go s.readLoop(c)

	// A fresh client needs the current transcript; the manager repaints
	// through the renderer fan-out.
	go s.cfg.Manager.Flush()
}

// sendHello delivers the initial state snapshot to one client.
func (s *Server) sendHello(c *client) {
	infos := s.cfg.Manager.Sessions()
	payload := HelloPayload{
		ForegroundID: s.cfg.Manager.ForegroundID(),
		Sessions:     summarize(infos),
	}
	s.sendTo(c, MsgTypeHello, payload)
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// writePump owns all writes to the socket, including keepalive pings.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readLoop dispatches inbound commands until the client disconnects.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			s.sendError(c, "rate limit exceeded")
			continue
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(c, "malformed message")
			continue
		}
		if err := s.dispatch(&msg); err != nil {
			s.sendError(c, err.Error())
		}
	}
}

// dispatch applies one client command through the manager.
func (s *Server) dispatch(msg *WSMessage) error {
	m := s.cfg.Manager
	switch msg.Type {
	case MsgTypeSend:
		var p SendPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return fmt.Errorf("malformed send payload")
		}
		return m.SendMessage(p.Text, p.Attachments...)

	case MsgTypeInterrupt:
		m.Interrupt()
		return nil

	case MsgTypeSwitch:
		var p SwitchPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return fmt.Errorf("malformed switch payload")
		}
		return m.SwitchSession(p.SessionID)

	case MsgTypeCreate:
		var p CreatePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return fmt.Errorf("malformed create payload")
		}
		kind, err := engine.ParseKind(p.Engine)
		if err != nil {
			return err
		}
		_, err = m.CreateSession(p.ProjectID, p.WorkingDir, kind, p.Model)
		return err

	case MsgTypeDelete:
		var p DeletePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return fmt.Errorf("malformed delete payload")
		}
		return m.DeleteSession(p.SessionID)

	case MsgTypePermissionResponse:
		var p PermissionResponsePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return fmt.Errorf("malformed permission payload")
		}
		return m.RespondPermission(p.OptionID)
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}

// broadcast fans a message out to every client. Slow clients drop
// messages rather than stalling the manager loop.
func (s *Server) broadcast(msgType string, data any) {
	msg, err := encodeMessage(msgType, data)
	if err != nil {
		s.log.Error("Failed to encode broadcast", "type", msgType, "error", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.log.Warn("Dropping message for slow bridge client", "type", msgType)
		}
	}
}

func (s *Server) sendTo(c *client, msgType string, data any) {
	msg, err := encodeMessage(msgType, data)
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (s *Server) sendError(c *client, text string) {
	s.sendTo(c, MsgTypeError, ErrorPayload{Message: text})
}

func encodeMessage(msgType string, data any) ([]byte, error) {
	msg := WSMessage{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// TranscriptChanged implements manager.Renderer.
func (s *Server) TranscriptChanged(sessionID string, messages []*transcript.Message, plan []engine.PlanStep) {
	s.broadcast(MsgTypeTranscript, TranscriptPayload{
		SessionID: sessionID,
		Messages:  messages,
		Plan:      plan,
	})
}

// SessionsChanged implements manager.Renderer.
func (s *Server) SessionsChanged(sessions []manager.SessionInfo) {
	s.broadcast(MsgTypeSessions, SessionsPayload{Sessions: summarize(sessions)})
}

// ProcessingChanged implements manager.Renderer.
func (s *Server) ProcessingChanged(sessionID string, processing bool) {
	s.broadcast(MsgTypeProcessing, ProcessingPayload{SessionID: sessionID, Processing: processing})
}

// PermissionRequested implements manager.Renderer.
func (s *Server) PermissionRequested(sessionID string, req *engine.PermissionRequest) {
	options := make([]PermissionOptionPayload, 0, len(req.Options))
	for _, o := range req.Options {
		options = append(options, PermissionOptionPayload{ID: o.ID, Name: o.Name, Kind: o.Kind})
	}
	s.broadcast(MsgTypePermission, PermissionPayload{
		SessionID:  sessionID,
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		Input:      req.Input,
		Options:    options,
	})
}
