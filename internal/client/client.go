package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/inercia/verso/internal/bridge"
	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/store"
	"github.com/inercia/verso/internal/transcript"
)

// Client talks to a Verso bridge over HTTP and WebSocket.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *slog.Logger

	handlers Handlers

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token presented on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the HTTP client used for API requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// New creates a client for the bridge at baseURL, e.g.
// "http://127.0.0.1:7537".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   http.DefaultClient,
		log:     logging.CLI(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handlers receives live updates from the bridge. All callbacks run on
// the client's read goroutine.
type Handlers struct {
	OnHello      func(bridge.HelloPayload)
	OnTranscript func(bridge.TranscriptPayload)
	OnSessions   func(bridge.SessionsPayload)
	OnProcessing func(bridge.ProcessingPayload)
	OnPermission func(bridge.PermissionPayload)
	OnError      func(message string)
	// OnDisconnect fires once when the connection ends, with the read
	// error that ended it.
	OnDisconnect func(err error)
}

// SetHandlers registers the update callbacks. Must be called before
// Connect.
func (c *Client) SetHandlers(h Handlers) {
	c.handlers = h
}

// Connect opens the WebSocket connection and starts dispatching
// updates in the background.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := c.wsURL()
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("bridge rejected token")
		}
		return fmt.Errorf("failed to connect to bridge: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid bridge URL %q: %w", c.baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Done returns a channel closed when the live connection ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Close shuts the live connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// readLoop dispatches incoming messages to the handlers.
func (c *Client) readLoop(conn *websocket.Conn) {
	var readErr error
	defer func() {
		c.mu.Lock()
		done := c.done
		c.mu.Unlock()
		if done != nil {
			close(done)
		}
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(readErr)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		var msg bridge.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("Malformed bridge message", "error", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *bridge.WSMessage) {
	switch msg.Type {
	case bridge.MsgTypeHello:
		if c.handlers.OnHello != nil {
			var p bridge.HelloPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.handlers.OnHello(p)
			}
		}
	case bridge.MsgTypeTranscript:
		if c.handlers.OnTranscript != nil {
			var p bridge.TranscriptPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.handlers.OnTranscript(p)
			}
		}
	case bridge.MsgTypeSessions:
		if c.handlers.OnSessions != nil {
			var p bridge.SessionsPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.handlers.OnSessions(p)
			}
		}
	case bridge.MsgTypeProcessing:
		if c.handlers.OnProcessing != nil {
			var p bridge.ProcessingPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.handlers.OnProcessing(p)
			}
		}
	case bridge.MsgTypePermission:
		if c.handlers.OnPermission != nil {
			var p bridge.PermissionPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.handlers.OnPermission(p)
			}
		}
	case bridge.MsgTypeError:
		if c.handlers.OnError != nil {
			var p bridge.ErrorPayload
			if json.Unmarshal(msg.Data, &p) == nil {
				c.handlers.OnError(p.Message)
			}
		}
	default:
		c.log.Debug("Ignoring unknown bridge message", "type", msg.Type)
	}
}

// send issues one command over the live connection.
func (c *Client) send(msgType string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	msg := bridge.WSMessage{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Data = raw
	}
	return c.conn.WriteJSON(msg)
}

// Send submits user input to the foreground session.
func (c *Client) Send(text string, attachments ...engine.Attachment) error {
	return c.send(bridge.MsgTypeSend, bridge.SendPayload{Text: text, Attachments: attachments})
}

// Interrupt cancels the foreground turn.
func (c *Client) Interrupt() error {
	return c.send(bridge.MsgTypeInterrupt, nil)
}

// SwitchSession foregrounds another session.
func (c *Client) SwitchSession(sessionID string) error {
	return c.send(bridge.MsgTypeSwitch, bridge.SwitchPayload{SessionID: sessionID})
}

// CreateSession creates and foregrounds a draft session.
func (c *Client) CreateSession(projectID, workingDir, engineKind, model string) error {
	return c.send(bridge.MsgTypeCreate, bridge.CreatePayload{
		ProjectID:  projectID,
		WorkingDir: workingDir,
		Engine:     engineKind,
		Model:      model,
	})
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(sessionID string) error {
	return c.send(bridge.MsgTypeDelete, bridge.DeletePayload{SessionID: sessionID})
}

// RespondPermission answers the pending permission request. An empty
// option id cancels it.
func (c *Client) RespondPermission(optionID string) error {
	return c.send(bridge.MsgTypePermissionResponse, bridge.PermissionResponsePayload{OptionID: optionID})
}

// ListSessions fetches the stored session listing.
func (c *Client) ListSessions(ctx context.Context, projectID string) ([]*store.Record, error) {
	u := c.baseURL + "/api/sessions"
	if projectID != "" {
		u += "?project=" + url.QueryEscape(projectID)
	}
	var recs []*store.Record
	if err := c.getJSON(ctx, u, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// GetSession fetches one stored session with its transcript.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*store.Record, []*transcript.Message, error) {
	var payload struct {
		store.Record
		Messages []*transcript.Message `json:"messages"`
	}
	u := c.baseURL + "/api/sessions/" + url.PathEscape(sessionID)
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return nil, nil, err
	}
	rec := payload.Record
	return &rec, payload.Messages, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
