// Package bridge exposes the orchestration core to local UI front-ends
// over HTTP and WebSocket on the loopback interface. State flows out as
// broadcast messages; commands flow in per client and are applied
// through the manager's public surface.
package bridge

import (
	"encoding/json"
	"time"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/manager"
	"github.com/inercia/verso/internal/transcript"
)

// WSMessage is the envelope for every WebSocket message in both
// directions.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Server to client message types.
const (
	MsgTypeHello      = "hello"
	MsgTypeTranscript = "transcript"
	MsgTypeSessions   = "sessions"
	MsgTypeProcessing = "processing"
	MsgTypePermission = "permission_request"
	MsgTypeError      = "error"
)

// Client to server message types.
const (
	MsgTypeSend               = "send"
	MsgTypeInterrupt          = "interrupt"
	MsgTypeSwitch             = "switch_session"
	MsgTypeCreate             = "create_session"
	MsgTypeDelete             = "delete_session"
	MsgTypePermissionResponse = "permission_response"
)

// HelloPayload is the first message a client receives after connecting.
type HelloPayload struct {
	ForegroundID string           `json:"foreground_id,omitempty"`
	Sessions     []SessionSummary `json:"sessions"`
}

// TranscriptPayload carries the full foreground transcript.
type TranscriptPayload struct {
	SessionID string                `json:"session_id"`
	Messages  []*transcript.Message `json:"messages"`
	Plan      []engine.PlanStep     `json:"plan,omitempty"`
}

// SessionSummary is the wire form of a sidebar entry.
type SessionSummary struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Engine         string    `json:"engine"`
	Phase          string    `json:"phase"`
	Foreground     bool      `json:"foreground,omitempty"`
	Processing     bool      `json:"processing,omitempty"`
	NeedsAttention bool      `json:"needs_attention,omitempty"`
	CostUSD        float64   `json:"cost_usd,omitempty"`
	LastActivity   time.Time `json:"last_activity"`
}

func summarize(infos []manager.SessionInfo) []SessionSummary {
	out := make([]SessionSummary, 0, len(infos))
	for _, s := range infos {
		out = append(out, SessionSummary{
			ID:             s.ID,
			Title:          s.Title,
			Engine:         string(s.Kind),
			Phase:          s.Phase,
			Foreground:     s.Foreground,
			Processing:     s.Processing,
			NeedsAttention: s.NeedsAttention,
			CostUSD:        s.CostUSD,
			LastActivity:   s.LastActivity,
		})
	}
	return out
}

// SessionsPayload carries the sidebar listing.
type SessionsPayload struct {
	Sessions []SessionSummary `json:"sessions"`
}

// ProcessingPayload reports the foreground processing flag.
type ProcessingPayload struct {
	SessionID  string `json:"session_id"`
	Processing bool   `json:"processing"`
}

// PermissionPayload surfaces a pending permission request. Answers go
// back as a permission_response command.
type PermissionPayload struct {
	SessionID  string                    `json:"session_id"`
	ToolCallID string                    `json:"tool_call_id,omitempty"`
	ToolName   string                    `json:"tool_name"`
	Input      engine.ToolInput          `json:"input"`
	Options    []PermissionOptionPayload `json:"options"`
}

type PermissionOptionPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

// ErrorPayload reports a failed command back to the issuing client.
type ErrorPayload struct {
	Message string `json:"message"`
}

// SendPayload submits user input to the foreground session.
type SendPayload struct {
	Text        string              `json:"text"`
	Attachments []engine.Attachment `json:"attachments,omitempty"`
}

// SwitchPayload foregrounds another session.
type SwitchPayload struct {
	SessionID string `json:"session_id"`
}

// CreatePayload creates a draft session.
type CreatePayload struct {
	ProjectID  string `json:"project_id"`
	WorkingDir string `json:"working_dir"`
	Engine     string `json:"engine"`
	Model      string `json:"model,omitempty"`
}

// DeletePayload removes a session.
type DeletePayload struct {
	SessionID string `json:"session_id"`
}

// PermissionResponsePayload answers the pending permission request.
// An empty option id cancels it.
type PermissionResponsePayload struct {
	OptionID string `json:"option_id"`
}
