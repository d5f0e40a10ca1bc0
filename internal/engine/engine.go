// Package engine defines the protocol-variant layer for Verso: the
// engine kinds, the normalized notification model, the per-kind
// adapters that translate native wire shapes into it, and the abstract
// backend connection contract the orchestration core drives.
//
// The core never opens a socket or spawns a process; it talks to a
// Connection supplied by a host (see engine/host) and reacts to its
// callbacks.
package engine

import (
	"context"
	"fmt"
)

// Kind identifies a backend protocol variant.
type Kind string

const (
	// KindStreamJSON is a turn-based streaming SDK protocol: the engine
	// emits line-delimited JSON for each turn (message start, content
	// deltas, tool use blocks, a result line).
	KindStreamJSON Kind = "stream-json"

	// KindACP is the Agent Client Protocol: a generic multi-step agent
	// protocol with strongly typed session updates and tool calls.
	KindACP Kind = "acp"

	// KindThreads is an app-server protocol built around thread/turn/item
	// lifecycles, with typed command-execution and file-change items.
	KindThreads Kind = "threads"
)

// ParseKind validates a kind string from configuration.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindStreamJSON, KindACP, KindThreads:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown engine kind %q", s)
}

// String returns the kind's wire name.
func (k Kind) String() string { return string(k) }

// StartOptions configures a backend session start.
type StartOptions struct {
	// Model is the model to request, empty for the engine default.
	Model string
	// ResumeID is the backend-side session/thread identifier to resume.
	// Empty starts a fresh conversation.
	ResumeID string
}

// StartResult is the outcome of a successful Start.
type StartResult struct {
	// SessionID is the backend-issued session/thread identifier.
	SessionID string
	// Models lists the models the backend reports as available, when the
	// protocol exposes them during the handshake.
	Models []string
}

// ExitStatus describes how a backend process ended.
type ExitStatus struct {
	// Code is the process exit code. Nil when the backend ended without
	// reporting one (e.g. transport closed).
	Code *int
	// Err carries the transport-level error, if any.
	Err error
}

// Clean reports whether the exit should be treated as orderly.
func (e ExitStatus) Clean() bool {
	return e.Err == nil && (e.Code == nil || *e.Code == 0)
}

// PermissionOption is one way the user may answer a permission request.
type PermissionOption struct {
	ID   string
	Name string
	// Kind is the protocol's option class, e.g. "allow_once",
	// "allow_always", "reject_once".
	Kind string
}

// PermissionRequest asks the user to approve a tool invocation.
// Respond must be called exactly once; the connection blocks the
// affected tool until then.
type PermissionRequest struct {
	// ToolCallID links the request to a transcript entry when the
	// protocol provides it; may be empty.
	ToolCallID string
	// ToolName is the display name of the requesting tool.
	ToolName string
	// Input is the tool input in normalized form.
	Input ToolInput
	// Options are the protocol's answer choices.
	Options []PermissionOption
	// Respond delivers the chosen option id, or cancels when optionID is
	// empty. Safe to call from any goroutine.
	Respond func(optionID string)
}

// Connection is the abstract backend connection contract, one instance
// per running session. Implementations live outside the orchestration
// core (engine/host in this repository) and deliver notifications via
// the registered callbacks from their own goroutines.
type Connection interface {
	// Start launches the backend conversation and returns the
	// backend-issued session identifier. Callbacks must be registered
	// before Start.
	Start(ctx context.Context, cwd string, opts StartOptions) (StartResult, error)

	// Send submits one user message to the running conversation.
	Send(ctx context.Context, text string, attachments []Attachment) error

	// Interrupt asks the backend to stop the in-flight turn. Best effort;
	// the caller does not wait for acknowledgment.
	Interrupt(ctx context.Context) error

	// Stop terminates the backend conversation and releases resources.
	Stop() error

	// OnNotification registers the callback receiving native protocol
	// notifications. Must be called before Start.
	OnNotification(fn func(Notification))

	// OnExit registers the callback invoked when the backend ends.
	OnExit(fn func(ExitStatus))

	// OnPermission registers the callback for permission requests.
	OnPermission(fn func(PermissionRequest))
}

// ConfigReloader is an optional Connection extension for engines whose
// protocol supports reloading configuration in place.
type ConfigReloader interface {
	ReloadConfig(ctx context.Context) error
}

// Attachment is a user-supplied file or image sent with a message.
type Attachment struct {
	// Type is "image" or "file".
	Type string `json:"type"`
	// MimeType is the content MIME type.
	MimeType string `json:"mime_type,omitempty"`
	// Data is base64-encoded content for inline attachments.
	Data string `json:"data,omitempty"`
	// Path is the filesystem path for path-based attachments.
	Path string `json:"path,omitempty"`
}
