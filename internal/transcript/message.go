// Package transcript reconstructs a linear message history from the
// normalized event stream of an engine connection.
package transcript

import (
	"time"

	"github.com/google/uuid"

	"github.com/inercia/verso/internal/engine"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
	RoleSummary   Role = "summary"
)

// ToolStatus is the lifecycle of a tool entry. An entry is created pending
// and transitions to completed or error exactly once.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Message is one unit of the rendered transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Thinking holds the reasoning trace streamed before the visible text.
	// Once text begins the thinking phase cannot resume.
	Thinking     string `json:"thinking,omitempty"`
	ThinkingDone bool   `json:"thinking_done,omitempty"`

	// Streaming marks the message still receiving deltas. At most one
	// message per session is streaming at any instant.
	Streaming bool `json:"streaming,omitempty"`

	// Queued marks a user message waiting in the send queue. Cleared when
	// the queue drains it into the send path.
	Queued bool `json:"queued,omitempty"`

	// IsError marks a system message that reports a failure.
	IsError bool `json:"is_error,omitempty"`

	// Tool is set for RoleTool entries.
	Tool *ToolCall `json:"tool,omitempty"`

	// Compacted is set for RoleSummary entries.
	Compacted *Compaction `json:"compacted,omitempty"`
}

// ToolCall is the payload of a tool entry.
type ToolCall struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Input  engine.ToolInput `json:"input,omitempty"`
	Output string           `json:"output,omitempty"`
	Status ToolStatus       `json:"status"`

	// Delegate marks a sub-agent invocation; nested events route into
	// Children instead of the top-level list.
	Delegate bool       `json:"delegate,omitempty"`
	Children []ToolCall `json:"children,omitempty"`
}

// Compaction describes what a summary message replaced.
type Compaction struct {
	FromCount int `json:"from_count"`
}

// EntryKey derives the transcript key for a tool identifier. It is a pure
// function of the identifier so the mapping survives ownership transfers
// without carrying any side state.
func EntryKey(toolID string) string {
	return "tool:" + toolID
}

// NewUserMessage builds a finalized user message.
func NewUserMessage(text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// NewSystemError builds a visible error entry.
func NewSystemError(text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleSystem,
		Text:      text,
		IsError:   true,
		Timestamp: time.Now(),
	}
}
