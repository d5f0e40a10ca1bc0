package engine

// Notification is a native protocol notification as delivered by a
// Connection, tagged with the kind that produced it. Translation into
// normalized Events happens later, on the owner of the session state,
// so background routing can dispatch by kind (see manager.BackgroundStore).
type Notification interface {
	EngineKind() Kind
}

// EventType classifies a normalized notification.
type EventType string

const (
	// EventMessageStart opens a new streaming assistant message.
	EventMessageStart EventType = "message_start"
	// EventTextDelta appends to the open streaming message's text.
	EventTextDelta EventType = "text_delta"
	// EventThinkingDelta appends to the open streaming message's thinking trace.
	EventThinkingDelta EventType = "thinking_delta"
	// EventToolStart inserts a tool invocation entry.
	EventToolStart EventType = "tool_start"
	// EventToolResult resolves a tool invocation entry.
	EventToolResult EventType = "tool_result"
	// EventPlan replaces the session's current plan.
	EventPlan EventType = "plan"
	// EventTurnComplete finalizes the streaming message and ends the turn.
	EventTurnComplete EventType = "turn_complete"
)

// OperationKind classifies what a tool invocation does to the project,
// independent of how the protocol reported it.
type OperationKind string

const (
	OpRead     OperationKind = "read"
	OpSearch   OperationKind = "search"
	OpEdit     OperationKind = "edit"
	OpExecute  OperationKind = "execute"
	OpFetch    OperationKind = "fetch"
	OpDelegate OperationKind = "delegate"
	OpOther    OperationKind = "other"
)

// ToolInput is the normalized form of a tool invocation's input.
type ToolInput struct {
	// Kind classifies the operation.
	Kind OperationKind `json:"kind"`
	// Path is the semantic file path, when one could be determined.
	Path string `json:"path,omitempty"`
	// Command is the shell command line for execute operations.
	Command string `json:"command,omitempty"`
	// Query is the search pattern or fetch URL for search/fetch operations.
	Query string `json:"query,omitempty"`
	// Detail is a generic textual display used when the raw payload gave
	// no structured fields to work with.
	Detail string `json:"detail,omitempty"`
	// Raw preserves the native payload for inspection.
	Raw map[string]any `json:"raw,omitempty"`
}

// ToolResult is the normalized form of a tool invocation's outcome.
type ToolResult struct {
	// Text is the renderable output.
	Text string `json:"text,omitempty"`
	// IsError marks a failed invocation.
	IsError bool `json:"is_error,omitempty"`
	// Raw preserves the native payload.
	Raw map[string]any `json:"raw,omitempty"`
}

// PlanStep is one entry of an agent-published plan.
type PlanStep struct {
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
}

// Event is a normalized notification, the unit the reconciler consumes.
// Exactly the fields implied by Type are set; the rest stay zero.
type Event struct {
	Type EventType

	// Text carries the delta payload for text/thinking deltas.
	Text string

	// ToolID is the backend-issued invocation identifier for tool events.
	ToolID string
	// ToolName is the display name for tool starts.
	ToolName string
	// Input is the normalized input for tool starts.
	Input ToolInput
	// Delegate marks a tool start that represents a delegated sub-agent;
	// subsequent events carrying its id as ParentToolID route to its
	// sub-step list.
	Delegate bool

	// Result is the normalized outcome for tool results.
	Result ToolResult

	// ParentToolID routes the event to a delegated sub-agent's sub-steps
	// instead of the top-level transcript.
	ParentToolID string

	// Plan carries the full replacement plan for plan events.
	Plan []PlanStep

	// CostUSD is the cumulative turn cost reported on turn completion,
	// zero when the protocol does not report cost.
	CostUSD float64
	// StopReason is the protocol's turn stop reason, when reported.
	StopReason string
	// BackendID is the session identity the backend reported alongside
	// this event. Some protocols only reveal it in the turn stream, after
	// Start has already returned a provisional id.
	BackendID string
}
