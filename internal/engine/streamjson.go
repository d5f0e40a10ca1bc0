package engine

import "encoding/json"

// Wire shapes for the turn-based streaming protocol. The engine writes one
// JSON object per line on stdout; the message type determines which fields
// are populated.
const (
	streamTypeSystem    = "system"
	streamTypeAssistant = "assistant"
	streamTypeUser      = "user"
	streamTypeResult    = "result"
)

// Tool names the protocol reports. Operations arrive strongly typed, so
// normalization is a name switch rather than command parsing.
const (
	streamToolBash      = "Bash"
	streamToolRead      = "Read"
	streamToolWrite     = "Write"
	streamToolEdit      = "Edit"
	streamToolGlob      = "Glob"
	streamToolGrep      = "Grep"
	streamToolWebFetch  = "WebFetch"
	streamToolWebSearch = "WebSearch"
	streamToolTask      = "Task"
)

// StreamMessage is one line of the stream-json protocol.
type StreamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// Populated for system and result messages.
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// Populated for assistant and user messages.
	Message         *StreamContent `json:"message,omitempty"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`

	// Populated for result messages.
	Result     string  `json:"result,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	CostUSD    float64 `json:"total_cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}

func (*StreamMessage) EngineKind() Kind { return KindStreamJSON }

// StreamContent is the message body of an assistant or user line.
type StreamContent struct {
	Role       string        `json:"role"`
	Content    []StreamBlock `json:"content,omitempty"`
	StopReason string        `json:"stop_reason,omitempty"`
}

// StreamBlock is one content block. The protocol sends tool_result content
// as either a bare string or a list of typed blocks, so it stays raw until
// the adapter extracts it.
type StreamBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use fields.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type streamJSONAdapter struct{}

func (streamJSONAdapter) Kind() Kind { return KindStreamJSON }

func (a streamJSONAdapter) Translate(n Notification) []Event {
	m, ok := n.(*StreamMessage)
	if !ok {
		return nil
	}

	switch m.Type {
	case streamTypeAssistant:
		return a.translateAssistant(m)
	case streamTypeUser:
		return a.translateUser(m)
	case streamTypeResult:
		ev := Event{Type: EventTurnComplete, CostUSD: m.CostUSD, BackendID: m.SessionID}
		if m.IsError {
			ev.StopReason = "error"
			ev.Text = m.Result
		} else {
			ev.StopReason = m.Subtype
		}
		return []Event{ev}
	}
	// System and control messages carry no transcript content.
	return nil
}

func (a streamJSONAdapter) translateAssistant(m *StreamMessage) []Event {
	if m.Message == nil {
		return nil
	}
	var evs []Event
	opened := false
	for _, b := range m.Message.Content {
		switch b.Type {
		case "text":
			if b.Text == "" {
				continue
			}
			if !opened {
				evs = append(evs, Event{Type: EventMessageStart, ParentToolID: m.ParentToolUseID})
				opened = true
			}
			evs = append(evs, Event{Type: EventTextDelta, Text: b.Text, ParentToolID: m.ParentToolUseID})
		case "thinking":
			if b.Thinking == "" {
				continue
			}
			if !opened {
				evs = append(evs, Event{Type: EventMessageStart, ParentToolID: m.ParentToolUseID})
				opened = true
			}
			evs = append(evs, Event{Type: EventThinkingDelta, Text: b.Thinking, ParentToolID: m.ParentToolUseID})
		case "tool_use":
			in := a.NormalizeInput(b.Name, b.Input)
			evs = append(evs, Event{
				Type:         EventToolStart,
				ToolID:       b.ID,
				ToolName:     a.ToolDisplayName(b.Name, in),
				Input:        in,
				Delegate:     b.Name == streamToolTask,
				ParentToolID: m.ParentToolUseID,
			})
		}
	}
	return evs
}

// translateUser extracts tool results. The protocol echoes them back as user
// messages containing tool_result blocks.
func (a streamJSONAdapter) translateUser(m *StreamMessage) []Event {
	if m.Message == nil {
		return nil
	}
	var evs []Event
	for _, b := range m.Message.Content {
		if b.Type != "tool_result" || b.ToolUseID == "" {
			continue
		}
		var content any
		if len(b.Content) > 0 {
			if err := json.Unmarshal(b.Content, &content); err != nil {
				content = string(b.Content)
			}
		}
		evs = append(evs, Event{
			Type:         EventToolResult,
			ToolID:       b.ToolUseID,
			Result:       a.NormalizeResult(content, b.IsError),
			ParentToolID: m.ParentToolUseID,
		})
	}
	return evs
}

func (streamJSONAdapter) NormalizeInput(toolName string, raw map[string]any) ToolInput {
	in := ToolInput{Kind: OpOther, Raw: raw}
	switch toolName {
	case streamToolBash:
		in.Kind = OpExecute
		in.Command = getString(raw, "command", "cmd")
		in.Detail = getString(raw, "description")
	case streamToolRead:
		in.Kind = OpRead
		in.Path = getString(raw, "file_path", "path")
	case streamToolWrite, streamToolEdit, "NotebookEdit":
		in.Kind = OpEdit
		in.Path = getString(raw, "file_path", "path", "notebook_path")
	case streamToolGlob, streamToolGrep:
		in.Kind = OpSearch
		in.Query = getString(raw, "pattern", "query")
		in.Path = getString(raw, "path")
	case streamToolWebFetch, streamToolWebSearch:
		in.Kind = OpFetch
		in.Query = getString(raw, "url", "query")
	case streamToolTask:
		in.Kind = OpDelegate
		in.Detail = getString(raw, "description", "prompt")
	default:
		in.Detail = toolName
	}
	return in
}

func (streamJSONAdapter) NormalizeResult(raw any, isError bool) ToolResult {
	return ToolResult{Text: extractText(raw), IsError: isError, Raw: toMap(raw)}
}

func (streamJSONAdapter) ToolDisplayName(toolName string, input ToolInput) string {
	return displayName(input, toolName)
}
