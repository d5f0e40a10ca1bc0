package engine

import (
	"encoding/json"

	acp "github.com/coder/acp-go-sdk"
)

// ACPUpdate wraps a session notification from an ACP engine.
type ACPUpdate struct {
	Update acp.SessionNotification
}

func (*ACPUpdate) EngineKind() Kind { return KindACP }

// ACPTurnEnd is synthesized by the host when the prompt call returns.
// The protocol reports the stop reason in the prompt response rather
// than as a session update, so it would otherwise never reach the
// notification stream.
type ACPTurnEnd struct {
	// StopReason is the response's stop reason, e.g. "end_turn".
	StopReason string
	// ErrText is set when the prompt call itself failed.
	ErrText string
}

func (ACPTurnEnd) EngineKind() Kind { return KindACP }

// acpToolCall is the wire shape of a tool_call update. The SDK types carry
// the same data; decoding the wire form directly keeps the adapter
// independent of SDK field layout for the optional parts (kind, locations,
// rawInput) that older agents omit.
type acpToolCall struct {
	ToolCallID string           `json:"toolCallId"`
	Title      string           `json:"title"`
	Kind       string           `json:"kind"`
	Status     string           `json:"status"`
	RawInput   map[string]any   `json:"rawInput"`
	Locations  []acpLocation    `json:"locations"`
	Content    []acpToolContent `json:"content"`
}

type acpLocation struct {
	Path string `json:"path"`
}

type acpToolContent struct {
	Type    string `json:"type"`
	Content *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type acpPlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

type acpAdapter struct{}

func (acpAdapter) Kind() Kind { return KindACP }

// Translate maps session updates onto the event model. The protocol has no
// explicit message-start: the reconciler opens a streaming message on the
// first delta.
func (a acpAdapter) Translate(n Notification) []Event {
	if end, ok := n.(ACPTurnEnd); ok {
		ev := Event{Type: EventTurnComplete, StopReason: end.StopReason}
		if end.ErrText != "" {
			ev.StopReason = "error"
			ev.Text = end.ErrText
		}
		return []Event{ev}
	}
	un, ok := n.(*ACPUpdate)
	if !ok {
		return nil
	}
	u := un.Update.Update

	switch {
	case u.AgentMessageChunk != nil:
		content := u.AgentMessageChunk.Content
		if content.Text != nil && content.Text.Text != "" {
			return []Event{{Type: EventTextDelta, Text: content.Text.Text}}
		}

	case u.AgentThoughtChunk != nil:
		thought := u.AgentThoughtChunk.Content
		if thought.Text != nil && thought.Text.Text != "" {
			return []Event{{Type: EventThinkingDelta, Text: thought.Text.Text}}
		}

	case u.ToolCall != nil:
		tc := decodeACPToolCall(u.ToolCall)
		in := a.normalizeToolCall(tc)
		evs := []Event{{
			Type:     EventToolStart,
			ToolID:   tc.ToolCallID,
			ToolName: a.toolCallDisplay(tc, in),
			Input:    in,
		}}
		// Fast tools can arrive already finished.
		if tc.Status == "completed" || tc.Status == "failed" {
			evs = append(evs, Event{
				Type:   EventToolResult,
				ToolID: tc.ToolCallID,
				Result: ToolResult{Text: acpContentText(tc.Content), IsError: tc.Status == "failed"},
			})
		}
		return evs

	case u.ToolCallUpdate != nil:
		tc := decodeACPToolCall(u.ToolCallUpdate)
		if tc.Status != "completed" && tc.Status != "failed" {
			return nil
		}
		return []Event{{
			Type:   EventToolResult,
			ToolID: tc.ToolCallID,
			Result: ToolResult{Text: acpContentText(tc.Content), IsError: tc.Status == "failed"},
		}}

	case u.Plan != nil:
		var wire struct {
			Entries []acpPlanEntry `json:"entries"`
		}
		if !reencode(u.Plan, &wire) || len(wire.Entries) == 0 {
			return nil
		}
		steps := make([]PlanStep, 0, len(wire.Entries))
		for _, e := range wire.Entries {
			steps = append(steps, PlanStep{Title: e.Content, Status: e.Status})
		}
		return []Event{{Type: EventPlan, Plan: steps}}
	}
	return nil
}

func (a acpAdapter) normalizeToolCall(tc acpToolCall) ToolInput {
	name := tc.Kind
	if name == "" {
		name = tc.Title
	}
	in := a.NormalizeInput(name, tc.RawInput)
	// The payload may omit the path; fall back to the location hints.
	if in.Path == "" && len(tc.Locations) > 0 {
		in.Path = tc.Locations[0].Path
	}
	if in.Detail == "" {
		in.Detail = tc.Title
	}
	return in
}

// toolCallDisplay prefers the agent-sent title: ACP titles are already
// human-readable, and when the payload carries no usable path or command
// the generic title is all there is.
func (a acpAdapter) toolCallDisplay(tc acpToolCall, in ToolInput) string {
	if in.Path == "" && in.Command == "" && in.Query == "" && tc.Title != "" {
		return tc.Title
	}
	return a.ToolDisplayName(tc.Title, in)
}

// NormalizeInput keys off the tool kind the agent reports.
func (acpAdapter) NormalizeInput(toolName string, raw map[string]any) ToolInput {
	in := ToolInput{Kind: OpOther, Raw: raw}
	switch toolName {
	case "read", "view":
		in.Kind = OpRead
		in.Path = getString(raw, "path", "file_path", "abs_path")
	case "edit", "write", "delete", "move":
		in.Kind = OpEdit
		in.Path = getString(raw, "path", "file_path", "abs_path")
	case "execute", "bash", "run", "shell":
		in.Kind = OpExecute
		in.Command = getString(raw, "command", "cmd")
	case "search", "glob", "grep":
		in.Kind = OpSearch
		in.Query = getString(raw, "pattern", "query")
		in.Path = getString(raw, "path")
	case "fetch":
		in.Kind = OpFetch
		in.Query = getString(raw, "url", "query")
	case "think", "other":
		// Generic textual display only.
	default:
		in.Detail = toolName
	}
	return in
}

func (acpAdapter) NormalizeResult(raw any, isError bool) ToolResult {
	return ToolResult{Text: extractText(raw), IsError: isError, Raw: toMap(raw)}
}

func (acpAdapter) ToolDisplayName(toolName string, input ToolInput) string {
	return displayName(input, toolName)
}

// decodeACPToolCall re-encodes an SDK tool_call value into the wire shape.
func decodeACPToolCall(v any) acpToolCall {
	var tc acpToolCall
	reencode(v, &tc)
	return tc
}

func reencode(v any, dst any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func acpContentText(blocks []acpToolContent) string {
	var out string
	for _, b := range blocks {
		if b.Content != nil && b.Content.Text != "" {
			out += b.Content.Text
		}
	}
	return out
}
