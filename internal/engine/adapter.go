package engine

import (
	"encoding/json"
	"strings"
)

// Adapter normalizes one protocol variant's native notifications into the
// shared event model. Implementations are stateless; per-turn bookkeeping
// (open messages, pending tools) belongs to the transcript reconciler, so
// the same adapter instance can serve foreground and background sessions.
type Adapter interface {
	Kind() Kind

	// Translate converts a native notification into zero or more events in
	// delivery order. Notifications belonging to a different variant yield
	// nil.
	Translate(n Notification) []Event

	// NormalizeInput converts a native tool payload into a ToolInput.
	NormalizeInput(toolName string, raw map[string]any) ToolInput

	// NormalizeResult converts a native tool result into a ToolResult.
	NormalizeResult(raw any, isError bool) ToolResult

	// ToolDisplayName derives the label shown for a tool entry. The label
	// never exposes which protocol produced it.
	ToolDisplayName(toolName string, input ToolInput) string
}

// ForKind returns the adapter for an engine kind, or nil for an unknown kind.
func ForKind(k Kind) Adapter {
	switch k {
	case KindStreamJSON:
		return streamJSONAdapter{}
	case KindACP:
		return acpAdapter{}
	case KindThreads:
		return threadsAdapter{}
	}
	return nil
}

// displayName renders a normalized input as a short human-readable label.
// Shared by all variants so identical operations read identically in the
// transcript regardless of the engine that produced them.
func displayName(in ToolInput, fallback string) string {
	switch in.Kind {
	case OpRead:
		if in.Path != "" {
			return "Read " + in.Path
		}
	case OpSearch:
		if in.Query != "" {
			return "Search " + in.Query
		}
		if in.Path != "" {
			return "Search " + in.Path
		}
	case OpEdit:
		if in.Path != "" {
			return "Edit " + in.Path
		}
	case OpExecute:
		if in.Command != "" {
			return "$ " + truncateLabel(in.Command, 80)
		}
	case OpFetch:
		if in.Query != "" {
			return "Fetch " + in.Query
		}
	case OpDelegate:
		if in.Detail != "" {
			return "Agent: " + truncateLabel(in.Detail, 80)
		}
		return "Agent"
	}
	if in.Detail != "" {
		return in.Detail
	}
	return fallback
}

func truncateLabel(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// getString returns the first non-empty string value among keys.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// toMap converts an arbitrary payload to a map, round-tripping through JSON
// for struct types. Returns nil when the payload has no object shape.
func toMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// extractText pulls a textual payload out of the result formats the engines
// use: a bare string, a {text|output|content|stdout} object, or a list of
// text blocks.
func extractText(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case map[string]any:
		if s := getString(r, "text", "output", "content", "stdout"); s != "" {
			return s
		}
		return ""
	case []any:
		var sb strings.Builder
		for _, item := range r {
			if m, ok := item.(map[string]any); ok {
				if s := getString(m, "text"); s != "" {
					sb.WriteString(s)
				}
			}
		}
		return sb.String()
	default:
		return extractText(toMap(v))
	}
}
