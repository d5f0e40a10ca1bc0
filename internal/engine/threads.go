package engine

import (
	"strings"

	"github.com/google/shlex"
)

// Notification methods of the thread protocol. The engine speaks JSON-RPC
// over stdio; turns run inside threads and produce typed items.
const (
	ThreadNotifyStarted        = "thread/started"
	ThreadNotifyTurnStarted    = "turn/started"
	ThreadNotifyTurnCompleted  = "turn/completed"
	ThreadNotifyPlanUpdated    = "turn/plan/updated"
	ThreadNotifyItemStarted    = "item/started"
	ThreadNotifyItemCompleted  = "item/completed"
	ThreadNotifyMessageDelta   = "item/agentMessage/delta"
	ThreadNotifyReasoningDelta = "item/reasoning/textDelta"
	ThreadNotifySummaryDelta   = "item/reasoning/summaryTextDelta"
	ThreadNotifyError          = "error"
)

// Item types.
const (
	ThreadItemUserMessage  = "userMessage"
	ThreadItemAgentMessage = "agentMessage"
	ThreadItemReasoning    = "reasoning"
	ThreadItemCommand      = "commandExecution"
	ThreadItemFileChange   = "fileChange"
	ThreadItemMCPToolCall  = "mcpToolCall"
	ThreadItemWebSearch    = "webSearch"
)

// ThreadEvent is one decoded notification from a thread engine.
type ThreadEvent struct {
	Method   string
	ThreadID string
	TurnID   string
	ItemID   string

	// Delta payload for agentMessage/reasoning deltas.
	Delta string

	// Item payload for item/started and item/completed.
	Item *ThreadItem

	// Plan payload for turn/plan/updated.
	Plan []ThreadPlanEntry

	// Turn outcome for turn/completed.
	Success bool
	ErrText string
}

func (*ThreadEvent) EngineKind() Kind { return KindThreads }

// ThreadItem mirrors the protocol's item object. Every operation the agent
// performs surfaces as an item; shell work arrives as an opaque command
// string that the adapter reclassifies.
type ThreadItem struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`

	Text string `json:"text,omitempty"`

	// commandExecution fields.
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// fileChange fields.
	Changes []ThreadFileChange `json:"changes,omitempty"`

	// mcpToolCall fields.
	Server    string         `json:"server,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// webSearch fields.
	Query string `json:"query,omitempty"`
}

type ThreadFileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
	Diff string `json:"diff,omitempty"`
}

type ThreadPlanEntry struct {
	Description string `json:"description"`
	Status      string `json:"status"`
}

type threadsAdapter struct{}

func (threadsAdapter) Kind() Kind { return KindThreads }

func (a threadsAdapter) Translate(n Notification) []Event {
	te, ok := n.(*ThreadEvent)
	if !ok {
		return nil
	}

	switch te.Method {
	case ThreadNotifyItemStarted:
		return a.translateItemStarted(te.Item)

	case ThreadNotifyItemCompleted:
		return a.translateItemCompleted(te.Item)

	case ThreadNotifyMessageDelta:
		if te.Delta == "" {
			return nil
		}
		return []Event{{Type: EventTextDelta, Text: te.Delta}}

	case ThreadNotifyReasoningDelta, ThreadNotifySummaryDelta:
		if te.Delta == "" {
			return nil
		}
		return []Event{{Type: EventThinkingDelta, Text: te.Delta}}

	case ThreadNotifyPlanUpdated:
		if len(te.Plan) == 0 {
			return nil
		}
		steps := make([]PlanStep, 0, len(te.Plan))
		for _, e := range te.Plan {
			steps = append(steps, PlanStep{Title: e.Description, Status: e.Status})
		}
		return []Event{{Type: EventPlan, Plan: steps}}

	case ThreadNotifyTurnCompleted:
		ev := Event{Type: EventTurnComplete}
		if !te.Success && te.ErrText != "" {
			ev.StopReason = "error"
			ev.Text = te.ErrText
		}
		return []Event{ev}
	}
	return nil
}

func (a threadsAdapter) translateItemStarted(item *ThreadItem) []Event {
	if item == nil {
		return nil
	}
	switch item.Type {
	case ThreadItemAgentMessage:
		return []Event{{Type: EventMessageStart}}
	case ThreadItemCommand, ThreadItemFileChange, ThreadItemMCPToolCall, ThreadItemWebSearch:
		in := a.NormalizeInput(item.Type, threadItemArgs(item))
		return []Event{{
			Type:     EventToolStart,
			ToolID:   item.ID,
			ToolName: a.ToolDisplayName(item.Type, in),
			Input:    in,
		}}
	}
	return nil
}

func (a threadsAdapter) translateItemCompleted(item *ThreadItem) []Event {
	if item == nil {
		return nil
	}
	switch item.Type {
	case ThreadItemCommand:
		failed := item.Status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0)
		return []Event{{
			Type:   EventToolResult,
			ToolID: item.ID,
			Result: ToolResult{Text: item.AggregatedOutput, IsError: failed},
		}}
	case ThreadItemFileChange, ThreadItemMCPToolCall, ThreadItemWebSearch:
		return []Event{{
			Type:   EventToolResult,
			ToolID: item.ID,
			Result: ToolResult{Text: item.Text, IsError: item.Status == "failed"},
		}}
	}
	// Items that only started (fast tools may skip item/started) still need
	// an entry before the result can merge.
	return nil
}

// threadItemArgs flattens the item fields relevant to normalization.
func threadItemArgs(item *ThreadItem) map[string]any {
	args := map[string]any{}
	if item.Command != "" {
		args["command"] = item.Command
	}
	if item.Cwd != "" {
		args["cwd"] = item.Cwd
	}
	if len(item.Changes) > 0 {
		args["path"] = item.Changes[0].Path
	}
	if item.Tool != "" {
		args["tool"] = item.Tool
		args["server"] = item.Server
	}
	if item.Query != "" {
		args["query"] = item.Query
	}
	return args
}

// NormalizeInput maps item payloads onto operations. The protocol reports
// file reads and searches as shell commands, so commandExecution payloads go
// through classifyCommand.
func (threadsAdapter) NormalizeInput(toolName string, raw map[string]any) ToolInput {
	switch toolName {
	case ThreadItemCommand:
		in := classifyCommand(getString(raw, "command"))
		in.Raw = raw
		return in
	case ThreadItemFileChange:
		return ToolInput{Kind: OpEdit, Path: getString(raw, "path"), Raw: raw}
	case ThreadItemMCPToolCall:
		return ToolInput{Kind: OpOther, Detail: getString(raw, "tool"), Raw: raw}
	case ThreadItemWebSearch:
		return ToolInput{Kind: OpFetch, Query: getString(raw, "query"), Raw: raw}
	}
	return ToolInput{Kind: OpOther, Detail: toolName, Raw: raw}
}

func (threadsAdapter) NormalizeResult(raw any, isError bool) ToolResult {
	return ToolResult{Text: extractText(raw), IsError: isError, Raw: toMap(raw)}
}

func (threadsAdapter) ToolDisplayName(toolName string, input ToolInput) string {
	return displayName(input, toolName)
}

// classifyCommand reclassifies an opaque shell command into the operation it
// actually performs, so a `cat` shows up as a read and a `rg` as a search.
// Commands that cannot be parsed or recognized stay OpExecute.
func classifyCommand(command string) ToolInput {
	in := ToolInput{Kind: OpExecute, Command: command}
	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		return in
	}

	// Engines wrap commands in a shell invocation.
	if len(argv) >= 3 && (argv[0] == "bash" || argv[0] == "sh" || argv[0] == "zsh") &&
		strings.HasPrefix(argv[1], "-") && strings.Contains(argv[1], "c") {
		inner := classifyCommand(argv[2])
		inner.Command = command
		return inner
	}

	// A redirect means the command writes a file regardless of argv[0].
	if strings.Contains(command, " > ") || strings.Contains(command, " >> ") {
		in.Kind = OpEdit
		if i := strings.LastIndexAny(command, ">"); i >= 0 {
			in.Path = strings.TrimSpace(command[i+1:])
		}
		return in
	}

	rest := argv[1:]
	switch argv[0] {
	case "cat", "head", "tail", "less", "more":
		in.Kind = OpRead
		in.Path = firstOperand(rest)
	case "sed":
		// `sed -n 12,40p file` prints a range; `sed -i` edits in place.
		for _, a := range rest {
			if a == "-i" || strings.HasPrefix(a, "-i.") {
				in.Kind = OpEdit
				in.Path = lastOperand(rest)
				return in
			}
		}
		in.Kind = OpRead
		in.Path = lastOperand(rest)
	case "rg", "grep", "egrep", "fgrep":
		in.Kind = OpSearch
		in.Query = firstOperand(rest)
	case "find", "fd", "ls":
		in.Kind = OpSearch
		in.Path = firstOperand(rest)
	case "mkdir", "touch", "mv", "cp", "rm", "chmod", "apply_patch":
		in.Kind = OpEdit
		in.Path = lastOperand(rest)
	case "curl", "wget":
		in.Kind = OpFetch
		in.Query = firstOperand(rest)
	}
	return in
}

// firstOperand returns the first argument that is not a flag.
func firstOperand(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

func lastOperand(args []string) string {
	for i := len(args) - 1; i >= 0; i-- {
		if !strings.HasPrefix(args[i], "-") {
			return args[i]
		}
	}
	return ""
}
