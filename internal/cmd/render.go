package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/manager"
	"github.com/inercia/verso/internal/transcript"
)

// termRenderer prints manager updates to the terminal. Assistant text
// streams in as growing snapshots, so it remembers how much of each
// message has been printed and emits only the new suffix.
type termRenderer struct {
	mu  sync.Mutex
	out io.Writer

	// printed maps message id to the number of text bytes already
	// written for it.
	printed map[string]int
	// tools maps tool call id to the last status printed for it.
	tools map[string]transcript.ToolStatus

	// pending is the permission request awaiting an answer, if any.
	pending *engine.PermissionRequest

	// respond answers permission requests; wired to
	// Manager.RespondPermission after the manager exists.
	respond func(optionID string) error

	// autoApprove answers every permission request with its first option.
	autoApprove bool

	// turnDone is signalled every time processing flips back to false.
	turnDone chan struct{}
}

func newTermRenderer(out io.Writer, autoApprove bool) *termRenderer {
	return &termRenderer{
		out:         out,
		printed:     make(map[string]int),
		tools:       make(map[string]transcript.ToolStatus),
		autoApprove: autoApprove,
		turnDone:    make(chan struct{}, 1),
	}
}

func (r *termRenderer) TranscriptChanged(sessionID string, messages []*transcript.Message, plan []engine.PlanStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range messages {
		switch {
		case msg.Tool != nil:
			r.renderTool(msg)
		case msg.Role == transcript.RoleAssistant:
			r.renderAssistant(msg)
		case msg.IsError:
			if _, seen := r.printed[msg.ID]; !seen {
				r.printed[msg.ID] = len(msg.Text)
				fmt.Fprintf(r.out, "\n❌ %s\n", msg.Text)
			}
		}
	}
}

// renderAssistant prints the unseen tail of a streaming assistant message.
func (r *termRenderer) renderAssistant(msg *transcript.Message) {
	done := r.printed[msg.ID]
	if len(msg.Text) <= done {
		return
	}
	fmt.Fprint(r.out, msg.Text[done:])
	r.printed[msg.ID] = len(msg.Text)
}

// renderTool prints one line per tool status transition.
func (r *termRenderer) renderTool(msg *transcript.Message) {
	tool := msg.Tool
	last, seen := r.tools[tool.ID]
	if seen && last == tool.Status {
		return
	}
	r.tools[tool.ID] = tool.Status
	switch tool.Status {
	case transcript.ToolPending:
		fmt.Fprintf(r.out, "\n⏺ %s%s\n", tool.Name, toolDetail(tool))
	case transcript.ToolCompleted:
		if !seen {
			fmt.Fprintf(r.out, "\n⏺ %s%s ✓\n", tool.Name, toolDetail(tool))
		}
	case transcript.ToolError:
		fmt.Fprintf(r.out, "\n⏺ %s%s ✗\n", tool.Name, toolDetail(tool))
	}
}

func toolDetail(tool *transcript.ToolCall) string {
	switch {
	case tool.Input.Command != "":
		return ": " + tool.Input.Command
	case tool.Input.Path != "":
		return ": " + tool.Input.Path
	case tool.Input.Query != "":
		return ": " + tool.Input.Query
	}
	return ""
}

func (r *termRenderer) SessionsChanged(sessions []manager.SessionInfo) {
	// The chat UI lists sessions on demand via /sessions.
}

func (r *termRenderer) ProcessingChanged(sessionID string, processing bool) {
	if processing {
		return
	}
	fmt.Fprintln(r.out)
	select {
	case r.turnDone <- struct{}{}:
	default:
	}
}

func (r *termRenderer) PermissionRequested(sessionID string, req *engine.PermissionRequest) {
	r.mu.Lock()
	r.pending = req
	respond := r.respond
	auto := r.autoApprove
	r.mu.Unlock()

	if auto && len(req.Options) > 0 && respond != nil {
		fmt.Fprintf(r.out, "\n🔓 Auto-approved: %s%s\n", req.ToolName, permDetail(req))
		// The manager delivered this from its run loop; answer from a
		// separate goroutine to avoid re-entry.
		go func() { _ = respond(req.Options[0].ID) }()
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n🔐 Permission requested: %s%s\n", req.ToolName, permDetail(req))
	for i, opt := range req.Options {
		fmt.Fprintf(&b, "   %d. %s\n", i+1, opt.Name)
	}
	b.WriteString("   Answer with /approve <number> or /deny\n")
	fmt.Fprint(r.out, b.String())
}

func permDetail(req *engine.PermissionRequest) string {
	switch {
	case req.Input.Command != "":
		return ": " + req.Input.Command
	case req.Input.Path != "":
		return ": " + req.Input.Path
	}
	return ""
}

// answerPermission resolves the pending request with the numbered
// option (1-based), or cancels it when n is 0.
func (r *termRenderer) answerPermission(n int) error {
	r.mu.Lock()
	req := r.pending
	respond := r.respond
	r.mu.Unlock()
	if req == nil {
		return fmt.Errorf("no pending permission request")
	}
	if respond == nil {
		return fmt.Errorf("permission responder not wired")
	}
	optionID := ""
	if n > 0 {
		if n > len(req.Options) {
			return fmt.Errorf("option %d out of range (1-%d)", n, len(req.Options))
		}
		optionID = req.Options[n-1].ID
	}
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
	return respond(optionID)
}

// waitTurn blocks until the current turn finishes or done closes.
func (r *termRenderer) waitTurn(done <-chan struct{}) {
	select {
	case <-r.turnDone:
	case <-done:
	}
}

var _ manager.Renderer = (*termRenderer)(nil)
