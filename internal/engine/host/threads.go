package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/runner"
)

// threadsConn drives a thread/turn/item app-server engine over JSON-RPC
// on stdio. Turns are started with a request and progress arrives as
// notifications; command and file-change approvals arrive as reverse
// requests that block the engine until answered.
type threadsConn struct {
	callbacks
	command string
	run     *runner.Runner
	log     *slog.Logger

	mu       sync.Mutex
	proc     *proc
	rpc      *rpcClient
	threadID string
	stopped  bool
}

var _ engine.Connection = (*threadsConn)(nil)

func newThreadsConn(command string, run *runner.Runner) *threadsConn {
	return &threadsConn{command: command, run: run, log: logging.Engine()}
}

func (c *threadsConn) Start(ctx context.Context, cwd string, opts engine.StartOptions) (engine.StartResult, error) {
	p, err := launch(c.command, cwd, c.run, c.log)
	if err != nil {
		return engine.StartResult{}, err
	}
	rpc := newRPCClient(p.stdin, c.log)
	rpc.onNotification = c.handleNotification
	rpc.onRequest = c.handleRequest

	c.mu.Lock()
	c.proc = p
	c.rpc = rpc
	c.mu.Unlock()

	go c.readLoop(p, rpc)

	if _, err := rpc.call(ctx, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "verso", "version": "1"},
	}); err != nil {
		p.kill()
		_ = p.wait()
		return engine.StartResult{}, fmt.Errorf("initialize error: %w", err)
	}

	threadID, err := c.openThread(ctx, rpc, cwd, opts)
	if err != nil {
		p.kill()
		_ = p.wait()
		return engine.StartResult{}, err
	}
	c.mu.Lock()
	c.threadID = threadID
	c.mu.Unlock()
	return engine.StartResult{SessionID: threadID}, nil
}

// openThread resumes the prior thread or starts a fresh one. A failed
// resume falls back to a fresh thread rather than failing the start.
func (c *threadsConn) openThread(ctx context.Context, rpc *rpcClient, cwd string, opts engine.StartOptions) (string, error) {
	if opts.ResumeID != "" {
		res, err := rpc.call(ctx, "thread/resume", map[string]any{
			"threadId": opts.ResumeID,
			"cwd":      cwd,
		})
		if err == nil {
			if id := threadIDFrom(res); id != "" {
				return id, nil
			}
			return opts.ResumeID, nil
		}
		c.log.Warn("Failed to resume thread, starting fresh", "thread_id", opts.ResumeID, "error", err)
	}

	params := map[string]any{"cwd": cwd}
	if opts.Model != "" {
		params["model"] = opts.Model
	}
	res, err := rpc.call(ctx, "thread/start", params)
	if err != nil {
		return "", fmt.Errorf("thread start error: %w", err)
	}
	id := threadIDFrom(res)
	if id == "" {
		return "", fmt.Errorf("thread start returned no thread id")
	}
	return id, nil
}

// threadIDFrom digs the thread id out of a start/resume result.
func threadIDFrom(res json.RawMessage) string {
	var wire struct {
		ThreadID string `json:"threadId"`
		Thread   struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(res, &wire); err != nil {
		return ""
	}
	if wire.ThreadID != "" {
		return wire.ThreadID
	}
	return wire.Thread.ID
}

// readLoop pumps the RPC dispatcher until the process ends.
func (c *threadsConn) readLoop(p *proc, rpc *rpcClient) {
	rpc.read(p.stdout)
	rpc.failPending(io.ErrClosedPipe)
	err := p.wait()
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		c.emitExit(engine.ExitStatus{})
		return
	}
	c.emitExit(exitStatus(err))
}

func (c *threadsConn) Send(ctx context.Context, text string, attachments []engine.Attachment) error {
	c.mu.Lock()
	rpc, threadID := c.rpc, c.threadID
	c.mu.Unlock()
	if rpc == nil {
		return fmt.Errorf("engine not running")
	}
	input := []map[string]any{{"type": "text", "text": text}}
	for _, a := range attachments {
		if a.Type == "image" && a.Path != "" {
			input = append(input, map[string]any{"type": "image", "path": a.Path})
		} else if a.Path != "" {
			input = append(input, map[string]any{"type": "text", "text": "[Attached file: " + a.Path + "]"})
		}
	}
	_, err := rpc.call(ctx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    input,
	})
	return err
}

func (c *threadsConn) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	rpc, threadID := c.rpc, c.threadID
	c.mu.Unlock()
	if rpc == nil {
		return nil
	}
	_, err := rpc.call(ctx, "turn/interrupt", map[string]any{"threadId": threadID})
	return err
}

func (c *threadsConn) Stop() error {
	c.mu.Lock()
	p := c.proc
	c.stopped = true
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	p.kill()
	return nil
}

// handleNotification decodes a server notification into a ThreadEvent.
func (c *threadsConn) handleNotification(method string, params json.RawMessage) {
	ev, ok := decodeThreadEvent(method, params)
	if !ok {
		c.log.Debug("Ignoring unknown notification", "method", method)
		return
	}
	c.emitNotification(ev)
}

// decodeThreadEvent maps a notification onto the engine's typed event.
func decodeThreadEvent(method string, params json.RawMessage) (*engine.ThreadEvent, bool) {
	var wire struct {
		ThreadID string                   `json:"threadId"`
		TurnID   string                   `json:"turnId"`
		ItemID   string                   `json:"itemId"`
		Delta    string                   `json:"delta"`
		Item     *engine.ThreadItem       `json:"item"`
		Plan     []engine.ThreadPlanEntry `json:"plan"`
		Status   string                   `json:"status"`
		Error    *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &wire); err != nil {
			return nil, false
		}
	}

	ev := &engine.ThreadEvent{
		Method:   method,
		ThreadID: wire.ThreadID,
		TurnID:   wire.TurnID,
		ItemID:   wire.ItemID,
		Delta:    wire.Delta,
		Item:     wire.Item,
		Plan:     wire.Plan,
	}

	switch method {
	case engine.ThreadNotifyStarted,
		engine.ThreadNotifyTurnStarted,
		engine.ThreadNotifyPlanUpdated,
		engine.ThreadNotifyItemStarted,
		engine.ThreadNotifyItemCompleted,
		engine.ThreadNotifyMessageDelta,
		engine.ThreadNotifyReasoningDelta,
		engine.ThreadNotifySummaryDelta,
		engine.ThreadNotifyError:
		return ev, true
	case engine.ThreadNotifyTurnCompleted:
		ev.Success = wire.Status != "failed" && wire.Error == nil
		if wire.Error != nil {
			ev.ErrText = wire.Error.Message
		}
		return ev, true
	}
	return nil, false
}

// Approval request methods the engine may issue.
const (
	threadApproveCommand = "turn/commandApproval"
	threadApproveFile    = "turn/fileApproval"
)

// handleRequest answers reverse requests. Approvals block until the
// user decides; anything else gets a method-not-found error.
func (c *threadsConn) handleRequest(id json.RawMessage, method string, params json.RawMessage) {
	switch method {
	case threadApproveCommand, threadApproveFile:
		c.handleApproval(id, method, params)
	default:
		c.respondError(id, -32601, "method not found: "+method)
	}
}

// handleApproval converts an approval request into a permission request
// and replies with the chosen decision.
func (c *threadsConn) handleApproval(id json.RawMessage, method string, params json.RawMessage) {
	req := approvalRequest(method, params)
	answer := make(chan string, 1)
	var once sync.Once
	req.Respond = func(optionID string) {
		once.Do(func() { answer <- optionID })
	}
	go func() {
		decision := <-answer
		if decision == "" {
			decision = "denied"
		}
		c.respond(id, map[string]any{"decision": decision})
	}()
	c.emitPermission(req)
}

// approvalRequest builds the normalized permission request for an
// approval method.
func approvalRequest(method string, params json.RawMessage) engine.PermissionRequest {
	var wire struct {
		ItemID  string `json:"itemId"`
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
		Changes []struct {
			Path string `json:"path"`
		} `json:"changes"`
		Reason string `json:"reason"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &wire)
	}

	var input engine.ToolInput
	var toolName string
	if method == threadApproveCommand {
		input = engine.ToolInput{Kind: engine.OpExecute, Command: wire.Command, Detail: wire.Reason}
		toolName = wire.Command
	} else {
		path := ""
		if len(wire.Changes) > 0 {
			path = wire.Changes[0].Path
		}
		input = engine.ToolInput{Kind: engine.OpEdit, Path: path, Detail: wire.Reason}
		toolName = "Edit " + path
	}

	return engine.PermissionRequest{
		ToolCallID: wire.ItemID,
		ToolName:   toolName,
		Input:      input,
		Options: []engine.PermissionOption{
			{ID: "approved", Name: "Approve", Kind: "allow_once"},
			{ID: "approved_for_session", Name: "Approve for session", Kind: "allow_always"},
			{ID: "denied", Name: "Deny", Kind: "reject_once"},
		},
	}
}

func (c *threadsConn) respond(id json.RawMessage, result any) {
	c.mu.Lock()
	rpc := c.rpc
	c.mu.Unlock()
	if rpc == nil {
		return
	}
	if err := rpc.respond(id, result); err != nil {
		c.log.Warn("Failed to send response", "error", err)
	}
}

func (c *threadsConn) respondError(id json.RawMessage, code int, message string) {
	c.mu.Lock()
	rpc := c.rpc
	c.mu.Unlock()
	if rpc == nil {
		return
	}
	if err := rpc.respondError(id, code, message); err != nil {
		c.log.Warn("Failed to send error response", "error", err)
	}
}
