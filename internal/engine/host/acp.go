package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/runner"
)

// acpConn drives an Agent Client Protocol engine through the ACP SDK.
// The prompt call blocks for the whole turn; its response carries the
// stop reason, which the core needs as a turn-complete notification, so
// Send synthesizes one when the call returns.
type acpConn struct {
	callbacks
	command string
	run     *runner.Runner
	log     *slog.Logger

	mu        sync.Mutex
	proc      *proc
	conn      *acp.ClientSideConnection
	sessionID acp.SessionId
	stopped   bool
}

var _ engine.Connection = (*acpConn)(nil)

func newACPConn(command string, run *runner.Runner) *acpConn {
	return &acpConn{command: command, run: run, log: logging.Engine()}
}

func (c *acpConn) Start(ctx context.Context, cwd string, opts engine.StartOptions) (engine.StartResult, error) {
	p, err := launch(c.command, cwd, c.run, c.log)
	if err != nil {
		return engine.StartResult{}, err
	}

	// Agents that crash may paint terminal UI on stdout; filter it out
	// before the SDK decoder sees it.
	filteredStdout := newJSONLineReader(p.stdout, c.log)
	conn := acp.NewClientSideConnection(&acpClient{conn: c}, p.stdin, filteredStdout)
	// Downgrade SDK chatter (e.g. "peer connection closed") out of INFO.
	conn.SetLogger(logging.DowngradeInfoToDebug(c.log))

	c.mu.Lock()
	c.proc = p
	c.conn = conn
	c.mu.Unlock()

	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
		},
	})
	if err != nil {
		p.kill()
		_ = p.wait()
		return engine.StartResult{}, fmt.Errorf("initialize error: %w", err)
	}

	if cwd == "" {
		cwd = "."
	}

	res, err := c.openSession(ctx, initResp, cwd, opts)
	if err != nil {
		p.kill()
		_ = p.wait()
		return engine.StartResult{}, err
	}

	go c.watchDone(p, conn)
	return res, nil
}

// openSession resumes the prior backend session when the agent supports
// it, otherwise starts a fresh one.
func (c *acpConn) openSession(ctx context.Context, initResp acp.InitializeResponse, cwd string, opts engine.StartOptions) (engine.StartResult, error) {
	if opts.ResumeID != "" && initResp.AgentCapabilities.LoadSession {
		loadResp, err := c.conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId:  acp.SessionId(opts.ResumeID),
			Cwd:        cwd,
			McpServers: []acp.McpServer{},
		})
		if err == nil {
			c.mu.Lock()
			c.sessionID = acp.SessionId(opts.ResumeID)
			c.mu.Unlock()
			return engine.StartResult{
				SessionID: opts.ResumeID,
				Models:    modelNames(loadResp),
			}, nil
		}
		c.log.Warn("Failed to load agent session, starting fresh",
			"resume_id", opts.ResumeID, "error", err)
	}

	sessResp, err := c.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return engine.StartResult{}, fmt.Errorf("new session error: %w", err)
	}
	c.mu.Lock()
	c.sessionID = sessResp.SessionId
	c.mu.Unlock()
	return engine.StartResult{
		SessionID: string(sessResp.SessionId),
		Models:    modelNames(sessResp),
	}, nil
}

// modelNames extracts the available model names from a session
// response, via the wire form so optional SDK fields stay optional
// here. Agents that do not advertise models yield nil.
func modelNames(resp any) []string {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	var wire struct {
		Models struct {
			AvailableModels []struct {
				ModelID string `json:"modelId"`
				Name    string `json:"name"`
			} `json:"availableModels"`
		} `json:"models"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil
	}
	names := make([]string, 0, len(wire.Models.AvailableModels))
	for _, m := range wire.Models.AvailableModels {
		name := m.Name
		if name == "" {
			name = m.ModelID
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// watchDone reports the process exit once the SDK connection closes.
func (c *acpConn) watchDone(p *proc, conn *acp.ClientSideConnection) {
	<-conn.Done()
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

// Send prompts the agent and blocks until the turn finishes. The stop
// reason only exists in the prompt response, so a turn-end notification
// is synthesized here.
func (c *acpConn) Send(ctx context.Context, text string, attachments []engine.Attachment) error {
	c.mu.Lock()
	conn, sessionID := c.conn, c.sessionID
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("engine not running")
	}

	resp, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessionID,
		Prompt:    contentBlocks(text, attachments),
	})
	if err != nil {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return nil
		}
		c.emitNotification(engine.ACPTurnEnd{ErrText: err.Error()})
		return nil
	}
	c.emitNotification(engine.ACPTurnEnd{StopReason: string(resp.StopReason)})
	return nil
}

// contentBlocks renders the user input for the prompt request.
func contentBlocks(text string, attachments []engine.Attachment) []acp.ContentBlock {
	blocks := make([]acp.ContentBlock, 0, len(attachments)+1)
	if text != "" {
		blocks = append(blocks, acp.TextBlock(text))
	}
	for _, a := range attachments {
		switch {
		case a.Type == "image" && a.Data != "":
			blocks = append(blocks, acp.ImageBlock(a.Data, a.MimeType))
		case a.Path != "":
			blocks = append(blocks, acp.ResourceLinkBlock(filepath.Base(a.Path), "file://"+a.Path))
		case a.Data != "":
			blocks = append(blocks, acp.TextBlock(a.Data))
		}
	}
	return blocks
}

func (c *acpConn) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	conn, sessionID := c.conn, c.sessionID
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Cancel(ctx, acp.CancelNotification{SessionId: sessionID})
}

func (c *acpConn) Stop() error {
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

// acpClient implements the SDK's client side: session updates stream
// into notifications, permission requests block on the user's answer,
// and file system requests are served locally.
type acpClient struct {
	conn *acpConn
}

var _ acp.Client = (*acpClient)(nil)

func (a *acpClient) SessionUpdate(ctx context.Context, params acp.SessionNotification) error {
	a.conn.emitNotification(&engine.ACPUpdate{Update: params})
	return nil
}

// RequestPermission forwards the agent's request to the core and blocks
// the tool until an option is chosen. An empty answer, a dead
// connection, or context cancellation all cancel the request.
func (a *acpClient) RequestPermission(ctx context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	answer := make(chan string, 1)
	req := permissionRequest(params)
	var once sync.Once
	req.Respond = func(optionID string) {
		once.Do(func() { answer <- optionID })
	}
	a.conn.emitPermission(req)

	select {
	case <-ctx.Done():
		return cancelledPermission(), ctx.Err()
	case optionID := <-answer:
		if optionID == "" {
			return cancelledPermission(), nil
		}
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{OptionId: acp.PermissionOptionId(optionID)},
			},
		}, nil
	}
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}

// permissionRequest converts the SDK request into the normalized form,
// minus the Respond hook which the caller wires.
func permissionRequest(params acp.RequestPermissionRequest) engine.PermissionRequest {
	var wire struct {
		ToolCallID string         `json:"toolCallId"`
		Title      string         `json:"title"`
		Kind       string         `json:"kind"`
		RawInput   map[string]any `json:"rawInput"`
	}
	if data, err := json.Marshal(params.ToolCall); err == nil {
		_ = json.Unmarshal(data, &wire)
	}

	ad := engine.ForKind(engine.KindACP)
	name := wire.Kind
	if name == "" {
		name = wire.Title
	}
	input := ad.NormalizeInput(name, wire.RawInput)
	if input.Detail == "" {
		input.Detail = wire.Title
	}

	options := make([]engine.PermissionOption, 0, len(params.Options))
	for _, o := range params.Options {
		options = append(options, engine.PermissionOption{
			ID:   string(o.OptionId),
			Name: o.Name,
			Kind: string(o.Kind),
		})
	}
	toolName := wire.Title
	if toolName == "" {
		toolName = name
	}
	return engine.PermissionRequest{
		ToolCallID: wire.ToolCallID,
		ToolName:   toolName,
		Input:      input,
		Options:    options,
	}
}

// WriteTextFile serves the agent's file write requests locally.
func (a *acpClient) WriteTextFile(ctx context.Context, params acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(params.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", params.Path)
	}
	if dir := filepath.Dir(params.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		return acp.WriteTextFileResponse{}, fmt.Errorf("write %s: %w", params.Path, err)
	}
	return acp.WriteTextFileResponse{}, nil
}

// Terminal support is not advertised in the client capabilities, so
// the agent should never call these; they exist only to satisfy
// acp.Client.
func (a *acpClient) CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (a *acpClient) TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal not supported")
}

func (a *acpClient) ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (a *acpClient) WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal not supported")
}

func (a *acpClient) KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal not supported")
}

// ReadTextFile serves the agent's file read requests locally, honoring
// the optional line window.
func (a *acpClient) ReadTextFile(ctx context.Context, params acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(params.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", params.Path)
	}
	b, err := os.ReadFile(params.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, fmt.Errorf("read %s: %w", params.Path, err)
	}
	content := string(b)
	if params.Line != nil || params.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if params.Line != nil && *params.Line > 0 {
			start = min(max(*params.Line-1, 0), len(lines))
		}
		end := len(lines)
		if params.Limit != nil && *params.Limit > 0 && start+*params.Limit < end {
			end = start + *params.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}
