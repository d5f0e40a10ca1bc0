package host

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/shlex"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/runner"
)

// streamJSONConn drives a turn-based streaming engine: line-delimited
// JSON on stdin/stdout, one object per line. The engine issues the real
// session identity on its result lines; Start returns a provisional one
// and the core re-keys when the stream reveals it.
type streamJSONConn struct {
	callbacks
	command string
	run     *runner.Runner
	log     *slog.Logger

	mu      sync.Mutex
	proc    *proc
	stopped bool
}

var _ engine.Connection = (*streamJSONConn)(nil)

func newStreamJSONConn(command string, run *runner.Runner) *streamJSONConn {
	return &streamJSONConn{command: command, run: run, log: logging.Engine()}
}

func (c *streamJSONConn) Start(ctx context.Context, cwd string, opts engine.StartOptions) (engine.StartResult, error) {
	argv, err := streamJSONArgs(c.command, opts)
	if err != nil {
		return engine.StartResult{}, err
	}
	p, err := launchArgv(argv, cwd, c.run, c.log)
	if err != nil {
		return engine.StartResult{}, err
	}
	c.mu.Lock()
	c.proc = p
	c.mu.Unlock()

	go c.readLoop(p)

	// The protocol only reveals the session id on the result line of the
	// first turn; a resumed session keeps the identity it resumed.
	return engine.StartResult{SessionID: opts.ResumeID}, nil
}

// streamJSONArgs builds the engine argv: the configured command plus
// the streaming-mode flags and per-session options.
func streamJSONArgs(command string, opts engine.StartOptions) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid engine command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty engine command")
	}
	argv = append(argv, "--input-format", "stream-json", "--output-format", "stream-json", "--verbose")
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.ResumeID != "" {
		argv = append(argv, "--resume", opts.ResumeID)
	}
	return argv, nil
}

// readLoop decodes stdout lines into notifications until the process
// ends, then reports the exit.
func (c *streamJSONConn) readLoop(p *proc) {
	scanLines(p.stdout, c.log, func(msg *engine.StreamMessage) {
		c.emitNotification(msg)
	})
	err := p.wait()
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		// Stop already tore the process down; a kill-induced exit code
		// is not a crash.
		c.emitExit(engine.ExitStatus{})
		return
	}
	c.emitExit(exitStatus(err))
}

// scanLines feeds each JSON line of r through emit. Non-JSON lines are
// skipped; engines occasionally print banners on stdout.
func scanLines(r io.Reader, log *slog.Logger, emit func(*engine.StreamMessage)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg engine.StreamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			if log != nil {
				log.Debug("Skipping undecodable stream line", "error", err)
			}
			continue
		}
		emit(&msg)
	}
}

func (c *streamJSONConn) Send(ctx context.Context, text string, attachments []engine.Attachment) error {
	line, err := userMessageLine(text, attachments)
	if err != nil {
		return err
	}
	return c.writeLine(line)
}

// userMessageLine encodes one user turn as a protocol input line.
func userMessageLine(text string, attachments []engine.Attachment) ([]byte, error) {
	blocks := make([]map[string]any, 0, len(attachments)+1)
	if text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	for _, a := range attachments {
		blocks = append(blocks, attachmentBlock(a))
	}
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": blocks,
		},
	}
	return json.Marshal(msg)
}

// attachmentBlock renders an attachment for the wire. Images travel
// inline; other files are referenced by path in a text block.
func attachmentBlock(a engine.Attachment) map[string]any {
	if a.Type == "image" && a.Data != "" {
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": a.MimeType,
				"data":       a.Data,
			},
		}
	}
	if a.Path != "" {
		return map[string]any{"type": "text", "text": "[Attached file: " + a.Path + "]"}
	}
	return map[string]any{"type": "text", "text": a.Data}
}

// Interrupt sends the protocol's interrupt control request.
func (c *streamJSONConn) Interrupt(ctx context.Context) error {
	line, err := json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": "interrupt-1",
		"request":    map[string]any{"subtype": "interrupt"},
	})
	if err != nil {
		return err
	}
	return c.writeLine(line)
}

func (c *streamJSONConn) writeLine(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil || c.stopped {
		return fmt.Errorf("engine not running")
	}
	if _, err := c.proc.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write to engine: %w", err)
	}
	return nil
}

func (c *streamJSONConn) Stop() error {
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
