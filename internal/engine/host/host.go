// Package host implements engine.Connection for the supported protocol
// variants by spawning and driving the actual engine processes. The
// orchestration core stays process-free; everything that touches pipes,
// child processes, or protocol transports lives here.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/shlex"

	"github.com/inercia/verso/internal/config"
	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/runner"
)

// Dialer turns engine configuration into live backend connections. It
// satisfies the manager's DialFunc through Dial.
type Dialer struct {
	mu        sync.RWMutex
	cfg       *config.Config
	run       *runner.Runner
	preferred string
	log       *slog.Logger
}

// NewDialer creates a dialer over the given configuration. preferred
// names the engine to favor when several engines speak the same kind;
// empty favors configuration order. run is optional; without it engine
// processes start unrestricted.
func NewDialer(cfg *config.Config, run *runner.Runner, preferred string) *Dialer {
	return &Dialer{cfg: cfg, run: run, preferred: preferred, log: logging.Engine()}
}

// Dial opens a connection for the given kind. The connection is not
// started; the caller registers callbacks and calls Start.
func (d *Dialer) Dial(kind engine.Kind, workingDir string) (engine.Connection, error) {
	ec, err := d.engineFor(kind)
	if err != nil {
		return nil, err
	}
	d.log.Debug("Dialing engine", "engine", ec.Name, "kind", ec.Kind, "working_dir", workingDir)
	switch ec.Kind {
	case engine.KindStreamJSON:
		return newStreamJSONConn(ec.Command, d.run), nil
	case engine.KindACP:
		return newACPConn(ec.Command, d.run), nil
	case engine.KindThreads:
		return newThreadsConn(ec.Command, d.run), nil
	}
	return nil, fmt.Errorf("unsupported engine kind %q", ec.Kind)
}

// Reload swaps the engine catalog. Existing connections keep running;
// only subsequent Dial calls see the new configuration.
func (d *Dialer) Reload(cfg *config.Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.log.Info("Engine configuration reloaded", "engines", len(cfg.Engines))
}

// engineFor resolves the configured engine to use for a kind.
func (d *Dialer) engineFor(kind engine.Kind) (*config.EngineConfig, error) {
	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()
	if d.preferred != "" {
		if ec, err := cfg.GetEngine(d.preferred); err == nil && ec.Kind == kind {
			return ec, nil
		}
	}
	for i := range cfg.Engines {
		if cfg.Engines[i].Kind == kind {
			return &cfg.Engines[i], nil
		}
	}
	return nil, fmt.Errorf("no configured engine for kind %q", kind)
}

// callbacks holds the registered Connection callbacks. The exit
// callback fires at most once.
type callbacks struct {
	mu       sync.Mutex
	notify   func(engine.Notification)
	exit     func(engine.ExitStatus)
	perm     func(engine.PermissionRequest)
	exitOnce sync.Once
}

func (c *callbacks) OnNotification(fn func(engine.Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

func (c *callbacks) OnExit(fn func(engine.ExitStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exit = fn
}

func (c *callbacks) OnPermission(fn func(engine.PermissionRequest)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perm = fn
}

func (c *callbacks) emitNotification(n engine.Notification) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

func (c *callbacks) emitExit(status engine.ExitStatus) {
	c.exitOnce.Do(func() {
		c.mu.Lock()
		fn := c.exit
		c.mu.Unlock()
		if fn != nil {
			fn(status)
		}
	})
}

func (c *callbacks) emitPermission(req engine.PermissionRequest) {
	c.mu.Lock()
	fn := c.perm
	c.mu.Unlock()
	if fn != nil {
		fn(req)
		return
	}
	// Nobody listening; unblock the engine.
	req.Respond("")
}

// proc is a running engine process with stdio pipes, started either
// through the restricted runner or directly.
type proc struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd
	wait   func() error
	cancel context.CancelFunc
}

// launch starts an engine process from its configured command line.
//
// With a restricted runner the working directory cannot be set on the
// process; protocols that carry a cwd in their handshake pass it there
// instead.
func launch(command, cwd string, run *runner.Runner, log *slog.Logger) (*proc, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid engine command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty engine command")
	}
	return launchArgv(argv, cwd, run, log)
}

// launchArgv starts an already-tokenized command.
func launchArgv(argv []string, cwd string, run *runner.Runner, log *slog.Logger) (*proc, error) {
	if run != nil {
		ctx, cancel := context.WithCancel(context.Background())
		if cwd != "" && log != nil {
			log.Warn("Working directory is not supported with restricted runners, ignoring",
				"cwd", cwd, "runner_type", run.Type())
		}
		stdin, stdout, stderr, wait, err := run.RunWithPipes(ctx, argv[0], argv[1:], os.Environ())
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start engine with runner: %w", err)
		}
		go drainStderr(stderr, log)
		return &proc{stdin: stdin, stdout: stdout, wait: wait, cancel: cancel}, nil
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe error: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe error: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	go drainStderr(stderr, log)
	return &proc{stdin: stdin, stdout: stdout, cmd: cmd, wait: cmd.Wait}, nil
}

// kill terminates the process. wait still has to be called afterwards
// to release resources.
func (p *proc) kill() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
}

// exitStatus converts a wait() error into an ExitStatus.
func exitStatus(err error) engine.ExitStatus {
	if err == nil {
		return engine.ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return engine.ExitStatus{Code: &code}
	}
	return engine.ExitStatus{Err: err}
}

// drainStderr forwards engine diagnostics into the log.
func drainStderr(r io.Reader, log *slog.Logger) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && log != nil {
			log.Debug("engine stderr", "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}
