// Package runner provides restricted execution for engine processes.
//
// By default engines run with no restrictions (exec runner). Users can
// opt in to sandboxing through the runner section of the configuration
// file; when the requested sandbox is unavailable on the platform the
// runner falls back to plain exec and records why.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/inercia/go-restricted-runner/pkg/common"
	grrunner "github.com/inercia/go-restricted-runner/pkg/runner"
)

// Options selects the runner type and its restrictions.
type Options struct {
	// Type is one of "exec", "sandbox-exec", "firejail", "docker".
	// Empty means "exec".
	Type string

	// AllowNetworking permits network access inside the sandbox. Nil
	// leaves the sandbox default in place.
	AllowNetworking *bool

	// AllowReadFolders and AllowWriteFolders list extra folders the
	// sandboxed process may access. Entries may reference ${workspace}
	// and ${home}, expanded against the session's working directory.
	AllowReadFolders  []string
	AllowWriteFolders []string
}

// FallbackInfo records that the requested runner type was unavailable
// and which type was used instead.
type FallbackInfo struct {
	RequestedType string
	FallbackType  string
	Reason        string
}

// Runner wraps go-restricted-runner for engine process execution.
type Runner struct {
	runner grrunner.Runner
	typ    string
	logger *slog.Logger

	// FallbackInfo is non-nil when the requested type could not be used.
	FallbackInfo *FallbackInfo
}

// New creates a runner for the given options. The workspace path feeds
// variable expansion in the folder lists. An unavailable sandbox type
// degrades to exec rather than failing.
func New(opts Options, workspace string, logger *slog.Logger) (*Runner, error) {
	typ := opts.Type
	if typ == "" {
		typ = "exec"
	}

	runnerLogger, err := common.NewLogger("", "", common.LogLevelInfo, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create runner logger: %w", err)
	}

	options := toRunnerOptions(opts, workspace)
	r, err := grrunner.New(toRunnerType(typ), options, runnerLogger)
	if err == nil {
		err = r.CheckImplicitRequirements()
	}

	var fallback *FallbackInfo
	if err != nil {
		if logger != nil {
			logger.Warn("restricted runner unavailable, falling back to exec",
				"requested_type", typ,
				"error", err.Error())
		}
		fallback = &FallbackInfo{RequestedType: typ, FallbackType: "exec", Reason: err.Error()}
		r, err = grrunner.New(grrunner.TypeExec, grrunner.Options{}, runnerLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback exec runner: %w", err)
		}
		typ = "exec"
	}

	if logger != nil {
		logger.Info("created runner", "type", typ, "workspace", workspace, "fallback", fallback != nil)
	}

	return &Runner{runner: r, typ: typ, logger: logger, FallbackInfo: fallback}, nil
}

// RunWithPipes starts a command through the runner with stdio pipes,
// enabling interactive communication with the process.
//
// The caller must close stdin when done writing and call wait() to
// release resources. Cancelling ctx kills the process.
func (r *Runner) RunWithPipes(
	ctx context.Context,
	command string,
	args []string,
	env []string,
) (stdin WriteCloser, stdout ReadCloser, stderr ReadCloser, wait func() error, err error) {
	return r.runner.RunWithPipes(ctx, command, args, env, nil)
}

// WriteCloser is an alias for io.WriteCloser for documentation clarity.
type WriteCloser = interface {
	Write(p []byte) (n int, err error)
	Close() error
}

// ReadCloser is an alias for io.ReadCloser for documentation clarity.
type ReadCloser = interface {
	Read(p []byte) (n int, err error)
	Close() error
}

// Type returns the runner type being used.
func (r *Runner) Type() string {
	return r.typ
}

// IsRestricted reports whether this runner applies restrictions.
func (r *Runner) IsRestricted() bool {
	return r.typ != "exec"
}

// toRunnerOptions converts Options to go-restricted-runner options,
// expanding path variables against the workspace.
func toRunnerOptions(opts Options, workspace string) grrunner.Options {
	options := grrunner.Options{}
	if opts.AllowNetworking != nil {
		options["allow_networking"] = *opts.AllowNetworking
	}
	if folders := expandFolders(opts.AllowReadFolders, workspace); len(folders) > 0 {
		options["allow_read_folders"] = folders
	}
	if folders := expandFolders(opts.AllowWriteFolders, workspace); len(folders) > 0 {
		options["allow_write_folders"] = folders
	}
	return options
}

// expandFolders substitutes ${workspace} and ${home} in folder paths.
func expandFolders(folders []string, workspace string) []string {
	if len(folders) == 0 {
		return nil
	}
	home, _ := os.UserHomeDir()
	out := make([]string, 0, len(folders))
	for _, f := range folders {
		f = strings.ReplaceAll(f, "${workspace}", workspace)
		f = strings.ReplaceAll(f, "${home}", home)
		out = append(out, f)
	}
	return out
}

func toRunnerType(typeStr string) grrunner.Type {
	switch typeStr {
	case "sandbox-exec":
		return grrunner.TypeSandboxExec
	case "firejail":
		return grrunner.TypeFirejail
	case "docker":
		return grrunner.TypeDocker
	default:
		return grrunner.TypeExec
	}
}
