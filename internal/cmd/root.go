// Package cmd provides the CLI commands for Verso.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/verso/internal/appdir"
	"github.com/inercia/verso/internal/config"
	"github.com/inercia/verso/internal/engine/host"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/runner"
)

var (
	// Global flags
	engineName    string
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgPath is the path the configuration was actually loaded from.
	cfgPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "verso",
	Short: "Verso - multi-session chat with AI coding agents",
	Long: `Verso orchestrates chat sessions with AI coding agents.

It speaks several agent protocols (ACP, stream-json, threads), keeps
any number of sessions alive at once, and persists every conversation
so it can be resumed later.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Initialize logging
		// Priority: --log-level flag > --debug flag > default (info)
		effectiveLogLevel := "info"
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLogLevel,
			LogFile:    logFile,
			Components: components,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		// Ensure the Verso directory exists
		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Verso directory: %w", err)
		}

		// Load configuration. An explicit --config path must exist; the
		// default path may be absent, in which case commands that need
		// engines report it themselves.
		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				cfg = &config.Config{}
				cfgPath = path
				return nil
			}
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
		cfgPath = path
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&engineName, "engine", "", "Engine name to use (defaults to first in config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (defaults to ~/.versorc)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'manager,engine,bridge'). Empty means all components.")
}

// selectedEngine returns the engine to use based on flags and config.
func selectedEngine() (*config.EngineConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	if engineName != "" {
		return cfg.GetEngine(engineName)
	}
	ec := cfg.DefaultEngine()
	if ec == nil {
		return nil, fmt.Errorf("no engines configured in %s", cfgPath)
	}
	return ec, nil
}

// buildDialer creates the engine dialer, including the restricted
// runner when one is configured.
func buildDialer(workingDir string) (*host.Dialer, error) {
	var run *runner.Runner
	if cfg.Runner.Type != "" && cfg.Runner.Type != "exec" {
		r, err := runner.New(runner.Options{
			Type:              cfg.Runner.Type,
			AllowNetworking:   cfg.Runner.AllowNetworking,
			AllowReadFolders:  cfg.Runner.AllowReadFolders,
			AllowWriteFolders: cfg.Runner.AllowWriteFolders,
		}, workingDir, logging.Engine())
		if err != nil {
			return nil, fmt.Errorf("failed to create runner: %w", err)
		}
		if fb := r.FallbackInfo; fb != nil {
			fmt.Printf("⚠️  Runner %q unavailable (%s); using direct execution\n", fb.RequestedType, fb.Reason)
		}
		run = r
	}
	return host.NewDialer(cfg, run, engineName), nil
}

// resolveWorkingDir resolves and validates a --dir flag value, falling
// back to the current directory.
func resolveWorkingDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to determine working directory: %w", err)
		}
		return wd, nil
	}
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", dir, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("directory does not exist: %s", absPath)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", absPath)
	}
	return absPath, nil
}

// projectIDFor maps a working directory to a stable project identifier.
// Directories registered in workspaces.json keep their workspace id;
// anything else uses the directory path itself.
func projectIDFor(workingDir string) string {
	workspaces, err := config.LoadWorkspaces()
	if err == nil {
		if ws := config.FindWorkspaceByDir(workspaces, workingDir); ws != nil {
			return ws.WorkspaceID()
		}
	}
	return workingDir
}
