package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/verso/internal/appdir"
	"github.com/inercia/verso/internal/bridge"
	"github.com/inercia/verso/internal/config"
	"github.com/inercia/verso/internal/engine/host"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/manager"
	"github.com/inercia/verso/internal/secrets"
	"github.com/inercia/verso/internal/store"
)

var (
	servePort    int
	serveHost    string
	serveDir     string
	serveNoAuth  bool
	serveProject string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local bridge for UI clients",
	Long: `Start the session manager and expose it over a loopback-only
WebSocket bridge for UI clients (desktop apps, editors, verso attach).

Clients authenticate with a bearer token. The token is created on
first use and kept in the system keychain (or a private file on
platforms without one); it is printed on startup so clients can be
pointed at the bridge.

Example:
  verso serve                       # Start on default port 7537
  verso serve --port 3000           # Start on custom port
  verso serve --dir ~/src/project   # Working directory for new sessions`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bridge port (default: config or 7537). Use 0 for the configured port")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bridge host (must be loopback; default 127.0.0.1)")
	serveCmd.Flags().StringVarP(&serveDir, "dir", "d", "", "Working directory for new sessions (default: current directory)")
	serveCmd.Flags().BoolVar(&serveNoAuth, "no-auth", false, "Disable token authentication (local debugging only)")
	serveCmd.Flags().StringVar(&serveProject, "project", "", "Project whose sessions are loaded on startup")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := resolveWorkingDir(serveDir)
	if err != nil {
		return err
	}

	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()
	prefs, err := store.OpenDefaultPrefs()
	if err != nil {
		logging.Bridge().Warn("Preferences unavailable", "error", err)
	}

	dialer, err := buildDialer(workDir)
	if err != nil {
		return err
	}

	// Resolve host/port: CLI flag > config > default.
	bindHost := serveHost
	port := servePort
	if bindHost == "" {
		bindHost = cfg.Bridge.Host
	}
	if port == 0 {
		port = cfg.Bridge.Port
	}

	var token string
	if !serveNoAuth {
		dir, err := appdir.Dir()
		if err != nil {
			return fmt.Errorf("failed to resolve data directory: %w", err)
		}
		token, err = secrets.LoadOrCreateBridgeToken(filepath.Join(dir, "bridge-token"))
		if err != nil {
			return fmt.Errorf("failed to load bridge token: %w", err)
		}
	}

	srv := bridge.New(bridge.Config{
		Host:  bindHost,
		Port:  port,
		Token: token,
		Store: st,
	})
	m := manager.New(manager.Config{
		Dial:     dialer.Dial,
		Store:    st,
		Prefs:    prefs,
		Renderer: srv,
	})
	defer m.Close()
	srv.SetManager(m)

	if serveProject != "" {
		if err := m.LoadProject(serveProject); err != nil {
			logging.Bridge().Warn("Failed to load project sessions", "error", err, "project", serveProject)
		}
	}

	// Reload engine definitions when the configuration file changes, so
	// running bridges pick up new engines without a restart.
	var watcher *config.SettingsWatcher
	if cfgPath != "" {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			watcher, err = config.NewSettingsWatcher(cfgPath, logging.Watch())
			if err != nil {
				logging.Watch().Warn("Settings watcher unavailable", "error", err)
			} else {
				watcher.Subscribe(&dialerReloader{dialer: dialer, path: cfgPath})
				watcher.Start()
				defer watcher.Close()
			}
		}
	}

	if err := srv.Start(); err != nil {
		return err
	}

	fmt.Printf("🌉 Bridge listening on %s\n", srv.Addr())
	fmt.Printf("   Working directory: %s\n", workDir)
	if token != "" {
		fmt.Printf("   Token: %s\n", token)
	} else {
		fmt.Printf("   ⚠️  Authentication disabled\n")
	}
	fmt.Printf("\n   Press Ctrl+C to stop\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("\n👋 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Bridge().Warn("Bridge shutdown error", "error", err)
	}
	m.Flush()
	return nil
}

// dialerReloader reloads the engine catalog when the settings file
// changes.
type dialerReloader struct {
	dialer *host.Dialer
	path   string
}

func (r *dialerReloader) OnSettingsChanged(event config.SettingsChangeEvent) {
	newCfg, err := config.Load(r.path)
	if err != nil {
		logging.Watch().Warn("Ignoring invalid configuration", "error", err, "path", r.path)
		return
	}
	r.dialer.Reload(newCfg)
}
