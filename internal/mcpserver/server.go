// Package mcpserver provides an MCP (Model Context Protocol) server for
// inspecting Verso. The server exposes tools for listing sessions,
// reading transcripts, and dumping configuration and runtime state.
// It binds only to 127.0.0.1 for security reasons.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/inercia/verso/internal/config"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/store"
)

const (
	// DefaultPort is the default port for the MCP server.
	DefaultPort = 5737
	// ServerName is the name of the MCP server.
	ServerName = "verso"
	// ServerVersion is the version of the MCP server.
	ServerVersion = "1.0.0"
)

// TransportMode specifies the transport mode for the MCP server.
type TransportMode string

const (
	// TransportModeSSE uses the Streamable HTTP transport. The server
	// listens on a TCP port and clients connect via HTTP.
	TransportModeSSE TransportMode = "sse"

	// TransportModeSTDIO uses standard input/output for communication.
	// This is useful for running the MCP server as a subprocess.
	TransportModeSTDIO TransportMode = "stdio"
)

// Server is the MCP server for Verso.
type Server struct {
	mcpServer *mcp.Server
	logger    *slog.Logger
	port      int
	mode      TransportMode
	listener  net.Listener
	httpSrv   *http.Server

	// For STDIO mode
	stdioSession *mcp.ServerSession
	stdioDone    chan struct{}

	mu       sync.RWMutex
	store    store.SessionStore
	config   *config.Config
	running  bool
	shutdown bool
}

// Dependencies holds the dependencies needed by the MCP server.
type Dependencies struct {
	Store  store.SessionStore
	Config *config.Config
	// Manager is optional - provides live status for running sessions.
	Manager SessionManager
}

// SessionManager reports live session state. Satisfied by
// manager.Manager.
type SessionManager interface {
	ForegroundID() string
	Sessions() []LiveSession
}

// LiveSession is the slice of manager.SessionInfo the MCP tools need.
type LiveSession struct {
	ID         string
	Phase      string
	Processing bool
}

// Config holds the configuration for the MCP server.
type Config struct {
	// Port to listen on (default: 5737). Only used in SSE mode.
	Port int

	// Mode specifies the transport mode (sse or stdio). Default: sse.
	Mode TransportMode
}

// NewServer creates a new MCP server.
// If cfg.Port is -1, the default port (5737) is used.
// If cfg.Port is 0, a random available port is assigned when the server starts.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	logger := logging.MCP()

	// Port -1 means use default, 0 means random available port
	if cfg.Port < 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Mode == "" {
		cfg.Mode = TransportModeSSE
	}

	s := &Server{
		logger: logger,
		port:   cfg.Port,
		mode:   cfg.Mode,
		store:  deps.Store,
		config: deps.Config,
	}

	// Create MCP server
	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: ServerVersion,
	}, nil)

	// Register tools
	s.registerTools(mcpSrv, deps)

	s.mcpServer = mcpSrv
	return s, nil
}

// Start starts the MCP server.
// For SSE mode, it starts an HTTP server on 127.0.0.1.
// For STDIO mode, it starts reading from stdin and writing to stdout.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	switch s.mode {
	case TransportModeSTDIO:
		return s.startSTDIO(ctx)
	case TransportModeSSE:
		return s.startSSE(ctx)
	default:
		return fmt.Errorf("unknown transport mode: %s", s.mode)
	}
}

// startSSE starts the MCP server in HTTP mode on 127.0.0.1.
// Despite the name, this uses the Streamable HTTP transport (MCP spec
// 2025-03-26) rather than the legacy SSE transport.
func (s *Server) startSSE(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	actualPort := listener.Addr().(*net.TCPAddr).Port
	s.port = actualPort
	s.mu.Unlock()

	s.logger.Info("MCP server started",
		"mode", "http",
		"address", addr,
		"port", actualPort,
	)

	mux := http.NewServeMux()

	// The Streamable HTTP handler carries all MCP communication.
	streamableHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)

	// Mount on /mcp (standard endpoint for Streamable HTTP)
	mux.Handle("/mcp", streamableHandler)

	// Also mount on root for convenience
	mux.Handle("/", streamableHandler)

	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", "error", err)
		}
	}()

	return nil
}

// startSTDIO starts the MCP server in STDIO mode.
// This is a non-blocking call that starts the server in a goroutine.
// Use Wait() to block until the server stops.
func (s *Server) startSTDIO(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.stdioDone = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("MCP server started", "mode", "stdio")

	go func() {
		defer close(s.stdioDone)

		transport := &mcp.StdioTransport{}
		session, err := s.mcpServer.Connect(ctx, transport, nil)
		if err != nil {
			s.logger.Error("Failed to connect STDIO transport", "error", err)
			return
		}

		s.mu.Lock()
		s.stdioSession = session
		s.mu.Unlock()

		// Wait for the session to end
		if err := session.Wait(); err != nil {
			s.logger.Debug("STDIO session ended", "error", err)
		}

		s.mu.Lock()
		s.running = false
		s.stdioSession = nil
		s.mu.Unlock()

		s.logger.Info("MCP server stopped", "mode", "stdio")
	}()

	return nil
}

// Wait blocks until the server stops (STDIO mode only).
// For SSE mode, this returns immediately.
func (s *Server) Wait() error {
	s.mu.RLock()
	done := s.stdioDone
	s.mu.RUnlock()

	if done != nil {
		<-done
	}
	return nil
}

// Stop stops the MCP server gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.shutdown {
		return nil
	}

	s.shutdown = true
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stop SSE mode resources
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("Error shutting down MCP HTTP server", "error", err)
		}
	}

	if s.listener != nil {
		s.listener.Close()
	}

	// Stop STDIO mode resources
	if s.stdioSession != nil {
		if err := s.stdioSession.Close(); err != nil {
			s.logger.Warn("Error closing STDIO session", "error", err)
		}
	}

	s.logger.Info("MCP server stopped")
	return nil
}

// Port returns the actual port the server is listening on.
// Returns 0 for STDIO mode.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Mode returns the transport mode of the server.
func (s *Server) Mode() TransportMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running && !s.shutdown
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools(mcpSrv *mcp.Server, deps Dependencies) {
	mcp.AddTool(mcpSrv, &mcp.Tool{
		Name:        "verso_list_sessions",
		Description: "List persisted sessions with metadata: title, engine, working directory, timestamps, message count, cost, and live phase when the session is running",
	}, s.createListSessionsHandler(deps.Manager))

	mcp.AddTool(mcpSrv, &mcp.Tool{
		Name:        "verso_get_session",
		Description: "Get a session's metadata and full transcript by session id",
	}, s.createGetSessionHandler())

	mcp.AddTool(mcpSrv, &mcp.Tool{
		Name:        "verso_get_config",
		Description: "Get the current effective Verso configuration (engines, bridge, runner), without secrets",
	}, s.createGetConfigHandler())

	mcp.AddTool(mcpSrv, &mcp.Tool{
		Name:        "verso_runtime_info",
		Description: "Get runtime information including OS, architecture, data directories, and process info",
	}, s.createGetRuntimeInfoHandler())
}

// ListSessionsInput filters the session listing.
type ListSessionsInput struct {
	// ProjectID limits the listing to one project. Empty lists all.
	ProjectID string `json:"project_id,omitempty"`
}

// ListSessionsOutput wraps the session list for MCP output schema compliance.
type ListSessionsOutput struct {
	Sessions []SessionInfo `json:"sessions"`
}

// createListSessionsHandler creates the handler for the
// verso_list_sessions tool.
func (s *Server) createListSessionsHandler(sm SessionManager) mcp.ToolHandlerFor[ListSessionsInput, ListSessionsOutput] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListSessionsInput) (*mcp.CallToolResult, ListSessionsOutput, error) {
		s.mu.RLock()
		st := s.store
		s.mu.RUnlock()

		if st == nil {
			return nil, ListSessionsOutput{}, fmt.Errorf("session store not available")
		}

		records, err := st.List(input.ProjectID)
		if err != nil {
			return nil, ListSessionsOutput{}, fmt.Errorf("failed to list sessions: %w", err)
		}

		// Index live state so persisted records can be annotated.
		live := map[string]LiveSession{}
		foreground := ""
		if sm != nil {
			foreground = sm.ForegroundID()
			for _, ls := range sm.Sessions() {
				live[ls.ID] = ls
			}
		}

		sessions := make([]SessionInfo, 0, len(records))
		for _, rec := range records {
			info := recordInfo(rec)
			if ls, ok := live[rec.ID]; ok {
				info.IsRunning = true
				info.Phase = ls.Phase
				info.IsProcessing = ls.Processing
				info.IsForeground = rec.ID == foreground
			}
			sessions = append(sessions, info)
		}

		return nil, ListSessionsOutput{Sessions: sessions}, nil
	}
}

// GetSessionInput identifies the session to fetch.
type GetSessionInput struct {
	SessionID string `json:"session_id"`
}

// createGetSessionHandler creates the handler for the
// verso_get_session tool.
func (s *Server) createGetSessionHandler() mcp.ToolHandlerFor[GetSessionInput, SessionDetails] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetSessionInput) (*mcp.CallToolResult, SessionDetails, error) {
		s.mu.RLock()
		st := s.store
		s.mu.RUnlock()

		if st == nil {
			return nil, SessionDetails{}, fmt.Errorf("session store not available")
		}
		if input.SessionID == "" {
			return nil, SessionDetails{}, fmt.Errorf("session_id is required")
		}

		rec, err := st.Load(input.SessionID)
		if err != nil {
			return nil, SessionDetails{}, fmt.Errorf("failed to load session: %w", err)
		}

		return nil, sessionDetails(rec), nil
	}
}

// createGetConfigHandler creates the handler for the verso_get_config tool.
func (s *Server) createGetConfigHandler() mcp.ToolHandlerFor[struct{}, ConfigInfo] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, ConfigInfo, error) {
		s.mu.RLock()
		cfg := s.config
		s.mu.RUnlock()

		if cfg == nil {
			return nil, ConfigInfo{}, fmt.Errorf("configuration not available")
		}
		return nil, configToSafeOutput(cfg), nil
	}
}

// createGetRuntimeInfoHandler creates the handler for the verso_runtime_info tool.
func (s *Server) createGetRuntimeInfoHandler() mcp.ToolHandlerFor[struct{}, RuntimeInfo] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, RuntimeInfo, error) {
		info := buildRuntimeInfo()
		return nil, *info, nil
	}
}
