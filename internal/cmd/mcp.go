package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inercia/verso/internal/mcpserver"
	"github.com/inercia/verso/internal/store"
)

var (
	mcpProxyTo string
	mcpHTTP    bool
	mcpPort    int
)

// mcpCmd represents the mcp command for running MCP servers
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run an MCP server or proxy for Verso tools",
	Long: `Run an MCP server that exposes Verso's session archive to AI agents.

By default the server speaks STDIO, for use as a subprocess. With
--http it listens on 127.0.0.1 using the Streamable HTTP transport.

When used with --proxy-to, acts as a STDIO-to-HTTP proxy for agents
that don't support HTTP MCP transport directly.

Examples:
  # Run the MCP server in STDIO mode
  verso mcp

  # Run over HTTP on 127.0.0.1
  verso mcp --http --port 5737

  # Run as STDIO-to-HTTP proxy (used by agents that don't support HTTP)
  verso mcp --proxy-to http://127.0.0.1:5737/mcp`,
	RunE: runMCPServer,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().StringVar(&mcpProxyTo, "proxy-to", "", "URL to proxy MCP requests to (STDIO-to-HTTP proxy mode)")
	mcpCmd.Flags().BoolVar(&mcpHTTP, "http", false, "Serve over HTTP on 127.0.0.1 instead of STDIO")
	mcpCmd.Flags().IntVar(&mcpPort, "port", -1, "HTTP port (default: 5737; 0 picks a random port)")
}

func runMCPServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// If --proxy-to is specified, run as STDIO-to-HTTP proxy
	if mcpProxyTo != "" {
		return runMCPProxy(ctx, mcpProxyTo)
	}

	return runStandaloneMCPServer(ctx)
}

// runStandaloneMCPServer runs the MCP server over the selected transport.
func runStandaloneMCPServer(ctx context.Context) error {
	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	mode := mcpserver.TransportModeSTDIO
	if mcpHTTP {
		mode = mcpserver.TransportModeSSE
	}
	srv, err := mcpserver.NewServer(
		mcpserver.Config{Mode: mode, Port: mcpPort},
		mcpserver.Dependencies{Store: st, Config: cfg},
	)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP server: %w", err)
	}
	defer srv.Stop()

	if mcpHTTP {
		fmt.Printf("🔌 MCP server on http://127.0.0.1:%d/mcp\n", srv.Port())
		<-ctx.Done()
		return nil
	}

	// STDIO mode blocks until stdin closes or the context is cancelled.
	return srv.Wait()
}

// runMCPProxy runs as a STDIO-to-HTTP proxy.
// It reads JSON-RPC messages from stdin, forwards them to the HTTP MCP server,
// and writes responses to stdout.
//
// The Streamable HTTP transport uses the Mcp-Session-Id header for
// session state; the proxy maintains it across requests.
func runMCPProxy(ctx context.Context, targetURL string) error {
	client := &http.Client{}
	reader := bufio.NewReader(os.Stdin)

	// Session ID from Streamable HTTP transport (maintained across requests)
	var mcpSessionID string

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Read a line (JSON-RPC message) - MCP uses newline-delimited JSON
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		trimmed := strings.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		// Extract request ID from the JSON-RPC message for error responses
		var reqID interface{}
		var reqMsg struct {
			ID interface{} `json:"id"`
		}
		if err := json.Unmarshal([]byte(trimmed), &reqMsg); err == nil {
			reqID = reqMsg.ID
		}

		resp, newSessionID, err := forwardToHTTP(ctx, client, targetURL, trimmed, mcpSessionID)
		if err != nil {
			// Write JSON-RPC error response with original request ID
			writeJSONRPCError(os.Stdout, reqID, -32603, fmt.Sprintf("proxy error: %v", err))
			continue
		}

		if newSessionID != "" {
			mcpSessionID = newSessionID
		}

		// Notifications don't have responses, so resp may be empty.
		if len(resp) > 0 {
			os.Stdout.Write(resp)
			if resp[len(resp)-1] != '\n' {
				os.Stdout.Write([]byte("\n"))
			}
		}
	}
}

// forwardToHTTP forwards a JSON-RPC request to the HTTP MCP server.
// The Streamable HTTP transport returns responses in SSE format, so the
// SSE events are parsed and the JSON-RPC messages extracted.
//
// Returns the response body, any new session ID from the response, and an error.
func forwardToHTTP(ctx context.Context, client *http.Client, targetURL, jsonBody, sessionID string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", targetURL, bytes.NewBufferString(jsonBody))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	// Include session ID if we have one (required for subsequent requests)
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	// Extract session ID from response (returned on initialize)
	newSessionID := resp.Header.Get("Mcp-Session-Id")

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, newSessionID, fmt.Errorf("http error %d: %s", resp.StatusCode, string(body))
	}

	// HTTP 202 Accepted means the notification was received but there's
	// no response (used for notifications like notifications/initialized)
	if resp.StatusCode == http.StatusAccepted {
		return nil, newSessionID, nil
	}

	// Check if response is SSE format (Streamable HTTP transport)
	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		body, err := parseSSEResponse(resp.Body)
		return body, newSessionID, err
	}

	// Plain JSON response
	body, err := io.ReadAll(resp.Body)
	return body, newSessionID, err
}

// parseSSEResponse extracts JSON-RPC messages from an SSE stream.
// The Streamable HTTP transport sends responses as SSE events with "message" type.
func parseSSEResponse(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	// Default is 64KB which may be too small for transcript-bearing
	// tool responses.
	const maxScannerBuffer = 1024 * 1024 // 1MB
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)

	var result bytes.Buffer
	var dataBuffer bytes.Buffer

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "data: ") {
			// Append data to buffer (SSE data can span multiple lines)
			if dataBuffer.Len() > 0 {
				dataBuffer.WriteString("\n")
			}
			dataBuffer.WriteString(line[6:]) // Skip "data: " prefix
		} else if line == "" && dataBuffer.Len() > 0 {
			// Empty line marks end of an SSE event
			if result.Len() > 0 {
				result.WriteString("\n")
			}
			result.Write(dataBuffer.Bytes())
			dataBuffer.Reset()
		}
		// Ignore "event:" lines and other SSE fields
	}

	// Handle any remaining data (in case stream didn't end with empty line)
	if dataBuffer.Len() > 0 {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.Write(dataBuffer.Bytes())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan SSE: %w", err)
	}

	return result.Bytes(), nil
}

// writeJSONRPCError writes a JSON-RPC error response to the writer.
func writeJSONRPCError(w io.Writer, id interface{}, code int, message string) {
	errResp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	data, _ := json.Marshal(errResp)
	w.Write(data)
	w.Write([]byte("\n"))
}
