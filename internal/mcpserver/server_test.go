package mcpserver

import (
	"context"
	"testing"
	"time"

	"github.com/inercia/verso/internal/config"
	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/store"
	"github.com/inercia/verso/internal/transcript"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNewServer(t *testing.T) {
	st := testStore(t)

	srv, err := NewServer(
		Config{Port: 0}, // Use port 0 to get a random available port
		Dependencies{
			Store:  st,
			Config: nil, // Config is optional
		},
	)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}

	if srv.IsRunning() {
		t.Error("Server should not be running before Start()")
	}
}

func TestServerStartStop(t *testing.T) {
	srv, err := NewServer(
		Config{Port: 0},
		Dependencies{Store: testStore(t)},
	)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !srv.IsRunning() {
		t.Error("Server should be running after Start()")
	}
	if srv.Port() == 0 {
		t.Error("Port should be assigned after Start()")
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if srv.IsRunning() {
		t.Error("Server should not be running after Stop()")
	}
}

func TestTransportModeDefaults(t *testing.T) {
	srv, err := NewServer(
		Config{}, // Empty config should default to SSE
		Dependencies{Store: testStore(t)},
	)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	if srv.Mode() != TransportModeSSE {
		t.Errorf("Default mode should be SSE, got %s", srv.Mode())
	}
}

func TestTransportModeSTDIO(t *testing.T) {
	srv, err := NewServer(
		Config{Mode: TransportModeSTDIO},
		Dependencies{Store: testStore(t)},
	)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	if srv.Mode() != TransportModeSTDIO {
		t.Errorf("Mode should be STDIO, got %s", srv.Mode())
	}

	// Note: STDIO mode is not started here because it would read from
	// actual stdin.
}

func TestGetRuntimeInfo(t *testing.T) {
	info := buildRuntimeInfo()

	if info.OS == "" {
		t.Error("OS should not be empty")
	}
	if info.Arch == "" {
		t.Error("Arch should not be empty")
	}
	if info.GoVersion == "" {
		t.Error("GoVersion should not be empty")
	}
	if info.PID == 0 {
		t.Error("PID should not be 0")
	}
	if info.NumCPU == 0 {
		t.Error("NumCPU should not be 0")
	}
}

func TestRecordInfoAndDetails(t *testing.T) {
	rec := store.NewRecord("sess-1", "proj", engine.KindThreads)
	rec.Title = "Investigate timeout"
	rec.Model = "m1"
	rec.Messages = []*transcript.Message{
		{ID: "m1", Role: transcript.RoleUser, Text: "hello", Timestamp: time.Now()},
		{ID: "m2", Role: transcript.RoleTool, Tool: &transcript.ToolCall{
			ID:     "t1",
			Name:   "bash",
			Input:  engine.ToolInput{Kind: engine.OpExecute, Command: "ls"},
			Status: transcript.ToolCompleted,
		}},
	}

	details := sessionDetails(rec)
	if details.SessionID != "sess-1" || details.Engine != "threads" {
		t.Errorf("unexpected info: %+v", details.SessionInfo)
	}
	if details.MessageCount != 2 || len(details.Messages) != 2 {
		t.Fatalf("unexpected message count: %+v", details)
	}
	if details.Messages[1].ToolName != "bash" || details.Messages[1].ToolInput != "ls" {
		t.Errorf("tool message not converted: %+v", details.Messages[1])
	}
}

func TestConfigToSafeOutput(t *testing.T) {
	cfg := &config.Config{
		Engines: []config.EngineConfig{
			{Name: "claude", Kind: engine.KindStreamJSON, Command: "claude", Model: "opus"},
		},
		Bridge: config.BridgeConfig{Port: 7537},
		Runner: config.RunnerConfig{Type: "firejail"},
	}
	info := configToSafeOutput(cfg)
	if len(info.Engines) != 1 || info.Engines[0].Kind != "stream-json" {
		t.Errorf("unexpected engines: %+v", info.Engines)
	}
	if info.Bridge.Port != 7537 || info.Runner.Type != "firejail" {
		t.Errorf("unexpected bridge/runner: %+v", info)
	}
}
