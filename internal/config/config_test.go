package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/inercia/verso/internal/engine"
)

const sampleConfig = `
engines:
  - claude:
      kind: stream-json
      command: claude --permission-mode acceptEdits
      model: opus
  - auggie:
      kind: acp
      command: auggie --acp
  - codex:
      kind: threads
      command: codex app-server

bridge:
  port: 8537

runner:
  type: firejail
  allow_networking: true
  allow_read_folders:
    - ${home}/.cache
  allow_write_folders:
    - ${workspace}
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(cfg.Engines) != 3 {
		t.Fatalf("got %d engines, want 3", len(cfg.Engines))
	}
	first := cfg.Engines[0]
	if first.Name != "claude" || first.Kind != engine.KindStreamJSON || first.Model != "opus" {
		t.Errorf("unexpected first engine: %+v", first)
	}
	if cfg.Bridge.Port != 8537 {
		t.Errorf("bridge port = %d, want 8537", cfg.Bridge.Port)
	}
	if cfg.Runner.Type != "firejail" {
		t.Errorf("runner type = %q, want firejail", cfg.Runner.Type)
	}
	if cfg.Runner.AllowNetworking == nil || !*cfg.Runner.AllowNetworking {
		t.Error("allow_networking not parsed")
	}
	if len(cfg.Runner.AllowWriteFolders) != 1 || cfg.Runner.AllowWriteFolders[0] != "${workspace}" {
		t.Errorf("unexpected write folders: %v", cfg.Runner.AllowWriteFolders)
	}
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte(`
engines:
  - foo:
      kind: telepathy
      command: foo
`))
	if err == nil {
		t.Fatal("expected error for unknown engine kind")
	}
}

func TestParseRejectsEmptyEngines(t *testing.T) {
	_, err := Parse([]byte(`bridge: {port: 1}`))
	if err == nil {
		t.Fatal("expected error for missing engines")
	}
}

func TestDefaultAndGetEngine(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := cfg.DefaultEngine(); got == nil || got.Name != "claude" {
		t.Errorf("DefaultEngine() = %+v, want claude", got)
	}

	ec, err := cfg.GetEngine("codex")
	if err != nil {
		t.Fatalf("GetEngine() error = %v", err)
	}
	if ec.Kind != engine.KindThreads {
		t.Errorf("codex kind = %v, want threads", ec.Kind)
	}

	if _, err := cfg.GetEngine("missing"); err == nil {
		t.Error("expected error for unknown engine name")
	}

	names := cfg.EngineNames()
	if len(names) != 3 || names[0] != "claude" {
		t.Errorf("EngineNames() = %v", names)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versorc")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Engines) != 3 {
		t.Errorf("got %d engines, want 3", len(cfg.Engines))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultConfigPathEnvOverride(t *testing.T) {
	t.Setenv("VERSORC", "/tmp/custom-versorc")
	if got := DefaultConfigPath(); got != "/tmp/custom-versorc" {
		t.Errorf("DefaultConfigPath() = %q, want env override", got)
	}
}
