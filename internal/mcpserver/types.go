package mcpserver

import (
	"os"
	"runtime"
	"time"

	"github.com/inercia/verso/internal/appdir"
	"github.com/inercia/verso/internal/config"
	"github.com/inercia/verso/internal/store"
	"github.com/inercia/verso/internal/transcript"
)

// SessionInfo describes one persisted session in a listing.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	ProjectID  string    `json:"project_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Engine     string    `json:"engine"`
	Model      string    `json:"model,omitempty"`
	WorkingDir string    `json:"working_dir,omitempty"`
	ResumeID   string    `json:"resume_id,omitempty"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Runtime status (only set when the session is currently running)
	IsRunning    bool   `json:"is_running"`
	IsForeground bool   `json:"is_foreground,omitempty"`
	IsProcessing bool   `json:"is_processing,omitempty"`
	Phase        string `json:"phase,omitempty"`
}

// SessionDetails is the full session payload: metadata plus transcript.
type SessionDetails struct {
	SessionInfo
	MessageCount int              `json:"message_count"`
	Messages     []SessionMessage `json:"messages"`
}

// SessionMessage is a transcript entry in wire-friendly form.
type SessionMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	IsError   bool      `json:"is_error,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	ToolInput string    `json:"tool_input,omitempty"`
}

// ConfigInfo is a sanitized view of the configuration. Commands are
// included; anything secret-bearing stays out.
type ConfigInfo struct {
	Engines []EngineInfo `json:"engines"`
	Bridge  BridgeInfo   `json:"bridge"`
	Runner  RunnerInfo   `json:"runner"`
}

// EngineInfo contains info about one configured engine.
type EngineInfo struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Command string `json:"command"`
	Model   string `json:"model,omitempty"`
}

// BridgeInfo contains bridge configuration info.
type BridgeInfo struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// RunnerInfo contains sandbox runner configuration info.
type RunnerInfo struct {
	Type            string `json:"type,omitempty"`
	AllowNetworking *bool  `json:"allow_networking,omitempty"`
}

// RuntimeInfo contains runtime information about the Verso instance.
type RuntimeInfo struct {
	// OS information
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	NumCPU   int    `json:"num_cpu"`
	Hostname string `json:"hostname,omitempty"`

	// Process information
	PID        int    `json:"pid"`
	Executable string `json:"executable,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`

	// Go runtime
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`

	// Verso directories and files
	DataDir        string `json:"data_dir,omitempty"`
	SessionsDir    string `json:"sessions_dir,omitempty"`
	SettingsFile   string `json:"settings_file,omitempty"`
	WorkspacesFile string `json:"workspaces_file,omitempty"`
	ConfigFile     string `json:"config_file,omitempty"`

	// Environment
	VersoDirEnv string `json:"verso_dir_env,omitempty"`
	VersoRCEnv  string `json:"versorc_env,omitempty"`
}

// buildRuntimeInfo gathers runtime information about the Verso instance.
func buildRuntimeInfo() *RuntimeInfo {
	info := &RuntimeInfo{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		PID:          os.Getpid(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if exe, err := os.Executable(); err == nil {
		info.Executable = exe
	}
	if wd, err := os.Getwd(); err == nil {
		info.WorkingDir = wd
	}

	if dataDir, err := appdir.Dir(); err == nil {
		info.DataDir = dataDir
	}
	if sessionsDir, err := appdir.SessionsDir(); err == nil {
		info.SessionsDir = sessionsDir
	}
	if settingsPath, err := appdir.SettingsPath(); err == nil {
		info.SettingsFile = settingsPath
	}
	if workspacesPath, err := appdir.WorkspacesPath(); err == nil {
		info.WorkspacesFile = workspacesPath
	}
	info.ConfigFile = config.DefaultConfigPath()

	info.VersoDirEnv = os.Getenv(appdir.VersoDirEnv)
	info.VersoRCEnv = os.Getenv("VERSORC")

	return info
}

// recordInfo converts a store record to its listing form.
func recordInfo(rec *store.Record) SessionInfo {
	return SessionInfo{
		SessionID:  rec.ID,
		ProjectID:  rec.ProjectID,
		Title:      rec.Title,
		Engine:     string(rec.Engine),
		Model:      rec.Model,
		WorkingDir: rec.WorkingDir,
		ResumeID:   rec.ResumeID,
		CostUSD:    rec.CostUSD,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

// sessionDetails converts a loaded record, messages included.
func sessionDetails(rec *store.Record) SessionDetails {
	details := SessionDetails{
		SessionInfo:  recordInfo(rec),
		MessageCount: len(rec.Messages),
		Messages:     make([]SessionMessage, 0, len(rec.Messages)),
	}
	for _, msg := range rec.Messages {
		details.Messages = append(details.Messages, sessionMessage(msg))
	}
	return details
}

func sessionMessage(msg *transcript.Message) SessionMessage {
	out := SessionMessage{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		IsError:   msg.IsError,
	}
	if msg.Tool != nil {
		out.ToolName = msg.Tool.Name
		switch {
		case msg.Tool.Input.Command != "":
			out.ToolInput = msg.Tool.Input.Command
		case msg.Tool.Input.Path != "":
			out.ToolInput = msg.Tool.Input.Path
		case msg.Tool.Input.Query != "":
			out.ToolInput = msg.Tool.Input.Query
		}
	}
	return out
}

// configToSafeOutput converts a config.Config to a sanitized ConfigInfo.
func configToSafeOutput(cfg *config.Config) ConfigInfo {
	info := ConfigInfo{
		Engines: make([]EngineInfo, len(cfg.Engines)),
		Bridge: BridgeInfo{
			Host: cfg.Bridge.Host,
			Port: cfg.Bridge.Port,
		},
		Runner: RunnerInfo{
			Type:            cfg.Runner.Type,
			AllowNetworking: cfg.Runner.AllowNetworking,
		},
	}
	for i, ec := range cfg.Engines {
		info.Engines[i] = EngineInfo{
			Name:    ec.Name,
			Kind:    string(ec.Kind),
			Command: ec.Command,
			Model:   ec.Model,
		}
	}
	return info
}
