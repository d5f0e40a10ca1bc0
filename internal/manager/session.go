package manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/store"
)

// Phase is the lifecycle state of a session. Exactly one concrete phase
// value is held at a time. Foreground versus background is orthogonal
// and tracked by the Manager, not the phase.
type Phase interface {
	// Name returns the phase name for logs and the sidebar.
	Name() string
}

// Draft is a session with no backend connection yet. It exists only in
// memory until the first message materializes it.
type Draft struct{}

// Materializing is a session whose backend connection is being opened,
// either for the first message or for a revival.
type Materializing struct{}

// Live is a session with an open backend connection.
type Live struct {
	// BackendID is the backend-issued session or thread identifier.
	BackendID string
}

// Disconnected is a session whose backend ended. History is retained
// and a new connection may resume it.
type Disconnected struct {
	// ResumeID is the backend-side identifier to resume, if known.
	ResumeID string
}

func (Draft) Name() string         { return "draft" }
func (Materializing) Name() string { return "materializing" }
func (Live) Name() string          { return "live" }
func (Disconnected) Name() string  { return "disconnected" }

// pendingSend is the message that triggered a connection attempt,
// replayed once the backend is live.
type pendingSend struct {
	text        string
	attachments []engine.Attachment
}

// preconnect tracks an eager backend connection opened for a draft
// before the first message, so protocol metadata is ready and the first
// send does not pay the startup latency.
type preconnect struct {
	conn   engine.Connection
	done   bool
	result engine.StartResult
	err    error
}

// Session is the manager's record of one conversation. All fields are
// owned by the manager's run loop.
type Session struct {
	ID           string
	ProjectID    string
	WorkingDir   string
	Kind         engine.Kind
	Model        string
	Title        string
	Phase        Phase
	CreatedAt    time.Time
	LastActivity time.Time

	// CostUSD is the accumulated cost the engine reports at turn
	// boundaries.
	CostUSD float64

	// Models is the model list reported during the backend handshake.
	Models []string

	// Processing is true while a turn is in flight.
	Processing bool

	// Permission is the pending permission request, at most one at a
	// time. Cleared when answered or when the session disconnects.
	Permission *engine.PermissionRequest

	// NeedsAttention marks a backgrounded session with a pending
	// permission request for the sidebar.
	NeedsAttention bool

	// conn is the open backend connection, nil unless live.
	conn engine.Connection

	// generation identifies the current connection instance. Callbacks
	// capture the generation at dial time; events carrying a stale
	// generation are discarded.
	generation int

	// preconn is the eager pre-connection for a draft, nil otherwise.
	preconn *preconnect

	// pending is the message awaiting a connection mid-materialization.
	pending *pendingSend
}

// SessionInfo is a sidebar snapshot of one session.
type SessionInfo struct {
	ID             string
	Title          string
	Kind           engine.Kind
	Phase          string
	Foreground     bool
	Processing     bool
	NeedsAttention bool
	CostUSD        float64
	LastActivity   time.Time
}

// newDraft creates an in-memory draft session.
func newDraft(projectID, workingDir string, kind engine.Kind, model string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		WorkingDir:   workingDir,
		Kind:         kind,
		Model:        model,
		Phase:        Draft{},
		CreatedAt:    now,
		LastActivity: now,
	}
}

// sessionFromRecord rebuilds the in-memory session for a stored record.
func sessionFromRecord(rec *store.Record) *Session {
	return &Session{
		ID:           rec.ID,
		ProjectID:    rec.ProjectID,
		WorkingDir:   rec.WorkingDir,
		Kind:         rec.Engine,
		Model:        rec.Model,
		Title:        rec.Title,
		Phase:        Disconnected{ResumeID: rec.ResumeID},
		CreatedAt:    rec.CreatedAt,
		LastActivity: rec.UpdatedAt,
		CostUSD:      rec.CostUSD,
	}
}

// resumeID returns the backend-side identifier a new connection should
// resume, if the session has one.
func (s *Session) resumeID() string {
	switch ph := s.Phase.(type) {
	case Live:
		return ph.BackendID
	case Disconnected:
		return ph.ResumeID
	}
	return ""
}

// info builds the sidebar snapshot.
func (s *Session) info(foreground bool) SessionInfo {
	title := s.Title
	if title == "" {
		title = "New session"
	}
	return SessionInfo{
		ID:             s.ID,
		Title:          title,
		Kind:           s.Kind,
		Phase:          s.Phase.Name(),
		Foreground:     foreground,
		Processing:     s.Processing,
		NeedsAttention: s.NeedsAttention,
		CostUSD:        s.CostUSD,
		LastActivity:   s.LastActivity,
	}
}

// deriveTitle produces a session title from the first user message.
func deriveTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	const max = 60
	if len(line) > max {
		line = strings.TrimSpace(line[:max]) + "…"
	}
	return line
}

// exitMessage formats the visible error for an unclean backend exit.
func exitMessage(status engine.ExitStatus) string {
	if status.Err != nil {
		return fmt.Sprintf("Engine connection lost: %v", status.Err)
	}
	if status.Code != nil {
		return fmt.Sprintf("Engine exited unexpectedly (exit code %d)", *status.Code)
	}
	return "Engine exited unexpectedly"
}
