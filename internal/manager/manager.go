// Package manager is the orchestration core of Verso: the session state
// machine, the foreground/background ownership model, the message
// queue, and the persistence triggers.
//
// All session and transcript state is owned by a single run-loop
// goroutine. Public methods and backend callbacks post closures onto
// that loop, so no state needs locking but ordering between
// asynchronous steps is explicit. Backend callbacks may fire between a
// foreground switch being requested and executed; handlers therefore
// re-check the current foreground identity at execution time instead of
// trusting the one captured at dispatch.
package manager

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/store"
	"github.com/inercia/verso/internal/transcript"
)

// DefaultAutosaveInterval is the debounce applied to durable saves of
// the foreground session.
const DefaultAutosaveInterval = 2 * time.Second

// DialFunc opens a backend connection for an engine kind. The manager
// registers callbacks and calls Start itself.
type DialFunc func(kind engine.Kind, workingDir string) (engine.Connection, error)

// Config wires the manager's collaborators.
type Config struct {
	// Dial opens backend connections. Required.
	Dial DialFunc

	// Store persists sessions. Optional; without it nothing is saved.
	Store store.SessionStore

	// Prefs remembers the last selected session per project. Optional.
	Prefs *store.Prefs

	// Renderer receives UI updates. Optional; defaults to NopRenderer.
	Renderer Renderer

	// FlushInterval overrides the render coalescing interval.
	FlushInterval time.Duration

	// AutosaveInterval overrides the save debounce.
	AutosaveInterval time.Duration
}

// Manager is the top-level session state machine. Create one with New;
// it runs until Close.
type Manager struct {
	cfg Config
	log *slog.Logger

	posts chan func()
	done  chan struct{}
	stop  sync.Once

	// Loop-owned state. Only the run loop touches these.
	sessions     map[string]*Session
	foregroundID string
	fg           *transcript.State
	bg           *BackgroundStore
	queue        *messageQueue

	render   *transcript.Coalescer
	autosave *transcript.Coalescer
}

// New creates a manager and starts its run loop.
func New(cfg Config) *Manager {
	if cfg.Renderer == nil {
		cfg.Renderer = NopRenderer{}
	}
	if cfg.AutosaveInterval <= 0 {
		cfg.AutosaveInterval = DefaultAutosaveInterval
	}
	m := &Manager{
		cfg:      cfg,
		log:      logging.Manager(),
		posts:    make(chan func(), 256),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
		bg:       NewBackgroundStore(),
		queue:    &messageQueue{},
	}
	m.render = transcript.NewCoalescer(cfg.FlushInterval, func() {
		m.post(m.renderTranscript)
	})
	m.autosave = transcript.NewCoalescer(cfg.AutosaveInterval, func() {
		m.post(m.saveForeground)
	})
	go m.loop()
	return m
}

// loop is the single logical thread of control.
func (m *Manager) loop() {
	for {
		select {
		case fn := <-m.posts:
			fn()
		case <-m.done:
			return
		}
	}
}

// post schedules fn on the run loop. Dropped after Close.
func (m *Manager) post(fn func()) {
	select {
	case m.posts <- fn:
	case <-m.done:
	}
}

// call runs fn on the loop and waits for it to finish.
func (m *Manager) call(fn func()) {
	ran := make(chan struct{})
	m.post(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
	case <-m.done:
	}
}

// Close stops all live connections, persists open sessions, and shuts
// the run loop down.
func (m *Manager) Close() {
	m.stop.Do(func() {
		m.call(m.shutdown)
		close(m.done)
		m.render.Close()
		m.autosave.Close()
	})
}

// shutdown runs on the loop as the final posted closure.
func (m *Manager) shutdown() {
	if cur := m.sessions[m.foregroundID]; cur != nil && m.fg != nil {
		m.saveSession(cur, m.fg.Messages)
	}
	for _, id := range m.bg.IDs() {
		st, _ := m.bg.Consume(id)
		if s := m.sessions[id]; s != nil && st != nil {
			m.saveSession(s, st.Messages)
		}
	}
	for _, s := range m.sessions {
		m.abandonPreconnect(s)
		if s.conn != nil {
			if err := s.conn.Stop(); err != nil {
				m.log.Warn("Failed to stop engine", "session_id", s.ID, "error", err)
			}
			s.conn = nil
		}
	}
}

// CreateSession creates a draft session, foregrounds it, and starts an
// eager backend pre-connection so the first message materializes fast.
// It returns the draft's session id, which changes when the backend
// issues the real identity at materialization.
func (m *Manager) CreateSession(projectID, workingDir string, kind engine.Kind, model string) (string, error) {
	var (
		id  string
		err error
	)
	m.call(func() { id, err = m.createSession(projectID, workingDir, kind, model) })
	return id, err
}

// SwitchSession foregrounds another session, handing the current one to
// the background store.
func (m *Manager) SwitchSession(sessionID string) error {
	var err error
	m.call(func() { err = m.switchTo(sessionID) })
	return err
}

// DeleteSession removes a session everywhere: backend connection,
// queue, background store, and durable storage.
func (m *Manager) DeleteSession(sessionID string) error {
	var err error
	m.call(func() { err = m.deleteSession(sessionID) })
	return err
}

// SendMessage submits user input to the foreground session. Depending
// on the session's phase this materializes a draft, revives a
// disconnected session, sends directly, or queues behind the in-flight
// turn.
func (m *Manager) SendMessage(text string, attachments ...engine.Attachment) error {
	var err error
	m.call(func() { err = m.sendMessage(text, attachments) })
	return err
}

// Interrupt cancels the foreground turn. The local state is finalized
// immediately; the backend stop request is best effort.
func (m *Manager) Interrupt() {
	m.call(m.interrupt)
}

// RespondPermission answers the foreground session's pending permission
// request with the chosen option id. An empty id cancels.
func (m *Manager) RespondPermission(optionID string) error {
	var err error
	m.call(func() { err = m.respondPermission(optionID) })
	return err
}

// LoadProject populates the session list from durable storage and
// restores the last selected session for the project.
func (m *Manager) LoadProject(projectID string) error {
	var err error
	m.call(func() { err = m.loadProject(projectID) })
	return err
}

// Sessions returns a sidebar snapshot, most recently active first.
func (m *Manager) Sessions() []SessionInfo {
	var infos []SessionInfo
	m.call(func() { infos = m.sessionInfos() })
	return infos
}

// ForegroundID returns the id of the foregrounded session, or empty.
func (m *Manager) ForegroundID() string {
	var id string
	m.call(func() { id = m.foregroundID })
	return id
}

// ForegroundModels returns the model list the foreground session's
// backend reported, if any.
func (m *Manager) ForegroundModels() []string {
	var models []string
	m.call(func() {
		if s := m.sessions[m.foregroundID]; s != nil {
			models = append([]string(nil), s.Models...)
		}
	})
	return models
}

// Flush re-renders the foreground transcript immediately. Intended for
// interactive fronts that need a paint outside the coalescing cadence.
func (m *Manager) Flush() {
	m.call(m.renderTranscript)
}

// sessionInfos builds the sidebar listing, newest activity first.
func (m *Manager) sessionInfos() []SessionInfo {
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info(s.ID == m.foregroundID))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActivity.After(infos[j].LastActivity)
	})
	return infos
}

// renderSidebar pushes the session listing to the renderer.
func (m *Manager) renderSidebar() {
	m.cfg.Renderer.SessionsChanged(m.sessionInfos())
}

// renderTranscript pushes the foreground transcript to the renderer.
// It re-reads the current foreground, so a stale coalesced flush after
// a switch paints the right session.
func (m *Manager) renderTranscript() {
	if m.foregroundID == "" || m.fg == nil {
		return
	}
	m.cfg.Renderer.TranscriptChanged(m.foregroundID, m.fg.Messages, m.fg.Plan)
}

// saveForeground is the autosave debounce target.
func (m *Manager) saveForeground() {
	cur := m.sessions[m.foregroundID]
	if cur == nil || m.fg == nil {
		return
	}
	m.saveSession(cur, m.fg.Messages)
}

// saveSession persists a session's record unless it is empty.
func (m *Manager) saveSession(s *Session, messages []*transcript.Message) {
	if m.cfg.Store == nil || len(messages) == 0 {
		return
	}
	rec := &store.Record{
		ID:         s.ID,
		ProjectID:  s.ProjectID,
		Title:      s.Title,
		Engine:     s.Kind,
		Model:      s.Model,
		WorkingDir: s.WorkingDir,
		ResumeID:   s.resumeID(),
		CostUSD:    s.CostUSD,
		CreatedAt:  s.CreatedAt,
		Messages:   messages,
	}
	if err := m.cfg.Store.Save(rec); err != nil {
		m.log.Error("Failed to save session", "session_id", s.ID, "error", err)
	}
}

// rememberForeground records the foreground session as the project's
// last selected one.
func (m *Manager) rememberForeground(s *Session) {
	if m.cfg.Prefs == nil {
		return
	}
	if err := m.cfg.Prefs.Set(store.LastSessionKey(s.ProjectID), s.ID); err != nil {
		m.log.Warn("Failed to record last session", "error", err)
	}
}

// ErrNoSession is returned when an operation needs a foreground session
// and none is selected.
var ErrNoSession = errors.New("no session selected")
