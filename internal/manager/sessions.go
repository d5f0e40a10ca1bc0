package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/store"
	"github.com/inercia/verso/internal/transcript"
)

// createSession makes a draft, foregrounds it, and opens the eager
// pre-connection.
func (m *Manager) createSession(projectID, workingDir string, kind engine.Kind, model string) (string, error) {
	if engine.ForKind(kind) == nil {
		return "", fmt.Errorf("unknown engine kind %q", kind)
	}
	s := newDraft(projectID, workingDir, kind, model)
	m.sessions[s.ID] = s
	m.log.Info("Session created", "session_id", s.ID, "engine", s.Kind)

	m.backgroundCurrent()
	m.foregroundID = s.ID
	m.fg = transcript.NewState()
	m.preconnectSession(s)
	m.renderSidebar()
	m.renderTranscript()
	return s.ID, nil
}

// dial opens a connection and registers callbacks that post onto the
// run loop. Callbacks capture the session pointer and the connection
// generation; the handlers drop anything stale.
func (m *Manager) dial(s *Session) (engine.Connection, int, error) {
	conn, err := m.cfg.Dial(s.Kind, s.WorkingDir)
	if err != nil {
		return nil, 0, err
	}
	s.generation++
	gen := s.generation
	conn.OnNotification(func(n engine.Notification) {
		m.post(func() { m.handleNotification(s, gen, n) })
	})
	conn.OnExit(func(status engine.ExitStatus) {
		m.post(func() { m.handleExit(s, gen, status) })
	})
	conn.OnPermission(func(req engine.PermissionRequest) {
		m.post(func() { m.handlePermission(s, gen, req) })
	})
	return conn, gen, nil
}

// preconnectSession starts the backend ahead of the first message. The
// handshake result is parked on the session until materialization
// claims it, or abandoned if the draft is switched away from first.
func (m *Manager) preconnectSession(s *Session) {
	conn, gen, err := m.dial(s)
	if err != nil {
		m.log.Warn("Eager pre-connection failed", "session_id", s.ID, "error", err)
		return
	}
	pc := &preconnect{conn: conn}
	s.preconn = pc
	go func() {
		res, startErr := conn.Start(context.Background(), s.WorkingDir, engine.StartOptions{Model: s.Model})
		m.post(func() { m.finishPreconnect(s, gen, pc, res, startErr) })
	}()
}

// finishPreconnect lands the eager handshake on the loop.
func (m *Manager) finishPreconnect(s *Session, gen int, pc *preconnect, res engine.StartResult, err error) {
	if m.sessions[s.ID] != s || s.preconn != pc || gen != s.generation {
		// Abandoned while starting; tell the backend to stop.
		_ = pc.conn.Stop()
		return
	}
	pc.done, pc.result, pc.err = true, res, err
	if err != nil {
		m.log.Warn("Eager pre-connection failed", "session_id", s.ID, "error", err)
		s.preconn = nil
		s.generation++
		_ = pc.conn.Stop()
		if _, ok := s.Phase.(Materializing); ok {
			// The first send is already waiting on this handshake;
			// fall back to a fresh connection.
			m.openConnection(s, "", Draft{})
		}
		return
	}
	if len(res.Models) > 0 {
		s.Models = res.Models
	}
	if _, ok := s.Phase.(Materializing); ok {
		m.adoptConnection(s, pc.conn, pc.result)
	}
}

// abandonPreconnect stops a draft's eager connection and fences its
// callbacks.
func (m *Manager) abandonPreconnect(s *Session) {
	if s.preconn == nil {
		return
	}
	pc := s.preconn
	s.preconn = nil
	s.generation++
	if pc.done {
		_ = pc.conn.Stop()
	}
	// If the handshake is still in flight, finishPreconnect sees the
	// cleared pointer and stops the connection itself.
}

// materialize opens the first backend connection for a draft. A second
// call while one is in flight is a no-op, so rapid double submission
// cannot open two connections.
func (m *Manager) materialize(s *Session, text string, attachments []engine.Attachment) error {
	if _, ok := s.Phase.(Materializing); ok {
		return nil
	}
	s.Phase = Materializing{}
	s.LastActivity = time.Now()
	if s.Title == "" {
		s.Title = deriveTitle(text)
	}
	m.fg.AppendUser(text)
	s.pending = &pendingSend{text: text, attachments: attachments}
	m.renderTranscript()
	m.renderSidebar()

	pc := s.preconn
	switch {
	case pc != nil && pc.done && pc.err == nil:
		m.adoptConnection(s, pc.conn, pc.result)
	case pc != nil && !pc.done:
		// finishPreconnect adopts when the handshake lands.
	default:
		m.openConnection(s, "", Draft{})
	}
	return nil
}

// revive opens a new connection for a disconnected session, asking the
// backend to resume the prior thread, and replays the triggering
// message once live. On failure the session stays disconnected.
func (m *Manager) revive(s *Session, prior Disconnected, text string, attachments []engine.Attachment) error {
	s.Phase = Materializing{}
	s.LastActivity = time.Now()
	if s.Title == "" {
		s.Title = deriveTitle(text)
	}
	m.fg.AppendUser(text)
	s.pending = &pendingSend{text: text, attachments: attachments}
	m.renderTranscript()
	m.renderSidebar()
	m.openConnection(s, prior.ResumeID, prior)
	return nil
}

// openConnection dials and starts a fresh backend connection. restore
// is the phase to fall back to if the start fails.
func (m *Manager) openConnection(s *Session, resumeID string, restore Phase) {
	conn, gen, err := m.dial(s)
	if err != nil {
		m.connectFailed(s, restore, err)
		return
	}
	go func() {
		res, startErr := conn.Start(context.Background(), s.WorkingDir, engine.StartOptions{
			Model:    s.Model,
			ResumeID: resumeID,
		})
		m.post(func() {
			if m.sessions[s.ID] != s || gen != s.generation {
				_ = conn.Stop()
				return
			}
			if startErr != nil {
				_ = conn.Stop()
				m.connectFailed(s, restore, startErr)
				return
			}
			m.adoptConnection(s, conn, res)
		})
	}()
}

// adoptConnection promotes a session to live under the backend-issued
// identity and replays the message that triggered the connection.
func (m *Manager) adoptConnection(s *Session, conn engine.Connection, res engine.StartResult) {
	s.preconn = nil
	s.conn = conn
	if len(res.Models) > 0 {
		s.Models = res.Models
	}
	backendID := res.SessionID
	if backendID == "" {
		// The backend issued no identity; keep the local one.
		backendID = s.ID
	}
	m.migrateID(s, backendID)
	s.Phase = Live{BackendID: backendID}
	s.LastActivity = time.Now()
	m.log.Info("Session live", "session_id", s.ID, "engine", s.Kind)
	m.renderSidebar()

	if ps := s.pending; ps != nil {
		s.pending = nil
		m.deliver(s, ps.text, ps.attachments)
	}
}

// connectFailed restores the pre-attempt phase and surfaces the error
// in the transcript.
func (m *Manager) connectFailed(s *Session, restore Phase, err error) {
	m.log.Error("Failed to start engine", "session_id", s.ID, "engine", s.Kind, "error", err)
	s.Phase = restore
	s.pending = nil
	if s.ID == m.foregroundID {
		m.clearQueue(s)
	}
	if st := m.stateFor(s); st != nil {
		st.AppendError(fmt.Sprintf("Failed to start engine: %v", err))
	}
	m.renderTranscript()
	m.renderSidebar()
	m.autosave.Mark()
}

// migrateID re-keys a session to the backend-issued identity everywhere
// it is referenced: the session table, the foreground pointer, the
// background store, the persisted record, and the project preference.
func (m *Manager) migrateID(s *Session, newID string) {
	oldID := s.ID
	if newID == oldID {
		return
	}
	if _, taken := m.sessions[newID]; taken {
		m.log.Warn("Backend session id already in use; keeping local id", "id", newID)
		return
	}
	delete(m.sessions, oldID)
	s.ID = newID
	m.sessions[newID] = s
	m.bg.Rename(oldID, newID)
	if m.foregroundID == oldID {
		m.foregroundID = newID
		m.rememberForeground(s)
	}
	if m.cfg.Store != nil && m.cfg.Store.Exists(oldID) {
		if err := m.cfg.Store.Rename(oldID, newID); err != nil {
			m.log.Error("Failed to migrate stored session", "old_id", oldID, "new_id", newID, "error", err)
		}
	}
	m.log.Debug("Session id migrated", "old_id", oldID, "new_id", newID)
}

// switchTo foregrounds a session. The current foreground state is
// handed to the background store and persisted; the target's state is
// reclaimed from the background store or loaded from durable storage.
func (m *Manager) switchTo(targetID string) error {
	if targetID == m.foregroundID {
		return nil
	}
	target := m.sessions[targetID]
	if target == nil {
		if m.cfg.Store == nil {
			return fmt.Errorf("unknown session %q", targetID)
		}
		rec, err := m.cfg.Store.Load(targetID)
		if err != nil {
			return fmt.Errorf("unknown session %q: %w", targetID, err)
		}
		target = sessionFromRecord(rec)
		m.sessions[target.ID] = target
	}

	m.backgroundCurrent()
	m.foregroundID = target.ID

	if st, ok := m.bg.Consume(target.ID); ok {
		m.fg = st
	} else if m.cfg.Store != nil && m.cfg.Store.Exists(target.ID) {
		rec, err := m.cfg.Store.Load(target.ID)
		if err != nil {
			m.log.Error("Failed to load session", "session_id", target.ID, "error", err)
			m.fg = transcript.NewState()
		} else {
			m.fg = transcript.Rebuild(rec.Messages)
			if _, live := target.Phase.(Live); !live {
				// Nothing is streaming into a session loaded from disk.
				m.fg.FinalizeOpen()
			}
		}
	} else {
		m.fg = transcript.NewState()
	}

	target.NeedsAttention = false
	m.rememberForeground(target)
	m.renderTranscript()
	m.renderSidebar()
	m.cfg.Renderer.ProcessingChanged(target.ID, target.Processing)
	if target.Permission != nil {
		m.cfg.Renderer.PermissionRequested(target.ID, target.Permission)
	}
	m.log.Debug("Session foregrounded", "session_id", target.ID)
	return nil
}

// backgroundCurrent hands the foreground session's state to the
// background store and persists it if non-empty. Queued placeholders do
// not survive a switch. An unmaterialized draft's eager connection is
// abandoned.
func (m *Manager) backgroundCurrent() {
	cur := m.sessions[m.foregroundID]
	if cur == nil {
		m.foregroundID = ""
		m.fg = nil
		return
	}
	m.clearQueue(cur)
	if _, ok := cur.Phase.(Draft); ok {
		m.abandonPreconnect(cur)
	}
	if m.fg != nil && len(m.fg.Messages) > 0 {
		m.saveSession(cur, m.fg.Messages)
		m.bg.InitFromState(cur.ID, m.fg.Messages, m.fg.Plan)
	}
	m.foregroundID = ""
	m.fg = nil
}

// deleteSession removes a session everywhere. A live backend is told to
// stop first.
func (m *Manager) deleteSession(sessionID string) error {
	s := m.sessions[sessionID]
	known := s != nil || m.bg.Has(sessionID) ||
		(m.cfg.Store != nil && m.cfg.Store.Exists(sessionID))
	if !known {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	if s != nil {
		m.abandonPreconnect(s)
		if conn := s.conn; conn != nil {
			s.conn = nil
			go func() { _ = conn.Stop() }()
		}
		s.generation++
		delete(m.sessions, sessionID)
		if m.foregroundID == sessionID {
			m.clearQueue(s)
			m.foregroundID = ""
			m.fg = nil
		}
	}
	m.bg.Delete(sessionID)
	if m.cfg.Store != nil {
		if err := m.cfg.Store.Delete(sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.log.Error("Failed to delete stored session", "session_id", sessionID, "error", err)
		}
	}
	if s != nil && m.cfg.Prefs != nil {
		key := store.LastSessionKey(s.ProjectID)
		if last, ok := m.cfg.Prefs.Get(key); ok && last == sessionID {
			_ = m.cfg.Prefs.Delete(key)
		}
	}
	m.log.Info("Session deleted", "session_id", sessionID)
	m.renderSidebar()
	return nil
}

// loadProject lists stored sessions into the sidebar and restores the
// last selected one.
func (m *Manager) loadProject(projectID string) error {
	if m.cfg.Store == nil {
		return nil
	}
	recs, err := m.cfg.Store.List(projectID)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, rec := range recs {
		if m.sessions[rec.ID] != nil {
			continue
		}
		m.sessions[rec.ID] = sessionFromRecord(rec)
	}
	m.renderSidebar()
	if m.cfg.Prefs != nil {
		if last, ok := m.cfg.Prefs.Get(store.LastSessionKey(projectID)); ok {
			if m.sessions[last] != nil {
				return m.switchTo(last)
			}
		}
	}
	return nil
}
