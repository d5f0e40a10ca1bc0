package manager

import (
	"time"

	"github.com/inercia/verso/internal/engine"
)

// handleNotification routes one backend notification. It runs on the
// loop; the foreground identity is re-checked here, at execution time,
// because it may have changed since the callback fired.
func (m *Manager) handleNotification(s *Session, gen int, n engine.Notification) {
	if m.sessions[s.ID] != s || gen != s.generation {
		return
	}
	if s.ID == m.foregroundID {
		ad := engine.ForKind(s.Kind)
		if ad == nil {
			return
		}
		events := ad.Translate(n)
		if len(events) == 0 {
			return
		}
		m.applyForeground(s, events)
		return
	}
	events, ok := m.bg.Route(s.ID, s.Kind, n)
	if !ok {
		m.log.Debug("Dropping event for untracked session", "session_id", s.ID)
		return
	}
	for _, ev := range events {
		m.noteEvent(s, ev)
	}
}

// applyForeground applies translated events to the live reconciler.
// Delta updates are coalesced; a turn boundary paints immediately so
// the finalized message is never left showing a stale partial.
func (m *Manager) applyForeground(s *Session, events []engine.Event) {
	changed := false
	turnEnded := false
	for _, ev := range events {
		if m.fg.Apply(ev) {
			changed = true
		}
		if ev.Type == engine.EventTurnComplete {
			turnEnded = true
		}
		m.noteEvent(s, ev)
	}
	if turnEnded {
		m.renderTranscript()
	} else if changed {
		m.render.Mark()
	}
	if changed {
		m.autosave.Mark()
	}
}

// noteEvent applies the session-level effects of a normalized event,
// regardless of whether the session is foregrounded.
func (m *Manager) noteEvent(s *Session, ev engine.Event) {
	if ev.BackendID != "" {
		m.adoptBackendID(s, ev.BackendID)
	}
	if ev.Type != engine.EventTurnComplete {
		return
	}
	if ev.CostUSD > 0 {
		s.CostUSD = ev.CostUSD
	}
	s.LastActivity = time.Now()
	m.setProcessing(s, false)
}

// adoptBackendID re-keys a live session when the backend reports an
// identity that differs from the one adopted at start. The turn-based
// streaming protocol only issues the real id in the turn stream, so a
// session started fresh carries a provisional id until its first turn.
func (m *Manager) adoptBackendID(s *Session, id string) {
	live, ok := s.Phase.(Live)
	if !ok || live.BackendID == id {
		return
	}
	m.migrateID(s, id)
	s.Phase = Live{BackendID: id}
	m.renderSidebar()
}

// handleExit reacts to the backend process ending. The session keeps
// its history, loses its connection, and surfaces unclean exits as a
// visible error.
func (m *Manager) handleExit(s *Session, gen int, status engine.ExitStatus) {
	if m.sessions[s.ID] != s || gen != s.generation {
		return
	}
	switch s.Phase.(type) {
	case Materializing:
		// The start path reports this as a connect failure.
		return
	case Draft:
		// The eager pre-connection died; materialization dials fresh.
		s.preconn = nil
		s.generation++
		return
	}
	m.log.Info("Engine exited", "session_id", s.ID, "clean", status.Clean())
	s.generation++
	s.conn = nil
	s.Phase = Disconnected{ResumeID: s.resumeID()}
	if s.Permission != nil {
		// Nobody can answer a dead connection's request.
		s.Permission.Respond("")
		s.Permission = nil
	}
	s.NeedsAttention = false

	if s.ID == m.foregroundID {
		m.clearQueue(s)
		m.fg.FinalizeOpen()
		if !status.Clean() {
			m.fg.AppendError(exitMessage(status))
		}
		m.setProcessing(s, false)
		m.saveSession(s, m.fg.Messages)
		m.renderTranscript()
	} else {
		if st, ok := m.bg.MarkDisconnected(s.ID); ok {
			if !status.Clean() {
				st.AppendError(exitMessage(status))
			}
			m.saveSession(s, st.Messages)
		}
		m.setProcessing(s, false)
	}
	m.renderSidebar()
}

// handlePermission stores a pending permission request, at most one per
// session. A foreground request is surfaced immediately; a backgrounded
// one marks the session as needing attention until it is switched to.
func (m *Manager) handlePermission(s *Session, gen int, req engine.PermissionRequest) {
	if m.sessions[s.ID] != s || gen != s.generation {
		// A request from a replaced connection can never be answered;
		// cancel it so the backend is not left waiting.
		req.Respond("")
		return
	}
	if s.Permission != nil {
		m.log.Warn("Superseding pending permission request", "session_id", s.ID)
		s.Permission.Respond("")
	}
	r := req
	s.Permission = &r
	s.LastActivity = time.Now()
	if s.ID == m.foregroundID {
		m.cfg.Renderer.PermissionRequested(s.ID, s.Permission)
	} else {
		s.NeedsAttention = true
	}
	m.renderSidebar()
}
