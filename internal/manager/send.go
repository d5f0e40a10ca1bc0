package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/transcript"
)

// sendMessage routes user input by the foreground session's phase:
// drafts materialize, disconnected sessions revive, live idle sessions
// send directly, and anything mid-turn or mid-transition queues.
func (m *Manager) sendMessage(text string, attachments []engine.Attachment) error {
	text = strings.TrimRight(text, " \t\n")
	if text == "" && len(attachments) == 0 {
		return nil
	}
	s := m.sessions[m.foregroundID]
	if s == nil {
		return ErrNoSession
	}
	switch ph := s.Phase.(type) {
	case Draft:
		return m.materialize(s, text, attachments)
	case Materializing:
		m.enqueue(s, text, attachments)
		return nil
	case Live:
		if s.Processing {
			m.enqueue(s, text, attachments)
			return nil
		}
		m.submit(s, text, attachments)
		return nil
	case Disconnected:
		return m.revive(s, ph, text, attachments)
	}
	return nil
}

// submit appends the user message and sends it on the live connection.
func (m *Manager) submit(s *Session, text string, attachments []engine.Attachment) {
	if s.Title == "" {
		s.Title = deriveTitle(text)
	}
	s.LastActivity = time.Now()
	m.fg.AppendUser(text)
	m.renderTranscript()
	m.autosave.Mark()
	m.deliver(s, text, attachments)
}

// deliver hands a message to the backend. The send itself runs off the
// loop; a failure posts back and is surfaced in the transcript.
func (m *Manager) deliver(s *Session, text string, attachments []engine.Attachment) {
	m.setProcessing(s, true)
	conn, gen := s.conn, s.generation
	if conn == nil {
		m.sendFailed(s, fmt.Errorf("no open connection"))
		return
	}
	go func() {
		if err := conn.Send(context.Background(), text, attachments); err != nil {
			m.post(func() {
				if m.sessions[s.ID] != s || gen != s.generation {
					return
				}
				m.sendFailed(s, err)
			})
		}
	}()
}

// sendFailed surfaces a send failure. The remaining queue is cleared so
// a failed drain does not silently retry, and one error message is
// appended.
func (m *Manager) sendFailed(s *Session, err error) {
	m.log.Error("Failed to send message", "session_id", s.ID, "error", err)
	if s.ID == m.foregroundID {
		m.clearQueue(s)
	}
	if st := m.stateFor(s); st != nil {
		st.AppendError(fmt.Sprintf("Failed to send message: %v", err))
	}
	m.setProcessing(s, false)
	m.renderTranscript()
	m.autosave.Mark()
}

// enqueue inserts a visually-marked placeholder and appends the input
// to the FIFO; it is drained when the in-flight turn finishes.
func (m *Manager) enqueue(s *Session, text string, attachments []engine.Attachment) {
	id := m.fg.AppendQueued(text)
	m.queue.enqueue(queuedItem{placeholderID: id, text: text, attachments: attachments})
	s.LastActivity = time.Now()
	m.renderTranscript()
}

// drainQueue pops the oldest queued item, clears its placeholder
// marking, and re-submits it through the normal send path. Called
// exactly when the foreground processing flag transitions to false.
func (m *Manager) drainQueue(s *Session) {
	it, ok := m.queue.pop()
	if !ok {
		return
	}
	m.fg.UnmarkQueued(it.placeholderID)
	m.renderTranscript()
	m.deliver(s, it.text, it.attachments)
}

// clearQueue drops all queued items and their placeholders. Used on
// session switch, interrupt, and send failure.
func (m *Manager) clearQueue(s *Session) {
	ids := m.queue.clear()
	if len(ids) == 0 {
		return
	}
	if s.ID == m.foregroundID && m.fg != nil {
		m.fg.RemoveQueued(ids)
	}
}

// interrupt optimistically cancels the foreground turn: local state is
// finalized immediately and the backend stop request is fire-and-forget.
// A stray late event from the still-running turn is tolerated by the
// reconciler's unknown-identifier rule.
func (m *Manager) interrupt() {
	s := m.sessions[m.foregroundID]
	if s == nil || m.fg == nil {
		return
	}
	if conn := s.conn; conn != nil && s.Processing {
		go func() { _ = conn.Interrupt(context.Background()) }()
	}
	m.clearQueue(s)
	m.fg.FinalizeOpen()
	m.setProcessing(s, false)
	if s.Permission != nil {
		s.Permission.Respond("")
		s.Permission = nil
		s.NeedsAttention = false
	}
	m.renderTranscript()
	m.autosave.Mark()
}

// respondPermission answers the foreground session's pending request.
func (m *Manager) respondPermission(optionID string) error {
	s := m.sessions[m.foregroundID]
	if s == nil {
		return ErrNoSession
	}
	if s.Permission == nil {
		return fmt.Errorf("no pending permission request")
	}
	req := s.Permission
	s.Permission = nil
	s.NeedsAttention = false
	req.Respond(optionID)
	m.renderSidebar()
	return nil
}

// setProcessing flips a session's processing flag. The queue drains
// exactly on the foreground flag's true-to-false transition.
func (m *Manager) setProcessing(s *Session, processing bool) {
	if s.Processing == processing {
		return
	}
	s.Processing = processing
	if s.ID == m.foregroundID {
		m.cfg.Renderer.ProcessingChanged(s.ID, processing)
		if !processing {
			m.drainQueue(s)
		}
	}
	m.renderSidebar()
}

// stateFor returns the transcript state a session's mutations must
// target: the live foreground state or the background store's copy.
func (m *Manager) stateFor(s *Session) *transcript.State {
	if s.ID == m.foregroundID {
		return m.fg
	}
	return m.bg.State(s.ID)
}
