package transcript

import (
	"time"

	"github.com/google/uuid"

	"github.com/inercia/verso/internal/engine"
)

// State is the reconciler: an ordered message list plus side registers that
// can always be re-derived from the list itself. One State exists per
// session and has exactly one owner at a time (the live view or the
// background store); Rebuild re-derives the registers after a transfer.
type State struct {
	Messages []*Message

	// Plan is the engine's latest plan snapshot, replaced wholesale.
	Plan []engine.PlanStep

	// streaming is the open streaming message, nil when none.
	streaming *Message

	// tools maps EntryKey to its unresolved tool entry.
	tools map[string]*Message

	// parents maps a delegate tool id to its entry so nested events route
	// into its sub-steps. Cleared at turn end.
	parents map[string]*ToolCall
}

// NewState returns an empty reconciler state.
func NewState() *State {
	return &State{
		tools:   make(map[string]*Message),
		parents: make(map[string]*ToolCall),
	}
}

// Rebuild reconstructs a State around an existing message list. The side
// registers are re-derived by scanning: the streaming flag finds the open
// message, unresolved tool entries repopulate the tool map, and delegate
// entries repopulate the routing map.
func Rebuild(msgs []*Message) *State {
	s := NewState()
	s.Messages = msgs
	for _, m := range s.Messages {
		if m.Streaming {
			s.streaming = m
		}
		if m.Tool == nil {
			continue
		}
		if m.Tool.Status == ToolPending {
			s.tools[EntryKey(m.Tool.ID)] = m
		}
		if m.Tool.Delegate {
			s.parents[m.Tool.ID] = m.Tool
		}
	}
	return s
}

// Apply mutates the state with one event and reports whether anything
// visible changed. Events referencing identifiers that no longer resolve
// (a race with turn completion or an interrupt) are dropped silently.
func (s *State) Apply(ev engine.Event) bool {
	switch ev.Type {
	case engine.EventMessageStart:
		if ev.ParentToolID != "" {
			// Sub-agent chatter stays inside its tool entry.
			return false
		}
		// Fast tools may finish without explicit completion events.
		s.completePendingTools()
		s.openStreaming()
		return true

	case engine.EventTextDelta:
		if ev.ParentToolID != "" || ev.Text == "" {
			return false
		}
		m := s.openMessage()
		if m.Thinking != "" && !m.ThinkingDone {
			m.ThinkingDone = true
		}
		m.Text += ev.Text
		return true

	case engine.EventThinkingDelta:
		if ev.ParentToolID != "" || ev.Text == "" {
			return false
		}
		m := s.openMessage()
		if m.Text != "" {
			// Thinking cannot resume once text has begun; this delta
			// belongs to a fresh message.
			m = s.openStreaming()
		}
		m.Thinking += ev.Text
		return true

	case engine.EventToolStart:
		return s.applyToolStart(ev)

	case engine.EventToolResult:
		return s.applyToolResult(ev)

	case engine.EventPlan:
		s.Plan = ev.Plan
		return true

	case engine.EventTurnComplete:
		s.finalizeStreaming()
		s.completePendingTools()
		s.parents = make(map[string]*ToolCall)
		if ev.StopReason == "error" && ev.Text != "" {
			s.AppendError(ev.Text)
		}
		return true
	}
	return false
}

// FinalizeOpen closes any open streaming message and settles pending tool
// entries. Called on interrupt (optimistically, ahead of the backend) and
// when a connection dies.
func (s *State) FinalizeOpen() {
	s.finalizeStreaming()
	s.completePendingTools()
	s.parents = make(map[string]*ToolCall)
}

// AppendUser appends a finalized user message and returns its id.
func (s *State) AppendUser(text string) string {
	m := NewUserMessage(text)
	s.Messages = append(s.Messages, &m)
	return m.ID
}

// AppendQueued appends a visually-marked placeholder for input waiting in
// the send queue and returns its id.
func (s *State) AppendQueued(text string) string {
	m := NewUserMessage(text)
	m.Queued = true
	s.Messages = append(s.Messages, &m)
	return m.ID
}

// UnmarkQueued clears the queued flag when the item enters the send path.
func (s *State) UnmarkQueued(id string) {
	for _, m := range s.Messages {
		if m.ID == id {
			m.Queued = false
			return
		}
	}
}

// RemoveQueued deletes the placeholders for the given ids.
func (s *State) RemoveQueued(ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.Messages[:0]
	for _, m := range s.Messages {
		if m.Queued && drop[m.ID] {
			continue
		}
		kept = append(kept, m)
	}
	s.Messages = kept
}

// AppendError appends a visible error entry.
func (s *State) AppendError(text string) {
	m := NewSystemError(text)
	s.Messages = append(s.Messages, &m)
}

// HasStreaming reports whether a streaming message is open.
func (s *State) HasStreaming() bool {
	return s.streaming != nil
}

// PendingToolCount reports how many tool entries have no result yet.
func (s *State) PendingToolCount() int {
	return len(s.tools)
}

// openMessage returns the open streaming message, opening one if needed.
// Engines without an explicit message-start notification rely on this;
// unlike an explicit start, auto-opening does not settle pending tools,
// since those engines report completion explicitly.
func (s *State) openMessage() *Message {
	if s.streaming != nil {
		return s.streaming
	}
	return s.openStreaming()
}

// openStreaming finalizes the current streaming message and opens a fresh
// streaming assistant message.
func (s *State) openStreaming() *Message {
	s.finalizeStreaming()
	m := &Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Streaming: true,
		Timestamp: time.Now(),
	}
	s.Messages = append(s.Messages, m)
	s.streaming = m
	return m
}

// finalizeStreaming closes the open streaming message, discarding it when
// it ended up empty.
func (s *State) finalizeStreaming() {
	m := s.streaming
	if m == nil {
		return
	}
	s.streaming = nil
	m.Streaming = false
	m.ThinkingDone = m.Thinking != ""
	if m.Text != "" || m.Thinking != "" {
		return
	}
	for i, cur := range s.Messages {
		if cur == m {
			s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
			return
		}
	}
}

// completePendingTools marks every unresolved tool entry completed.
func (s *State) completePendingTools() {
	for _, m := range s.tools {
		if m.Tool != nil && m.Tool.Status == ToolPending {
			m.Tool.Status = ToolCompleted
		}
	}
	s.tools = make(map[string]*Message)
}

func (s *State) applyToolStart(ev engine.Event) bool {
	if ev.ParentToolID != "" {
		parent := s.parents[ev.ParentToolID]
		if parent == nil {
			return false
		}
		for i := range parent.Children {
			if parent.Children[i].ID == ev.ToolID {
				return false
			}
		}
		parent.Children = append(parent.Children, ToolCall{
			ID:     ev.ToolID,
			Name:   ev.ToolName,
			Input:  ev.Input,
			Status: ToolPending,
		})
		return true
	}

	// Duplicate delivery is possible; an identifier creates one entry.
	for _, m := range s.Messages {
		if m.Tool != nil && m.Tool.ID == ev.ToolID {
			return false
		}
	}

	// A tool call ends the current text block.
	s.finalizeStreaming()

	m := &Message{
		ID:        uuid.NewString(),
		Role:      RoleTool,
		Timestamp: time.Now(),
		Tool: &ToolCall{
			ID:       ev.ToolID,
			Name:     ev.ToolName,
			Input:    ev.Input,
			Status:   ToolPending,
			Delegate: ev.Delegate,
		},
	}
	s.Messages = append(s.Messages, m)
	s.tools[EntryKey(ev.ToolID)] = m
	if ev.Delegate {
		s.parents[ev.ToolID] = m.Tool
	}
	return true
}

func (s *State) applyToolResult(ev engine.Event) bool {
	if ev.ParentToolID != "" {
		parent := s.parents[ev.ParentToolID]
		if parent == nil {
			return false
		}
		for i := range parent.Children {
			child := &parent.Children[i]
			if child.ID != ev.ToolID || child.Status != ToolPending {
				continue
			}
			child.Output = ev.Result.Text
			child.Status = toolStatusFor(ev.Result)
			return true
		}
		return false
	}

	m, ok := s.tools[EntryKey(ev.ToolID)]
	if !ok {
		// Already resolved or never seen: a race with finalization.
		return false
	}
	m.Tool.Output = ev.Result.Text
	m.Tool.Status = toolStatusFor(ev.Result)
	delete(s.tools, EntryKey(ev.ToolID))
	return true
}

func toolStatusFor(r engine.ToolResult) ToolStatus {
	if r.IsError {
		return ToolError
	}
	return ToolCompleted
}
