package manager

import (
	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/transcript"
)

// BackgroundStore holds reconciler state for every session that is live
// but not foregrounded. A session's state has exactly one owner at any
// instant; InitFromState and Consume are the transfer points. The store
// is owned by the manager's run loop and needs no locking.
type BackgroundStore struct {
	states map[string]*transcript.State
}

// NewBackgroundStore returns an empty background store.
func NewBackgroundStore() *BackgroundStore {
	return &BackgroundStore{states: make(map[string]*transcript.State)}
}

// InitFromState takes ownership of a session's message list when it is
// backgrounded. The reconciler's side registers are re-derived by
// scanning the list for unresolved entries and an in-flight streaming
// message, so deltas keep applying seamlessly while backgrounded.
func (b *BackgroundStore) InitFromState(sessionID string, messages []*transcript.Message, plan []engine.PlanStep) {
	st := transcript.Rebuild(messages)
	st.Plan = plan
	b.states[sessionID] = st
}

// Route translates a backend notification with the session's adapter
// and applies it to the stored state. It returns the translated events
// so the caller can apply session-level effects, and false when the
// session is not tracked.
func (b *BackgroundStore) Route(sessionID string, kind engine.Kind, n engine.Notification) ([]engine.Event, bool) {
	st, ok := b.states[sessionID]
	if !ok {
		return nil, false
	}
	ad := engine.ForKind(kind)
	if ad == nil {
		return nil, false
	}
	events := ad.Translate(n)
	for _, ev := range events {
		st.Apply(ev)
	}
	return events, true
}

// Consume transfers ownership of a session's state to the caller and
// forgets it, so two owners can never mutate the same message list.
func (b *BackgroundStore) Consume(sessionID string) (*transcript.State, bool) {
	st, ok := b.states[sessionID]
	if ok {
		delete(b.states, sessionID)
	}
	return st, ok
}

// MarkDisconnected finalizes any open streaming message for a session
// whose backend ended and hands the state back to the caller for
// persistence. The entry is removed; a later switch to the session
// loads it from durable storage.
func (b *BackgroundStore) MarkDisconnected(sessionID string) (*transcript.State, bool) {
	st, ok := b.states[sessionID]
	if !ok {
		return nil, false
	}
	delete(b.states, sessionID)
	st.FinalizeOpen()
	return st, true
}

// State returns the tracked state for a session without transferring
// ownership. Callers must not retain the pointer.
func (b *BackgroundStore) State(sessionID string) *transcript.State {
	return b.states[sessionID]
}

// Rename re-keys a tracked session after an identity migration.
func (b *BackgroundStore) Rename(oldID, newID string) {
	if st, ok := b.states[oldID]; ok {
		delete(b.states, oldID)
		b.states[newID] = st
	}
}

// Delete drops a session's state, if tracked.
func (b *BackgroundStore) Delete(sessionID string) {
	delete(b.states, sessionID)
}

// Has reports whether a session is tracked.
func (b *BackgroundStore) Has(sessionID string) bool {
	_, ok := b.states[sessionID]
	return ok
}

// IDs returns the tracked session ids.
func (b *BackgroundStore) IDs() []string {
	ids := make([]string, 0, len(b.states))
	for id := range b.states {
		ids = append(ids, id)
	}
	return ids
}
