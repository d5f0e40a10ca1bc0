package manager

import (
	"testing"
	"time"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/transcript"
)

// midStreamMessages is a transcript snapshot taken while a reply is
// still streaming, as handed over on a session switch.
func midStreamMessages() []*transcript.Message {
	return []*transcript.Message{
		userMessage("question"),
		{ID: "m2", Role: transcript.RoleAssistant, Text: "Hello wor", Streaming: true, Timestamp: time.Now()},
	}
}

func TestBackgroundStore_RouteContinuesStreaming(t *testing.T) {
	b := NewBackgroundStore()
	b.InitFromState("s1", midStreamMessages(), nil)

	if _, ok := b.Route("nope", engine.KindACP, chunk("x")); ok {
		t.Fatal("Route applied an event for an untracked session")
	}

	events, ok := b.Route("s1", engine.KindACP, chunk("ld!"))
	if !ok || len(events) != 1 {
		t.Fatalf("Route = (%v, %v), want one translated event", events, ok)
	}

	st := b.State("s1")
	if st == nil {
		t.Fatal("State returned nil for a tracked session")
	}
	last := st.Messages[len(st.Messages)-1]
	if last.Text != "Hello world!" {
		t.Errorf("text = %q, want the delta appended to the in-flight reply", last.Text)
	}
	if !last.Streaming {
		t.Error("reply no longer streaming after a delta")
	}

	if _, ok := b.Route("s1", engine.KindACP, turnEnd()); !ok {
		t.Fatal("Route missed the tracked session for the turn end")
	}
	if last := st.Messages[len(st.Messages)-1]; last.Streaming {
		t.Error("reply still streaming after its turn ended")
	}
}

func TestBackgroundStore_ConsumeTransfersOwnership(t *testing.T) {
	b := NewBackgroundStore()
	b.InitFromState("s1", midStreamMessages(), nil)

	st, ok := b.Consume("s1")
	if !ok || st == nil {
		t.Fatal("Consume missed a tracked session")
	}
	if len(st.Messages) != 2 {
		t.Fatalf("consumed state has %d messages, want 2", len(st.Messages))
	}
	if _, ok := b.Consume("s1"); ok {
		t.Error("second Consume returned the state again")
	}
	if b.Has("s1") {
		t.Error("session still tracked after Consume")
	}
}

func TestBackgroundStore_MarkDisconnectedFinalizes(t *testing.T) {
	b := NewBackgroundStore()
	b.InitFromState("s1", midStreamMessages(), nil)

	st, ok := b.MarkDisconnected("s1")
	if !ok {
		t.Fatal("MarkDisconnected missed a tracked session")
	}
	if last := st.Messages[len(st.Messages)-1]; last.Streaming {
		t.Error("streaming reply not finalized on disconnect")
	}
	if b.Has("s1") {
		t.Error("session still tracked after disconnect")
	}
	if _, ok := b.MarkDisconnected("s1"); ok {
		t.Error("MarkDisconnected found a removed session")
	}
}

func TestBackgroundStore_Rename(t *testing.T) {
	b := NewBackgroundStore()
	b.InitFromState("old", midStreamMessages(), nil)

	b.Rename("old", "new")
	if b.Has("old") {
		t.Error("old id still tracked after rename")
	}
	if !b.Has("new") {
		t.Error("new id not tracked after rename")
	}
}
