package manager

import (
	"errors"
	"testing"

	"github.com/inercia/verso/internal/engine"
	"github.com/inercia/verso/internal/store"
	"github.com/inercia/verso/internal/transcript"
)

func TestManager_DraftMaterializesOnFirstSend(t *testing.T) {
	r := newRig(t)

	draftID, err := r.m.CreateSession("proj-1", "/work", engine.KindACP, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if got := r.phaseName(); got != "draft" {
		t.Fatalf("phase = %q, want draft", got)
	}

	// The eager pre-connection reports handshake metadata while the
	// session is still a draft.
	r.waitFor("handshake metadata", func() bool {
		s := r.m.sessions[r.m.foregroundID]
		return s != nil && len(s.Models) > 0
	})
	if got := r.phaseName(); got != "draft" {
		t.Fatalf("phase after pre-connection = %q, want draft", got)
	}

	if err := r.m.SendMessage("add a readme"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	r.waitFor("session live", r.foregroundLive)

	liveID := r.m.ForegroundID()
	if liveID == draftID {
		t.Error("session id did not migrate to the backend-issued identity")
	}
	if liveID != "be-1" {
		t.Errorf("ForegroundID() = %q, want be-1", liveID)
	}
	if got := r.dialer.count(); got != 1 {
		t.Errorf("dial count = %d, want 1 (pre-connection reused)", got)
	}
	if models := r.m.ForegroundModels(); len(models) != 2 {
		t.Errorf("ForegroundModels() = %v, want the handshake list", models)
	}

	conn := r.connFor(liveID)
	r.waitFor("message delivered", func() bool { return conn.sentCount() == 1 })

	conn.notify(chunk("Sure."))
	conn.notify(turnEnd())
	r.waitFor("turn finished", r.foregroundIdle)

	msgs := r.messages()
	if len(msgs) != 2 {
		t.Fatalf("transcript has %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != transcript.RoleUser || msgs[0].Text != "add a readme" {
		t.Errorf("msgs[0] = %+v, want the user message", msgs[0])
	}
	if msgs[1].Role != transcript.RoleAssistant || msgs[1].Text != "Sure." || msgs[1].Streaming {
		t.Errorf("msgs[1] = %+v, want the finalized reply", msgs[1])
	}

	for _, info := range r.m.Sessions() {
		if info.ID == liveID && info.Title != "add a readme" {
			t.Errorf("Title = %q, want derived from the first message", info.Title)
		}
	}
}

func TestManager_CreateSessionUnknownKind(t *testing.T) {
	r := newRig(t)
	if _, err := r.m.CreateSession("proj-1", "/work", engine.Kind("bogus"), ""); err == nil {
		t.Fatal("CreateSession accepted an unknown engine kind")
	}
}

func TestManager_RapidResubmitOpensOneConnection(t *testing.T) {
	r := newRig(t)
	gate := r.dialer.gateNext()

	if _, err := r.m.CreateSession("proj-1", "/work", engine.KindACP, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := r.m.SendMessage("one"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if err := r.m.SendMessage("two"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if got := r.phaseName(); got != "materializing" {
		t.Fatalf("phase = %q, want materializing", got)
	}
	if got := r.dialer.count(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
	if got := r.queueSize(); got != 1 {
		t.Fatalf("queue size = %d, want the second submission queued", got)
	}

	close(gate)
	r.waitFor("session live", r.foregroundLive)
	conn := r.connFor(r.m.ForegroundID())
	r.waitFor("first send", func() bool { return conn.sentCount() == 1 })

	conn.notify(turnEnd())
	r.waitFor("queued message drained", func() bool { return conn.sentCount() == 2 })

	if got := conn.sentMessages(); got[0] != "one" || got[1] != "two" {
		t.Errorf("sent = %v, want [one two]", got)
	}
	if got := r.dialer.count(); got != 1 {
		t.Errorf("dial count = %d, want exactly one connection", got)
	}
}

func TestManager_SwitchKeepsBackgroundStreaming(t *testing.T) {
	r := newRig(t)
	xID, xConn := r.startSession("start the work")

	xConn.notify(chunk("Hello wor"))
	r.sync()

	// Foreground a new draft; the first session keeps streaming in the
	// background.
	if _, err := r.m.CreateSession("proj-1", "/work", engine.KindACP, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	xConn.notify(chunk("ld"))
	xConn.notify(chunk("!"))
	xConn.notify(turnEnd())
	r.sync()

	for _, info := range r.m.Sessions() {
		if info.ID == xID && info.Processing {
			t.Error("backgrounded session still marked processing after its turn ended")
		}
	}

	if err := r.m.SwitchSession(xID); err != nil {
		t.Fatalf("SwitchSession failed: %v", err)
	}
	msgs := r.messages()
	if len(msgs) != 2 {
		t.Fatalf("transcript has %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[1].Text != "Hello world!" {
		t.Errorf("reply text = %q, want %q", msgs[1].Text, "Hello world!")
	}
	if msgs[1].Streaming {
		t.Error("reply still marked streaming after its turn ended")
	}
}

func TestManager_SwitchAwayAbandonsDraftPreconnect(t *testing.T) {
	r := newRig(t)
	gate := r.dialer.gateNext()

	draftID, err := r.m.CreateSession("proj-1", "/work", engine.KindACP, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := r.m.CreateSession("proj-1", "/work", engine.KindACP, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	close(gate)
	r.waitFor("abandoned pre-connection stopped", func() bool {
		return r.dialer.conn(0).wasStopped()
	})

	// The draft survives without a connection and can still be
	// switched back to and materialized.
	if err := r.m.SwitchSession(draftID); err != nil {
		t.Fatalf("SwitchSession failed: %v", err)
	}
	if got := r.phaseName(); got != "draft" {
		t.Fatalf("phase = %q, want draft", got)
	}
	if err := r.m.SendMessage("now start"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	r.waitFor("session live", r.foregroundLive)
	if got := r.dialer.count(); got != 3 {
		t.Errorf("dial count = %d, want 3 (abandoned, second draft, fresh)", got)
	}
}

func TestManager_ReviveResumesBackendThread(t *testing.T) {
	r := newRig(t)
	oldID, conn := r.startSession("hello")

	conn.notify(chunk("Hi!"))
	conn.notify(turnEnd())
	r.sync()
	conn.exit(0)
	r.waitFor("session disconnected", r.foregroundDisconnected)
	if !r.store.Exists(oldID) {
		t.Fatal("session not persisted on disconnect")
	}

	if err := r.m.SendMessage("are you still there"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	r.waitFor("session live again", r.foregroundLive)

	newID := r.m.ForegroundID()
	if newID != "be-2" {
		t.Fatalf("ForegroundID() = %q, want the new backend identity be-2", newID)
	}
	conn2 := r.connFor(newID)
	if got := conn2.resumed(); got != oldID {
		t.Errorf("Start resume id = %q, want %q", got, oldID)
	}
	r.waitFor("triggering message replayed", func() bool { return conn2.sentCount() == 1 })
	if got := conn2.sentMessages()[0]; got != "are you still there" {
		t.Errorf("replayed message = %q, want the one that triggered the revival", got)
	}

	if r.store.Exists(oldID) {
		t.Error("stored record not renamed from the old identity")
	}
	if !r.store.Exists(newID) {
		t.Error("stored record missing under the new identity")
	}
	var oldTracked bool
	r.m.call(func() { _, oldTracked = r.m.sessions[oldID] })
	if oldTracked {
		t.Error("old session id still tracked after migration")
	}

	if got := len(r.messages()); got != 3 {
		t.Fatalf("transcript has %d messages, want 3", got)
	}
}

func TestManager_ReviveFailureStaysDisconnected(t *testing.T) {
	r := newRig(t)
	oldID, conn := r.startSession("hello")
	conn.notify(turnEnd())
	r.sync()
	conn.exit(0)
	r.waitFor("session disconnected", r.foregroundDisconnected)

	r.dialer.failNextStart(errors.New("resume rejected"))
	if err := r.m.SendMessage("retry"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	r.waitFor("failure surfaced", r.foregroundHasError)

	var phase Phase
	r.m.call(func() {
		if s := r.m.sessions[r.m.foregroundID]; s != nil {
			phase = s.Phase
		}
	})
	dis, ok := phase.(Disconnected)
	if !ok {
		t.Fatalf("phase = %T, want Disconnected", phase)
	}
	if dis.ResumeID != oldID {
		t.Errorf("ResumeID = %q, want %q kept for the next attempt", dis.ResumeID, oldID)
	}
	if got := r.m.ForegroundID(); got != oldID {
		t.Errorf("ForegroundID() = %q, want unchanged %q", got, oldID)
	}
}

func TestManager_DeleteSessionCleansUp(t *testing.T) {
	r := newRig(t)
	id, conn := r.startSession("hi")
	conn.notify(turnEnd())
	r.waitFor("session persisted", func() bool { return r.store.Exists(id) })

	if err := r.m.DeleteSession(id); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	r.waitFor("backend stopped", func() bool { return conn.wasStopped() })

	if r.store.Exists(id) {
		t.Error("stored record survived deletion")
	}
	if got := r.m.ForegroundID(); got != "" {
		t.Errorf("ForegroundID() = %q, want empty", got)
	}
	if got := r.m.Sessions(); len(got) != 0 {
		t.Errorf("Sessions() = %v, want empty", got)
	}
	if _, ok := r.prefs.Get(store.LastSessionKey("proj-1")); ok {
		t.Error("last-session preference survived deletion")
	}

	if err := r.m.DeleteSession(id); err == nil {
		t.Error("DeleteSession succeeded for an unknown session")
	}
}
