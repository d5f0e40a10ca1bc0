package manager

import (
	"errors"
	"reflect"
	"testing"

	"github.com/inercia/verso/internal/engine"
)

func TestManager_QueueDrainsInOrder(t *testing.T) {
	r := newRig(t)
	_, conn := r.startSession("first")

	if err := r.m.SendMessage("second"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if err := r.m.SendMessage("third"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	msgs := r.messages()
	if len(msgs) != 3 {
		t.Fatalf("transcript has %d messages, want user + 2 placeholders: %+v", len(msgs), msgs)
	}
	if !msgs[1].Queued || !msgs[2].Queued {
		t.Errorf("placeholders not marked queued: %+v", msgs[1:])
	}

	conn.notify(turnEnd())
	r.waitFor("second message delivered", func() bool { return conn.sentCount() == 2 })

	// Only the drained item lost its placeholder mark.
	msgs = r.messages()
	if msgs[1].Queued {
		t.Error("drained message still marked queued")
	}
	if !msgs[2].Queued {
		t.Error("waiting message lost its queued mark")
	}

	conn.notify(turnEnd())
	r.waitFor("third message delivered", func() bool { return conn.sentCount() == 3 })
	conn.notify(turnEnd())
	r.waitFor("turn finished", r.foregroundIdle)

	if got := conn.sentMessages(); !reflect.DeepEqual(got, []string{"first", "second", "third"}) {
		t.Errorf("sent order = %v, want submission order", got)
	}
	if got := r.queueSize(); got != 0 {
		t.Errorf("queue size = %d, want 0", got)
	}
}

func TestManager_SendFailureClearsQueue(t *testing.T) {
	r := newRig(t)
	_, conn := r.startSession("first")

	if err := r.m.SendMessage("second"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if err := r.m.SendMessage("third"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	conn.failSends(errors.New("broken pipe"))
	conn.notify(turnEnd())
	r.waitFor("send failure surfaced", r.foregroundHasError)

	// The drained message stays, the rest of the queue is dropped, and
	// exactly one error reports the failure.
	msgs := r.messages()
	if len(msgs) != 3 {
		t.Fatalf("transcript has %d messages, want 3: %+v", len(msgs), msgs)
	}
	if msgs[1].Text != "second" || msgs[1].Queued {
		t.Errorf("msgs[1] = %+v, want the drained message unmarked", msgs[1])
	}
	if !msgs[2].IsError {
		t.Errorf("msgs[2] = %+v, want the send error", msgs[2])
	}
	errCount := 0
	for _, msg := range msgs {
		if msg.IsError {
			errCount++
		}
	}
	if errCount != 1 {
		t.Errorf("error messages = %d, want exactly 1", errCount)
	}

	if got := r.queueSize(); got != 0 {
		t.Errorf("queue size = %d, want 0 after a failed drain", got)
	}
	if r.foregroundProcessing() {
		t.Error("session still processing after the send failed")
	}
	if got := conn.sentMessages(); len(got) != 1 {
		t.Errorf("backend received %v, want only the first message", got)
	}
}

func TestManager_InterruptFinalizesLocally(t *testing.T) {
	r := newRig(t)
	_, conn := r.startSession("hi")
	conn.notify(chunk("half a thou"))
	r.sync()

	if err := r.m.SendMessage("queued while busy"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	r.m.Interrupt()

	msgs := r.messages()
	if len(msgs) != 2 {
		t.Fatalf("transcript has %d messages, want the queued placeholder gone: %+v", len(msgs), msgs)
	}
	if msgs[1].Streaming {
		t.Error("partial reply not finalized by the interrupt")
	}
	if r.foregroundProcessing() {
		t.Error("processing flag survived the interrupt")
	}
	r.waitFor("backend interrupt requested", func() bool { return conn.interruptCount() == 1 })

	// A stray completion from the aborted turn changes nothing.
	conn.notify(turnEnd())
	r.sync()
	if got := len(r.messages()); got != len(msgs) {
		t.Errorf("stray turn completion added %d messages", got-len(msgs))
	}
}

func TestManager_SendWithoutSession(t *testing.T) {
	r := newRig(t)
	if err := r.m.SendMessage("hello"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("SendMessage error = %v, want ErrNoSession", err)
	}

	// Whitespace-only input is dropped without touching the draft.
	if _, err := r.m.CreateSession("proj-1", "/work", engine.KindACP, ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := r.m.SendMessage("   \n"); err != nil {
		t.Fatalf("SendMessage(whitespace) = %v, want nil", err)
	}
	if got := r.phaseName(); got != "draft" {
		t.Errorf("phase = %q, want draft untouched by blank input", got)
	}
	if got := len(r.messages()); got != 0 {
		t.Errorf("transcript has %d messages, want 0", got)
	}
}
