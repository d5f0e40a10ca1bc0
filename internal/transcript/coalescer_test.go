package transcript

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescer_MarksCoalesce(t *testing.T) {
	var flushes atomic.Int32
	c := NewCoalescer(30*time.Millisecond, func() { flushes.Add(1) })
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Mark()
	}

	time.Sleep(100 * time.Millisecond)
	if got := flushes.Load(); got != 1 {
		t.Errorf("flushes = %d, want 1 (marks within the interval coalesce)", got)
	}
}

func TestCoalescer_FlushIsSynchronous(t *testing.T) {
	var flushes atomic.Int32
	c := NewCoalescer(time.Hour, func() { flushes.Add(1) })
	defer c.Close()

	c.Mark()
	c.Flush()

	if got := flushes.Load(); got != 1 {
		t.Fatalf("flushes = %d, want 1 immediately after Flush", got)
	}

	// Nothing pending: Flush is a no-op.
	c.Flush()
	if got := flushes.Load(); got != 1 {
		t.Errorf("flushes = %d after idle Flush, want 1", got)
	}
}

func TestCoalescer_FlushCancelsTimer(t *testing.T) {
	var flushes atomic.Int32
	c := NewCoalescer(20*time.Millisecond, func() { flushes.Add(1) })
	defer c.Close()

	c.Mark()
	c.Flush()
	time.Sleep(60 * time.Millisecond)

	if got := flushes.Load(); got != 1 {
		t.Errorf("flushes = %d, want 1 (timer cancelled by Flush)", got)
	}
}

func TestCoalescer_ClosedIgnoresMarks(t *testing.T) {
	var flushes atomic.Int32
	c := NewCoalescer(10*time.Millisecond, func() { flushes.Add(1) })
	c.Close()

	c.Mark()
	time.Sleep(40 * time.Millisecond)

	if got := flushes.Load(); got != 0 {
		t.Errorf("flushes = %d after Close, want 0", got)
	}
}

func TestCoalescer_MarkAfterFlushRearms(t *testing.T) {
	var flushes atomic.Int32
	c := NewCoalescer(15*time.Millisecond, func() { flushes.Add(1) })
	defer c.Close()

	c.Mark()
	time.Sleep(50 * time.Millisecond)
	c.Mark()
	time.Sleep(50 * time.Millisecond)

	if got := flushes.Load(); got != 2 {
		t.Errorf("flushes = %d, want 2", got)
	}
}
