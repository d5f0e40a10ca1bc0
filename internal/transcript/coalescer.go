package transcript

import (
	"sync"
	"time"
)

// DefaultFlushInterval bounds how often content deltas trigger a render.
const DefaultFlushInterval = 50 * time.Millisecond

// Coalescer batches render notifications. Content deltas call Mark, which
// arms a timer so the flush callback runs at most once per interval; events
// that finalize a message call Flush first so the last partial update is
// never dropped.
//
// The callback runs with the internal lock held and must not call back into
// the Coalescer.
type Coalescer struct {
	mu       sync.Mutex
	onFlush  func()
	interval time.Duration
	timer    *time.Timer
	pending  bool
	closed   bool
}

// NewCoalescer creates a coalescer firing onFlush at most once per interval.
func NewCoalescer(interval time.Duration, onFlush func()) *Coalescer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Coalescer{onFlush: onFlush, interval: interval}
}

// Mark records that display state changed. The flush is deferred to the
// next interval tick; repeated marks within the interval coalesce.
func (c *Coalescer) Mark() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.pending {
		return
	}
	c.pending = true
	c.timer = time.AfterFunc(c.interval, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.flushLocked()
	})
}

// Flush synchronously emits any pending render. Call before finalizing
// events (turn completion, session switch) so no partial update is lost.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// Close stops the coalescer, flushing pending state.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	c.closed = true
}

func (c *Coalescer) flushLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !c.pending {
		return
	}
	c.pending = false
	if c.onFlush != nil {
		c.onFlush()
	}
}
