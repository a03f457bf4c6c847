package lagoon

import (
	"sync"
	"time"
)

// DefaultFlushInterval is the cadence at which accumulated text is published
// to the transcript. It bounds UI update frequency independent of network
// chunk granularity.
const DefaultFlushInterval = 50 * time.Millisecond

// Coalescer accumulates incoming text fragments and exposes them on a fixed
// cadence rather than on every fragment.
//
// Invariants: the flushed value is always a prefix of the raw buffer; the
// sequence of values passed to the flush callback is non-decreasing in
// length; and the final value (via Reset) always equals the total
// accumulated input. No received byte is ever silently dropped, regardless
// of how the interval aligns with chunk arrival.
type Coalescer struct {
	mu       sync.Mutex
	raw      []byte
	flushed  int // length of the published prefix
	interval time.Duration
	onFlush  func(string)
	stop     chan struct{}
	running  bool
}

// NewCoalescer returns a Coalescer flushing at the given interval.
// A non-positive interval uses DefaultFlushInterval.
func NewCoalescer(interval time.Duration) *Coalescer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Coalescer{interval: interval}
}

// AppendChunk appends text to the raw buffer. No side effects: nothing is
// published until the next flush tick or Reset.
func (c *Coalescer) AppendChunk(text string) {
	c.mu.Lock()
	c.raw = append(c.raw, text...)
	c.mu.Unlock()
}

// StartFlushing begins invoking onFlush with the full accumulated text
// whenever it has grown since the last flush. Only one flush callback is
// live at a time: calling StartFlushing while a previous interval is running
// is a no-op rather than a double-schedule.
func (c *Coalescer) StartFlushing(onFlush func(string)) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.onFlush = onFlush
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.flushPending()
			}
		}
	}()
}

// flushPending publishes the raw buffer if it has grown since the last flush.
func (c *Coalescer) flushPending() {
	c.mu.Lock()
	if len(c.raw) == c.flushed || c.onFlush == nil {
		c.mu.Unlock()
		return
	}
	text := string(c.raw)
	c.flushed = len(c.raw)
	fn := c.onFlush
	c.mu.Unlock()
	fn(text)
}

// Reset performs one final flush if pending content exists, stops the timer,
// clears both buffers, and returns the fully-flushed text.
func (c *Coalescer) Reset() string {
	c.mu.Lock()
	text := string(c.raw)
	pending := len(c.raw) != c.flushed
	fn := c.onFlush
	if c.running {
		close(c.stop)
		c.running = false
	}
	c.raw = nil
	c.flushed = 0
	c.onFlush = nil
	c.mu.Unlock()

	if pending && fn != nil {
		fn(text)
	}
	return text
}

// Pending reports whether content has accumulated since the last flush.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.raw) != c.flushed
}
