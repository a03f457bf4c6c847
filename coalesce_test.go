package lagoon

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCoalescerFinalFlushEqualsInput(t *testing.T) {
	co := NewCoalescer(5 * time.Millisecond)
	var mu sync.Mutex
	var flushes []string
	co.StartFlushing(func(s string) {
		mu.Lock()
		flushes = append(flushes, s)
		mu.Unlock()
	})

	chunks := []string{"Hel", "lo", ", ", "wor", "ld", "!"}
	for _, c := range chunks {
		co.AppendChunk(c)
		time.Sleep(2 * time.Millisecond)
	}

	got := co.Reset()
	want := strings.Join(chunks, "")
	if got != want {
		t.Errorf("Reset() = %q, want %q", got, want)
	}

	// Every published value is a prefix of the next; the last equals the
	// full input.
	mu.Lock()
	defer mu.Unlock()
	if len(flushes) == 0 {
		t.Fatal("expected at least one flush")
	}
	for i := 1; i < len(flushes); i++ {
		if !strings.HasPrefix(flushes[i], flushes[i-1]) {
			t.Errorf("flush %d %q is not an extension of %q", i, flushes[i], flushes[i-1])
		}
	}
	if flushes[len(flushes)-1] != want {
		t.Errorf("final flush = %q, want %q", flushes[len(flushes)-1], want)
	}
}

func TestCoalescerResetFlushesPending(t *testing.T) {
	// Interval far longer than the test: only Reset can publish.
	co := NewCoalescer(time.Hour)
	var got string
	co.StartFlushing(func(s string) { got = s })
	co.AppendChunk("never ticked")

	if out := co.Reset(); out != "never ticked" {
		t.Errorf("Reset() = %q", out)
	}
	if got != "never ticked" {
		t.Errorf("pending content not published on Reset: %q", got)
	}
}

func TestCoalescerStartIdempotent(t *testing.T) {
	co := NewCoalescer(5 * time.Millisecond)
	var mu sync.Mutex
	count := 0
	co.StartFlushing(func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	// Second start must not schedule a second ticker.
	co.StartFlushing(func(string) { t.Error("second callback must never fire") })

	co.AppendChunk("x")
	time.Sleep(20 * time.Millisecond)
	co.Reset()

	mu.Lock()
	defer mu.Unlock()
	if count == 0 {
		t.Error("first callback never fired")
	}
}

func TestCoalescerNoFlushWithoutGrowth(t *testing.T) {
	co := NewCoalescer(3 * time.Millisecond)
	var mu sync.Mutex
	count := 0
	co.StartFlushing(func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	co.AppendChunk("once")
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Errorf("expected exactly 1 flush for static content, got %d", got)
	}
	co.Reset()
}

func TestCoalescerResetEmpty(t *testing.T) {
	co := NewCoalescer(time.Hour)
	co.StartFlushing(func(string) { t.Error("no content, no flush") })
	if out := co.Reset(); out != "" {
		t.Errorf("Reset() = %q, want empty", out)
	}
}

func TestCoalescerPending(t *testing.T) {
	co := NewCoalescer(time.Hour)
	if co.Pending() {
		t.Error("new coalescer should not be pending")
	}
	co.AppendChunk("a")
	if !co.Pending() {
		t.Error("expected pending after append")
	}
	co.Reset()
	if co.Pending() {
		t.Error("expected not pending after reset")
	}
}

func TestCoalescerReuseAfterReset(t *testing.T) {
	co := NewCoalescer(time.Hour)
	co.AppendChunk("first turn")
	co.Reset()

	var got string
	co.StartFlushing(func(s string) { got = s })
	co.AppendChunk("second turn")
	if out := co.Reset(); out != "second turn" {
		t.Errorf("Reset() = %q, want %q", out, "second turn")
	}
	if got != "second turn" {
		t.Errorf("flush = %q, want %q", got, "second turn")
	}
}
