package lagoon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fetchBackend overrides FetchTranscript with a per-test hook.
type fetchBackend struct {
	scriptedStream
	fetch func(ctx context.Context, sessionID string) ([]TranscriptEntry, error)
}

func (f *fetchBackend) FetchTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	return f.fetch(ctx, sessionID)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPollerSettlesAndDisarms(t *testing.T) {
	fb := &fakeBackend{}
	fb.setEntries([]TranscriptEntry{{ID: "m-1", Sender: SenderAgent, Text: "done"}})

	p := NewPoller(fb, nopLogger, 10*time.Millisecond)
	var mu sync.Mutex
	var got []TranscriptEntry
	p.apply = func(token Token, entries []TranscriptEntry) bool {
		mu.Lock()
		got = entries
		mu.Unlock()
		return true
	}

	g := NewGuard()
	p.Arm("s-1", g.Capture())
	waitFor(t, "poller to settle", func() bool { return !p.Armed() })

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != "m-1" {
		t.Errorf("apply received %+v", got)
	}
}

func TestPollerStaleTokenDisarmsWithoutApply(t *testing.T) {
	fb := &fakeBackend{}
	p := NewPoller(fb, nopLogger, 10*time.Millisecond)
	var applied atomic.Bool
	p.apply = func(Token, []TranscriptEntry) bool {
		applied.Store(true)
		return false
	}

	g := NewGuard()
	token := g.Capture()
	g.Advance()
	p.Arm("s-1", token)
	waitFor(t, "stale loop to disarm", func() bool { return !p.Armed() })

	if applied.Load() {
		t.Error("apply ran with a stale token")
	}
	if fb.fetchCount() != 0 {
		t.Error("fetched with a stale token")
	}
}

func TestPollerStaleAfterFetchDisarms(t *testing.T) {
	g := NewGuard()
	token := g.Capture()
	be := &fetchBackend{fetch: func(context.Context, string) ([]TranscriptEntry, error) {
		// The session switches while the fetch is in flight.
		g.Advance()
		return []TranscriptEntry{{ID: "m-1"}}, nil
	}}

	p := NewPoller(be, nopLogger, 10*time.Millisecond)
	var applied atomic.Bool
	p.apply = func(Token, []TranscriptEntry) bool {
		applied.Store(true)
		return false
	}

	p.Arm("s-1", token)
	waitFor(t, "post-fetch stale disarm", func() bool { return !p.Armed() })

	if applied.Load() {
		t.Error("stale fetch result was applied")
	}
}

func TestPollerFetchFailureKeepsPolling(t *testing.T) {
	var fetches atomic.Int64
	be := &fetchBackend{fetch: func(context.Context, string) ([]TranscriptEntry, error) {
		if fetches.Add(1) <= 2 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}}

	p := NewPoller(be, nopLogger, 10*time.Millisecond)
	p.apply = func(Token, []TranscriptEntry) bool { return true }

	g := NewGuard()
	p.Arm("s-1", g.Capture())
	waitFor(t, "recovery after failed fetches", func() bool { return !p.Armed() })

	if n := fetches.Load(); n < 3 {
		t.Errorf("fetches = %d, want the loop to survive failures", n)
	}
}

func TestPollerDisarm(t *testing.T) {
	fb := &fakeBackend{}
	p := NewPoller(fb, nopLogger, time.Hour)
	p.apply = func(Token, []TranscriptEntry) bool { return false }

	// Idempotent with nothing armed.
	p.Disarm()
	p.Disarm()

	g := NewGuard()
	p.Arm("s-1", g.Capture())
	if !p.Armed() {
		t.Fatal("not armed after Arm")
	}
	p.Disarm()
	waitFor(t, "disarm", func() bool { return !p.Armed() })

	// Re-arming after a disarm starts a fresh loop.
	p2 := NewPoller(fb, nopLogger, 10*time.Millisecond)
	p2.apply = func(Token, []TranscriptEntry) bool { return true }
	p2.Arm("s-1", g.Capture())
	waitFor(t, "re-armed loop to settle", func() bool { return !p2.Armed() })
}
