package lagoon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is the reconciliation cadence for detached tools.
const DefaultPollInterval = 5 * time.Second

// Poller is the safety net for work the live connection cannot observe:
// tool invocations that execute as independent long-running backend
// processes. While armed, it re-fetches the authoritative transcript on a
// fixed interval and feeds it back through the same reducer path used for
// live events, until the outstanding work is observed complete.
//
// The poller consults the Guard before and after every fetch; a failed check
// at either point disarms the loop without mutating shared state. Events
// from one refresh are dispatched only after the full fetch completes — a
// partial poll result never interleaves with live-stream events for the
// same session.
type Poller struct {
	backend  Backend
	logger   *slog.Logger
	interval time.Duration

	// apply dispatches one refresh worth of events under the session lock
	// and reports whether the transcript has settled. Installed by the
	// Controller.
	apply func(token Token, entries []TranscriptEntry) (settled bool)

	mu     sync.Mutex
	cancel context.CancelFunc
	ctx    context.Context
}

// NewPoller creates a disarmed Poller.
func NewPoller(backend Backend, logger *slog.Logger, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{backend: backend, logger: logger, interval: interval}
}

// Arm begins the reconciliation loop for sessionID under the given guard
// token. Arming while already armed restarts the loop with the new token —
// at most one loop runs at a time.
//
// Termination is checked after every tick: the loop disarms once the
// transcript reports settled (no incomplete detached execution, and the
// agent has produced the following text response). A user stop does not
// disarm the poller by itself; it disarms on its own condition or when the
// session changes.
func (p *Poller) Arm(sessionID string, token Token) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.ctx = ctx
	p.mu.Unlock()

	p.logger.Debug("poller armed", "session", sessionID)

	go func() {
		defer func() {
			cancel()
			p.mu.Lock()
			if p.ctx == ctx {
				p.cancel = nil
				p.ctx = nil
			}
			p.mu.Unlock()
		}()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if done := p.tick(ctx, sessionID, token); done {
					p.logger.Debug("poller settled", "session", sessionID)
					return
				}
			}
		}
	}()
}

// tick runs one fetch-and-reconcile pass. Returns true once the loop should
// disarm.
func (p *Poller) tick(ctx context.Context, sessionID string, token Token) bool {
	// Guard check before the fetch: a stale token means the session
	// switched; disarm without touching shared state.
	if !token.Valid() {
		return true
	}

	entries, err := p.backend.FetchTranscript(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		// Transient fetch failures leave the loop armed; the next tick
		// retries.
		p.logger.Warn("poll fetch failed", "session", sessionID, "error", err)
		return false
	}

	// Guard re-check after the await, immediately before mutation.
	if !token.Valid() {
		return true
	}
	return p.apply(token, entries)
}

// Disarm stops the loop if armed. Idempotent.
func (p *Poller) Disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Armed reports whether a reconciliation loop is currently running.
func (p *Poller) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
