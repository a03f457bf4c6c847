package lagoon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Driver owns the lifecycle of one outbound streaming request: issuing it,
// decoding its framed event lines, invoking the dispatcher per event in
// arrival order, and cooperative cancellation.
//
// Only one logical request per conversational turn is meaningful, so Run
// cancels any previous in-flight request for this driver before opening a
// new one. Cancellation aborts the request and best-effort cancels the
// response reader so the underlying connection is released rather than left
// half-read. Backend-side work that closing the connection cannot stop
// (detached tools) needs the explicit out-of-band stop signal, which the
// Controller sends — that is not the Driver's job.
type Driver struct {
	backend Backend
	logger  *slog.Logger
	// idleTimeout aborts a stream that silently stalls (no frames, no
	// close). Zero disables the watchdog.
	idleTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	body   io.ReadCloser
}

// NewDriver creates a Driver over backend. logger must not be nil; pass
// nopLogger to discard.
func NewDriver(backend Backend, logger *slog.Logger, idleTimeout time.Duration) *Driver {
	return &Driver{backend: backend, logger: logger, idleTimeout: idleTimeout}
}

// Run opens the streaming request and hands each decoded Event to dispatch
// in arrival order — no reordering, no batching. It blocks until the stream
// ends.
//
// Failure semantics: a transport-level failure (network error, non-2xx,
// stalled stream when the watchdog is enabled) is surfaced as a terminal
// error-kind Event to the dispatcher and returned. A user abort is
// distinguished from a genuine failure: it dispatches nothing and returns
// nil. Stopping is not an error.
func (d *Driver) Run(ctx context.Context, sessionID string, req TurnRequest, dispatch func(Event)) error {
	ctx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		if d.body != nil {
			d.body.Close()
		}
	}
	d.cancel = cancel
	d.body = nil
	d.mu.Unlock()
	defer cancel()

	body, err := d.backend.StreamTurn(ctx, sessionID, req)
	if err != nil {
		if isAbort(err) || ctx.Err() != nil {
			return nil
		}
		d.logger.Error("stream open failed", "session", sessionID, "error", err)
		dispatch(Event{Kind: EventError, Text: err.Error()})
		return err
	}

	d.mu.Lock()
	d.body = body
	d.mu.Unlock()
	defer body.Close()

	var watchdog *time.Timer
	var stalled atomic.Bool
	if d.idleTimeout > 0 {
		// Closing the body forces the blocked read below to error out.
		watchdog = time.AfterFunc(d.idleTimeout, func() {
			stalled.Store(true)
			body.Close()
		})
		defer watchdog.Stop()
	}

	scanner := bufio.NewScanner(body)
	// Large frames: a single tool input can run to hundreds of kilobytes.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if watchdog != nil {
			watchdog.Reset(d.idleTimeout)
		}
		ev, ok, err := ParseFrame(scanner.Bytes())
		if err != nil {
			// One bad frame must not lose the rest of the stream.
			d.logger.Warn("skipping bad frame", "session", sessionID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		dispatch(ev)
	}

	if err := scanner.Err(); err != nil {
		if stalled.Load() {
			err = fmt.Errorf("stream stalled: no frames for %s", d.idleTimeout)
		} else if isAbort(err) || ctx.Err() != nil {
			return nil
		}
		d.logger.Error("stream read failed", "session", sessionID, "error", err)
		dispatch(Event{Kind: EventError, Text: err.Error()})
		return err
	}
	return nil
}

// Abort cancels the in-flight request and best-effort cancels the response
// reader. Safe to call with no request outstanding, and safe to call more
// than once.
func (d *Driver) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	if d.body != nil {
		d.body.Close()
	}
}
