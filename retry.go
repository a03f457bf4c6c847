package lagoon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"time"
)

// retryBackend wraps a Backend and automatically retries transient HTTP
// errors (429 Too Many Requests, 503 Service Unavailable) with exponential
// backoff on the non-streaming calls. StreamTurn passes through untouched:
// a stream is never retried mid-flight, since replaying frames the reducer
// already consumed would duplicate content.
type retryBackend struct {
	inner       Backend
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryBackend.
type RetryOption func(*retryBackend)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryBackend) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryBackend) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN; final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryBackend) { r.logger = l }
}

// WithRetry wraps b with automatic retry on transient HTTP errors for
// FetchTranscript and SendStop. When the error carries a Retry-After
// duration, the retry delay is at least that long.
//
//	backend = lagoon.WithRetry(lagoon.NewHTTPBackend(url, tokens))
func WithRetry(b Backend, opts ...RetryOption) Backend {
	r := &retryBackend{
		inner:       b,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ Backend = (*retryBackend)(nil)

func (r *retryBackend) StreamTurn(ctx context.Context, sessionID string, req TurnRequest) (io.ReadCloser, error) {
	return r.inner.StreamTurn(ctx, sessionID, req)
}

func (r *retryBackend) FetchTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.logger, func() ([]TranscriptEntry, error) {
		return r.inner.FetchTranscript(ctx, sessionID)
	})
}

func (r *retryBackend) SendStop(ctx context.Context, sessionID string) error {
	_, err := retryCall(ctx, r.maxAttempts, r.baseDelay, r.logger, func() (struct{}, error) {
		return struct{}{}, r.inner.SendStop(ctx, sessionID)
	})
	return err
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value as a minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// retryCall calls fn up to maxAttempts times, sleeping between transient
// failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"attempt", i+1,
			"max_attempts", maxAttempts,
			"error", err)
		if i < maxAttempts-1 {
			timer := time.NewTimer(retryDelay(base, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted", "attempts", maxAttempts, "error", last)
	return zero, last
}
