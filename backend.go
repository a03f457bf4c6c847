package lagoon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Backend is the streaming agent backend. It is a black box emitting the
// framed event protocol; tool semantics and authentication live behind it.
type Backend interface {
	// StreamTurn opens the long-lived streaming request for one turn.
	// The caller owns the returned reader and must close it; cancelling ctx
	// aborts the request.
	StreamTurn(ctx context.Context, sessionID string, req TurnRequest) (io.ReadCloser, error)

	// FetchTranscript is the idempotent full-transcript read keyed by
	// session id, returning the authoritative ordered message list. Used
	// identically by the Fallback Poller and by manual session reload.
	FetchTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// SendStop is the idempotent out-of-band stop signal keyed by session
	// id, for backend-side work that closing the stream cannot abort.
	// Safe to call when no work is outstanding.
	SendStop(ctx context.Context, sessionID string) error
}

// TokenSource yields an opaque bearer token, or "" when the deployment does
// not require one. Credential acquisition itself is an external concern.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// ToolCatalog reads the enabled/available tool set for the deployment.
type ToolCatalog interface {
	Tools(ctx context.Context) ([]string, error)
}

// sessionHeader carries the session identifier as request metadata. The
// generation number is purely local and never transmitted.
const sessionHeader = "X-Session-ID"

// HTTPBackend implements Backend against the hosted agent platform's HTTP
// surface.
type HTTPBackend struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

var _ Backend = (*HTTPBackend)(nil)

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the default client. The default has no overall
// timeout: the streaming request is long-lived and is bounded by context
// cancellation instead.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = c }
}

// NewHTTPBackend creates a backend client for baseURL. tokens may be nil for
// deployments without auth.
func NewHTTPBackend(baseURL string, tokens TokenSource, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: baseURL,
		tokens:  tokens,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// StreamTurn POSTs the turn request and returns the framed event stream.
func (b *HTTPBackend) StreamTurn(ctx context.Context, sessionID string, req TurnRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal turn request: %w", err)
	}
	hr, err := b.newRequest(ctx, http.MethodPost, "/v1/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hr.Header.Set(sessionHeader, sessionID)
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(hr)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, httpError(resp)
	}
	return resp.Body, nil
}

// FetchTranscript GETs the authoritative transcript for sessionID.
func (b *HTTPBackend) FetchTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	hr, err := b.newRequest(ctx, http.MethodGet, "/v1/transcript", nil)
	if err != nil {
		return nil, err
	}
	hr.Header.Set(sessionHeader, sessionID)

	resp, err := b.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp)
	}

	var out struct {
		Messages []TranscriptEntry `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return out.Messages, nil
}

// Tools GETs the deployment's enabled tool set.
func (b *HTTPBackend) Tools(ctx context.Context) ([]string, error) {
	hr, err := b.newRequest(ctx, http.MethodGet, "/v1/tools", nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp)
	}

	var out struct {
		Tools []string `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	return out.Tools, nil
}

var _ ToolCatalog = (*HTTPBackend)(nil)

// SendStop POSTs the idempotent stop signal for sessionID. No response body
// is required beyond acknowledgement.
func (b *HTTPBackend) SendStop(ctx context.Context, sessionID string) error {
	hr, err := b.newRequest(ctx, http.MethodPost, "/v1/stop", nil)
	if err != nil {
		return err
	}
	hr.Header.Set(sessionHeader, sessionID)

	resp, err := b.client.Do(hr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(resp)
	}
	return nil
}

func (b *HTTPBackend) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	hr, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if b.tokens != nil {
		token, err := b.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		if token != "" {
			hr.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return hr, nil
}

// httpError builds an ErrHTTP from a non-2xx response, including the parsed
// Retry-After header when present.
func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &ErrHTTP{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
