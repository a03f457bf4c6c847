package lagoon

import "context"

// SessionRecord is one row in the local session index: enough to list and
// reopen past sessions without the backend. The transcript itself stays
// authoritative on the backend; the index caches the last fetched copy for
// offline display only.
type SessionRecord struct {
	ID        string
	Title     string
	CreatedAt int64
	UpdatedAt int64
}

// SessionStore abstracts the local session index and transcript cache.
type SessionStore interface {
	// --- Session index ---
	SaveSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	// --- Transcript cache ---
	CacheTranscript(ctx context.Context, sessionID string, entries []TranscriptEntry) error
	CachedTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
