// Package sqlite implements lagoon.SessionStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/lagoon"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements lagoon.SessionStore backed by a local SQLite file.
// Transcript caches are stored as JSON text; the backend stays the
// authority, this is display-only state.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ lagoon.SessionStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transcript_cache (
			session_id TEXT PRIMARY KEY,
			entries TEXT NOT NULL,
			cached_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// SaveSession inserts or replaces a session index row.
func (s *Store) SaveSession(ctx context.Context, rec lagoon.SessionRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: save session", "id", rec.ID, "title", rec.Title)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Title, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save session failed", "id", rec.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save session: %w", err)
	}
	s.logger.Debug("sqlite: save session ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// GetSession returns a single session index row.
func (s *Store) GetSession(ctx context.Context, id string) (lagoon.SessionRecord, error) {
	var rec lagoon.SessionRecord
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &title, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return lagoon.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	rec.Title = title.String
	return rec, nil
}

// ListSessions returns the most recently updated sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]lagoon.SessionRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list sessions", "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at
		 FROM sessions
		 ORDER BY updated_at DESC, id DESC
		 LIMIT ?`, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: list sessions failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []lagoon.SessionRecord
	for rows.Next() {
		var rec lagoon.SessionRecord
		var title sql.NullString
		if err := rows.Scan(&rec.ID, &title, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.Title = title.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	s.logger.Debug("sqlite: list sessions ok", "count", len(out), "duration", time.Since(start))
	return out, nil
}

// DeleteSession removes a session and its cached transcript.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transcript_cache WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete transcript cache: %w", err)
	}
	return nil
}

// CacheTranscript replaces the cached transcript for a session.
func (s *Store) CacheTranscript(ctx context.Context, sessionID string, entries []lagoon.TranscriptEntry) error {
	start := time.Now()
	s.logger.Debug("sqlite: cache transcript", "session_id", sessionID, "entries", len(entries))

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transcript_cache (session_id, entries, cached_at)
		 VALUES (?, ?, ?)`,
		sessionID, string(data), time.Now().Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: cache transcript failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("cache transcript: %w", err)
	}
	s.logger.Debug("sqlite: cache transcript ok", "session_id", sessionID, "duration", time.Since(start))
	return nil
}

// CachedTranscript returns the cached transcript, or nil when no cache
// exists for the session.
func (s *Store) CachedTranscript(ctx context.Context, sessionID string) ([]lagoon.TranscriptEntry, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT entries FROM transcript_cache WHERE session_id = ?`, sessionID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cached transcript: %w", err)
	}
	var entries []lagoon.TranscriptEntry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
