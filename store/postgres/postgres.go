// Package postgres implements lagoon.SessionStore using PostgreSQL, for
// hosted deployments where the session index is shared across clients.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/lagoon"
)

// Store implements lagoon.SessionStore backed by PostgreSQL. Cached
// transcripts are stored as JSONB.
type Store struct {
	pool *pgxpool.Pool
}

var _ lagoon.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_updated_idx ON sessions(updated_at DESC)`,

		`CREATE TABLE IF NOT EXISTS transcript_cache (
			session_id TEXT PRIMARY KEY,
			entries JSONB NOT NULL,
			cached_at BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// SaveSession inserts or updates a session index row.
func (s *Store) SaveSession(ctx context.Context, rec lagoon.SessionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET title = $2, updated_at = $4`,
		rec.ID, rec.Title, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession returns a single session index row.
func (s *Store) GetSession(ctx context.Context, id string) (lagoon.SessionRecord, error) {
	var rec lagoon.SessionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return lagoon.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recently updated sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]lagoon.SessionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, created_at, updated_at
		 FROM sessions
		 ORDER BY updated_at DESC, id DESC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []lagoon.SessionRecord
	for rows.Next() {
		var rec lagoon.SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and its cached transcript.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM transcript_cache WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("delete transcript cache: %w", err)
	}
	return nil
}

// CacheTranscript replaces the cached transcript for a session.
func (s *Store) CacheTranscript(ctx context.Context, sessionID string, entries []lagoon.TranscriptEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO transcript_cache (session_id, entries, cached_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET entries = $2, cached_at = $3`,
		sessionID, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache transcript: %w", err)
	}
	return nil
}

// CachedTranscript returns the cached transcript, or nil when no cache
// exists for the session.
func (s *Store) CachedTranscript(ctx context.Context, sessionID string) ([]lagoon.TranscriptEntry, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT entries FROM transcript_cache WHERE session_id = $1`, sessionID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cached transcript: %w", err)
	}
	var entries []lagoon.TranscriptEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	return entries, nil
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error { return nil }
