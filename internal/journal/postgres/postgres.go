// Package postgres implements [journal.Store] on PostgreSQL using pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/orchestra/internal/journal"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// Schema is the DDL for the session journal. [Store.Migrate] applies it; it
// is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS session_journal (
    id           UUID PRIMARY KEY,
    session_id   INTEGER NOT NULL,
    direction    TEXT NOT NULL,
    device_id    INTEGER NOT NULL,
    event        TEXT NOT NULL,
    from_state   TEXT NOT NULL DEFAULT '',
    to_state     TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    sample_rate  INTEGER NOT NULL DEFAULT 0,
    channels     INTEGER NOT NULL DEFAULT 0,
    chunk_frames INTEGER NOT NULL DEFAULT 0,
    at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_journal_session ON session_journal(session_id);
CREATE INDEX IF NOT EXISTS idx_session_journal_at ON session_journal(at);
`

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Store is a [journal.Store] backed by PostgreSQL.
type Store struct {
	db    DB
	close func()
}

var _ journal.Store = (*Store)(nil)

// New wraps an existing connection or pool. The caller owns db; Close is a
// no-op. Call [Store.Migrate] before use.
func New(db DB) *Store {
	return &Store{db: db, close: func() {}}
}

// Open connects to dsn, verifies the connection and applies [Schema].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal postgres: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal postgres: migrate: %w", err)
	}
	return nil
}

// Record implements [journal.Store].
func (s *Store) Record(ctx context.Context, e journal.Entry) error {
	const query = `
		INSERT INTO session_journal (
			id, session_id, direction, device_id, event,
			from_state, to_state, error,
			sample_rate, channels, chunk_frames, at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err := s.db.Exec(ctx, query,
		e.ID, int(e.SessionID), e.Direction.String(), e.DeviceID, string(e.Event),
		e.From, e.To, e.Error,
		e.SampleRate, e.Channels, e.ChunkFrames, e.At,
	)
	if err != nil {
		return fmt.Errorf("journal postgres: record: %w", err)
	}
	return nil
}

// List implements [journal.Store]. Results are ordered oldest first; with a
// limit, the newest entries are kept.
func (s *Store) List(ctx context.Context, f journal.Filter) ([]journal.Entry, error) {
	var (
		conditions = []string{"TRUE"}
		args       []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Sessions) > 0 {
		ids := make([]int32, len(f.Sessions))
		for i, id := range f.Sessions {
			ids[i] = int32(id)
		}
		conditions = append(conditions, "session_id = ANY("+next(ids)+")")
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "at >= "+next(f.Since))
	}

	q := "SELECT id, session_id, direction, device_id, event, from_state, to_state, error,\n" +
		"       sample_rate, channels, chunk_frames, at\n" +
		"FROM   session_journal\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ")
	if f.Limit > 0 {
		q = "SELECT * FROM (" + q + "\nORDER BY at DESC\nLIMIT " + next(f.Limit) + ") newest"
	}
	q += "\nORDER BY at"

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: list: %w", err)
	}
	return collectEntries(rows)
}

// Ping implements [journal.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements [journal.Store]. It closes the pool opened by [Open].
func (s *Store) Close() error {
	s.close()
	return nil
}

func collectEntries(rows pgx.Rows) ([]journal.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e         journal.Entry
			sessionID int32
			direction string
			event     string
		)
		if err := row.Scan(
			&e.ID, &sessionID, &direction, &e.DeviceID, &event,
			&e.From, &e.To, &e.Error,
			&e.SampleRate, &e.Channels, &e.ChunkFrames, &e.At,
		); err != nil {
			return journal.Entry{}, err
		}
		e.SessionID = audio.SessionID(sessionID)
		e.Event = journal.Kind(event)
		if dir, err := audio.ParseDirection(direction); err == nil {
			e.Direction = dir
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal postgres: scan rows: %w", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return entries, nil
}
