package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/transcript"
)

var _ transcript.Journal = (*Store)(nil)

// Store is a [transcript.Journal] backed by a transcript_entries table. All
// methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements [transcript.Journal].
func (s *Store) Append(ctx context.Context, e transcript.Entry) error {
	const q = `
		INSERT INTO transcript_entries (session_id, role, source, text, timestamp)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))`

	var ts *time.Time
	if !e.Timestamp.IsZero() {
		ts = &e.Timestamp
	}
	if _, err := s.pool.Exec(ctx, q, e.SessionID, string(e.Role), string(e.Source), e.Text, ts); err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// Recent implements [transcript.Journal].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]transcript.Entry, error) {
	// Newest rows are selected first, then re-ordered chronologically.
	const q = `
		SELECT session_id, role, source, text, timestamp FROM (
		    SELECT id, session_id, role, source, text, timestamp
		    FROM   transcript_entries
		    WHERE  $1 = '' OR session_id = $1
		    ORDER  BY timestamp DESC, id DESC
		    LIMIT  $2
		) recent
		ORDER BY timestamp, id`

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, q, sessionID, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [transcript.Journal].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collectEntries(rows pgx.Rows) ([]transcript.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e            transcript.Entry
			role, source string
		)
		if err := row.Scan(&e.SessionID, &role, &source, &e.Text, &e.Timestamp); err != nil {
			return transcript.Entry{}, err
		}
		e.Role = transcript.Role(role)
		e.Source = transcript.Source(source)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}
