// Package postgres provides a PostgreSQL-backed [transcript.Journal].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, transcript.Entry{SessionID: id, Role: transcript.RoleUser, Text: "hello"})
//	recent, _ := store.Recent(ctx, id, 20)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL,
    source      TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_timestamp
    ON transcript_entries (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_timestamp
    ON transcript_entries (timestamp);
`

// Migrate creates the journal table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
