// Package transcript records what was said during a parley run: recognised
// finals, typed questions and the assistant's replies.
//
// Two [Journal] implementations exist: the in-memory [Ring] used by default
// and the PostgreSQL store in the postgres sub-package.
package transcript

import (
	"context"
	"time"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source identifies how an entry entered the system.
type Source string

const (
	// SourceVoice is a recognised final or a spoken auto-reply.
	SourceVoice Source = "voice"

	// SourceChat is a typed question or its reply.
	SourceChat Source = "chat"
)

// Entry is one line of the transcript.
type Entry struct {
	// SessionID is the capture session the entry belongs to. Chat entries
	// outside a capture session use the empty string.
	SessionID string

	Role   Role
	Source Source
	Text   string

	// Timestamp is when the entry was recorded. Zero values are set by the
	// journal on append.
	Timestamp time.Time
}

// Journal is an append-only transcript log. Implementations must be safe for
// concurrent use.
type Journal interface {
	// Append records e.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit of the newest entries, oldest first. An
	// empty sessionID matches every session; limit <= 0 means no limit.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Close releases the journal's resources.
	Close() error
}
