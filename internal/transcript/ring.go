package transcript

import (
	"context"
	"sync"
	"time"
)

var _ Journal = (*Ring)(nil)

// Ring is an in-memory [Journal] keeping the newest entries up to a fixed
// capacity.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	n       int
	now     func() time.Time
}

// NewRing returns a ring journal holding at most capacity entries. Values
// below 1 are raised to 1.
func NewRing(capacity int) *Ring {
	return &Ring{entries: make([]Entry, max(capacity, 1)), now: time.Now}
}

// Append implements [Journal]. The oldest entry is dropped when full.
func (r *Ring) Append(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	r.entries[(r.head+r.n)%len(r.entries)] = e
	if r.n < len(r.entries) {
		r.n++
	} else {
		r.head = (r.head + 1) % len(r.entries)
	}
	return nil
}

// Recent implements [Journal].
func (r *Ring) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for i := r.n - 1; i >= 0; i-- {
		e := r.entries[(r.head+i)%len(r.entries)]
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	// Collected newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []Entry{}
	}
	return out, nil
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Close implements [Journal]. It is a no-op.
func (r *Ring) Close() error { return nil }
