// Package resilience provides the fail-fast guard placed in front of the
// voice server's HTTP endpoints.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// After a run of consecutive transport failures it rejects calls with
// [ErrCircuitOpen] until a cool-down has passed, then lets a few probe calls
// through. It never retries on its own. Cancelled calls are neither successes
// nor failures.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

var _ types.Guard = (*Breaker)(nil)

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls in the half-open state.
	// Default: 2.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock released.
	OnStateChange func(name string, from, to State)

	// now is overridden in tests.
	now func() time.Time
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probes       int
	probeSuccess int
}

// New creates a [Breaker]. Zero-value config fields get defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn if the breaker allows it, otherwise it returns
// [ErrCircuitOpen] without calling fn. An error wrapping context.Canceled
// leaves the counters untouched.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen && b.cfg.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		b.probes = 0
		b.probeSuccess = 0
	}
	if b.state == StateOpen || b.state == StateHalfOpen && b.probes >= b.cfg.HalfOpenMax {
		to := b.state
		b.mu.Unlock()
		b.notify(from, to)
		return ErrCircuitOpen
	}
	probe := b.state == StateHalfOpen
	if probe {
		b.probes++
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)

	err := fn()

	b.mu.Lock()
	before := b.state
	switch {
	case err == nil:
		b.onSuccess(probe)
	case errors.Is(err, context.Canceled):
		if probe {
			b.probes--
		}
	default:
		b.onFailure(probe)
	}
	after := b.state
	b.mu.Unlock()
	b.notify(before, after)
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probe bool) {
	b.failures++
	if probe || b.failures >= b.cfg.MaxFailures {
		if b.state != StateOpen {
			slog.Warn("circuit breaker opened",
				"name", b.cfg.Name,
				"consecutive_failures", b.failures)
		}
		b.state = StateOpen
		b.openedAt = b.cfg.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probe bool) {
	b.failures = 0
	if !probe {
		return
	}
	b.probeSuccess++
	if b.probeSuccess >= b.cfg.HalfOpenMax {
		b.state = StateClosed
		slog.Info("circuit breaker closed after successful probes", "name", b.cfg.Name)
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout
// has elapsed reports [StateHalfOpen]; the transition itself happens on the
// next [Breaker.Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Name returns the configured label.
func (b *Breaker) Name() string { return b.cfg.Name }

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.probeSuccess = 0
	b.mu.Unlock()
	slog.Info("circuit breaker manually reset", "name", b.cfg.Name)
	b.notify(from, StateClosed)
}
