// Package jitter provides the playback-side jitter buffer: a FIFO of float
// sample chunks fed by a network producer and drained by a fixed-rate
// real-time render callback.
//
// The render side never waits for data. When the queue runs dry it pads the
// requested block with silence and counts an underrun. Producers, on the
// other hand, are throttled: when every chunk slot is occupied [Buffer.Push]
// waits for the consumer to free one, which in turn applies backpressure to
// the network read.
//
// Every [Buffer.Flush] starts a new epoch. A producer tags its pushes with the
// epoch it obtained when it started, so a superseded stream can never leak
// audio into the stream that replaced it, even if its push was already in
// flight when the flush happened.
package jitter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Epoch identifies the stream generation that a push belongs to.
type Epoch uint64

var (
	// ErrStaleEpoch is returned by [Buffer.Push] when the buffer was flushed
	// after the producer obtained its epoch.
	ErrStaleEpoch = errors.New("jitter: stale epoch")

	// ErrClosed is returned by [Buffer.Push] after [Buffer.Close].
	ErrClosed = errors.New("jitter: buffer closed")
)

const (
	// DefaultCapacity is the number of chunk slots when [WithCapacity] is not given.
	DefaultCapacity = 512

	// DefaultPrebuffer is the start gate used when [WithPrebuffer] is not given.
	DefaultPrebuffer = 150 * time.Millisecond
)

// Option configures a [Buffer] during construction.
type Option func(*Buffer)

// WithCapacity sets the number of chunk slots. Values below 1 are ignored.
func WithCapacity(slots int) Option {
	return func(b *Buffer) {
		if slots > 0 {
			b.slots = make([][]float32, slots)
		}
	}
}

// WithPrebuffer sets how much audio, as a duration at the buffer's sample
// rate, must be queued after a flush before output starts. Output also
// starts once every chunk slot is occupied. Zero starts playback with the
// first chunk.
func WithPrebuffer(d time.Duration) Option {
	return func(b *Buffer) {
		if d >= 0 {
			b.prebuffer = int(int64(d) * int64(b.rate) / int64(time.Second))
		}
	}
}

// Buffer is a pull-driven jitter buffer. All methods are safe for concurrent
// use; [Buffer.Read] is intended for a real-time callback and holds the lock
// only for the duration of a copy.
type Buffer struct {
	rate      int
	prebuffer int // samples required before output starts

	mu     sync.Mutex
	slots  [][]float32 // ring of queued chunks
	head   int
	count  int
	cursor int // read index into slots[head]
	queued int // unread samples across all slots
	epoch  Epoch
	primed bool // output has started for the current epoch
	sealed bool // producer finished the current epoch
	closed bool

	space chan struct{} // signalled when a slot frees up or the buffer is flushed

	underruns atomic.Uint64
	played    atomic.Uint64
}

// New creates a buffer for mono audio at sampleRate Hz.
func New(sampleRate int, opts ...Option) *Buffer {
	b := &Buffer{
		rate:   sampleRate,
		slots:  make([][]float32, DefaultCapacity),
		sealed: true,
		primed: true,
		space:  make(chan struct{}, 1),
	}
	WithPrebuffer(DefaultPrebuffer)(b)
	for _, o := range opts {
		o(b)
	}
	return b
}

// SampleRate returns the rate the buffer was created with.
func (b *Buffer) SampleRate() int { return b.rate }

// Epoch returns the current epoch.
func (b *Buffer) Epoch() Epoch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// Flush discards all queued audio and the read cursor, starts a new epoch,
// and re-arms the pre-buffer gate. The next Read after Flush returns silence
// regardless of pushes that were racing with it.
func (b *Buffer) Flush() Epoch {
	b.mu.Lock()
	for i := range b.slots {
		b.slots[i] = nil
	}
	b.head, b.count, b.cursor, b.queued = 0, 0, 0, 0
	b.epoch++
	b.primed = b.prebuffer == 0
	b.sealed = false
	e := b.epoch
	b.mu.Unlock()

	b.signalSpace()
	return e
}

// Push enqueues chunk for the given epoch. The buffer takes ownership of
// chunk; the caller must not modify it afterwards. Push waits while all
// slots are in use and returns [ErrStaleEpoch] as soon as the epoch is
// superseded.
func (b *Buffer) Push(ctx context.Context, epoch Epoch, chunk []float32) error {
	if len(chunk) == 0 {
		return nil
	}
	for {
		b.mu.Lock()
		switch {
		case b.closed:
			b.mu.Unlock()
			return ErrClosed
		case epoch != b.epoch:
			b.mu.Unlock()
			return ErrStaleEpoch
		case b.count < len(b.slots):
			b.slots[(b.head+b.count)%len(b.slots)] = chunk
			b.count++
			b.queued += len(chunk)
			// A full ring must open the gate or the producer would wait
			// for space that no Read is going to free.
			if !b.primed && (b.queued >= b.prebuffer || b.count == len(b.slots)) {
				b.primed = true
			}
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.space:
		}
	}
}

// Seal marks the end of the given epoch's stream. Output starts even when
// less than the pre-buffer amount was queued, and silence after the queue
// drains is no longer counted as an underrun.
func (b *Buffer) Seal(epoch Epoch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if epoch != b.epoch {
		return
	}
	b.sealed = true
	b.primed = true
}

// Read fills out completely: with queued samples while the gate is open and
// with zeros otherwise. It never waits for a producer. It returns the number
// of real samples written.
func (b *Buffer) Read(out []float32) int {
	b.mu.Lock()
	n := 0
	freed := false
	if b.primed {
		for n < len(out) && b.count > 0 {
			head := b.slots[b.head]
			c := copy(out[n:], head[b.cursor:])
			n += c
			b.cursor += c
			if b.cursor == len(head) {
				b.slots[b.head] = nil
				b.head = (b.head + 1) % len(b.slots)
				b.count--
				b.cursor = 0
				freed = true
			}
		}
		b.queued -= n
	}
	underrun := b.primed && !b.sealed && n < len(out)
	b.mu.Unlock()

	clear(out[n:])
	if underrun {
		b.underruns.Add(1)
	}
	b.played.Add(uint64(n))
	if freed {
		b.signalSpace()
	}
	return n
}

// Queued returns the number of unread samples.
func (b *Buffer) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

// Active reports whether the current epoch still has audio to play or a
// producer that has not sealed it.
func (b *Buffer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.sealed || b.count > 0
}

// Underruns returns how many Read calls had to pad an unfinished stream with
// silence.
func (b *Buffer) Underruns() uint64 { return b.underruns.Load() }

// Played returns the total number of real samples handed to the consumer.
func (b *Buffer) Played() uint64 { return b.played.Load() }

// Close releases queued audio and fails any waiting or future Push.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for i := range b.slots {
		b.slots[i] = nil
	}
	b.head, b.count, b.cursor, b.queued = 0, 0, 0, 0
	b.sealed = true
	b.mu.Unlock()

	b.signalSpace()
	return nil
}

func (b *Buffer) signalSpace() {
	select {
	case b.space <- struct{}{}:
	default:
	}
}
