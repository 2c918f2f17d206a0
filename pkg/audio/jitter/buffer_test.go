package jitter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio/jitter"
)

func newBuffer(opts ...jitter.Option) *jitter.Buffer {
	return jitter.New(16000, append([]jitter.Option{jitter.WithPrebuffer(0)}, opts...)...)
}

func push(t *testing.T, b *jitter.Buffer, e jitter.Epoch, chunk ...float32) {
	t.Helper()
	if err := b.Push(context.Background(), e, chunk); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestRead_EmptyIsSilence(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	out := []float32{1, 1, 1, 1}
	if n := b.Read(out); n != 0 {
		t.Errorf("Read returned %d real samples from an empty buffer", n)
	}
	for i, s := range out {
		if s != 0 {
			t.Errorf("sample %d: got %v, want 0", i, s)
		}
	}
}

func TestRead_SpansChunks(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	e := b.Flush()
	push(t, b, e, 1, 2, 3)
	push(t, b, e, 4, 5)

	out := make([]float32, 2)
	b.Read(out)
	if out[0] != 1 || out[1] != 2 {
		t.Fatalf("first read: got %v", out)
	}
	out = make([]float32, 4)
	n := b.Read(out)
	if n != 3 {
		t.Fatalf("second read: got %d real samples, want 3", n)
	}
	want := []float32{3, 4, 5, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, out[i], want[i])
		}
	}
	if b.Underruns() != 1 {
		t.Errorf("underruns: got %d, want 1", b.Underruns())
	}
}

func TestRead_NoUnderrunAfterSeal(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	e := b.Flush()
	push(t, b, e, 1)
	b.Seal(e)
	b.Read(make([]float32, 8))
	b.Read(make([]float32, 8))
	if b.Underruns() != 0 {
		t.Errorf("underruns after sealed drain: got %d, want 0", b.Underruns())
	}
	if b.Active() {
		t.Error("buffer still active after sealed stream drained")
	}
}

func TestFlush_ThenReadIsSilence(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	e := b.Flush()
	push(t, b, e, 1, 2, 3, 4)

	b.Flush()
	out := []float32{9, 9}
	if n := b.Read(out); n != 0 || out[0] != 0 || out[1] != 0 {
		t.Errorf("read after flush: n=%d out=%v, want silence", n, out)
	}
	if q := b.Queued(); q != 0 {
		t.Errorf("queued after flush: %d", q)
	}
}

func TestFlush_RejectsInFlightPushes(t *testing.T) {
	t.Parallel()
	b := newBuffer(jitter.WithCapacity(4))
	stale := b.Flush()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
				_ = b.Push(ctx, stale, []float32{1, 1, 1})
				cancel()
			}
		})
	}

	time.Sleep(5 * time.Millisecond)
	b.Flush()
	out := make([]float32, 64)
	for range 50 {
		if n := b.Read(out); n != 0 {
			t.Fatalf("read %d samples from a superseded epoch", n)
		}
	}
	close(stop)
	wg.Wait()
}

func TestPush_StaleEpoch(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	old := b.Flush()
	b.Flush()
	err := b.Push(context.Background(), old, []float32{1})
	if !errors.Is(err, jitter.ErrStaleEpoch) {
		t.Errorf("got %v, want ErrStaleEpoch", err)
	}
}

func TestPush_WaitsForSpace(t *testing.T) {
	t.Parallel()
	b := newBuffer(jitter.WithCapacity(1))
	e := b.Flush()
	push(t, b, e, 1)

	done := make(chan error, 1)
	go func() { done <- b.Push(context.Background(), e, []float32{2}) }()

	select {
	case err := <-done:
		t.Fatalf("Push returned early with %v while buffer was full", err)
	case <-time.After(20 * time.Millisecond):
	}

	b.Read(make([]float32, 1))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push did not resume after the consumer freed a slot")
	}
}

func TestPush_ContextCancelled(t *testing.T) {
	t.Parallel()
	b := newBuffer(jitter.WithCapacity(1))
	e := b.Flush()
	push(t, b, e, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Push(ctx, e, []float32{2}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestPush_AfterClose(t *testing.T) {
	t.Parallel()
	b := newBuffer()
	e := b.Flush()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Push(context.Background(), e, []float32{1}); !errors.Is(err, jitter.ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPrebuffer_GatesOutput(t *testing.T) {
	t.Parallel()
	// 1 ms at 16 kHz is 16 samples.
	b := jitter.New(16000, jitter.WithPrebuffer(time.Millisecond))
	e := b.Flush()
	push(t, b, e, make([]float32, 10)...)

	out := make([]float32, 4)
	if n := b.Read(out); n != 0 {
		t.Fatalf("read %d samples before the pre-buffer filled", n)
	}
	if b.Underruns() != 0 {
		t.Errorf("gated silence counted as underrun")
	}

	push(t, b, e, make([]float32, 6)...)
	if n := b.Read(out); n != 4 {
		t.Errorf("read %d samples after pre-buffer filled, want 4", n)
	}
}

func TestPrebuffer_SealOpensGate(t *testing.T) {
	t.Parallel()
	b := jitter.New(16000, jitter.WithPrebuffer(time.Second))
	e := b.Flush()
	push(t, b, e, 0.5, 0.5)
	b.Seal(e)

	out := make([]float32, 4)
	if n := b.Read(out); n != 2 {
		t.Errorf("short sealed stream: read %d samples, want 2", n)
	}
}

func TestPrebuffer_FullRingOpensGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		capacity int
		chunk    int
		pushes   int
	}{
		// 512 single-sample chunks fill the ring long before 150 ms is queued.
		{name: "tiny chunks", capacity: jitter.DefaultCapacity, chunk: 1, pushes: 4000},
		// One slot of 100 ms never reaches a 150 ms gate on its own.
		{name: "single slot", capacity: 1, chunk: 1600, pushes: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := jitter.New(16000, jitter.WithCapacity(tt.capacity), jitter.WithPrebuffer(150*time.Millisecond))
			e := b.Flush()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			// Render loop standing in for the output device.
			var played int
			var wg sync.WaitGroup
			wg.Go(func() {
				out := make([]float32, 160)
				for ctx.Err() == nil {
					played += b.Read(out)
					time.Sleep(time.Millisecond)
				}
			})

			for i := range tt.pushes {
				if err := b.Push(ctx, e, make([]float32, tt.chunk)); err != nil {
					cancel()
					wg.Wait()
					t.Fatalf("push %d: %v (queued=%d)", i, err, b.Queued())
				}
			}
			cancel()
			wg.Wait()
			if played == 0 {
				t.Error("nothing played although the producer finished")
			}
		})
	}
}

func TestPrebuffer_FullRingOpensGateWithoutReader(t *testing.T) {
	t.Parallel()
	b := jitter.New(16000, jitter.WithCapacity(2), jitter.WithPrebuffer(time.Second))
	e := b.Flush()
	push(t, b, e, 1)
	if n := b.Read(make([]float32, 1)); n != 0 {
		t.Fatalf("gate open after one of two slots: read %d", n)
	}
	push(t, b, e, 2)
	out := make([]float32, 2)
	if n := b.Read(out); n != 2 || out[0] != 1 || out[1] != 2 {
		t.Errorf("after filling every slot: read %d samples %v, want [1 2]", n, out)
	}
}

func TestSeal_IgnoresStaleEpoch(t *testing.T) {
	t.Parallel()
	b := jitter.New(16000, jitter.WithPrebuffer(time.Second))
	old := b.Flush()
	e := b.Flush()
	push(t, b, e, 1)
	b.Seal(old)
	if n := b.Read(make([]float32, 1)); n != 0 {
		t.Error("stale seal opened the gate of the current epoch")
	}
}

func TestRead_ConcurrentWithPush(t *testing.T) {
	t.Parallel()
	b := newBuffer(jitter.WithCapacity(8))
	e := b.Flush()

	const chunks = 200
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		for i := range chunks {
			c := []float32{float32(i), float32(i)}
			if err := b.Push(ctx, e, c); err != nil {
				t.Errorf("Push %d: %v", i, err)
				return
			}
		}
		b.Seal(e)
	})

	var got []float32
	out := make([]float32, 3)
	for len(got) < chunks*2 && ctx.Err() == nil {
		n := b.Read(out)
		got = append(got, out[:n]...)
	}
	wg.Wait()

	if len(got) != chunks*2 {
		t.Fatalf("got %d samples, want %d", len(got), chunks*2)
	}
	for i := range chunks {
		if got[2*i] != float32(i) || got[2*i+1] != float32(i) {
			t.Fatalf("FIFO order broken at chunk %d: %v", i, got[2*i:2*i+2])
		}
	}
}
