// Package capture runs the microphone side of the voice loop.
//
// A [Session] owns three resources while it streams: the capture device, the
// recognition transport and the downmix/resample/chunk pipeline between
// them. Its lifecycle is a small state machine:
//
//	Idle ──Start──▶ Connecting ──transport open──▶ Streaming ──Stop──▶ Stopped
//	                    │
//	                    └──device or transport failure──▶ Idle
//
// A Session is reusable: Start may be called again from Idle or Stopped.
// Recognition events are delivered in arrival order to Config.OnEvent. Only
// final events may trigger Config.Reply, and at most one reply runs at a
// time; a final arriving while a reply is running is logged and discarded.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

var (
	// ErrDeviceUnavailable is returned by Start when no microphone could be
	// opened. No transport connection is attempted in that case.
	ErrDeviceUnavailable = errors.New("capture: microphone unavailable")

	// ErrSessionActive is returned by Start while a session is connecting or
	// streaming.
	ErrSessionActive = errors.New("capture: session already active")
)

// State is the lifecycle state of a [Session].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is a recognition event tagged with the session that produced it.
type Event struct {
	SessionID string
	stt.Event
}

// Config holds the dependencies and tuning of a [Session].
type Config struct {
	// Device opens the microphone. Required.
	Device device.Capture

	// Transport opens recognition sessions. Required.
	Transport stt.Provider

	// Channels requested from the microphone. Zero lets the device choose.
	Channels int

	// TargetRate, FrameSize and Gain tune the capture pipeline. Zero values
	// select audio.TargetRate, audio.FrameSize and audio.HeadroomGain.
	TargetRate int
	FrameSize  int
	Gain       float32

	// OnEvent receives every ack, partial and final in arrival order. It runs
	// on the session's event goroutine, should return quickly and must not
	// call back into the Session.
	OnEvent func(Event)

	// Reply is the action triggered by a non-empty final. It runs on its own
	// goroutine with a context cancelled by Close.
	Reply func(ctx context.Context, ev Event) error

	// AutoReply reports whether finals should trigger Reply. Nil means always.
	AutoReply func() bool

	// Metrics records capture counters. Nil uses observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// run is one Connecting→Streaming→Stopped cycle.
type run struct {
	id       string
	stream   device.CaptureStream
	handle   stt.SessionHandle
	pipeline *audio.CapturePipeline
	pumpDone chan struct{}
	stopping atomic.Bool
}

// Session is the capture state machine. All methods are safe for concurrent
// use.
type Session struct {
	cfg Config

	// mu serialises Start, Stop and transport-failure teardown.
	mu    sync.Mutex
	cur   *run
	err   error
	state atomic.Int32

	// live is read by the device callback; nil while connecting or stopped.
	live atomic.Pointer[run]

	busy    atomic.Bool
	replies sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle Session.
func New(cfg Config) *Session {
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = audio.TargetRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.FrameSize
	}
	if cfg.Gain <= 0 {
		cfg.Gain = audio.HeadroomGain
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{cfg: cfg, ctx: ctx, cancel: cancel}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ID returns the identifier of the current or most recent run, or "".
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.id
}

// Err returns the transport error that ended the last run, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Busy reports whether a reply action is running.
func (s *Session) Busy() bool { return s.busy.Load() }

// Start opens the microphone, then the recognition transport, and begins
// streaming. ctx bounds device acquisition and connection establishment only.
//
// On failure the session is back in [StateIdle] with every acquired resource
// released.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st == StateConnecting || st == StateStreaming {
		return ErrSessionActive
	}

	r := &run{id: uuid.NewString(), pumpDone: make(chan struct{})}
	s.cur = r
	s.err = nil
	s.setState(StateConnecting)
	s.cfg.Metrics.ActiveCaptures.Add(ctx, 1)

	stream, err := s.cfg.Device.OpenCapture(ctx, device.CaptureConfig{Channels: s.cfg.Channels}, s.onBlock)
	if err != nil {
		s.abortConnect(r)
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	r.stream = stream
	format := stream.Format()

	r.pipeline, err = audio.NewCapturePipeline(format.SampleRate,
		audio.WithTargetRate(s.cfg.TargetRate),
		audio.WithFrameSize(s.cfg.FrameSize),
		audio.WithGain(s.cfg.Gain),
	)
	if err != nil {
		s.abortConnect(r)
		return fmt.Errorf("capture: build pipeline for %s: %w", format, err)
	}

	handle, err := s.cfg.Transport.StartStream(ctx, stt.StreamConfig{SampleRate: s.cfg.TargetRate})
	if err != nil {
		s.abortConnect(r)
		return fmt.Errorf("capture: connect recognition transport: %w", err)
	}
	r.handle = handle

	s.live.Store(r)
	s.setState(StateStreaming)
	go s.pump(r)

	slog.Info("capture started",
		"session_id", r.id,
		"device_format", format.String(),
		"target_rate", s.cfg.TargetRate,
		"frame_size", s.cfg.FrameSize,
	)
	return nil
}

// abortConnect releases whatever Start acquired and returns to Idle. Must be
// called with s.mu held.
func (s *Session) abortConnect(r *run) {
	if r.stream != nil {
		if err := r.stream.Close(); err != nil {
			slog.Warn("capture: close microphone after failed start", "session_id", r.id, "err", err)
		}
	}
	s.cfg.Metrics.ActiveCaptures.Add(context.Background(), -1)
	s.setState(StateIdle)
}

// Stop sends the stop message, closes the transport, stops the microphone
// and resets the pipeline. It is a no-op unless the session is streaming.
// Teardown failures are logged and never returned.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStreaming {
		return
	}
	report := s.teardown(s.cur)
	s.setState(StateStopped)
	if err := report.Err(); err != nil {
		slog.Warn("capture stopped with teardown errors", "teardown", report)
		return
	}
	slog.Info("capture stopped", "session_id", report.SessionID)
}

// Close stops the session, cancels any running reply and waits for it.
func (s *Session) Close() {
	s.Stop()
	s.cancel()
	s.replies.Wait()
}

// teardown runs every release step of r. Must be called with s.mu held.
func (s *Session) teardown(r *run) TeardownReport {
	r.stopping.Store(true)
	s.live.CompareAndSwap(r, nil)

	report := TeardownReport{SessionID: r.id}
	report.run("transport_stop", r.handle.Stop)
	report.run("transport_close", r.handle.Close)
	report.run("device_close", r.stream.Close)
	report.run("pipeline_reset", func() error {
		r.pipeline.Reset()
		return nil
	})
	<-r.pumpDone
	s.cfg.Metrics.ActiveCaptures.Add(context.Background(), -1)
	return report
}

// fail tears r down after the transport ended on its own.
func (s *Session) fail(r *run, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != r || s.State() != StateStreaming {
		return
	}
	report := s.teardown(r)
	s.err = cause
	s.setState(StateStopped)
	slog.Error("capture transport failed", "session_id", r.id, "err", cause, "teardown", report)
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// onBlock runs on the device's real-time thread.
func (s *Session) onBlock(channels [][]float32) {
	r := s.live.Load()
	if r == nil {
		return
	}
	r.pipeline.Process(channels, func(chunk audio.PCMChunk) {
		err := r.handle.SendAudio(chunk.Bytes())
		s.cfg.Metrics.RecordCaptureFrame(context.Background(), err == nil)
	})
}

// pump forwards recognition events until the transport's channel closes.
func (s *Session) pump(r *run) {
	defer close(r.pumpDone)

	for ev := range r.handle.Events() {
		s.cfg.Metrics.RecordRecognitionEvent(s.ctx, ev.Kind.String())
		e := Event{SessionID: r.id, Event: ev}
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(e)
		}
		if ev.Kind == stt.EventFinal {
			s.dispatchFinal(e)
		}
	}

	if r.stopping.Load() {
		return
	}
	cause := r.handle.Err()
	if cause == nil {
		cause = stt.ErrSessionClosed
	}
	go s.fail(r, cause)
}

// dispatchFinal decides whether a final triggers the reply action.
func (s *Session) dispatchFinal(ev Event) {
	if s.cfg.Reply == nil {
		return
	}
	text := strings.TrimSpace(ev.Text)
	switch {
	case text == "":
		s.cfg.Metrics.RecordReplyTrigger(s.ctx, "skipped")
		slog.Info("reply skipped: empty final", "session_id", ev.SessionID)
		return
	case s.cfg.AutoReply != nil && !s.cfg.AutoReply():
		s.cfg.Metrics.RecordReplyTrigger(s.ctx, "skipped")
		slog.Info("reply skipped: auto-reply disabled", "session_id", ev.SessionID)
		return
	case !s.busy.CompareAndSwap(false, true):
		s.cfg.Metrics.RecordReplyTrigger(s.ctx, "discarded")
		slog.Warn("final discarded: reply in progress", "session_id", ev.SessionID, "text", text)
		return
	}

	s.cfg.Metrics.RecordReplyTrigger(s.ctx, "triggered")
	ev.Text = text
	s.replies.Go(func() {
		defer s.busy.Store(false)
		if err := s.cfg.Reply(s.ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("reply failed", "session_id", ev.SessionID, "err", err)
		}
	})
}
