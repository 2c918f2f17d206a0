// Package app wires the parley subsystems into a running voice client.
//
// The App struct owns the full lifecycle: New connects the journal and builds
// the capture session and playback controller around the injected providers,
// the command methods (StartCapture, Speak, Ask, ...) drive them, and
// Shutdown tears everything down in order.
//
// For testing, inject mock providers through [Providers] and test doubles via
// functional options (WithJournal, WithBuffer, ...). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/internal/transcript/postgres"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/jitter"
	"github.com/MrWong99/parley/pkg/provider/agent"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrEmptyQuery is returned by [App.Ask] and [App.AskWAV] for blank input.
var ErrEmptyQuery = errors.New("app: empty query")

// journalQueue is the number of transcript entries waiting to be written.
const journalQueue = 64

// Providers holds the external dependencies of an App. STT, TTS, Agent and
// Capture are required; Output may be nil when nothing renders the buffer.
type Providers struct {
	STT     stt.Provider
	TTS     tts.Provider
	Agent   agent.Provider
	Capture device.Capture
	Output  device.Output
}

// App owns all subsystem lifetimes and orchestrates the voice loop.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	metrics   *observe.Metrics

	journal  transcript.Journal
	buffer   *jitter.Buffer
	capture  *capture.Session
	playback *playback.Controller

	outMu sync.Mutex
	out   io.Writer

	// jmu guards sends on entries against the close in Shutdown.
	jmu        sync.RWMutex
	jclosed    bool
	entries    chan transcript.Entry
	journalWG  sync.WaitGroup
	journalSet bool

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithJournal injects a transcript journal instead of creating one from
// config. The App closes it on Shutdown.
func WithJournal(j transcript.Journal) Option {
	return func(a *App) {
		a.journal = j
		a.journalSet = true
	}
}

// WithBuffer injects the jitter buffer the output device renders from.
// Without it New creates one from the audio config.
func WithBuffer(b *jitter.Buffer) Option {
	return func(a *App) { a.buffer = b }
}

// WithMetrics overrides the metric instruments. Default:
// observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithOutput sets where transcript lines are printed. Default: io.Discard.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// NewBuffer creates the jitter buffer described by cfg.
func NewBuffer(cfg config.AudioConfig) *jitter.Buffer {
	return jitter.New(cfg.TargetRate,
		jitter.WithCapacity(cfg.JitterCapacity),
		jitter.WithPrebuffer(cfg.Prebuffer),
	)
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.TTS == nil || providers.Agent == nil || providers.Capture == nil {
		return nil, errors.New("app: STT, TTS, Agent and Capture providers are required")
	}
	a := &App{providers: providers, out: io.Discard}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcript journal ────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 2. Playback ──────────────────────────────────────────────────────
	if a.buffer == nil {
		a.buffer = NewBuffer(cfg.Audio)
	}
	a.playback = playback.New(playback.Config{
		TTS:     providers.TTS,
		Buffer:  a.buffer,
		Output:  providers.Output,
		Voice:   func() string { return a.cfg.Load().Voice.ID },
		System:  func() string { return a.cfg.Load().Voice.SystemPrompt },
		Metrics: a.metrics,
	})

	// ── 3. Capture ───────────────────────────────────────────────────────
	a.capture = capture.New(capture.Config{
		Device:     providers.Capture,
		Transport:  providers.STT,
		Channels:   cfg.Audio.CaptureChannels,
		TargetRate: cfg.Audio.TargetRate,
		FrameSize:  cfg.Audio.FrameSize(),
		Gain:       cfg.Audio.HeadroomGain,
		OnEvent:    a.onEvent,
		Reply:      a.autoReply,
		AutoReply:  func() bool { return a.cfg.Load().Reply.Auto },
		Metrics:    a.metrics,
	})

	// ── 4. Closers, run in order on Shutdown ─────────────────────────────
	a.closers = append(a.closers,
		func() error { a.capture.Close(); return nil },
		func() error { a.playback.Stop(); return nil },
	)
	if providers.Output != nil {
		a.closers = append(a.closers, providers.Output.Close)
	}
	a.closers = append(a.closers, a.buffer.Close, a.closeJournal)

	return a, nil
}

// initJournal uses the injected journal, PostgreSQL when a DSN is set, or an
// in-memory ring, and starts the writer goroutine.
func (a *App) initJournal(ctx context.Context) error {
	cfg := a.cfg.Load().Journal
	switch {
	case a.journalSet:
	case cfg.PostgresDSN != "":
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.journal = store
		slog.Info("transcript journal connected", "backend", "postgres")
	default:
		a.journal = transcript.NewRing(cfg.Capacity)
	}

	a.entries = make(chan transcript.Entry, journalQueue)
	a.journalWG.Go(a.writeJournal)
	return nil
}

// writeJournal appends queued entries until the queue is closed.
func (a *App) writeJournal() {
	for e := range a.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.journal.Append(ctx, e); err != nil {
			slog.Warn("failed to record transcript", "session_id", e.SessionID, "role", e.Role, "err", err)
		}
		cancel()
	}
}

func (a *App) closeJournal() error {
	a.jmu.Lock()
	a.jclosed = true
	close(a.entries)
	a.jmu.Unlock()
	a.journalWG.Wait()
	return a.journal.Close()
}

// record queues e without blocking. Entries are dropped when the writer
// falls behind.
func (a *App) record(e transcript.Entry) {
	e.Timestamp = time.Now()
	a.jmu.RLock()
	defer a.jmu.RUnlock()
	if a.jclosed {
		return
	}
	select {
	case a.entries <- e:
	default:
		slog.Warn("transcript journal queue full; entry dropped", "session_id", e.SessionID)
	}
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// StartCapture opens the microphone and the recognition stream.
func (a *App) StartCapture(ctx context.Context) error {
	return a.capture.Start(ctx)
}

// StopCapture ends the recognition stream and releases the microphone.
func (a *App) StopCapture() {
	a.capture.Stop()
}

// onEvent runs on the capture event goroutine.
func (a *App) onEvent(ev capture.Event) {
	switch ev.Kind {
	case stt.EventPartial:
		a.printf("[partial] %s", ev.Text)
	case stt.EventFinal:
		a.printf("[final] %s", ev.Text)
		if strings.TrimSpace(ev.Text) != "" {
			a.record(transcript.Entry{
				SessionID: ev.SessionID,
				Role:      transcript.RoleUser,
				Source:    transcript.SourceVoice,
				Text:      strings.TrimSpace(ev.Text),
			})
		}
	case stt.EventAck:
		slog.Debug("recognition stream acknowledged", "session_id", ev.SessionID)
	}
}

// autoReply is the capture reply action: silence what is playing and speak
// the agent's answer to the final.
func (a *App) autoReply(ctx context.Context, ev capture.Event) error {
	a.playback.Stop()
	res, err := a.playback.SpeakAgentReply(ctx, ev.Text)
	if err != nil {
		a.printf("[error] agent reply: %v", err)
		return err
	}
	if res.Outcome == playback.OutcomeCompleted {
		a.record(transcript.Entry{
			SessionID: ev.SessionID,
			Role:      transcript.RoleAssistant,
			Source:    transcript.SourceVoice,
			Text:      "(spoken reply)",
		})
	}
	return nil
}

// ─── Playback ────────────────────────────────────────────────────────────────

// Speak synthesises text and plays it, replacing anything already playing.
func (a *App) Speak(ctx context.Context, text string) (playback.Result, error) {
	return a.playback.Speak(ctx, text)
}

// SpeakAgentReply streams the agent's spoken answer to question.
func (a *App) SpeakAgentReply(ctx context.Context, question string) (playback.Result, error) {
	return a.playback.SpeakAgentReply(ctx, question)
}

// Hush stops playback immediately.
func (a *App) Hush() {
	a.playback.Stop()
}

// ─── Agent ───────────────────────────────────────────────────────────────────

// Ask sends a text question to the agent and returns its reply. When
// reply.speak_chat_replies is set the reply is also spoken.
func (a *App) Ask(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyQuery
	}
	cfg := a.cfg.Load()
	sid := a.capture.ID()

	ctx, span := observe.StartSpan(ctx, "app.ask")
	defer span.End()

	a.record(transcript.Entry{SessionID: sid, Role: transcript.RoleUser, Source: transcript.SourceChat, Text: text})

	start := time.Now()
	reply, err := a.providers.Agent.Reply(ctx, agent.Query{Text: text, System: cfg.Voice.SystemPrompt})
	a.metrics.RecordAgentQuery(context.WithoutCancel(ctx), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("app: ask: %w", err)
	}

	a.record(transcript.Entry{SessionID: sid, Role: transcript.RoleAssistant, Source: transcript.SourceChat, Text: reply})
	a.printf("[assistant] %s", reply)
	observe.Logger(ctx).Debug("agent replied", "chars", len(reply), "elapsed", time.Since(start))

	if cfg.Reply.SpeakChatReplies && reply != agent.NoReply {
		if _, err := a.playback.Speak(ctx, reply); err != nil {
			return reply, fmt.Errorf("app: speak reply: %w", err)
		}
	}
	return reply, nil
}

// AskWAV asks the agent for a complete WAV answer and plays it.
func (a *App) AskWAV(ctx context.Context, text string) (playback.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return playback.Result{}, ErrEmptyQuery
	}
	a.record(transcript.Entry{SessionID: a.capture.ID(), Role: transcript.RoleUser, Source: transcript.SourceChat, Text: text})
	return a.playback.PlayWAV(ctx, text)
}

// Recent returns the newest transcript entries of every session.
func (a *App) Recent(ctx context.Context, limit int) ([]transcript.Entry, error) {
	return a.journal.Recent(ctx, "", limit)
}

// ─── Status & config ─────────────────────────────────────────────────────────

// Status is a snapshot of the voice loop.
type Status struct {
	Capture     capture.State
	SessionID   string
	ReplyBusy   bool
	Playing     bool
	Underruns   uint64
	PlayedAudio time.Duration
	AutoReply   bool
	Voice       string
}

// Status returns the current state of capture and playback.
func (a *App) Status() Status {
	cfg := a.cfg.Load()
	played := time.Duration(0)
	if rate := a.buffer.SampleRate(); rate > 0 {
		played = time.Duration(a.buffer.Played()) * time.Second / time.Duration(rate)
	}
	return Status{
		Capture:     a.capture.State(),
		SessionID:   a.capture.ID(),
		ReplyBusy:   a.capture.Busy(),
		Playing:     a.playback.Active(),
		Underruns:   a.buffer.Underruns(),
		PlayedAudio: played,
		AutoReply:   cfg.Reply.Auto,
		Voice:       cfg.Voice.ID,
	}
}

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ApplyConfig adopts the hot-reloadable parts of a config change. Voice and
// reply settings take effect with the next request.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.New == nil {
		return
	}
	a.cfg.Store(d.New)
	if d.VoiceChanged {
		slog.Info("voice settings updated", "voice", d.New.Voice.ID)
	}
	if d.ReplyChanged {
		slog.Info("reply settings updated", "auto", d.New.Reply.Auto, "speak_chat_replies", d.New.Reply.SpeakChatReplies)
	}
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format+"\n", args...)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
