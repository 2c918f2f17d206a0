package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	devmock "github.com/MrWong99/parley/pkg/audio/device/mock"
	"github.com/MrWong99/parley/pkg/provider/agent"
	agentmock "github.com/MrWong99/parley/pkg/provider/agent/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type lines struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lines) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lines) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

type fixture struct {
	app     *app.App
	cfg     *config.Config
	remote  *sttmock.Session
	tts     *ttsmock.Provider
	agent   *agentmock.Provider
	output  *devmock.Output
	journal *transcript.Ring
	out     *lines
}

// testConfig returns the defaults with a system prompt and a custom voice.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Voice.ID = "en_GB-alan-low.onnx"
	cfg.Voice.SystemPrompt = "Answer in one sentence."
	return cfg
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		cfg:     cfg,
		remote:  sttmock.NewSession(),
		tts:     &ttsmock.Provider{},
		agent:   &agentmock.Provider{ReplyText: "It is noon."},
		output:  &devmock.Output{},
		journal: transcript.NewRing(32),
		out:     &lines{},
	}
	providers := &app.Providers{
		STT:     &sttmock.Provider{Session: f.remote},
		TTS:     f.tts,
		Agent:   f.agent,
		Capture: &devmock.Capture{Format: audio.Format{SampleRate: 16000, Channels: 1}},
		Output:  f.output,
	}
	f.app, err = app.New(context.Background(), cfg, providers,
		app.WithJournal(f.journal),
		app.WithMetrics(m),
		app.WithOutput(f.out),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = f.app.Shutdown(context.Background()) })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// heldBody blocks after its first read until ctx is cancelled.
type heldBody struct {
	ctx  context.Context
	sent bool
}

func (h *heldBody) Read(p []byte) (int, error) {
	if !h.sent {
		h.sent = true
		return copy(p, make([]byte, 640)), nil
	}
	<-h.ctx.Done()
	return 0, h.ctx.Err()
}

func (h *heldBody) Close() error { return nil }

// ─── New ──────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), config.Defaults(), &app.Providers{TTS: &ttsmock.Provider{}})
	if err == nil {
		t.Fatal("expected error for missing providers")
	}
}

func TestStatus_Initial(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	st := f.app.Status()
	if st.Capture != capture.StateIdle || st.ReplyBusy || st.Playing {
		t.Errorf("status = %+v", st)
	}
	if !st.AutoReply || st.Voice != "en_GB-alan-low.onnx" {
		t.Errorf("config view = %+v", st)
	}
}

// ─── Ask ──────────────────────────────────────────────────────────────────────

func TestAsk_ReturnsReplyAndJournals(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	reply, err := f.app.Ask(context.Background(), "  what time is it? ")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply != "It is noon." {
		t.Errorf("reply = %q", reply)
	}

	calls := f.agent.Calls()
	if len(calls) != 1 {
		t.Fatalf("agent calls = %d", len(calls))
	}
	if want := (agent.Query{Text: "what time is it?", System: "Answer in one sentence."}); calls[0] != want {
		t.Errorf("query = %+v, want %+v", calls[0], want)
	}
	if !strings.Contains(f.out.String(), "[assistant] It is noon.") {
		t.Errorf("output = %q", f.out.String())
	}
	if len(f.tts.Calls()) != 0 {
		t.Error("reply spoken although speak_chat_replies is off")
	}

	waitFor(t, "journal entries", func() bool { return f.journal.Len() == 2 })
	entries, _ := f.app.Recent(context.Background(), 0)
	if entries[0].Role != transcript.RoleUser || entries[0].Source != transcript.SourceChat || entries[0].Text != "what time is it?" {
		t.Errorf("question entry = %+v", entries[0])
	}
	if entries[1].Role != transcript.RoleAssistant || entries[1].Text != "It is noon." {
		t.Errorf("reply entry = %+v", entries[1])
	}
}

func TestAsk_EmptyQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if _, err := f.app.Ask(context.Background(), " \t"); !errors.Is(err, app.ErrEmptyQuery) {
		t.Errorf("err = %v, want ErrEmptyQuery", err)
	}
	if len(f.agent.Calls()) != 0 {
		t.Error("agent called for an empty query")
	}
}

func TestAsk_ErrorCarriesDetail(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.agent.ReplyErr = &types.StatusError{Status: 503, Detail: "model loading"}

	_, err := f.app.Ask(context.Background(), "hello")
	var se *types.StatusError
	if !errors.As(err, &se) || se.Status != 503 {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "model loading") {
		t.Errorf("detail missing: %v", err)
	}
}

func TestAsk_SpeaksReplyWhenConfigured(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) { c.Reply.SpeakChatReplies = true })
	f.tts.StreamBody = make([]byte, 320)

	if _, err := f.app.Ask(context.Background(), "hello"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	calls := f.tts.Calls()
	if len(calls) != 1 {
		t.Fatalf("tts calls = %d", len(calls))
	}
	if calls[0].Route != tts.RouteSpeak || calls[0].Request.Text != "It is noon." || calls[0].Request.Voice != "en_GB-alan-low.onnx" {
		t.Errorf("tts call = %+v", calls[0])
	}
}

func TestAsk_NoReplyIsNotSpoken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *config.Config) { c.Reply.SpeakChatReplies = true })
	f.agent.ReplyText = agent.NoReply

	reply, err := f.app.Ask(context.Background(), "hello")
	if err != nil || reply != agent.NoReply {
		t.Fatalf("reply = %q, err = %v", reply, err)
	}
	if len(f.tts.Calls()) != 0 {
		t.Error("placeholder reply was spoken")
	}
}

// ─── AskWAV ───────────────────────────────────────────────────────────────────

func TestAskWAV_Empty(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if _, err := f.app.AskWAV(context.Background(), ""); !errors.Is(err, app.ErrEmptyQuery) {
		t.Errorf("err = %v", err)
	}
}

func TestAskWAV_PassesSystemPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.tts.WAVErr = &types.StatusError{Status: 500, Detail: "synthesis failed"}

	res, err := f.app.AskWAV(context.Background(), "sing")
	if err == nil || res.Outcome != playback.OutcomeFailed {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if got := f.tts.SynthesizeWAVCalls; len(got) != 1 || got[0].System != "Answer in one sentence." || got[0].Text != "sing" {
		t.Errorf("SynthesizeWAV calls = %+v", got)
	}
}

// ─── Voice loop ───────────────────────────────────────────────────────────────

func TestVoiceLoop_FinalTriggersSpokenAgentReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.tts.StreamBody = make([]byte, 640)

	if err := f.app.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	f.remote.Emit(stt.Event{Kind: stt.EventPartial, Text: "what"})
	f.remote.Emit(stt.Event{Kind: stt.EventFinal, Text: "what time is it"})

	waitFor(t, "agent speech", func() bool { return len(f.tts.Calls()) == 1 })
	c := f.tts.Calls()[0]
	if c.Route != tts.RouteAgentSpeak {
		t.Errorf("route = %v, want agent speech", c.Route)
	}
	if c.Request.Text != "what time is it" || c.Request.System != "Answer in one sentence." || c.Request.Voice != "en_GB-alan-low.onnx" {
		t.Errorf("request = %+v", c.Request)
	}

	out := f.out.String()
	if !strings.Contains(out, "[partial] what\n") || !strings.Contains(out, "[final] what time is it\n") {
		t.Errorf("output = %q", out)
	}

	waitFor(t, "journal", func() bool { return f.journal.Len() == 2 })
	entries, _ := f.app.Recent(context.Background(), 0)
	if entries[0].SessionID == "" || entries[0].Source != transcript.SourceVoice {
		t.Errorf("final entry = %+v", entries[0])
	}
}

func TestVoiceLoop_AutoReplyDisabledByReload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	next := testConfig()
	next.Reply.Auto = false
	f.app.ApplyConfig(config.Diff(f.cfg, next))
	if f.app.Status().AutoReply {
		t.Fatal("reload not applied")
	}

	if err := f.app.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	f.remote.Emit(stt.Event{Kind: stt.EventFinal, Text: "hello there"})
	// Events are handled in order; once the partial is printed the final
	// has been dispatched.
	f.remote.Emit(stt.Event{Kind: stt.EventPartial, Text: "marker"})
	waitFor(t, "marker", func() bool { return strings.Contains(f.out.String(), "[partial] marker") })

	if f.app.Status().ReplyBusy || len(f.tts.Calls()) != 0 {
		t.Error("final triggered a reply although auto reply is disabled")
	}
}

func TestHush_CancelsReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.tts.StreamFunc = func(ctx context.Context, _ tts.Route, _ tts.Request) (io.ReadCloser, error) {
		return &heldBody{ctx: ctx}, nil
	}

	done := make(chan playback.Result, 1)
	go func() {
		res, _ := f.app.SpeakAgentReply(context.Background(), "tell me a story")
		done <- res
	}()
	waitFor(t, "playback", func() bool { return f.app.Status().Playing && len(f.tts.Calls()) == 1 })

	f.app.Hush()
	select {
	case res := <-done:
		if res.Outcome != playback.OutcomeCancelled {
			t.Errorf("outcome = %v, want cancelled", res.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply not cancelled by Hush")
	}
	if f.app.Status().Playing {
		t.Error("still playing after Hush")
	}
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

func TestShutdown_ClosesEverythingOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if err := f.app.StartCapture(context.Background()); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if f.app.Status().Capture != capture.StateStopped {
		t.Errorf("capture state = %v", f.app.Status().Capture)
	}
	if f.output.CallCountClose != 1 {
		t.Errorf("output closed %d times", f.output.CallCountClose)
	}

	// Recording after shutdown is dropped, not a panic.
	if _, err := f.app.Ask(context.Background(), "still there?"); err != nil {
		t.Errorf("Ask after shutdown: %v", err)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
