// Package playback streams synthesised speech from the voice server into the
// jitter buffer that feeds the output device.
//
// A [Controller] is single-flight: starting a stream cancels the one in
// progress and flushes the jitter buffer before the new request is sent, so
// at most one producer ever writes to the buffer and an interrupted reply
// never bleeds into the next one. Cancellation, whether by a newer stream, by
// Stop or by the caller's context, is a normal outcome and is not reported
// as an error.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/jitter"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// readSize is the body read granularity in bytes.
const readSize = 2 * audio.StreamReadSamples

// wavChunk is how many samples of a decoded WAV go into one buffer slot.
const wavChunk = audio.FrameSize

// ErrEmptyText is returned when there is nothing to speak.
var ErrEmptyText = errors.New("playback: empty text")

// Outcome is how a playback run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Result describes a finished playback run.
type Result struct {
	StreamID string
	Route    string
	Outcome  Outcome

	// Samples is the number of samples handed to the jitter buffer.
	Samples int

	// FirstAudio is the delay until the first samples were queued. Zero if
	// none were.
	FirstAudio time.Duration
}

// Config holds the dependencies of a [Controller].
type Config struct {
	// TTS opens synthesis streams. Required.
	TTS tts.Provider

	// Buffer is the jitter buffer read by the output device. Required.
	Buffer *jitter.Buffer

	// Output is resumed before audio is produced. Optional.
	Output device.Output

	// Voice returns the voice to request. Nil or empty selects
	// tts.DefaultVoice.
	Voice func() string

	// System returns the system prompt for agent routes. Optional.
	System func() string

	// Metrics records playback counters. Nil uses observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Controller runs one playback stream at a time.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	current uint64
	seq     uint64
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Controller{cfg: cfg}
}

// Speak streams text through the plain synthesis route and returns when the
// response body has been fully queued, the stream was cancelled, or it
// failed.
func (c *Controller) Speak(ctx context.Context, text string) (Result, error) {
	return c.stream(ctx, tts.RouteSpeak, text)
}

// SpeakAgentReply sends question to the agent synthesis route, which answers
// it and streams the spoken answer.
func (c *Controller) SpeakAgentReply(ctx context.Context, question string) (Result, error) {
	return c.stream(ctx, tts.RouteAgentSpeak, question)
}

// PlayWAV asks the agent for a complete WAV reply to question and plays it
// through the same single-flight path. The WAV is resampled to the buffer
// rate when needed.
func (c *Controller) PlayWAV(ctx context.Context, question string) (Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Result{}, ErrEmptyText
	}
	req := c.request(question, true)
	return c.play(ctx, "agent_wav", func(ctx context.Context, epoch jitter.Epoch, p *progress) error {
		wav, err := c.cfg.TTS.SynthesizeWAV(ctx, req)
		if err != nil {
			return err
		}
		return c.pushWAV(ctx, epoch, wav, p)
	})
}

// Stop cancels the stream in progress, if any, and silences the output.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	e := c.cfg.Buffer.Flush()
	c.cfg.Buffer.Seal(e)
	c.mu.Unlock()
}

// Active reports whether a stream is running or queued audio is still
// playing.
func (c *Controller) Active() bool {
	c.mu.Lock()
	running := c.cancel != nil
	c.mu.Unlock()
	return running || c.cfg.Buffer.Active()
}

func (c *Controller) request(text string, agent bool) tts.Request {
	req := tts.Request{Text: text, Voice: tts.DefaultVoice}
	if c.cfg.Voice != nil {
		if v := strings.TrimSpace(c.cfg.Voice()); v != "" {
			req.Voice = v
		}
	}
	if agent && c.cfg.System != nil {
		req.System = strings.TrimSpace(c.cfg.System())
	}
	return req
}

func (c *Controller) stream(ctx context.Context, route tts.Route, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	req := c.request(text, route == tts.RouteAgentSpeak)
	return c.play(ctx, route.String(), func(ctx context.Context, epoch jitter.Epoch, p *progress) error {
		body, err := c.cfg.TTS.StreamSpeech(ctx, route, req)
		if err != nil {
			return err
		}
		defer body.Close()
		return c.pump(ctx, epoch, body, p)
	})
}

// progress tracks what a producer queued.
type progress struct {
	start   time.Time
	samples int
	first   time.Duration
}

func (p *progress) add(n int) {
	if p.samples == 0 && n > 0 {
		p.first = time.Since(p.start)
	}
	p.samples += n
}

// produceFunc fills the buffer for one epoch.
type produceFunc func(ctx context.Context, epoch jitter.Epoch, p *progress) error

// play is the single-flight core shared by every route.
func (c *Controller) play(parent context.Context, route string, produce produceFunc) (Result, error) {
	ctx, epoch, token := c.begin(parent)
	defer c.end(token)

	res := Result{StreamID: uuid.NewString(), Route: route}
	logger := observe.Logger(ctx).With("stream_id", res.StreamID, "route", route)
	underrunsBefore := c.cfg.Buffer.Underruns()
	p := &progress{start: time.Now()}

	err := c.resume(ctx)
	if err == nil {
		err = produce(ctx, epoch, p)
	}
	c.cfg.Buffer.Seal(epoch)

	res.Samples = p.samples
	res.FirstAudio = p.first
	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
	case ctx.Err() != nil, errors.Is(err, jitter.ErrStaleEpoch):
		res.Outcome = OutcomeCancelled
		err = nil
	default:
		res.Outcome = OutcomeFailed
	}

	mctx := context.WithoutCancel(ctx)
	c.cfg.Metrics.RecordPlayback(mctx, route, string(res.Outcome))
	if p.samples > 0 {
		c.cfg.Metrics.RecordFirstAudio(mctx, route, p.first)
	}
	if d := c.cfg.Buffer.Underruns() - underrunsBefore; d > 0 {
		c.cfg.Metrics.JitterUnderruns.Add(mctx, int64(d))
	}

	if err != nil {
		logger.Warn("playback failed", "err", err)
		return res, err
	}
	logger.Debug("playback finished",
		"outcome", res.Outcome,
		"samples", res.Samples,
		"first_audio", res.FirstAudio,
	)
	return res, nil
}

// begin cancels the previous stream and flushes the buffer under one lock so
// no push from the old producer can land in the new epoch.
func (c *Controller) begin(parent context.Context) (context.Context, jitter.Epoch, uint64) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	epoch := c.cfg.Buffer.Flush()
	c.seq++
	c.current = c.seq
	c.cancel = cancel
	return ctx, epoch, c.seq
}

func (c *Controller) end(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == token && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) resume(ctx context.Context) error {
	if c.cfg.Output == nil {
		return nil
	}
	if err := c.cfg.Output.Resume(ctx); err != nil {
		return fmt.Errorf("playback: resume output: %w", err)
	}
	return nil
}

// pump decodes a PCM16 body into the buffer. An odd byte at the end of one
// read is carried into the next so samples never split.
func (c *Controller) pump(ctx context.Context, epoch jitter.Epoch, body io.Reader, p *progress) error {
	buf := make([]byte, readSize+1)
	carry := 0
	for {
		n, err := body.Read(buf[carry:])
		n += carry
		even := n &^ 1
		if even > 0 {
			samples := audio.DecodePCM16(make([]float32, 0, even/2), buf[:even])
			if perr := c.cfg.Buffer.Push(ctx, epoch, samples); perr != nil {
				return perr
			}
			p.add(len(samples))
		}
		carry = n - even
		if carry == 1 {
			buf[0] = buf[even]
		}

		switch {
		case err == io.EOF:
			return nil
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			return fmt.Errorf("playback: read stream: %w", err)
		}
	}
}

// pushWAV decodes, resamples and queues a complete WAV file.
func (c *Controller) pushWAV(ctx context.Context, epoch jitter.Epoch, data []byte, p *progress) error {
	wav, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	rs, err := audio.NewResampler(wav.Format.SampleRate, c.cfg.Buffer.SampleRate(), audio.DefaultRingCapacity)
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}

	// Feed the resampler in blocks smaller than its ring.
	const block = 2048
	frames := wav.Frames()
	in := make([][]float32, len(wav.Channels))
	var pending []float32
	for off := 0; off < frames; off += block {
		end := min(off+block, frames)
		for ch := range in {
			in[ch] = wav.Channels[ch][off:end]
		}
		pending = rs.Process(pending, in)
		for len(pending) >= wavChunk {
			chunk := append([]float32(nil), pending[:wavChunk]...)
			if err := c.cfg.Buffer.Push(ctx, epoch, chunk); err != nil {
				return err
			}
			p.add(len(chunk))
			pending = append(pending[:0], pending[wavChunk:]...)
		}
	}
	if len(pending) > 0 {
		if err := c.cfg.Buffer.Push(ctx, epoch, pending); err != nil {
			return err
		}
		p.add(len(pending))
	}
	return nil
}
