// Package wsstream provides a WebSocket-backed STT provider speaking the
// start/ack/partial/final/stop protocol of the recognition server. It
// implements the stt.Provider interface.
//
// Wire format, client to server:
//
//	{"type":"start","sampleRate":16000}   once, first message
//	<binary>                               little-endian int16 PCM frames
//	{"type":"stop"}                        once, last message
//
// Server to client:
//
//	{"type":"ack","sampleRate":16000}
//	{"type":"partial","text":"..."}
//	{"type":"final","text":"..."}
//
// Anything else from the server is ignored.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

const (
	defaultQueueSize  = 256
	defaultEventQueue = 64
	stopTimeout       = 2 * time.Second
	flushTimeout      = 3 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithQueueSize sets how many outbound frames may be queued before SendAudio
// starts returning stt.ErrBackpressure.
func WithQueueSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithDialOptions sets options passed to websocket.Dial, e.g. a custom
// HTTP client.
func WithDialOptions(o *websocket.DialOptions) Option {
	return func(p *Provider) {
		p.dialOpts = o
	}
}

// Provider implements stt.Provider against a single WebSocket endpoint.
type Provider struct {
	url       string
	queueSize int
	dialOpts  *websocket.DialOptions
}

// New creates a Provider for the given ws:// or wss:// URL.
func New(rawURL string, opts ...Option) (*Provider, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsstream: parse url: %w", err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("wsstream: url %q must be an absolute ws:// or wss:// URL", rawURL)
	}
	p := &Provider{url: u.String(), queueSize: defaultQueueSize}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// URL returns the endpoint the provider dials.
func (p *Provider) URL() string { return p.url }

// StartStream dials the server and sends the start message before returning,
// so it is always the first frame on the connection.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("wsstream: invalid sample rate %d", cfg.SampleRate)
	}

	conn, _, err := websocket.Dial(ctx, p.url, p.dialOpts)
	if err != nil {
		return nil, fmt.Errorf("wsstream: dial: %w", err)
	}

	start, _ := json.Marshal(controlMessage{Type: "start", SampleRate: cfg.SampleRate})
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("wsstream: send start: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:     conn,
		events:   make(chan stt.Event, defaultEventQueue),
		outbound: make(chan outbound, p.queueSize),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	sess.wg.Add(1)
	go sess.writeLoop(loopCtx)
	sess.readWG.Add(1)
	go sess.readLoop(loopCtx)

	return sess, nil
}

// ---- session ----

// controlMessage is the JSON envelope of every text frame in both directions.
type controlMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Text       string `json:"text,omitempty"`
}

type outbound struct {
	kind websocket.MessageType
	data []byte
}

// session is a live recognition session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	events   chan stt.Event
	outbound chan outbound

	mu      sync.RWMutex
	stopped bool

	err    atomic.Pointer[error]
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup // writeLoop
	readWG sync.WaitGroup // readLoop
}

// SendAudio queues a PCM frame without blocking.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return stt.ErrSessionClosed
	}
	select {
	case s.outbound <- outbound{kind: websocket.MessageBinary, data: chunk}:
		return nil
	default:
		return stt.ErrBackpressure
	}
}

// Events returns the inbound event channel.
func (s *session) Events() <-chan stt.Event { return s.events }

// Err returns the transport failure that ended the session, if any.
func (s *session) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Stop queues the stop message behind any pending frames.
func (s *session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	// No frame can be queued once stopped is set, so the stop message
	// is always last.
	s.stopped = true
	s.mu.Unlock()

	stop, _ := json.Marshal(controlMessage{Type: "stop"})
	select {
	case s.outbound <- outbound{kind: websocket.MessageText, data: stop}:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	case <-time.After(stopTimeout):
		return errors.New("wsstream: timed out queueing stop message")
	}
}

// Close flushes queued frames, then closes the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		close(s.done)
		// Bound the flush: a stalled peer must not hang teardown.
		t := time.AfterFunc(flushTimeout, s.cancel)
		s.wg.Wait()
		t.Stop()
		if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			slog.Debug("wsstream: close", "err", err)
		}
		s.cancel()
		s.readWG.Wait()
	})
	return nil
}

// fail records the first transport error and tears the connection down so
// both loops exit.
func (s *session) fail(err error) {
	select {
	case <-s.done:
		// Errors after Close are the result of closing.
		return
	default:
	}
	s.err.CompareAndSwap(nil, &err)
	s.conn.CloseNow()
}

// writeLoop sends queued frames in order. After Close it drains whatever is
// still queued, so a stop queued just before Close still reaches the server.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.outbound:
			if err := s.conn.Write(ctx, m.kind, m.data); err != nil {
				s.fail(fmt.Errorf("wsstream: write: %w", err))
				return
			}
		case <-s.done:
			for {
				select {
				case m := <-s.outbound:
					if err := s.conn.Write(ctx, m.kind, m.data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop decodes server messages and dispatches them on the events channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.readWG.Done()
	defer close(s.events)

	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				select {
				case <-s.done:
				default:
					s.fail(errors.New("wsstream: server closed the session"))
				}
				return
			}
			s.fail(fmt.Errorf("wsstream: read: %w", err))
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, ok := parseServerMessage(msg)
		if !ok {
			slog.Debug("wsstream: dropping unrecognised message", "bytes", len(msg))
			continue
		}
		ev.ReceivedAt = time.Now()

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// parseServerMessage parses a raw server text frame into an Event.
// Returns (Event, true) on success, or (zero, false) if the message should be ignored.
func parseServerMessage(data []byte) (stt.Event, bool) {
	var m controlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Event{}, false
	}
	switch m.Type {
	case "ack":
		return stt.Event{Kind: stt.EventAck, SampleRate: m.SampleRate}, true
	case "partial":
		return stt.Event{Kind: stt.EventPartial, Text: m.Text}, true
	case "final":
		return stt.Event{Kind: stt.EventFinal, Text: m.Text}, true
	default:
		return stt.Event{}, false
	}
}
