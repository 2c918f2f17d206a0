package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/transcript"
)

// historyLimit is how many journal entries "history" prints by default.
const historyLimit = 20

const helpText = `commands:
  start            start streaming the microphone
  stop             stop streaming
  say <text>       speak text
  reply <text>     speak the agent's reply to text
  ask <text>       ask the agent and print its reply
  askwav <text>    speak the agent's reply as a single WAV
  hush             stop playback
  status           show capture and playback state
  history [n]      print recent transcript entries
  quit             exit`

// controller is the part of [app.App] the prompt drives.
type controller interface {
	StartCapture(ctx context.Context) error
	StopCapture()
	Speak(ctx context.Context, text string) (playback.Result, error)
	SpeakAgentReply(ctx context.Context, question string) (playback.Result, error)
	Ask(ctx context.Context, text string) (string, error)
	AskWAV(ctx context.Context, text string) (playback.Result, error)
	Hush()
	Status() app.Status
	Recent(ctx context.Context, limit int) ([]transcript.Entry, error)
}

var _ controller = (*app.App)(nil)

// repl reads one command per line and dispatches it. Commands that talk to
// the backend run in the background so hush and status stay responsive.
type repl struct {
	ctl controller

	mu  sync.Mutex
	out io.Writer

	wg sync.WaitGroup
}

func newREPL(ctl controller, out io.Writer) *repl {
	return &repl{ctl: ctl, out: out}
}

// parseCommand splits a line into a lower-cased command and its trimmed
// argument.
func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// Run processes lines from in until "quit", end of input or ctx cancellation.
// At end of input it waits for background commands to finish; otherwise they
// are cancelled and awaited.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.wg.Wait()
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("repl: read input: %w", err)
			}
			r.wg.Wait()
			return nil
		case line := <-lines:
			if !r.handle(ctx, line) {
				return nil
			}
		}
	}
}

// handle executes one line and reports whether the prompt should continue.
func (r *repl) handle(ctx context.Context, line string) bool {
	cmd, arg := parseCommand(line)
	switch cmd {
	case "":
	case "quit", "exit":
		return false
	case "help":
		r.println(helpText)
	case "start":
		if err := r.ctl.StartCapture(ctx); err != nil {
			r.println("start failed: " + err.Error())
		}
	case "stop":
		r.ctl.StopCapture()
	case "hush":
		r.ctl.Hush()
	case "status":
		r.printStatus(r.ctl.Status())
	case "history":
		r.printHistory(ctx, arg)
	case "say", "reply", "askwav":
		if arg == "" {
			r.println("usage: " + cmd + " <text>")
			break
		}
		play := map[string]func(context.Context, string) (playback.Result, error){
			"say":    r.ctl.Speak,
			"reply":  r.ctl.SpeakAgentReply,
			"askwav": r.ctl.AskWAV,
		}[cmd]
		r.background(func() {
			res, err := play(ctx, arg)
			r.reportPlayback(cmd, res, err)
		})
	case "ask":
		if arg == "" {
			r.println("usage: ask <text>")
			break
		}
		r.background(func() {
			if _, err := r.ctl.Ask(ctx, arg); err != nil && !errors.Is(err, context.Canceled) {
				r.println("ask failed: " + err.Error())
			}
		})
	default:
		r.println(fmt.Sprintf("unknown command %q (type 'help')", cmd))
	}
	return true
}

func (r *repl) background(fn func()) {
	r.wg.Go(fn)
}

// reportPlayback prints failures only. Replaced or hushed streams are silent.
func (r *repl) reportPlayback(cmd string, res playback.Result, err error) {
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		r.println(cmd + " failed: " + err.Error())
	case res.Outcome == playback.OutcomeFailed:
		r.println(cmd + " failed")
	default:
		slog.Debug("playback finished", "command", cmd, "stream_id", res.StreamID, "outcome", res.Outcome, "samples", res.Samples)
	}
}

func (r *repl) printStatus(s app.Status) {
	session := s.SessionID
	if session == "" {
		session = "-"
	}
	r.println(fmt.Sprintf("capture=%s session=%s reply_busy=%t playing=%t underruns=%d played=%s auto_reply=%t voice=%s",
		s.Capture, session, s.ReplyBusy, s.Playing, s.Underruns, s.PlayedAudio.Round(time.Millisecond), s.AutoReply, s.Voice))
}

func (r *repl) printHistory(ctx context.Context, arg string) {
	limit := historyLimit
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			r.println("usage: history [n]")
			return
		}
		limit = n
	}
	entries, err := r.ctl.Recent(ctx, limit)
	if err != nil {
		r.println("history failed: " + err.Error())
		return
	}
	if len(entries) == 0 {
		r.println("(no entries)")
		return
	}
	for _, e := range entries {
		r.println(fmt.Sprintf("%s [%s/%s] %s", e.Timestamp.Format(time.TimeOnly), e.Role, e.Source, e.Text))
	}
}

func (r *repl) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}
