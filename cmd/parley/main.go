// Command parley is an interactive voice client for a speech backend. It
// streams the microphone to the recognition endpoint, speaks agent replies
// and reads line commands from stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/jitter"
	"github.com/MrWong99/parley/pkg/provider/agent/httpagent"
	"github.com/MrWong99/parley/pkg/provider/stt/wsstream"
	"github.com/MrWong99/parley/pkg/provider/tts/httpstream"
)

// shutdownTimeout bounds the ordered teardown after the run group exits.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	baseURL := flag.String("base-url", "", "backend base URL, overrides backend.base_url")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath, *baseURL)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("parley starting",
		"config", *configPath,
		"base_url", cfg.Backend.BaseURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(sigCtx, observe.ProviderConfig{
		ServiceName: "parley",
		Registerer:  promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	backends, err := buildBackends(cfg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	mal, err := device.NewMalgo()
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := mal.Close(); err != nil {
			slog.Warn("audio shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerOutputs(reg, mal)

	buf := app.NewBuffer(cfg.Audio)
	output, err := reg.CreateOutput(buf, cfg.Audio)
	if err != nil {
		slog.Error("failed to create output device", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(sigCtx, cfg, &app.Providers{
		STT:     backends.stt,
		TTS:     backends.tts,
		Agent:   backends.agent,
		Capture: mal,
		Output:  output,
	},
		app.WithBuffer(buf),
		app.WithMetrics(metrics),
		app.WithOutput(os.Stdout),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Run group ─────────────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(d config.ConfigDiff) {
			// The command-line override outlives reloads.
			d.New.Backend.BaseURL = cfg.Backend.BaseURL
			if d.LogLevelChanged {
				level.Set(slogLevel(d.New.Server.LogLevel))
				slog.Info("log level updated", "level", d.New.Server.LogLevel)
			}
			application.ApplyConfig(d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	if addr := cfg.Server.StatusAddr; addr != "" {
		checks := health.New(
			health.PingChecker("backend", backends.tts),
			health.BreakerChecker(backends.ttsBreaker),
			health.BreakerChecker(backends.agentBreaker),
		)
		srv := health.NewServer(addr, checks, promReg, metrics)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		// The prompt ending (quit or EOF) ends the program.
		defer cancel()
		return newREPL(application, os.Stdout).Run(gctx, os.Stdin)
	})

	fmt.Println("type 'help' for commands, 'quit' or Ctrl+C to exit")

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}

// loadConfig reads path (or the defaults when path is empty), applies the
// base URL override and validates the result.
func loadConfig(path, baseURL string) (*config.Config, error) {
	cfg := config.Defaults()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if baseURL != "" {
		cfg.Backend.BaseURL = baseURL
		if err := config.Validate(cfg); err != nil {
			return nil, fmt.Errorf("-base-url: %w", err)
		}
	}
	return cfg, nil
}

// ── Providers ─────────────────────────────────────────────────────────────────

type backends struct {
	stt   *wsstream.Provider
	tts   *httpstream.Provider
	agent *httpagent.Provider

	ttsBreaker   *resilience.Breaker
	agentBreaker *resilience.Breaker
}

// buildBackends creates the recognition, speech and agent clients. Speech and
// agent calls each pass through their own circuit breaker.
func buildBackends(cfg *config.Config, m *observe.Metrics) (*backends, error) {
	onChange := func(name string, from, to resilience.State) {
		slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		m.RecordBreakerTransition(context.Background(), name, to.String())
	}
	b := &backends{
		ttsBreaker:   resilience.New(resilience.Config{Name: "tts", OnStateChange: onChange}),
		agentBreaker: resilience.New(resilience.Config{Name: "agent", OnStateChange: onChange}),
	}

	asrURL, err := cfg.Backend.ASRURL()
	if err != nil {
		return nil, err
	}
	if b.stt, err = wsstream.New(asrURL); err != nil {
		return nil, err
	}

	bc := cfg.Backend
	b.tts, err = httpstream.New(bc.BaseURL,
		httpstream.WithPaths(bc.TTSPath, bc.AgentTTSPath, bc.AgentWAVPath, bc.HealthPath),
		httpstream.WithHeaderTimeout(bc.RequestTimeout),
		httpstream.WithGuard(b.ttsBreaker),
	)
	if err != nil {
		return nil, err
	}

	b.agent, err = httpagent.New(bc.BaseURL,
		httpagent.WithReplyPath(bc.AgentReplyPath),
		httpagent.WithTimeout(bc.RequestTimeout),
		httpagent.WithGuard(b.agentBreaker),
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// registerOutputs registers the built-in playback backends.
func registerOutputs(reg *config.Registry, mal *device.Malgo) {
	reg.RegisterOutput(config.OutputMalgo, func(buf *jitter.Buffer, cfg config.AudioConfig) (device.Output, error) {
		return mal.NewOutput(buf, cfg.TargetRate), nil
	})
	reg.RegisterOutput(config.OutputOto, func(buf *jitter.Buffer, cfg config.AudioConfig) (device.Output, error) {
		return device.NewOtoOutput(jitter.NewPCMReader(buf), cfg.TargetRate), nil
	})
}

// ── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          parley: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Backend.BaseURL)
	printRow("Voice", cfg.Voice.ID)
	printRow("Output", string(cfg.Audio.OutputBackend))
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.TargetRate))
	printRow("Auto reply", fmt.Sprintf("%t", cfg.Reply.Auto))
	if cfg.Journal.PostgresDSN != "" {
		printRow("Journal", "postgres")
	} else {
		printRow("Journal", fmt.Sprintf("memory (%d)", cfg.Journal.Capacity))
	}
	if cfg.Server.StatusAddr != "" {
		printRow("Status addr", cfg.Server.StatusAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, ellipsize(value, 19))
}

// ellipsize shortens s to at most n runes, marking the cut with an ellipsis.
func ellipsize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
