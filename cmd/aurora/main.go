// Command aurora runs a single duplex voice session between the local
// microphone and speakers and a Gemini Live agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aurora/internal/config"
	"github.com/MrWong99/aurora/internal/health"
	"github.com/MrWong99/aurora/internal/knowledge"
	"github.com/MrWong99/aurora/internal/observe"
	"github.com/MrWong99/aurora/internal/resilience"
	"github.com/MrWong99/aurora/internal/session"
	"github.com/MrWong99/aurora/internal/tools"
	"github.com/MrWong99/aurora/pkg/audio/mixer"
	"github.com/MrWong99/aurora/pkg/audio/portaudio"
	"github.com/MrWong99/aurora/pkg/provider/s2s"
	geminilive "github.com/MrWong99/aurora/pkg/provider/s2s/gemini"
)

// outputFramesPerBuffer is the render callback size. 20 ms at 24 kHz.
const outputFramesPerBuffer = 480

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "aurora: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aurora: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aurora: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("aurora starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.Telemetry.ServiceName})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Backend ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBackends(reg)
	provider, err := reg.CreateBackend(cfg.Backend)
	if err != nil {
		slog.Error("failed to create backend", "name", cfg.Backend.Name, "err", err)
		return 1
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         cfg.Backend.Name,
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		OnStateChange: func(from, to resilience.State) {
			if to == resilience.StateOpen {
				metrics.RecordProviderError(context.Background(), cfg.Backend.Name, "circuit_open")
			}
		},
	})

	// ── Knowledge ─────────────────────────────────────────────────────────────
	store, closeStore, err := openKnowledge(ctx, cfg.Knowledge)
	if err != nil {
		slog.Error("failed to open knowledge store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Audio devices ─────────────────────────────────────────────────────────
	if err := portaudio.Init(); err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("audio terminate", "err", err)
		}
	}()

	renderer, err := mixer.New(cfg.Audio.OutputRate, mixer.WithChannels(cfg.Audio.OutputChannels))
	if err != nil {
		slog.Error("failed to create mixer", "err", err)
		return 1
	}
	defer renderer.Close()

	output, err := portaudio.OpenOutput(renderer, outputFramesPerBuffer)
	if err != nil {
		slog.Error("failed to open output device", "err", err)
		return 1
	}
	defer output.Close()

	// ── Session controller ────────────────────────────────────────────────────
	watch := newSessionWatch()
	ctrl, err := session.New(session.Deps{
		Provider:      provider,
		Input:         &portaudio.InputDevice{},
		Output:        renderer,
		Notifier:      newNotifier(cfg.Tools),
		Breaker:       breaker,
		Metrics:       metrics,
		CaptureRate:   cfg.Audio.CaptureRate,
		BlockSize:     cfg.Audio.BlockSize,
		PendingBlocks: cfg.Audio.PendingBlocks,
		ToolTimeout:   cfg.Tools.Timeout,
		OnTranscript: func(u session.Utterance) {
			if u.Final {
				slog.Info("transcript", "speaker", u.Speaker, "text", u.Text)
			}
		},
		OnStatus: func(s session.State) {
			slog.Info("session status", "session_id", s.SessionID, "state", s.Conn, "interrupted", s.Interrupted, "err", s.Err)
			watch.observe(s)
		},
	}, sessionConfig(cfg))
	if err != nil {
		slog.Error("invalid agent configuration", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		if !d.AgentChanged {
			return
		}
		if err := ctrl.UpdateConfig(agentUpdate(d.Agent, new.Agent)); err != nil {
			slog.Warn("agent reload rejected", "err", err)
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           newMux(ctrl, breaker, tel, cfg.Telemetry.Metrics, metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// SIGHUP forces a config reload without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := watcher.Reload(); err != nil && !errors.Is(err, config.ErrUnchanged) {
					slog.Warn("config reload failed", "err", err)
				}
			}
		}
	})

	g.Go(func() error {
		profile, err := store.Profile(gctx)
		if err != nil {
			return fmt.Errorf("read business profile: %w", err)
		}
		if err := ctrl.Connect(gctx, session.ConnectParams{SystemPrompt: profile.Instruction()}); err != nil {
			return err
		}
		slog.Info("session live, press Ctrl+C to hang up")
		if err := watch.wait(gctx); err != nil {
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ctrl.Disconnect(shutdownCtx); err != nil {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Wiring ────────────────────────────────────────────────────────────────────

// sessionWatch reports a session that the backend ended on its own.
type sessionWatch struct {
	ended chan error
}

func newSessionWatch() *sessionWatch {
	return &sessionWatch{ended: make(chan error, 1)}
}

// observe is fed every status change. Only a disconnect carrying an error
// counts; a requested hang-up leaves Err nil.
func (w *sessionWatch) observe(s session.State) {
	if s.Conn != s2s.StateDisconnected || s.Err == nil {
		return
	}
	select {
	case w.ended <- s.Err:
	default:
	}
}

// wait returns nil once ctx is done, or the cause of a lost session.
func (w *sessionWatch) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-w.ended:
		return fmt.Errorf("session lost: %w", err)
	}
}

// registerBackends wires the built-in speech backends into reg.
func registerBackends(reg *config.Registry) {
	reg.RegisterBackend("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini-live: api_key is required")
		}
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})
	for _, name := range reg.Backends() {
		slog.Debug("registered backend", "name", name)
	}
}

// openKnowledge returns the configured profile store and a function
// releasing it.
func openKnowledge(ctx context.Context, cfg config.KnowledgeConfig) (knowledge.Store, func(), error) {
	switch {
	case cfg.PostgresDSN != "":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return knowledge.NewPostgresStore(pool), pool.Close, nil
	case cfg.File != "":
		return knowledge.NewFileStore(cfg.File), func() {}, nil
	default:
		return knowledge.Static{}, func() {}, nil
	}
}

func newNotifier(cfg config.ToolsConfig) tools.Notifier {
	log := tools.LogNotifier{}
	if cfg.WebhookURL == "" {
		return log
	}
	return tools.MultiNotifier{log, tools.NewWebhookNotifier(cfg.WebhookURL, nil)}
}

func newMux(ctrl *session.Controller, breaker *resilience.CircuitBreaker, tel *observe.Telemetry, withMetrics bool, m *observe.Metrics) http.Handler {
	mux := http.NewServeMux()
	health.New(
		health.ErrFunc("session", ctrl.Health),
		health.ErrFunc("backend", breaker.Err),
	).Register(mux)
	if withMetrics {
		mux.Handle("GET /metrics", tel.MetricsHandler())
	}
	return observe.Middleware(m)(mux)
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Voice:        cfg.Agent.Voice,
		Tone:         cfg.Agent.Tone,
		SpeakingRate: cfg.Agent.SpeakingRate,
		Ambience:     cfg.Agent.Ambience.Settings(),
	}
}

// agentUpdate builds the partial update for the agent fields d marks changed.
func agentUpdate(d config.AgentDiff, a config.AgentConfig) session.ConfigUpdate {
	var u session.ConfigUpdate
	if d.VoiceChanged {
		u.Voice = session.Ptr(a.Voice)
	}
	if d.ToneChanged {
		u.Tone = session.Ptr(a.Tone)
	}
	if d.RateChanged {
		u.SpeakingRate = session.Ptr(a.SpeakingRate)
	}
	if d.AmbienceChanged {
		s := a.Ambience.Settings()
		u.AmbienceTrack = session.Ptr(s.Track)
		u.AmbienceVolume = session.Ptr(s.Volume)
		u.AmbienceEnabled = session.Ptr(s.Enabled)
	}
	return u
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Aurora, startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Backend.Name)
	printRow("Voice", cfg.Agent.Voice)
	printRow("Tone", cfg.Agent.Tone)
	printRow("Ambience", cfg.Agent.Ambience.Track)
	switch {
	case cfg.Knowledge.PostgresDSN != "":
		printRow("Knowledge", "postgres")
	case cfg.Knowledge.File != "":
		printRow("Knowledge", cfg.Knowledge.File)
	default:
		printRow("Knowledge", "(built-in)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
