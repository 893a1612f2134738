// Command vigil is a voice-activated local assistant: it listens for a wake
// phrase, transcribes the request, asks a backend and speaks the reply.
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

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vigil/internal/app"
	"github.com/MrWong99/vigil/internal/config"
	"github.com/MrWong99/vigil/internal/events"
	"github.com/MrWong99/vigil/internal/health"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/pkg/audio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "vigil.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file with provider credentials")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// Credentials referenced as ${VAR} in the config may live in a dotenv
	// file. A missing file is fine.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "vigil: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg     *config.Config
		watcher *config.Watcher
		onApply func(config.ConfigDiff, *config.Config)
	)
	_, statErr := os.Stat(*configPath)
	switch {
	case errors.Is(statErr, os.ErrNotExist):
		slog.Warn("config file not found, using built-in defaults", "config", *configPath)
		cfg = config.Default()
	case *watch:
		w, err := config.NewWatcher(*configPath, func(d config.ConfigDiff, c *config.Config) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
			}
			if onApply != nil {
				onApply(d, c)
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
			return 1
		}
		watcher, cfg = w, w.Current()
	default:
		c, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
			return 1
		}
		cfg = c
	}
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("vigil starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Attributes:     telemetryAttributes(cfg),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Events ────────────────────────────────────────────────────────────────
	hub := events.NewHub()
	defer hub.Close()
	sink := events.Multi{hub, events.LogSink{}}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	dev := config.DeviceFromConfig(cfg.Audio,
		audio.WithDropoutHandler(app.DropoutReporter(sink, metrics, cfg.Audio.Source.Name)))
	providers, err := buildProviders(cfg, reg, metrics, dev)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers,
		app.WithEventSink(sink),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	onApply = application.Apply

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	var admin *http.Server
	if cfg.Server.ListenAddr != "" {
		admin = newAdminServer(cfg.Server.ListenAddr, adminHandlers{
			metrics: metrics,
			scrape:  tel.Handler(),
			events:  hub,
			checks:  application.Checkers(),
			cancel:  application.Orchestrator().Cancel,
		})
		g.Go(func() error {
			slog.Info("admin listener started", "addr", admin.Addr)
			if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(sctx)
		})
	}

	slog.Info("listening for the wake phrase, press Ctrl+C to shut down")

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

type adminHandlers struct {
	metrics *observe.Metrics
	scrape  http.Handler
	events  http.Handler
	checks  []health.Checker
	cancel  func()
}

// newAdminServer serves metrics, health checks, the live event stream and a manual
// cancel that stops whatever the assistant is doing.
func newAdminServer(addr string, h adminHandlers) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", h.scrape)
	mux.Handle("GET /events", h.events)
	mux.HandleFunc("POST /cancel", func(w http.ResponseWriter, r *http.Request) {
		slog.Info("cancel requested", "remote", r.RemoteAddr)
		h.cancel()
		w.WriteHeader(http.StatusAccepted)
	})
	health.New(h.checks...).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(h.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// telemetryAttributes describes this assistant's setup on target_info.
func telemetryAttributes(cfg *config.Config) []attribute.KeyValue {
	backendName := cfg.Providers.LLM.Name
	if cfg.Backend.Kind == config.BackendCommand {
		backendName = cfg.Backend.Command
	}
	return []attribute.KeyValue{
		attribute.String("vigil.audio.source", cfg.Audio.Source.Name),
		attribute.String("vigil.audio.sink", cfg.Audio.Sink.Name),
		attribute.Int("vigil.audio.channels", cfg.Audio.Channels),
		attribute.String("vigil.stt", cfg.Providers.STT.Name),
		attribute.String("vigil.tts", cfg.Providers.TTS.Name),
		attribute.String("vigil.backend.kind", string(cfg.Backend.Kind)),
		attribute.String("vigil.backend", backendName),
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Vigil · startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", cfg.Audio.Source.Name)
	printRow("Sink", cfg.Audio.Sink.Name)
	printRow("Format", fmt.Sprintf("%d Hz / %d ch", cfg.Audio.SampleRate, cfg.Audio.Channels))
	printRow("VAD", cfg.Providers.VAD.Name)
	printRow("STT", withModel(cfg.Providers.STT))
	printRow("TTS", withModel(cfg.Providers.TTS))
	if cfg.Backend.Kind == config.BackendCommand {
		printRow("Backend", "command / "+cfg.Backend.Command)
	} else {
		printRow("Backend", withModel(cfg.Providers.LLM))
	}
	printRow("Wake phrases", fmt.Sprintf("%d", len(cfg.Wake.Phrases)))
	if cfg.Server.ListenAddr != "" {
		printRow("Admin", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func withModel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
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
