// Command lectern is the real-time lecture transcription server.
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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/podiumlabs/lectern/internal/config"
	"github.com/podiumlabs/lectern/internal/health"
	"github.com/podiumlabs/lectern/internal/observe"
	"github.com/podiumlabs/lectern/internal/server"
	"github.com/podiumlabs/lectern/internal/session"
	"github.com/podiumlabs/lectern/internal/webhook"
	"github.com/podiumlabs/lectern/pkg/embeddings"
	embedmock "github.com/podiumlabs/lectern/pkg/embeddings/mock"
	oaembed "github.com/podiumlabs/lectern/pkg/embeddings/openai"
	"github.com/podiumlabs/lectern/pkg/recognizer"
	recmock "github.com/podiumlabs/lectern/pkg/recognizer/mock"
	"github.com/podiumlabs/lectern/pkg/recognizer/speechgw"
	"github.com/podiumlabs/lectern/pkg/slideindex"
	pgindex "github.com/podiumlabs/lectern/pkg/slideindex/postgres"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "lectern.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lectern: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lectern: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can change it without
	// rebuilding the handler.
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("lectern starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "lectern",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}
	var collectorOpts []observe.CollectorOption
	if cfg.Recognizer.CostPerHourUSD > 0 {
		collectorOpts = append(collectorOpts, observe.WithCostPerHour(cfg.Recognizer.CostPerHourUSD))
	}
	collector := observe.NewCollector(metrics, collectorOpts...)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	if cfg.Recognizer.Provider == "" {
		slog.Error("recognizer.provider must be set (\"speechgw\" or \"mock\")")
		return 1
	}
	provider, err := reg.CreateRecognizer(cfg.Recognizer)
	if err != nil {
		slog.Error("failed to create recognizer provider", "name", cfg.Recognizer.Provider, "err", err)
		return 1
	}
	slog.Info("recognizer provider created", "name", cfg.Recognizer.Provider)

	var checkers []health.Checker
	if p, ok := provider.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("recognizer", p))
	}

	var embedder embeddings.Provider
	if cfg.Embeddings.Provider != "" {
		embedder, err = reg.CreateEmbeddings(cfg.Embeddings)
		if err != nil {
			slog.Error("failed to create embeddings provider", "name", cfg.Embeddings.Provider, "err", err)
			return 1
		}
		slog.Info("embeddings provider created", "name", cfg.Embeddings.Provider, "model", embedder.ModelID())
	}

	// ── Slide index source ────────────────────────────────────────────────────
	var indexes session.IndexSource
	switch {
	case cfg.Index.PostgresDSN != "":
		store, err := pgindex.NewStore(ctx, cfg.Index.PostgresDSN, embedder)
		if err != nil {
			slog.Error("failed to connect to slide index database", "err", err)
			return 1
		}
		defer store.Close()
		indexes = store
		checkers = append(checkers, health.PingChecker("slide_index", store))
		slog.Info("slide index source", "kind", "postgres")
	case cfg.Index.JSONDir != "":
		var opts []slideindex.MemIndexOption
		if embedder != nil {
			opts = append(opts, slideindex.WithEmbedder(embedder))
		}
		dir := slideindex.NewDir(cfg.Index.JSONDir, opts...)
		indexes = dir
		checkers = append(checkers, health.PingChecker("slide_index", dir))
		slog.Info("slide index source", "kind", "json_dir", "dir", cfg.Index.JSONDir)
	default:
		slog.Warn("no slide index source configured; slide matching disabled")
	}

	// ── Webhook notifier ──────────────────────────────────────────────────────
	var extra []session.Consumer
	var notifier *webhook.Notifier
	if cfg.Backend.BaseURL != "" {
		nopts := []webhook.Option{webhook.WithCollector(collector)}
		if cfg.Backend.CallbackTimeout > 0 {
			nopts = append(nopts, webhook.WithTimeout(cfg.Backend.CallbackTimeout.Std()))
		}
		if cfg.Backend.ServiceToken != "" {
			nopts = append(nopts, webhook.WithAuthToken(cfg.Backend.ServiceToken))
		}
		notifier, err = webhook.New(cfg.Backend.BaseURL, nil, nopts...)
		if err != nil {
			slog.Error("failed to create webhook notifier", "err", err)
			return 1
		}
		defer notifier.Stop()
		extra = append(extra, notifier)
		slog.Info("backend webhook enabled", "url", cfg.Backend.BaseURL)
	}

	// ── Session core ──────────────────────────────────────────────────────────
	manager := session.NewManager(session.ManagerConfig{
		Provider:  provider,
		Indexes:   indexes,
		Collector: collector,
	})

	renewer := session.NewRenewer(session.RenewerConfig{Manager: manager})
	renewer.Start(ctx)
	defer renewer.Stop()

	alerts := observe.NewAlertManager(observe.AlertManagerConfig{
		Collector:     collector,
		Thresholds:    alertThresholds(cfg.Alerts),
		CheckInterval: cfg.Alerts.CheckInterval.Std(),
	})
	alerts.Start()
	defer alerts.Stop()

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()

	srv := server.New(server.Config{
		Manager:   manager,
		Collector: collector,
		Alerts:    alerts,
		Extra:     extra,
	})
	srv.Register(mux)

	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(metrics)(mux),
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		d := config.Diff(old, next)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.AlertsChanged {
			alerts.SetThresholds(alertThresholds(d.NewAlerts))
			slog.Info("alert thresholds reloaded")
		}
		if d.BackendChanged {
			slog.Warn("backend webhook settings changed; restart to apply")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready", "addr", addr)

	// ── Run until signal ──────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		manager.CloseAll(sctx)
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// Lectern into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterRecognizer("speechgw", func(cfg config.RecognizerConfig) (recognizer.Provider, error) {
		token := cfg.Token
		if token == "" && cfg.CredentialsPath != "" {
			data, err := os.ReadFile(cfg.CredentialsPath)
			if err != nil {
				return nil, fmt.Errorf("read credentials: %w", err)
			}
			token = strings.TrimSpace(string(data))
		}
		var opts []speechgw.Option
		if cfg.Model != "" {
			opts = append(opts, speechgw.WithModel(cfg.Model))
		}
		if cfg.LanguageCode != "" {
			opts = append(opts, speechgw.WithLanguage(cfg.LanguageCode))
		}
		if cfg.ProjectID != "" {
			opts = append(opts, speechgw.WithProjectID(cfg.ProjectID))
		}
		return speechgw.New(cfg.Endpoint, token, opts...)
	})

	reg.RegisterRecognizer("mock", func(_ config.RecognizerConfig) (recognizer.Provider, error) {
		return &recmock.Provider{}, nil
	})

	reg.RegisterEmbeddings("openai", func(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(cfg.BaseURL))
		}
		return oaembed.New(cfg.APIKey, cfg.Model, opts...)
	})

	reg.RegisterEmbeddings("mock", func(_ config.EmbeddingsConfig) (embeddings.Provider, error) {
		return &embedmock.Provider{}, nil
	})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

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

func alertThresholds(cfg config.AlertsConfig) observe.Thresholds {
	return observe.Thresholds{
		LatencyP95Warn:     cfg.LatencyP95Warn.Std(),
		LatencyP95Critical: cfg.LatencyP95Critical.Std(),
		ErrorRateWarn:      cfg.ErrorRateWarn,
		ErrorRateCritical:  cfg.ErrorRateCritical,
		ConfidenceWarn:     cfg.ConfidenceWarn,
		ConfidenceCritical: cfg.ConfidenceCritical,
		StuckSessionAge:    cfg.StuckSessionAge.Std(),
		MaxCostPerHour:     cfg.MaxCostPerHour,
	}
}
