// Command queuerd is the reference worker daemon: it wires a StateAdapter,
// a NotifyAdapter, and an example job-type registry into a running Worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvet/queuert/internal/domain/repository"
	"github.com/kvet/queuert/internal/infrastructure/config"
	"github.com/kvet/queuert/internal/infrastructure/logging"
	notifymemory "github.com/kvet/queuert/internal/infrastructure/notify/memory"
	"github.com/kvet/queuert/internal/infrastructure/notify/pgnotify"
	notifyredis "github.com/kvet/queuert/internal/infrastructure/notify/redis"
	"github.com/kvet/queuert/internal/infrastructure/observability"
	"github.com/kvet/queuert/internal/infrastructure/registry"
	"github.com/kvet/queuert/internal/infrastructure/state/postgres"
	"github.com/kvet/queuert/pkg/queuert"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "queuerd:", err)
		os.Exit(1)
	}

	logger := logging.New(parseLevel(*logLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := postgres.Migrate(db); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	state := postgres.New(db)

	notifyAdapter, err := buildNotifyAdapter(cfg, logger)
	if err != nil {
		logger.Error("failed to build notify adapter", "error", err)
		os.Exit(1)
	}
	defer notifyAdapter.Close()

	reg := exampleRegistry()

	metricsReg := prometheus.NewRegistry()
	obs := observability.NewPrometheusSink(metricsReg)

	client := queuert.New(state, notifyAdapter, reg, logger, obs)

	go serveMetrics(cfg.MetricsAddr, metricsReg, logger)

	worker := client.NewWorker(queuert.WorkerConfig{
		TypeNames:   []string{"example.greet", "example.farewell"},
		Concurrency: cfg.WorkerConcurrency,
		Lease: queuert.LeaseConfig{
			LeaseMs:         cfg.LeaseMs,
			RenewIntervalMs: cfg.RenewIntervalMs,
		},
		Retry: queuert.RetryConfig{
			InitialDelayMs: cfg.RetryInitialDelayMs,
			Multiplier:     cfg.RetryMultiplier,
			MaxDelayMs:     cfg.RetryMaxDelayMs,
		},
	})
	worker.Use(queuert.Recover())
	registerExampleHandlers(worker)

	logger.Info("queuerd starting", "notify_backend", cfg.NotifyBackend, "concurrency", cfg.WorkerConcurrency)
	if err := worker.Run(ctx); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
}

// buildNotifyAdapter selects the NotifyAdapter per cfg.NotifyBackend,
// falling back to the in-process adapter (single-binary deployments, or
// local development without Redis/a dedicated Postgres connection).
func buildNotifyAdapter(cfg *config.Config, logger *logging.SlogLogger) (repository.NotifyAdapter, error) {
	switch cfg.NotifyBackend {
	case "redis":
		return notifyredis.New(notifyredis.Config{URL: cfg.RedisURL}, logger)
	case "pgnotify":
		return pgnotify.New(cfg.DatabaseURL, logger)
	case "memory", "":
		return notifymemory.New(), nil
	default:
		return nil, fmt.Errorf("queuerd: unknown notify backend %q", cfg.NotifyBackend)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logging.SlogLogger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

func parseLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// exampleRegistry declares the two job types the bundled handlers exercise:
// a chain entry that greets and continues into a farewell step.
func exampleRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register(registry.JobType{
		TypeName:    "example.greet",
		Entry:       true,
		NewInput:    func() any { return new(greetInput) },
		NewOutput:   func() any { return new(greetOutput) },
		ContinuesTo: []string{"example.farewell"},
	})
	reg.Register(registry.JobType{
		TypeName:  "example.farewell",
		NewInput:  func() any { return new(greetInput) },
		NewOutput: func() any { return new(greetOutput) },
	})
	return reg
}

type greetInput struct {
	Name string `json:"name"`
}

type greetOutput struct {
	Message string `json:"message"`
}
