package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/internal/adapters/backend"
	"github.com/selivandex/loadmetrics/internal/adapters/config"
	"github.com/selivandex/loadmetrics/internal/health"
	"github.com/selivandex/loadmetrics/internal/ingest"
	"github.com/selivandex/loadmetrics/internal/listener"
	"github.com/selivandex/loadmetrics/internal/observability"
	"github.com/selivandex/loadmetrics/pkg/logger"
	"github.com/selivandex/loadmetrics/pkg/metrics"
	"github.com/selivandex/loadmetrics/pkg/sink"
)

const shutdownTimeout = 25 * time.Second

func main() {
	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync(log)

	log.Info("load metrics sidecar starting",
		zap.String("backend", cfg.Sink.Backend),
		zap.String("test_name", cfg.Listener.TestName),
		zap.Int("batch_size", cfg.Engine.BatchSize),
		zap.Duration("flush_interval", cfg.Engine.FlushInterval()),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer := observability.NewMetrics(registry)

	newEngine, err := engineFactory(cfg, observer, log)
	if err != nil {
		return err
	}

	lst := listener.New(cfg.Listener, metrics.NewRegistry(), newEngine, log.Named("listener"))
	if err := lst.SetupTest(ctx); err != nil {
		return fmt.Errorf("failed to set up test run: %w", err)
	}

	ingestServer := ingest.NewServer(cfg.Server.IngestAddr, lst, log.Named("ingest"))
	if err := ingestServer.Start(); err != nil {
		return fmt.Errorf("failed to start ingest server: %w", err)
	}

	healthServer := startHealthServer(cfg, lst, registry, log)

	<-ctx.Done()

	return performGracefulShutdown(log, healthServer, ingestServer, lst)
}

// engineFactory builds a started engine around a reconnecting sink for
// every new test run.
func engineFactory(cfg *config.Config, observer metrics.Observer, log *zap.Logger) (listener.EngineFactory, error) {
	open, err := backend.NewOpener(cfg, log)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) (*metrics.Engine, error) {
		writer := sink.NewReconnecting(ctx, cfg.Sink.Backend, open, log.Named("sink"))
		engine := metrics.NewEngine(cfg.Engine.MetricsConfig(), writer, log.Named("engine"), metrics.WithObserver(observer))
		engine.Start(ctx)
		return engine, nil
	}, nil
}

// startHealthServer starts health check server for probes and scraping
func startHealthServer(cfg *config.Config, run health.RunState, registry *prometheus.Registry, log *zap.Logger) *health.Server {
	healthServer := health.NewServer(cfg.Server.HealthAddr, run, registry, log.Named("health"))

	go func() {
		if err := healthServer.Start(); err != nil {
			log.Error("health server error", zap.Error(err))
		}
	}()

	healthServer.SetReady(true)
	return healthServer
}

// performGracefulShutdown stops intake first so the final flush sees every
// sample that was accepted.
func performGracefulShutdown(log *zap.Logger, healthServer *health.Server, ingestServer *ingest.Server, lst *listener.Listener) error {
	log.Info("shutdown signal received, starting graceful shutdown")

	healthServer.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var errs []error

	log.Info("stopping ingest server")
	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		log.Error("ingest server stop error", zap.Error(err))
	}

	log.Info("tearing down test run")
	if err := lst.TeardownTest(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("teardown: %w", err))
	}

	log.Info("stopping health server")
	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Error("health server stop error", zap.Error(err))
	}

	if shutdownCtx.Err() != nil {
		log.Warn("shutdown timeout exceeded")
		errs = append(errs, errors.New("graceful shutdown timeout"))
	} else {
		log.Info("shutdown completed successfully")
	}

	return errors.Join(errs...)
}
