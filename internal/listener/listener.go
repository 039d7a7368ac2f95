// Package listener drives one load test run: it owns the metrics engine for
// the duration of the run and turns host callbacks into points.
package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/internal/adapters/config"
	"github.com/selivandex/loadmetrics/internal/measurement"
	"github.com/selivandex/loadmetrics/internal/threads"
	"github.com/selivandex/loadmetrics/pkg/metrics"
	"github.com/selivandex/loadmetrics/pkg/worker"
)

// ErrNotRunning is returned by TeardownTest without a matching SetupTest
var ErrNotRunning = errors.New("test run is not set up")

const samplerStopTimeout = 30 * time.Second

// EngineFactory builds and starts the engine for a new run
type EngineFactory func(ctx context.Context) (*metrics.Engine, error)

// Listener implements the test lifecycle hooks of the host
type Listener struct {
	cfg       config.ListenerConfig
	registry  *metrics.Registry
	newEngine EngineFactory
	log       *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	running bool
	engine  *metrics.Engine
	builder *measurement.Builder
	filter  *SamplerFilter
	tracker *threads.Tracker
	sampler *worker.PeriodicWorker
}

// Option customizes a Listener
type Option func(*Listener)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Listener) { l.now = now }
}

// New creates a listener. registry holds the engine between SetupTest and
// TeardownTest.
func New(cfg config.ListenerConfig, registry *metrics.Registry, newEngine EngineFactory, log *zap.Logger, opts ...Option) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Listener{
		cfg:       cfg,
		registry:  registry,
		newEngine: newEngine,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetupTest starts a run: it parses the sampler filter, gets or creates the
// engine, writes the started marker and schedules the virtual users sampler.
func (l *Listener) SetupTest(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	filter, err := NewSamplerFilter(l.cfg.SamplersList, l.cfg.UseRegex)
	if err != nil {
		return err
	}

	engine, err := l.registry.GetOrCreate(func() (*metrics.Engine, error) {
		return l.newEngine(ctx)
	})
	if err != nil {
		return err
	}

	runID := l.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	l.engine = engine
	l.filter = filter
	l.tracker = threads.NewTracker()
	l.builder = &measurement.Builder{
		RunID:              runID,
		TestName:           l.cfg.TestName,
		NodeName:           l.cfg.NodeName,
		SaveErrorBody:      l.cfg.SaveFailureBodies,
		ErrorBodyMaxLength: l.cfg.ErrorBodyMaxLength,
	}

	engine.Ingest(ctx, l.builder.TestStartEndPoint(measurement.Started, l.now()))

	builder, tracker := l.builder, l.tracker
	l.sampler = worker.NewPeriodicWorker(worker.Func{
		WorkerName: "virtual-users",
		Fn: func(ctx context.Context) error {
			engine.Ingest(ctx, builder.VirtualUsersPoint(tracker.Snapshot(), l.now()))
			return nil
		},
	}, l.cfg.VirtualUsersPeriod, l.log)
	l.sampler.Start(ctx)

	l.running = true

	l.log.Info("test run started",
		zap.String("test_name", l.cfg.TestName),
		zap.String("run_id", runID),
		zap.String("node_name", l.cfg.NodeName),
		zap.String("samplers", l.cfg.SamplersList),
		zap.Bool("regex", l.cfg.UseRegex),
	)

	return nil
}

// HandleSampleResults records a batch of samples. Sub results are included
// when enabled; only labels accepted by the sampler filter become points.
// Samples arriving outside a run are ignored.
func (l *Listener) HandleSampleResults(ctx context.Context, results []measurement.SampleResult) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.running {
		l.log.Debug("samples received outside a test run, ignored", zap.Int("samples", len(results)))
		return
	}

	for _, r := range measurement.Flatten(results, l.cfg.RecordSubSamples) {
		l.tracker.Observe(r.ActiveThreads)

		if !l.filter.Match(r.Label) {
			continue
		}
		l.engine.Ingest(ctx, l.builder.RequestPoint(r, l.builder.RequestTime(l.now())))
	}
}

// RecordThreads updates thread counters reported by the host
func (l *Listener) RecordThreads(counts threads.Counts) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.running {
		l.tracker.Update(counts)
	}
}

// Running reports whether a run is in progress
func (l *Listener) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// Engine returns the engine of the current run, or nil
func (l *Listener) Engine() *metrics.Engine {
	return l.registry.Current()
}

// TeardownTest ends the run: stops the sampler, writes a final virtual users
// point and the finished marker, then releases the engine, which flushes and
// closes the sink. The sink close error is returned.
func (l *Listener) TeardownTest(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return ErrNotRunning
	}
	l.running = false

	l.log.Info("shutting down test run")

	if !l.sampler.Stop(samplerStopTimeout) {
		l.log.Warn("virtual users sampler did not stop in time")
	}

	l.engine.Ingest(ctx, l.builder.VirtualUsersPoint(threads.Snapshot{Finished: l.tracker.Finished()}, l.now()))
	l.engine.Ingest(ctx, l.builder.TestStartEndPoint(measurement.Finished, l.now()))

	err := l.registry.Release(ctx)
	if err != nil {
		l.log.Error("engine release failed", zap.Error(err))
	}

	l.engine, l.sampler, l.filter, l.builder, l.tracker = nil, nil, nil, nil, nil
	return err
}
