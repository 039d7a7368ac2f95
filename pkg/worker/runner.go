package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker interface that background workers should implement
type Worker interface {
	// Name returns worker name for logging
	Name() string
	// Run executes one iteration of work
	Run(ctx context.Context) error
}

// Func adapts a plain function to the Worker interface
type Func struct {
	WorkerName string
	Fn         func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.WorkerName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

// PeriodicWorker wraps a Worker with periodic execution
type PeriodicWorker struct {
	worker     Worker
	interval   time.Duration
	runOnStart bool
	log        *zap.Logger
	wg         sync.WaitGroup
	name       string

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// Option configures a PeriodicWorker
type Option func(*PeriodicWorker)

// WithRunOnStart runs one iteration as soon as the worker starts instead of
// waiting for the first tick.
func WithRunOnStart(run bool) Option {
	return func(pw *PeriodicWorker) { pw.runOnStart = run }
}

// NewPeriodicWorker creates new periodic worker
func NewPeriodicWorker(worker Worker, interval time.Duration, log *zap.Logger, opts ...Option) *PeriodicWorker {
	if log == nil {
		log = zap.NewNop()
	}
	pw := &PeriodicWorker{
		worker:   worker,
		interval: interval,
		log:      log,
		name:     worker.Name(),
	}
	for _, opt := range opts {
		opt(pw)
	}
	return pw
}

// Start starts the worker. It is a no-op when already started.
func (pw *PeriodicWorker) Start(ctx context.Context) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.started {
		return
	}
	pw.started = true

	ctx, pw.cancel = context.WithCancel(ctx)
	pw.wg.Add(1)
	go pw.run(ctx)
}

// Stop cancels the worker and waits up to timeout for the current
// iteration to finish. It reports whether the worker exited in time.
func (pw *PeriodicWorker) Stop(timeout time.Duration) bool {
	pw.mu.Lock()
	cancel := pw.cancel
	pw.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	done := make(chan struct{})
	go func() {
		pw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		pw.log.Debug("worker stopped", zap.String("worker", pw.name))
		return true
	case <-time.After(timeout):
		pw.log.Warn("worker stop timeout",
			zap.String("worker", pw.name),
			zap.Duration("timeout", timeout),
		)
		return false
	}
}

// run executes worker periodically
func (pw *PeriodicWorker) run(ctx context.Context) {
	defer pw.wg.Done()

	pw.log.Debug("worker started",
		zap.String("worker", pw.name),
		zap.Duration("interval", pw.interval),
	)

	if pw.runOnStart {
		pw.execute(ctx)
	}

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			pw.execute(ctx)
		}
	}
}

func (pw *PeriodicWorker) execute(ctx context.Context) {
	if err := pw.worker.Run(ctx); err != nil {
		// Continue despite error - don't crash worker
		pw.log.Error("worker execution failed",
			zap.String("worker", pw.name),
			zap.Error(err),
		)
	}
}
