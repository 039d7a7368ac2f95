package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/pkg/worker"
)

// ErrEngineClosed is returned by Flush after Close.
var ErrEngineClosed = errors.New("metrics engine is closed")

// ErrDeliverySuspended is returned by Flush when the batch was dropped
// without a write because the discard policy suspended delivery.
var ErrDeliverySuspended = errors.New("delivery suspended by error threshold")

const (
	triggerSize     = "batch_size"
	triggerInterval = "interval"
	triggerManual   = "manual"
	triggerShutdown = "shutdown"

	stopTimeout = 30 * time.Second
)

// Config configures an Engine
type Config struct {
	// BatchSize is the pending count at which Ingest flushes inline.
	BatchSize int
	// FlushInterval is the period of the background flush; zero disables it.
	FlushInterval time.Duration
	// Policy decides when failed batches are dropped. Defaults to
	// ConsecutiveFailures{Threshold: DefaultErrorThreshold}.
	Policy DiscardPolicy
}

// Stats is a point-in-time view of the engine counters
type Stats struct {
	Pending       int   `json:"pending"`
	ErrorCount    int   `json:"error_count"`
	Suspended     bool  `json:"suspended"`
	Closed        bool  `json:"closed"`
	Ingested      int64 `json:"ingested"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
	Flushes       int64 `json:"flushes"`
	FailedFlushes int64 `json:"failed_flushes"`
}

// Engine buffers points and delivers them to a Writer in batches. A batch is
// written when the buffer reaches BatchSize, on every FlushInterval tick, on
// an explicit Flush and once more during Close. At most one write is in
// flight at any time.
type Engine struct {
	cfg      Config
	writer   Writer
	log      *zap.Logger
	observer Observer
	buffer   *PointBuffer
	ticker   *worker.PeriodicWorker

	// flushMu serializes flushes; failures is only written while it is held.
	flushMu  sync.Mutex
	failures atomic.Int64

	ingested      atomic.Int64
	delivered     atomic.Int64
	dropped       atomic.Int64
	flushes       atomic.Int64
	failedFlushes atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option customizes an Engine
type Option func(*Engine)

// WithObserver attaches an observer for self-monitoring
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// NewEngine creates an engine around writer. Call Start to enable the
// interval flush.
func NewEngine(cfg Config, writer Writer, log *zap.Logger, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Policy == nil {
		cfg.Policy = ConsecutiveFailures{Threshold: DefaultErrorThreshold, Mode: RecoveryRetry}
	}
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		cfg:      cfg,
		writer:   writer,
		log:      log,
		observer: nopObserver{},
		buffer:   NewPointBuffer(cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.log.Info("metrics engine initialized",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval),
		zap.Stringer("policy", cfg.Policy),
	)

	return e
}

// Start launches the interval flush. It is a no-op when FlushInterval is zero.
func (e *Engine) Start(ctx context.Context) {
	if e.cfg.FlushInterval <= 0 || e.closed.Load() {
		return
	}

	e.ticker = worker.NewPeriodicWorker(worker.Func{
		WorkerName: "metrics-flush",
		Fn: func(ctx context.Context) error {
			// outcome is already logged by flush
			_ = e.flush(ctx, triggerInterval, true)
			return nil
		},
	}, e.cfg.FlushInterval, e.log)
	e.ticker.Start(ctx)
}

// Ingest buffers a point and flushes inline once the batch size is reached.
// It never fails; points ingested after Close are dropped.
func (e *Engine) Ingest(ctx context.Context, p Point) {
	if e.closed.Load() {
		e.drop(1, "engine closed")
		return
	}

	size := e.buffer.Add(p)
	e.ingested.Add(1)
	e.observer.PointIngested()
	e.observer.PendingChanged(size)

	if size >= e.cfg.BatchSize {
		e.log.Debug("batch size reached, flushing", zap.Int("pending", size))
		// errors are logged inside flush and never reach producers
		_ = e.flush(ctx, triggerSize, false)
	}
}

// Flush writes everything pending, waiting for an in-flight flush first.
// It returns the write error, if any, after the policy has been applied.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.flush(ctx, triggerManual, true)
}

// ResetErrors clears the consecutive failure counter, resuming delivery in
// suspend mode.
func (e *Engine) ResetErrors() {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	if prev := e.failures.Swap(0); prev != 0 {
		e.log.Info("error counter reset manually", zap.Int64("previous", prev))
	}
}

// Stats returns current counters
func (e *Engine) Stats() Stats {
	failures := int(e.failures.Load())
	return Stats{
		Pending:       e.buffer.Len(),
		ErrorCount:    failures,
		Suspended:     e.cfg.Policy.Suspended(failures),
		Closed:        e.closed.Load(),
		Ingested:      e.ingested.Load(),
		Delivered:     e.delivered.Load(),
		Dropped:       e.dropped.Load(),
		Flushes:       e.flushes.Load(),
		FailedFlushes: e.failedFlushes.Load(),
	}
}

// flush drains the buffer and writes it. With wait=false the call is
// skipped when another flush holds the lock.
func (e *Engine) flush(ctx context.Context, trigger string, wait bool) error {
	if wait {
		e.flushMu.Lock()
	} else if !e.flushMu.TryLock() {
		e.log.Debug("flush already in progress, skipping", zap.String("trigger", trigger))
		return nil
	}
	defer e.flushMu.Unlock()

	// An Ingest that raced with Close may have refilled the buffer after the
	// final flush; the writer is gone by then.
	if e.closed.Load() {
		e.drop(e.buffer.Reset(), "engine closed")
		e.observer.PendingChanged(0)
		return ErrEngineClosed
	}

	batch := e.buffer.Drain()
	if len(batch) == 0 {
		return nil
	}
	e.observer.PendingChanged(e.buffer.Len())

	failures := int(e.failures.Load())
	if e.cfg.Policy.Suspended(failures) {
		e.drop(len(batch), "delivery suspended")
		e.log.Warn("delivery suspended after repeated errors, batch dropped",
			zap.Int("points", len(batch)),
			zap.Int("consecutive_failures", failures),
			zap.String("trigger", trigger),
		)
		return ErrDeliverySuspended
	}

	// Cancellation of the caller (a stopped ticker, a dropped admin request)
	// must not count as a sink failure.
	start := time.Now()
	err := e.writer.WriteAll(context.WithoutCancel(ctx), batch)
	elapsed := time.Since(start)
	e.flushes.Add(1)

	if err == nil {
		if prev := e.failures.Swap(0); prev != 0 {
			e.log.Warn("error counter reset since write succeeded", zap.Int64("previous", prev))
		}
		e.delivered.Add(int64(len(batch)))
		e.observer.FlushSucceeded(len(batch), elapsed)
		e.log.Info("batch written",
			zap.Int("points", len(batch)),
			zap.Int64("elapsed_ms", elapsed.Milliseconds()),
			zap.String("trigger", trigger),
		)
		return nil
	}

	failures = int(e.failures.Add(1))
	e.failedFlushes.Add(1)
	e.observer.FlushFailed(len(batch), err)
	e.log.Error("batch write failed",
		zap.Int("points", len(batch)),
		zap.Int("consecutive_failures", failures),
		zap.String("trigger", trigger),
		zap.Error(err),
	)

	if e.cfg.Policy.ShouldDiscard(failures, len(batch)) {
		e.drop(len(batch), "error threshold reached")
		e.log.Warn("error threshold reached, failed batch dropped to bound memory",
			zap.Int("points", len(batch)),
			zap.Int("consecutive_failures", failures),
			zap.Stringer("policy", e.cfg.Policy),
		)
	} else {
		e.observer.PendingChanged(e.buffer.Requeue(batch))
	}

	return fmt.Errorf("flush of %d points failed: %w", len(batch), err)
}

func (e *Engine) drop(n int, reason string) {
	if n == 0 {
		return
	}
	e.dropped.Add(int64(n))
	e.observer.PointsDropped(n, reason)
}

// Close runs the shutdown sequence: stop the interval flush, flush what is
// left, close the writer and clear the buffer. Every step runs even when an
// earlier one fails. Only the writer close error is returned; a failed final
// flush is logged. Close is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.log.Info("closing metrics engine", zap.Int("pending", e.buffer.Len()))

		if e.ticker != nil {
			e.ticker.Stop(stopTimeout)
		}

		if err := e.flush(ctx, triggerShutdown, true); err != nil {
			e.log.Error("final flush failed", zap.Error(err))
		}

		// Ingest drops from here on; flushes that raced with the final one
		// are already behind flushMu.
		e.closed.Store(true)

		if err := e.writer.Close(); err != nil {
			e.log.Error("writer close failed", zap.Error(err))
			e.closeErr = fmt.Errorf("close writer: %w", err)
		}

		if n := e.buffer.Reset(); n > 0 {
			e.drop(n, "engine closed")
			e.log.Warn("pending points discarded at shutdown", zap.Int("points", n))
		}
		e.observer.PendingChanged(0)

		stats := e.Stats()
		e.log.Info("metrics engine closed",
			zap.Int64("ingested", stats.Ingested),
			zap.Int64("delivered", stats.Delivered),
			zap.Int64("dropped", stats.Dropped),
		)
	})
	return e.closeErr
}
