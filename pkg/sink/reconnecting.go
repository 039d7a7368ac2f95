package sink

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/pkg/metrics"
)

// Reconnecting is a metrics.Writer that opens its backend lazily. A failed
// open is logged and retried on the next write, so an engine built while the
// backend is unreachable starts delivering once it comes back.
type Reconnecting struct {
	backend string
	open    metrics.Opener
	log     *zap.Logger

	mu     sync.Mutex
	writer metrics.Writer
	closed bool
}

var _ metrics.Writer = (*Reconnecting)(nil)

// NewReconnecting tries to open the backend once. Failure is not returned;
// the writer stays usable and retries on every WriteAll.
func NewReconnecting(ctx context.Context, backend string, open metrics.Opener, log *zap.Logger) *Reconnecting {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconnecting{backend: backend, open: open, log: log}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.connect(ctx); err != nil {
		r.log.Error("sink unavailable at setup, will retry on next flush",
			zap.String("backend", backend),
			zap.Error(err),
		)
	}
	return r
}

// Connected reports whether a backend connection is currently held
func (r *Reconnecting) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer != nil
}

func (r *Reconnecting) connect(ctx context.Context) (metrics.Writer, error) {
	if r.closed {
		return nil, ErrWriterClosed
	}
	if r.writer != nil {
		return r.writer, nil
	}

	w, err := r.open(ctx)
	if err != nil {
		if !IsConnectionError(err) {
			err = &ConnectionError{Backend: r.backend, Err: err}
		}
		return nil, err
	}

	r.log.Info("sink connected", zap.String("backend", r.backend))
	r.writer = w
	return w, nil
}

// WriteAll connects if needed and writes the batch.
func (r *Reconnecting) WriteAll(ctx context.Context, points []metrics.Point) error {
	r.mu.Lock()
	w, err := r.connect(ctx)
	r.mu.Unlock()

	if err != nil {
		return &WriteError{Backend: r.backend, Points: len(points), Err: err}
	}
	return w.WriteAll(ctx, points)
}

// Close closes the underlying writer when one was opened. Later writes fail
// with ErrWriterClosed instead of reconnecting.
func (r *Reconnecting) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	r.writer = nil
	if err != nil {
		return &ConnectionError{Backend: r.backend, Err: err}
	}
	return nil
}
