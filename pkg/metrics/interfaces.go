package metrics

import (
	"context"
	"time"
)

// Writer delivers batches of points to a time-series backend.
type Writer interface {
	// WriteAll writes the whole batch. The call is all-or-nothing: any error
	// means the batch is treated as not delivered.
	WriteAll(ctx context.Context, points []Point) error
	// Close releases the backend connection
	Close() error
}

// Opener connects to a backend and returns a ready Writer.
type Opener func(ctx context.Context) (Writer, error)

// Observer receives engine events for self-monitoring. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	PointIngested()
	FlushSucceeded(points int, elapsed time.Duration)
	FlushFailed(points int, err error)
	PointsDropped(points int, reason string)
	PendingChanged(pending int)
}

// Ingester is the producer-facing side of the engine.
type Ingester interface {
	// Ingest buffers a point. It never fails and never returns an error to
	// the producer.
	Ingest(ctx context.Context, point Point)
}

// Flusher is implemented by anything able to push buffered points out.
type Flusher interface {
	Flush(ctx context.Context) error
}

type nopObserver struct{}

func (nopObserver) PointIngested()                    {}
func (nopObserver) FlushSucceeded(int, time.Duration) {}
func (nopObserver) FlushFailed(int, error)            {}
func (nopObserver) PointsDropped(int, string)         {}
func (nopObserver) PendingChanged(int)                {}
