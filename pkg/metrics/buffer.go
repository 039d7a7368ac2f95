package metrics

import (
	"sync"
)

// PointBuffer is an ordered, mutex guarded queue of pending points. It has no
// capacity limit of its own; the engine bounds it by flushing and by its
// discard policy.
type PointBuffer struct {
	mu     sync.Mutex
	points []Point
}

// NewPointBuffer creates an empty buffer with room for capacity points.
func NewPointBuffer(capacity int) *PointBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &PointBuffer{points: make([]Point, 0, capacity)}
}

// Add appends a point and returns the new pending count.
func (b *PointBuffer) Add(p Point) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.points = append(b.points, p)
	return len(b.points)
}

// Drain removes and returns everything buffered. Points added after Drain
// returns belong to the next batch.
func (b *PointBuffer) Drain() []Point {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.points) == 0 {
		return nil
	}

	drained := b.points
	b.points = make([]Point, 0, cap(drained))
	return drained
}

// Requeue puts a previously drained batch back in front of anything added
// since, so the original relative order survives a failed write.
func (b *PointBuffer) Requeue(batch []Point) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(batch) == 0 {
		return len(b.points)
	}

	merged := make([]Point, 0, len(batch)+len(b.points))
	merged = append(merged, batch...)
	merged = append(merged, b.points...)
	b.points = merged
	return len(b.points)
}

// Len returns the number of pending points
func (b *PointBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.points)
}

// Reset discards all pending points and returns how many were dropped.
func (b *PointBuffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := len(b.points)
	b.points = nil
	return dropped
}
