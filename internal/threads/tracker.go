// Package threads tracks how many virtual users are active over a sampling
// window.
package threads

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Counts are thread counters reported by the load tool
type Counts struct {
	Active   int `json:"active"`
	Started  int `json:"started"`
	Finished int `json:"finished"`
}

// Snapshot summarizes one sampling window
type Snapshot struct {
	Min      int
	Mean     int
	Max      int
	Started  int
	Finished int
}

// Tracker accumulates active thread observations. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	min, max   int
	sum, count int64
	last       int

	started  int
	finished int
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe records an active thread count seen with a sample
func (t *Tracker) Observe(active int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observe(active)
}

func (t *Tracker) observe(active int) {
	if active < 0 {
		active = 0
	}
	if t.count == 0 || active < t.min {
		t.min = active
	}
	if t.count == 0 || active > t.max {
		t.max = active
	}
	t.sum += int64(active)
	t.count++
	t.last = active
}

// Update records host counters; Active is observed like a sample
func (t *Tracker) Update(c Counts) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.observe(c.Active)
	t.started = c.Started
	t.finished = c.Finished
}

// Finished returns the last reported finished thread count
func (t *Tracker) Finished() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Snapshot returns the window summary and starts a new window. A window
// without observations repeats the last known active count.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Min:      t.last,
		Mean:     t.last,
		Max:      t.last,
		Started:  t.started,
		Finished: t.finished,
	}
	if t.count > 0 {
		s.Min = t.min
		s.Max = t.max
		s.Mean = int(decimal.NewFromInt(t.sum).
			Div(decimal.NewFromInt(t.count)).
			Round(0).
			IntPart())
	}

	t.min, t.max, t.sum, t.count = 0, 0, 0, 0
	return s
}
