package metrics

import (
	"context"
	"sync"
)

// Registry holds the engine of the current test run. The first GetOrCreate
// builds the engine, concurrent callers share it, and Release shuts it down
// so the next run starts from fresh configuration. Creation and release are
// mutually exclusive.
type Registry struct {
	mu     sync.RWMutex
	engine *Engine
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// GetOrCreate returns the current engine, calling build if there is none.
// Uses double-checked locking so the fast path only takes the read lock.
func (r *Registry) GetOrCreate(build func() (*Engine, error)) (*Engine, error) {
	r.mu.RLock()
	engine := r.engine
	r.mu.RUnlock()

	if engine != nil {
		return engine, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if r.engine != nil {
		return r.engine, nil
	}

	engine, err := build()
	if err != nil {
		return nil, err
	}
	r.engine = engine
	return engine, nil
}

// Current returns the live engine or nil
func (r *Registry) Current() *Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine
}

// Release closes the current engine and empties the registry. The slot is
// cleared even when Close fails.
func (r *Registry) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	engine := r.engine
	if engine == nil {
		return nil
	}
	defer func() { r.engine = nil }()

	return engine.Close(ctx)
}
