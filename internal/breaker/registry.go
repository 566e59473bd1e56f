package breaker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/record"
)

// Registry holds named breakers. Operations on unregistered names fail
// open: execution is permitted and outcomes are dropped.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
	onChange []func(name string, from, to State)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Register creates (or replaces) the breaker called name.
func (r *Registry) Register(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[name] = newBreaker(name, cfg, r.logger, r.notify)
}

// OnStateChange registers a callback invoked on every breaker transition.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Registry) notify(name string, from, to State) {
	// Called from a breaker holding its own mutex; the registry read
	// lock is safe here because breakers never call back into Register.
	r.mu.RLock()
	callbacks := make([]func(string, State, State), len(r.onChange))
	copy(callbacks, r.onChange)
	r.mu.RUnlock()
	for _, cb := range callbacks {
		cb(name, from, to)
	}
}

// get returns the breaker or nil for unknown names.
func (r *Registry) get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// CanExecute reports whether the named operation may run. Unknown names
// are permitted.
func (r *Registry) CanExecute(name string) bool {
	b := r.get(name)
	if b == nil {
		return true
	}
	return b.CanExecute()
}

// RecordSuccess notes a success on the named breaker, if registered.
func (r *Registry) RecordSuccess(name string) {
	if b := r.get(name); b != nil {
		b.RecordSuccess()
	}
}

// RecordFailure notes a failure on the named breaker, if registered.
func (r *Registry) RecordFailure(name string) {
	if b := r.get(name); b != nil {
		b.RecordFailure()
	}
}

// Execute runs op under the named breaker: gated by CanExecute, outcome
// recorded. A gated call fails immediately with ErrCircuitOpen.
func (r *Registry) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	b := r.get(name)
	if b == nil {
		return op(ctx)
	}
	if !b.CanExecute() {
		return fmt.Errorf("%w: %s", record.ErrCircuitOpen, name)
	}
	if err := op(ctx); err != nil {
		// Caller cancellation is not a dependency failure.
		if ctx.Err() == nil {
			b.RecordFailure()
		}
		return err
	}
	b.RecordSuccess()
	return nil
}

// Stats returns the snapshot of the named breaker, or false for unknown
// names.
func (r *Registry) Stats(name string) (Stats, bool) {
	b := r.get(name)
	if b == nil {
		return Stats{}, false
	}
	return b.Stats(), true
}

// Reset forces the named breaker to Closed.
func (r *Registry) Reset(name string) {
	if b := r.get(name); b != nil {
		b.Reset()
	}
}

// ResetAll forces every breaker to Closed.
func (r *Registry) ResetAll() {
	// Reset may fire notify, which takes the read lock itself, so the
	// breakers are reset after the lock is released.
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()
	for _, b := range all {
		b.Reset()
	}
}

// Names lists registered breaker names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	return names
}
