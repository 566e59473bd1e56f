// Package breaker implements named three-state circuit breakers gating the
// engine's external-facing operations (embedding provider calls, storage).
package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state machine position.
type State uint8

const (
	// Closed passes all traffic while counting failures.
	Closed State = iota
	// Open rejects all traffic until the recovery timeout elapses.
	Open
	// HalfOpen lets a probe request through; its outcome decides the
	// next state.
	HalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the absolute consecutive-window failure count
	// that opens the breaker.
	FailureThreshold uint64

	// ErrorRateThreshold opens the breaker when failures/requests meets
	// it, once MinRequestThreshold requests have been seen. Range 0-1.
	ErrorRateThreshold float64

	// MinRequestThreshold is the request floor below which the error
	// rate is ignored.
	MinRequestThreshold uint64

	// RecoveryTimeout is how long an open breaker waits before probing.
	RecoveryTimeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ErrorRateThreshold == 0 {
		c.ErrorRateThreshold = 0.5
	}
	if c.MinRequestThreshold == 0 {
		c.MinRequestThreshold = 10
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
}

// Stats is a snapshot of one breaker.
type Stats struct {
	Name        string
	State       State
	Requests    uint64
	Failures    uint64
	Successes   uint64
	LastFailure time.Time
	OpenedAt    time.Time
	Transitions uint64
}

// Breaker is a single three-state circuit breaker. Counters are meaningful
// in Closed state only and reset on every transition.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	requests    uint64
	failures    uint64
	successes   uint64
	lastFailure time.Time
	openedAt    time.Time
	transitions uint64
	onChange    func(name string, from, to State)
}

func newBreaker(name string, cfg Config, logger *zap.Logger, onChange func(string, State, State)) *Breaker {
	cfg.ApplyDefaults()
	return &Breaker{
		name:     name,
		cfg:      cfg,
		logger:   logger,
		state:    Closed,
		onChange: onChange,
	}
}

// transition moves the breaker to next, resetting counters. Caller holds mu.
func (b *Breaker) transition(next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.requests = 0
	b.failures = 0
	b.successes = 0
	b.transitions++
	if next == Open {
		b.openedAt = time.Now()
	}
	b.logger.Info("circuit breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
	if b.onChange != nil {
		b.onChange(b.name, prev, next)
	}
}

// CanExecute reports whether a request may proceed. An Open breaker whose
// recovery timeout has elapsed flips to HalfOpen and admits the probe.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transition(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess notes a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.requests++
		b.successes++
	case HalfOpen:
		b.transition(Closed)
	}
}

// RecordFailure notes a failed request, opening the breaker when either
// threshold is crossed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case Closed:
		b.requests++
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(Open)
			return
		}
		if b.requests >= b.cfg.MinRequestThreshold {
			if rate := float64(b.failures) / float64(b.requests); rate >= b.cfg.ErrorRateThreshold {
				b.transition(Open)
			}
		}
	case HalfOpen:
		b.transition(Open)
	}
}

// State returns the current state, applying a pending Open→HalfOpen flip.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.transition(HalfOpen)
	}
	return b.state
}

// Reset forces the breaker back to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
}

// Stats snapshots the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:        b.name,
		State:       b.state,
		Requests:    b.requests,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
		Transitions: b.transitions,
	}
}
