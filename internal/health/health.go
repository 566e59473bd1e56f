// Package health tracks component health checks, aggregate status, and the
// engine's counters and timing histograms.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status orders component health: Healthy > Warning > Degraded > Unhealthy.
type Status int

const (
	// Unhealthy means the component is failing.
	Unhealthy Status = iota
	// Degraded means the component works with reduced capability.
	Degraded
	// Warning means the component works but needs attention.
	Warning
	// Healthy means the component is fully operational.
	Healthy
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Kind classifies a check.
type Kind uint8

const (
	// KindStandard checks inform the aggregate status only.
	KindStandard Kind = iota
	// KindCritical checks also gate readiness.
	KindCritical
)

// CheckResult is what a check function reports.
type CheckResult struct {
	Status  Status
	Message string
	Metrics map[string]float64
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) CheckResult

type check struct {
	name     string
	kind     Kind
	interval time.Duration
	fn       CheckFunc

	lastRun        time.Time
	last           CheckResult
	ran            bool
	unhealthySince time.Time
}

// Monitor owns registered checks and their latest results.
type Monitor struct {
	logger *zap.Logger

	mu     sync.Mutex
	checks map[string]*check

	// maxUnhealthy is how long a check may stay Unhealthy before
	// liveness fails.
	maxUnhealthy time.Duration
}

// NewMonitor creates a monitor. maxUnhealthy bounds liveness; zero means
// five minutes.
func NewMonitor(maxUnhealthy time.Duration, logger *zap.Logger) *Monitor {
	if maxUnhealthy == 0 {
		maxUnhealthy = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		logger:       logger,
		checks:       make(map[string]*check),
		maxUnhealthy: maxUnhealthy,
	}
}

// RegisterCheck adds (or replaces) a named check running at the given
// interval.
func (m *Monitor) RegisterCheck(name string, kind Kind, interval time.Duration, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = &check{name: name, kind: kind, interval: interval, fn: fn}
}

// RunDue executes every check whose interval has elapsed. Called by the
// background health worker.
func (m *Monitor) RunDue(ctx context.Context) {
	m.run(ctx, false)
}

// RunAll executes every check regardless of interval.
func (m *Monitor) RunAll(ctx context.Context) {
	m.run(ctx, true)
}

func (m *Monitor) run(ctx context.Context, force bool) {
	m.mu.Lock()
	var due []*check
	now := time.Now()
	for _, c := range m.checks {
		if force || !c.ran || now.Sub(c.lastRun) >= c.interval {
			due = append(due, c)
		}
	}
	m.mu.Unlock()

	for _, c := range due {
		res := m.safeRun(ctx, c)
		m.mu.Lock()
		c.lastRun = now
		c.last = res
		c.ran = true
		if res.Status == Unhealthy {
			if c.unhealthySince.IsZero() {
				c.unhealthySince = now
			}
		} else {
			c.unhealthySince = time.Time{}
		}
		m.mu.Unlock()

		if res.Status != Healthy {
			m.logger.Warn("health check not healthy",
				zap.String("check", c.name),
				zap.String("status", res.Status.String()),
				zap.String("message", res.Message))
		}
	}
}

// safeRun shields the monitor from a panicking check.
func (m *Monitor) safeRun(ctx context.Context, c *check) (res CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panic",
				zap.String("check", c.name),
				zap.Any("panic", r))
			res = CheckResult{Status: Unhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
		}
	}()
	return c.fn(ctx)
}

// ComponentStatus is one check's latest outcome.
type ComponentStatus struct {
	Name    string
	Kind    Kind
	Status  Status
	Message string
	Metrics map[string]float64
	LastRun time.Time
}

// SystemStatus aggregates all checks.
type SystemStatus struct {
	Overall    Status
	Ready      bool
	Alive      bool
	Components []ComponentStatus
}

// Snapshot computes the aggregate view. Overall is the minimum component
// status; readiness requires every critical check at Warning or better;
// liveness fails when any check has stayed Unhealthy past the limit. A
// monitor with no completed checks reports Healthy, ready, and alive.
func (m *Monitor) Snapshot() SystemStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := SystemStatus{Overall: Healthy, Ready: true, Alive: true}
	now := time.Now()
	for _, c := range m.checks {
		if !c.ran {
			continue
		}
		st.Components = append(st.Components, ComponentStatus{
			Name:    c.name,
			Kind:    c.kind,
			Status:  c.last.Status,
			Message: c.last.Message,
			Metrics: c.last.Metrics,
			LastRun: c.lastRun,
		})
		if c.last.Status < st.Overall {
			st.Overall = c.last.Status
		}
		if c.kind == KindCritical && c.last.Status < Warning {
			st.Ready = false
		}
		if !c.unhealthySince.IsZero() && now.Sub(c.unhealthySince) > m.maxUnhealthy {
			st.Alive = false
		}
	}
	return st
}
