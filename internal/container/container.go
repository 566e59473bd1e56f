// Package container is a small typed dependency container: factories are
// registered per service name with a lifetime and an explicit dependency
// list, cycles are rejected at registration time, and resolution produces
// shared singletons or fresh transients.
package container

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/record"
)

// Lifetime controls instance sharing.
type Lifetime uint8

const (
	// Singleton services resolve to one shared instance.
	Singleton Lifetime = iota
	// Transient services resolve to a fresh instance every time.
	Transient
)

// Factory builds one service instance, resolving its dependencies through
// the container.
type Factory func(c *Container) (any, error)

type registration struct {
	name     string
	lifetime Lifetime
	deps     []string
	factory  Factory
}

// Stats reports container activity.
type Stats struct {
	Registered         int
	CacheHits          uint64
	CacheMisses        uint64
	FactoryInvocations uint64
	ResolveTime        time.Duration
}

// Container registers factories and resolves instances.
type Container struct {
	logger *zap.Logger

	mu            sync.Mutex
	registrations map[string]*registration
	singletons    map[string]any
	resolving     map[string]bool

	hits        uint64
	misses      uint64
	invocations uint64
	resolveTime time.Duration
}

// New creates an empty container.
func New(logger *zap.Logger) *Container {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Container{
		logger:        logger,
		registrations: make(map[string]*registration),
		singletons:    make(map[string]any),
		resolving:     make(map[string]bool),
	}
}

// Register adds a factory under name. deps lists the service names the
// factory resolves; a dependency cycle through the declared graph is
// rejected here, before anything is built.
func (c *Container) Register(name string, lifetime Lifetime, deps []string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("%w: registration needs a name and a factory", record.ErrInvalid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reg := &registration{name: name, lifetime: lifetime, deps: deps, factory: factory}
	c.registrations[name] = reg

	if cycle := c.findCycle(name); cycle != nil {
		delete(c.registrations, name)
		return fmt.Errorf("%w: dependency cycle %v", record.ErrInvalid, cycle)
	}
	return nil
}

// findCycle runs a DFS over the declared dependency graph starting at
// name, returning the cycle path when one exists. Caller holds the lock.
// Dependencies on names not yet registered are tolerated; they fail at
// resolve time instead.
func (c *Container) findCycle(name string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var path []string

	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = gray
		path = append(path, n)
		if reg, ok := c.registrations[n]; ok {
			for _, dep := range reg.deps {
				switch color[dep] {
				case gray:
					return append(path, dep)
				case white:
					if cycle := visit(dep); cycle != nil {
						return cycle
					}
				}
			}
		}
		color[n] = black
		path = path[:len(path)-1]
		return nil
	}
	return visit(name)
}

// Resolve returns the service called name, building it (and its
// dependencies) on first use for singletons, or every time for transients.
func (c *Container) Resolve(name string) (any, error) {
	start := time.Now()
	defer func() {
		c.mu.Lock()
		c.resolveTime += time.Since(start)
		c.mu.Unlock()
	}()

	c.mu.Lock()
	reg, ok := c.registrations[name]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: service %q not registered", record.ErrNotFound, name)
	}

	if reg.lifetime == Singleton {
		if inst, ok := c.singletons[name]; ok {
			c.hits++
			c.mu.Unlock()
			return inst, nil
		}
	}
	c.misses++

	// Re-entrancy guard: the declared-graph DFS catches declared cycles,
	// this catches factories that resolve something undeclared.
	if c.resolving[name] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: recursive resolution of %q", record.ErrInvalid, name)
	}
	c.resolving[name] = true
	c.invocations++
	c.mu.Unlock()

	inst, err := reg.factory(c)

	c.mu.Lock()
	delete(c.resolving, name)
	if err == nil && reg.lifetime == Singleton {
		c.singletons[name] = inst
	}
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("building %q: %w", name, err)
	}
	return inst, nil
}

// MustResolve panics on resolution failure. For wiring code only.
func (c *Container) MustResolve(name string) any {
	inst, err := c.Resolve(name)
	if err != nil {
		panic(err)
	}
	return inst
}

// Stats snapshots container activity.
func (c *Container) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Registered:         len(c.registrations),
		CacheHits:          c.hits,
		CacheMisses:        c.misses,
		FactoryInvocations: c.invocations,
		ResolveTime:        c.resolveTime,
	}
}

// Resolve is the generic typed accessor.
func Resolve[T any](c *Container, name string) (T, error) {
	var zero T
	inst, err := c.Resolve(name)
	if err != nil {
		return zero, err
	}
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("%w: service %q is %T", record.ErrInvalid, name, inst)
	}
	return typed, nil
}
