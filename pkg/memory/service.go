// Package memory exposes the engine's caller API: a Service wiring the
// layered store, the per-layer HNSW indexes, the embedding and search
// coordinators, promotion, rebuild, breakers, health, and the background
// workers into one unit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/breaker"
	"github.com/fyrsmithlabs/memoryd/internal/config"
	"github.com/fyrsmithlabs/memoryd/internal/container"
	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/health"
	"github.com/fyrsmithlabs/memoryd/internal/hnsw"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/promotion"
	"github.com/fyrsmithlabs/memoryd/internal/rebuild"
	"github.com/fyrsmithlabs/memoryd/internal/record"
	"github.com/fyrsmithlabs/memoryd/internal/search"
	"github.com/fyrsmithlabs/memoryd/internal/store"
	"github.com/fyrsmithlabs/memoryd/internal/tasks"
)

// StorageBreaker names the breaker guarding store writes.
const StorageBreaker = "storage"

const insertTimeout = 5 * time.Second

// Record is the caller-facing record type.
type Record = record.Record

// Layer re-exports the lifecycle tiers.
type Layer = record.Layer

// Lifecycle tiers.
const (
	Interact = record.Interact
	Insights = record.Insights
	Assets   = record.Assets
)

// SearchOptions re-exports the search pipeline options.
type SearchOptions = search.Options

// indexSet is the per-layer index table shared by the coordinators.
type indexSet struct {
	indexes map[record.Layer]*hnsw.Index
}

func (s *indexSet) Index(l record.Layer) *hnsw.Index {
	return s.indexes[l]
}

// Service is the engine façade. All methods are safe for concurrent use.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	store     *store.Store
	indexes   *indexSet
	embedder  *embeddings.Coordinator
	searcher  *search.Coordinator
	promoter  *promotion.Engine
	rebuilder *rebuild.Manager
	breakers  *breaker.Registry
	monitor   *health.Monitor
	metrics   *health.Metrics
	workers   *tasks.Manager
	deps      *container.Container

	// writeMu serializes the store-write + index-add critical section
	// per layer, so a successful insert is observable in both or neither.
	writeMu [3]sync.Mutex

	closed atomic.Bool
}

// New builds a Service around the given embedding provider. The dependency
// graph is registered and cycle-checked in the container before anything
// is constructed; indexes start empty and are filled by RebuildAll.
func New(cfg *config.Config, provider embeddings.Provider, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", record.ErrInvalid, err)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: embedding provider is required", record.ErrInvalid)
	}
	if provider.Dim() != cfg.EmbeddingDim {
		return nil, fmt.Errorf("%w: provider dimension %d, config %d", record.ErrInvalid, provider.Dim(), cfg.EmbeddingDim)
	}
	if logger == nil {
		var err error
		if logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return nil, fmt.Errorf("%w: %v", record.ErrInvalid, err)
		}
	}

	c := container.New(logger)

	registrations := []struct {
		name    string
		deps    []string
		factory container.Factory
	}{
		{"metrics", nil, func(*container.Container) (any, error) {
			return health.NewMetrics(), nil
		}},
		{"breakers", nil, func(*container.Container) (any, error) {
			r := breaker.NewRegistry(logger)
			bcfg := breaker.Config{
				FailureThreshold:    cfg.Circuit.FailureThreshold,
				ErrorRateThreshold:  cfg.Circuit.ErrorRateThreshold,
				MinRequestThreshold: cfg.Circuit.MinRequestThreshold,
				RecoveryTimeout:     cfg.Circuit.RecoveryTimeout,
			}
			r.Register(embeddings.BreakerName, bcfg)
			r.Register(StorageBreaker, bcfg)
			return r, nil
		}},
		{"store", nil, func(*container.Container) (any, error) {
			return store.Open(cfg.DBPath, logger, store.Options{})
		}},
		{"indexes", nil, func(*container.Container) (any, error) {
			set := &indexSet{indexes: make(map[record.Layer]*hnsw.Index, len(record.Layers))}
			for _, l := range record.Layers {
				ix, err := hnsw.New(hnsw.Config{
					Dim:            cfg.EmbeddingDim,
					M:              cfg.HNSW.M,
					EfConstruction: cfg.HNSW.EfConstruction,
					EfSearch:       cfg.HNSW.EfSearch,
					MaxLayers:      cfg.HNSW.MaxLayers,
					MaxElements:    cfg.HNSW.MaxElements,
				}, logger.With(zap.String("index", l.String())))
				if err != nil {
					return nil, err
				}
				set.indexes[l] = ix
			}
			return set, nil
		}},
		{"embedder", []string{"breakers"}, func(c *container.Container) (any, error) {
			breakers, err := container.Resolve[*breaker.Registry](c, "breakers")
			if err != nil {
				return nil, err
			}
			return embeddings.NewCoordinator(provider, breakers, embeddings.Config{
				CacheSize:     cfg.Coordinator.EmbedCacheSize,
				MaxConcurrent: cfg.Coordinator.EmbedMaxConcurrent,
				Timeout:       cfg.Coordinator.EmbedTimeout,
			}, logger)
		}},
		{"searcher", []string{"store", "indexes", "embedder"}, func(c *container.Container) (any, error) {
			st, err := container.Resolve[*store.Store](c, "store")
			if err != nil {
				return nil, err
			}
			set, err := container.Resolve[*indexSet](c, "indexes")
			if err != nil {
				return nil, err
			}
			emb, err := container.Resolve[*embeddings.Coordinator](c, "embedder")
			if err != nil {
				return nil, err
			}
			return search.NewCoordinator(st, set, emb, search.Config{
				MaxConcurrent: cfg.Coordinator.MaxConcurrentSearches,
				Oversample:    cfg.Coordinator.Oversample,
				CacheSize:     cfg.Coordinator.SearchCacheSize,
				CacheTTL:      cfg.Coordinator.SearchCacheTTL,
				PreferCold:    cfg.Coordinator.PreferCold,
				Timeout:       cfg.Coordinator.SearchTimeout,
			}, logger), nil
		}},
		{"promoter", []string{"store", "indexes"}, func(c *container.Container) (any, error) {
			st, err := container.Resolve[*store.Store](c, "store")
			if err != nil {
				return nil, err
			}
			set, err := container.Resolve[*indexSet](c, "indexes")
			if err != nil {
				return nil, err
			}
			return promotion.NewEngine(st, set, promotion.Config{
				InsightsAccessThreshold: cfg.Promotion.InsightsAccessThreshold,
				InsightsAgeThreshold:    cfg.Promotion.InsightsAgeThreshold,
				AssetsAccessThreshold:   cfg.Promotion.AssetsAccessThreshold,
				AssetsAgeThreshold:      cfg.Promotion.AssetsAgeThreshold,
				InteractTTL:             cfg.Promotion.InteractTTL,
				InsightsTTL:             cfg.Promotion.InsightsTTL,
				Interval:                cfg.Promotion.Interval,
			}, logger), nil
		}},
		{"rebuilder", nil, func(*container.Container) (any, error) {
			return rebuild.NewManager(rebuild.Config{}, logger), nil
		}},
		{"monitor", nil, func(*container.Container) (any, error) {
			return health.NewMonitor(cfg.Health.MaxUnhealthy, logger), nil
		}},
		{"workers", nil, func(*container.Container) (any, error) {
			return tasks.NewManager(0, logger), nil
		}},
	}
	for _, reg := range registrations {
		if err := c.Register(reg.name, container.Singleton, reg.deps, reg.factory); err != nil {
			return nil, err
		}
	}

	svc := &Service{cfg: cfg, logger: logger, deps: c}
	var err error
	if svc.metrics, err = container.Resolve[*health.Metrics](c, "metrics"); err != nil {
		return nil, err
	}
	if svc.breakers, err = container.Resolve[*breaker.Registry](c, "breakers"); err != nil {
		return nil, err
	}
	if svc.store, err = container.Resolve[*store.Store](c, "store"); err != nil {
		return nil, err
	}
	if svc.indexes, err = container.Resolve[*indexSet](c, "indexes"); err != nil {
		return nil, err
	}
	if svc.embedder, err = container.Resolve[*embeddings.Coordinator](c, "embedder"); err != nil {
		return nil, err
	}
	if svc.searcher, err = container.Resolve[*search.Coordinator](c, "searcher"); err != nil {
		return nil, err
	}
	if svc.promoter, err = container.Resolve[*promotion.Engine](c, "promoter"); err != nil {
		return nil, err
	}
	if svc.rebuilder, err = container.Resolve[*rebuild.Manager](c, "rebuilder"); err != nil {
		return nil, err
	}
	if svc.monitor, err = container.Resolve[*health.Monitor](c, "monitor"); err != nil {
		return nil, err
	}
	if svc.workers, err = container.Resolve[*tasks.Manager](c, "workers"); err != nil {
		return nil, err
	}

	for _, l := range record.Layers {
		if err := svc.store.InitLayer(l); err != nil {
			svc.store.Close()
			return nil, err
		}
	}

	svc.registerChecks()
	svc.registerWorkers()
	svc.workers.Start()

	logger.Info("memory service ready",
		zap.String("db_path", cfg.DBPath),
		zap.Int("embedding_dim", cfg.EmbeddingDim))
	return svc, nil
}

// registerChecks wires the standard health probes.
func (s *Service) registerChecks() {
	interval := s.cfg.Health.CheckInterval

	s.monitor.RegisterCheck("store", health.KindCritical, interval, func(ctx context.Context) health.CheckResult {
		st := s.store.Stats()
		return health.CheckResult{
			Status:  health.Healthy,
			Message: fmt.Sprintf("version %d", st.Version),
			Metrics: map[string]float64{"version": float64(st.Version)},
		}
	})

	s.monitor.RegisterCheck("indexes", health.KindCritical, interval, func(ctx context.Context) health.CheckResult {
		res := health.CheckResult{Status: health.Healthy, Metrics: map[string]float64{}}
		for _, l := range record.Layers {
			ix := s.indexes.Index(l)
			n := ix.Len()
			res.Metrics[l.String()+"_elements"] = float64(n)
			if max := ix.Config().MaxElements; n*10 >= max*9 {
				res.Status = health.Warning
				res.Message = fmt.Sprintf("index %s near capacity", l)
			}
		}
		return res
	})

	s.monitor.RegisterCheck("breakers", health.KindStandard, interval, func(ctx context.Context) health.CheckResult {
		res := health.CheckResult{Status: health.Healthy, Metrics: map[string]float64{}}
		for _, name := range s.breakers.Names() {
			st, ok := s.breakers.Stats(name)
			if !ok {
				continue
			}
			res.Metrics[name+"_state"] = float64(st.State)
			if st.State == breaker.Open {
				res.Status = health.Degraded
				res.Message = fmt.Sprintf("breaker %s open", name)
			}
		}
		return res
	})
}

// registerWorkers wires the periodic background workers.
func (s *Service) registerWorkers() {
	s.workers.Add("health", s.cfg.Health.CheckInterval, func(ctx context.Context) {
		s.monitor.RunDue(ctx)
		s.metrics.SetOverall(s.monitor.Snapshot().Overall)
	})
	s.workers.Add("breaker-monitor", time.Minute, func(ctx context.Context) {
		for _, name := range s.breakers.Names() {
			if st, ok := s.breakers.Stats(name); ok && st.State != breaker.Closed {
				s.logger.Warn("breaker not closed",
					zap.String("breaker", name),
					zap.String("state", st.State.String()))
			}
		}
	})
	s.workers.Add("metrics", time.Minute, func(ctx context.Context) {
		snap := s.metrics.Snapshot()
		s.logger.Debug("metrics aggregated",
			zap.Int("counters", len(snap.Counters)),
			zap.Int("timings", len(snap.Timings)))
	})
	s.workers.Add("promotion", s.promoter.Interval(), func(ctx context.Context) {
		if _, err := s.promoter.RunPass(ctx); err != nil {
			s.logger.Warn("scheduled promotion pass failed", zap.Error(err))
		}
	})
}

// checkOpen guards every operation after Shutdown.
func (s *Service) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: service is shut down", record.ErrInvalid)
	}
	return nil
}

// Remember embeds text and stores it as a fresh record in the given layer,
// returning the new id.
func (s *Service) Remember(ctx context.Context, text string, layer Layer) (uuid.UUID, error) {
	if err := s.checkOpen(); err != nil {
		return uuid.Nil, err
	}
	if text == "" {
		return uuid.Nil, fmt.Errorf("%w: empty text", record.ErrInvalid)
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return uuid.Nil, err
	}
	rec := record.New(text, vec, layer)
	if err := s.Insert(ctx, rec); err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// Insert writes rec durably and indexes it, atomically with respect to
// observers: after Insert returns, Get sees the record; a failed Insert
// leaves both store and index unchanged.
func (s *Service) Insert(ctx context.Context, rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: nil record", record.ErrInvalid)
	}
	if err := rec.Validate(s.cfg.EmbeddingDim); err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()

	// Ids are unique across layers, not just within one.
	for _, l := range record.Layers {
		if l == rec.Layer {
			continue
		}
		if _, err := s.store.Get(ctx, l, rec.ID); err == nil {
			return fmt.Errorf("%w: %s already in %s", record.ErrConflict, rec.ID, l)
		}
	}

	s.writeMu[rec.Layer].Lock()
	defer s.writeMu[rec.Layer].Unlock()

	if !s.breakers.CanExecute(StorageBreaker) {
		return fmt.Errorf("%w: %s", record.ErrCircuitOpen, StorageBreaker)
	}
	err := s.store.Insert(ctx, rec.Layer, rec)
	// Only infrastructure faults feed the breaker; conflicts and
	// validation failures are the caller's problem.
	if errors.Is(err, record.ErrStorage) {
		s.breakers.RecordFailure(StorageBreaker)
	} else if err == nil {
		s.breakers.RecordSuccess(StorageBreaker)
	}
	if err == nil {
		if ixErr := s.indexes.Index(rec.Layer).Add(rec.ID, rec.Embedding); ixErr != nil {
			// Roll the store write back so the pair stays consistent.
			if _, delErr := s.store.Delete(ctx, rec.Layer, rec.ID); delErr != nil {
				s.logger.Error("insert rollback failed",
					zap.String("id", rec.ID.String()),
					zap.Error(delErr))
			}
			err = ixErr
		}
	}
	s.metrics.Observe("insert", time.Since(start), err)
	if err == nil {
		s.metrics.Inc("records_inserted")
	}
	return err
}

// InsertBatch writes all records or none. Records may target different
// layers; the batch is grouped per layer and each group commits atomically.
func (s *Service) InsertBatch(ctx context.Context, recs []*Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, rec := range recs {
		if rec == nil {
			return fmt.Errorf("%w: nil record in batch", record.ErrInvalid)
		}
		if err := rec.Validate(s.cfg.EmbeddingDim); err != nil {
			return err
		}
	}

	byLayer := make(map[Layer][]*Record)
	for _, rec := range recs {
		byLayer[rec.Layer] = append(byLayer[rec.Layer], rec)
	}

	var done []*Record
	rollback := func() {
		for _, rec := range done {
			if _, err := s.store.Delete(context.Background(), rec.Layer, rec.ID); err != nil {
				s.logger.Error("batch rollback failed",
					zap.String("id", rec.ID.String()),
					zap.Error(err))
			}
			s.indexes.Index(rec.Layer).Remove(rec.ID)
		}
	}

	for _, l := range record.Layers {
		group := byLayer[l]
		if len(group) == 0 {
			continue
		}
		s.writeMu[l].Lock()
		err := s.store.InsertBatch(ctx, l, group)
		if err == nil {
			items := make(map[uuid.UUID][]float32, len(group))
			for _, rec := range group {
				items[rec.ID] = rec.Embedding
			}
			if err = s.indexes.Index(l).AddBatch(ctx, items); err != nil {
				for _, rec := range group {
					if _, delErr := s.store.Delete(ctx, l, rec.ID); delErr != nil {
						s.logger.Error("batch rollback failed",
							zap.String("id", rec.ID.String()),
							zap.Error(delErr))
					}
				}
			}
		}
		s.writeMu[l].Unlock()
		if err != nil {
			rollback()
			return err
		}
		done = append(done, group...)
	}
	s.metrics.Add("records_inserted", uint64(len(recs)))
	return nil
}

// Update rewrites an existing record in place (same id, same layer) and
// refreshes its index entry.
func (s *Service) Update(ctx context.Context, rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: nil record", record.ErrInvalid)
	}
	if err := rec.Validate(s.cfg.EmbeddingDim); err != nil {
		return err
	}

	s.writeMu[rec.Layer].Lock()
	defer s.writeMu[rec.Layer].Unlock()

	if _, err := s.store.Get(ctx, rec.Layer, rec.ID); err != nil {
		return err
	}
	if err := s.store.Put(ctx, rec.Layer, rec); err != nil {
		return err
	}
	ix := s.indexes.Index(rec.Layer)
	ix.Remove(rec.ID)
	if err := ix.Add(rec.ID, rec.Embedding); err != nil {
		return err
	}
	s.metrics.Inc("records_updated")
	return nil
}

// Delete removes id from the given layer's store and index.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, layer Layer) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !layer.Valid() {
		return fmt.Errorf("%w: unknown layer %d", record.ErrInvalid, layer)
	}

	s.writeMu[layer].Lock()
	defer s.writeMu[layer].Unlock()

	deleted, err := s.store.Delete(ctx, layer, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s in %s", record.ErrNotFound, id, layer)
	}
	s.indexes.Index(layer).Remove(id)
	s.metrics.Inc("records_deleted")
	return nil
}

// Get reads one record without touching access counters.
func (s *Service) Get(ctx context.Context, layer Layer, id uuid.UUID) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, layer, id)
}

// Search runs the query pipeline.
func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) ([]*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()
	recs, err := s.searcher.Search(ctx, query, opts)
	s.metrics.Observe("search", time.Since(start), err)
	return recs, err
}

// RunPromotion executes one promotion pass immediately.
func (s *Service) RunPromotion(ctx context.Context) (promotion.Stats, error) {
	if err := s.checkOpen(); err != nil {
		return promotion.Stats{}, err
	}
	start := time.Now()
	stats, err := s.promoter.RunPass(ctx)
	s.metrics.Observe("promotion", time.Since(start), err)
	return stats, err
}

// RebuildAll rebuilds every layer's index from the store. Called on
// startup, since indexes are not persisted.
func (s *Service) RebuildAll(ctx context.Context) ([]rebuild.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	results := make([]rebuild.Result, 0, len(record.Layers))
	for _, l := range record.Layers {
		res, err := s.rebuilder.Rebuild(ctx, l, s.store, s.indexes.Index(l))
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Health runs all checks and returns the aggregate status.
func (s *Service) Health(ctx context.Context) health.SystemStatus {
	if s.closed.Load() {
		return health.SystemStatus{Overall: health.Unhealthy, Ready: false, Alive: false}
	}
	s.monitor.RunAll(ctx)
	snap := s.monitor.Snapshot()
	s.metrics.SetOverall(snap.Overall)
	return snap
}

// Stats is the aggregate engine snapshot.
type Stats struct {
	Store     store.Stats
	Indexes   map[string]hnsw.Stats
	Embedding embeddings.CacheStats
	Rebuild   rebuild.Stats
	Container container.Stats
	Metrics   health.Snapshot
}

// Stats snapshots every subsystem in turn, each under its own short-lived
// lock or read transaction; the parts are not taken at one instant.
func (s *Service) Stats() Stats {
	st := Stats{
		Store:     s.store.Stats(),
		Indexes:   make(map[string]hnsw.Stats, len(record.Layers)),
		Embedding: s.embedder.CacheStats(),
		Rebuild:   s.rebuilder.Stats(),
		Container: s.deps.Stats(),
		Metrics:   s.metrics.Snapshot(),
	}
	for _, l := range record.Layers {
		st.Indexes[l.String()] = s.indexes.Index(l).Stats()
	}
	return st
}

// Shutdown stops the background workers and releases resources. Idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.workers.Stop()
	s.embedder.Close()
	if err := s.store.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: closing store: %v", record.ErrStorage, err)
	}
	s.logger.Info("memory service shut down")
	return nil
}
