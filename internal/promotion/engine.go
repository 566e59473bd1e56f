// Package promotion migrates records between lifecycle layers by access
// pressure and age, and expires records past their layer TTL. One pass is
// idempotent: a crash between the destination write and the source delete
// is healed by the next pass skipping destination-present records.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/hnsw"
	"github.com/fyrsmithlabs/memoryd/internal/record"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

// Config carries the promotion thresholds.
type Config struct {
	// InsightsAccessThreshold promotes an Interact record after this
	// many hits.
	InsightsAccessThreshold uint64

	// InsightsAgeThreshold promotes an Interact record past this age.
	InsightsAgeThreshold time.Duration

	// AssetsAccessThreshold promotes an Insights record after this many
	// hits.
	AssetsAccessThreshold uint64

	// AssetsAgeThreshold promotes an Insights record past this age.
	AssetsAgeThreshold time.Duration

	// InteractTTL expires Interact records. Zero selects the 24h default;
	// a negative value disables expiry.
	InteractTTL time.Duration

	// InsightsTTL expires Insights records. Zero selects the 90-day
	// default; a negative value disables expiry.
	InsightsTTL time.Duration

	// Interval is the periodic pass cadence.
	Interval time.Duration

	// PassDeadline caps one full pass.
	PassDeadline time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.InsightsAccessThreshold == 0 {
		c.InsightsAccessThreshold = 5
	}
	if c.InsightsAgeThreshold == 0 {
		c.InsightsAgeThreshold = 24 * time.Hour
	}
	if c.AssetsAccessThreshold == 0 {
		c.AssetsAccessThreshold = 20
	}
	if c.AssetsAgeThreshold == 0 {
		c.AssetsAgeThreshold = 7 * 24 * time.Hour
	}
	if c.InteractTTL == 0 {
		c.InteractTTL = 24 * time.Hour
	}
	if c.InsightsTTL == 0 {
		c.InsightsTTL = 90 * 24 * time.Hour
	}
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if c.PassDeadline == 0 {
		c.PassDeadline = 5 * time.Minute
	}
}

// Stats reports one promotion pass.
type Stats struct {
	PromotedToInsights int
	PromotedToAssets   int
	ExpiredInteract    int
	ExpiredInsights    int
	Errors             int
	Duration           time.Duration
}

// Indexes gives the engine access to the per-layer HNSW indexes.
type Indexes interface {
	Index(l record.Layer) *hnsw.Index
}

// Engine runs promotion passes.
type Engine struct {
	store   *store.Store
	indexes Indexes
	cfg     Config
	logger  *zap.Logger
}

// NewEngine creates a promotion engine.
func NewEngine(st *store.Store, indexes Indexes, cfg Config, logger *zap.Logger) *Engine {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, indexes: indexes, cfg: cfg, logger: logger}
}

// Interval returns the configured pass cadence.
func (e *Engine) Interval() time.Duration { return e.cfg.Interval }

// RunPass executes one full promotion pass: candidate collection from a
// snapshot, Interact to Insights moves, Insights to Assets moves, then TTL
// expiry. Candidates are collected before any move so a record never hops
// two layers in one pass.
func (e *Engine) RunPass(ctx context.Context) (Stats, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PassDeadline)
	defer cancel()

	now := time.Now().UTC()
	var st Stats

	toInsights, err := e.collect(ctx, record.Interact, e.cfg.InsightsAccessThreshold, e.cfg.InsightsAgeThreshold, now)
	if err != nil {
		return st, err
	}
	toAssets, err := e.collect(ctx, record.Insights, e.cfg.AssetsAccessThreshold, e.cfg.AssetsAgeThreshold, now)
	if err != nil {
		return st, err
	}

	for _, id := range toInsights {
		if err := e.move(ctx, record.Interact, record.Insights, id); err != nil {
			st.Errors++
			e.logger.Warn("promotion move failed",
				zap.String("id", id.String()),
				zap.String("from", "interact"),
				zap.Error(err))
			continue
		}
		st.PromotedToInsights++
	}
	for _, id := range toAssets {
		if err := e.move(ctx, record.Insights, record.Assets, id); err != nil {
			st.Errors++
			e.logger.Warn("promotion move failed",
				zap.String("id", id.String()),
				zap.String("from", "insights"),
				zap.Error(err))
			continue
		}
		st.PromotedToAssets++
	}

	if e.cfg.InteractTTL > 0 {
		n, err := e.expire(ctx, record.Interact, now.Add(-e.cfg.InteractTTL))
		if err != nil {
			st.Errors++
		}
		st.ExpiredInteract = n
	}
	if e.cfg.InsightsTTL > 0 {
		n, err := e.expire(ctx, record.Insights, now.Add(-e.cfg.InsightsTTL))
		if err != nil {
			st.Errors++
		}
		st.ExpiredInsights = n
	}

	st.Duration = time.Since(start)
	e.logger.Info("promotion pass complete",
		zap.Int("to_insights", st.PromotedToInsights),
		zap.Int("to_assets", st.PromotedToAssets),
		zap.Int("expired_interact", st.ExpiredInteract),
		zap.Int("expired_insights", st.ExpiredInsights),
		zap.Int("errors", st.Errors),
		zap.Duration("duration", st.Duration))
	return st, nil
}

// collect snapshots the ids in l that meet either promotion criterion.
func (e *Engine) collect(ctx context.Context, l record.Layer, accessThreshold uint64, ageThreshold time.Duration, now time.Time) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := e.store.IterLayer(ctx, l, func(rec *record.Record) error {
		if rec.AccessCount >= accessThreshold || now.Sub(rec.TS) >= ageThreshold {
			out = append(out, rec.ID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, record.ErrLayerNotReady) {
			return nil, nil
		}
		return nil, fmt.Errorf("collecting candidates in %s: %w", l, err)
	}
	return out, nil
}

// move relocates one record from src to dst: destination store write first,
// then source delete, then the index pair. A record already present in dst
// is treated as a healed partial move.
func (e *Engine) move(ctx context.Context, src, dst record.Layer, id uuid.UUID) error {
	rec, err := e.store.Get(ctx, src, id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			// Already moved by a previous (possibly crashed) pass.
			return nil
		}
		return err
	}

	rec.Layer = dst
	if err := e.store.Insert(ctx, dst, rec); err != nil && !errors.Is(err, record.ErrConflict) {
		return err
	}
	if _, err := e.store.Delete(ctx, src, id); err != nil {
		return err
	}

	// Index order mirrors the store: destination first so the record is
	// searchable in at least one layer throughout.
	if dstIx := e.indexes.Index(dst); dstIx != nil {
		if err := dstIx.Add(id, rec.Embedding); err != nil && !errors.Is(err, record.ErrConflict) {
			return err
		}
	}
	if srcIx := e.indexes.Index(src); srcIx != nil {
		srcIx.Remove(id)
	}
	return nil
}

// expire removes records older than cutoff from the layer's store and
// index.
func (e *Engine) expire(ctx context.Context, l record.Layer, cutoff time.Time) (int, error) {
	expired, err := e.store.DeleteExpired(ctx, l, cutoff)
	if err != nil {
		if errors.Is(err, record.ErrLayerNotReady) {
			return 0, nil
		}
		return 0, err
	}
	if ix := e.indexes.Index(l); ix != nil {
		for _, id := range expired {
			ix.Remove(id)
		}
	}
	return len(expired), nil
}
