// Package search implements the query pipeline: embed, per-layer index
// search with oversampling, hydration from the store, filtering, cross-layer
// merge, and access accounting. The whole pipeline runs under a bounded
// concurrency cap with an optional short-TTL result cache.
package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/hnsw"
	"github.com/fyrsmithlabs/memoryd/internal/record"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

// Options shapes one query.
type Options struct {
	// Layers to search. Empty means all layers.
	Layers []record.Layer

	// TopK is the maximum result count. Must be positive.
	TopK int

	// MinScore drops results scoring below it. Zero means no floor.
	MinScore float32

	// Tags requires every listed tag on a result.
	Tags []string

	// Project, when set, requires an exact project match.
	Project string

	// UseCache consults and populates the result cache.
	UseCache bool
}

// Config tunes the coordinator.
type Config struct {
	// MaxConcurrent bounds simultaneously running searches.
	MaxConcurrent int

	// Oversample multiplies TopK for the per-layer index search so
	// filtering still leaves enough candidates.
	Oversample int

	// CacheSize is the result cache capacity.
	CacheSize int

	// CacheTTL is the result cache entry lifetime.
	CacheTTL time.Duration

	// PreferCold reverses the layer tie-break so Assets outranks
	// Interact.
	PreferCold bool

	// Timeout caps one search.
	Timeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 64
	}
	if c.Oversample == 0 {
		c.Oversample = 3
	}
	if c.CacheSize == 0 {
		c.CacheSize = 512
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Indexes gives the coordinator access to the per-layer HNSW indexes.
type Indexes interface {
	Index(l record.Layer) *hnsw.Index
}

// Coordinator runs the query pipeline.
type Coordinator struct {
	store    *store.Store
	indexes  Indexes
	embedder *embeddings.Coordinator
	cfg      Config
	logger   *zap.Logger

	sem   *semaphore.Weighted
	cache *expirable.LRU[uint64, []*record.Record]
}

// NewCoordinator creates a search coordinator.
func NewCoordinator(st *store.Store, indexes Indexes, embedder *embeddings.Coordinator, cfg Config, logger *zap.Logger) *Coordinator {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    st,
		indexes:  indexes,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cache:    expirable.NewLRU[uint64, []*record.Record](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// cacheKey hashes the query together with every option that affects the
// result set.
func cacheKey(query string, opts Options) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(query)
	_, _ = h.Write([]byte{0})
	for _, l := range opts.Layers {
		_, _ = h.Write([]byte{byte(l)})
	}
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.Itoa(opts.TopK))
	_, _ = h.WriteString(strconv.FormatFloat(float64(opts.MinScore), 'f', -1, 32))
	for _, t := range opts.Tags {
		_, _ = h.WriteString(t)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.WriteString(opts.Project)
	return h.Sum64()
}

// Search runs the full pipeline and returns up to TopK records, each with
// Score populated (cosine similarity, higher is better).
func (c *Coordinator) Search(ctx context.Context, query string, opts Options) ([]*record.Record, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", record.ErrInvalid)
	}
	if opts.TopK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive", record.ErrInvalid)
	}
	layers := opts.Layers
	if len(layers) == 0 {
		layers = record.Layers
	}
	for _, l := range layers {
		if !l.Valid() {
			return nil, fmt.Errorf("%w: unknown layer %d", record.ErrInvalid, l)
		}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var key uint64
	if opts.UseCache {
		key = cacheKey(query, opts)
		if hit, ok := c.cache.Get(key); ok {
			return cloneResults(hit), nil
		}
	}

	qv, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	kPrime := opts.TopK * c.cfg.Oversample
	var merged []*record.Record
	for _, l := range layers {
		hits, err := c.searchLayer(ctx, l, qv, kPrime, opts)
		if err != nil {
			return nil, err
		}
		merged = append(merged, hits...)
	}

	c.rank(merged, layers)
	if len(merged) > opts.TopK {
		merged = merged[:opts.TopK]
	}

	c.touch(merged)

	if opts.UseCache {
		c.cache.Add(key, cloneResults(merged))
	}
	return merged, nil
}

// searchLayer queries one layer's index and hydrates, filters, and scores
// the hits. Index hits that fail hydration (index/store skew) are dropped
// with a log line.
func (c *Coordinator) searchLayer(ctx context.Context, l record.Layer, qv []float32, k int, opts Options) ([]*record.Record, error) {
	ix := c.indexes.Index(l)
	if ix == nil {
		return nil, nil
	}
	hits, err := ix.Search(qv, k)
	if err != nil {
		return nil, err
	}

	out := make([]*record.Record, 0, len(hits))
	for _, hit := range hits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := c.store.Get(ctx, l, hit.ID)
		if err != nil {
			if errors.Is(err, record.ErrNotFound) || errors.Is(err, record.ErrCorrupt) {
				c.logger.Warn("dropping unhydratable index hit",
					zap.String("layer", l.String()),
					zap.String("id", hit.ID.String()),
					zap.Error(err))
				continue
			}
			return nil, err
		}
		rec.Score = 1 - hit.Distance
		if opts.MinScore != 0 && rec.Score < opts.MinScore {
			continue
		}
		if !rec.HasTags(opts.Tags) {
			continue
		}
		if opts.Project != "" && rec.Project != opts.Project {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// layerRank maps a layer to its tie-break priority; higher wins.
func (c *Coordinator) layerRank(l record.Layer) int {
	if c.cfg.PreferCold {
		return int(l)
	}
	return int(record.Assets) - int(l)
}

// rank orders results by score descending, then layer priority, then id.
func (c *Coordinator) rank(recs []*record.Record, layers []record.Layer) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		ri, rj := c.layerRank(recs[i].Layer), c.layerRank(recs[j].Layer)
		if ri != rj {
			return ri > rj
		}
		return bytes.Compare(recs[i].ID[:], recs[j].ID[:]) < 0
	})
}

// touch updates access counters for returned records. Fire-and-forget: the
// updates run on a background context and ordering relative to other reads
// is not guaranteed.
func (c *Coordinator) touch(recs []*record.Record) {
	if len(recs) == 0 {
		return
	}
	targets := make([]*record.Record, len(recs))
	copy(targets, recs)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, rec := range targets {
			if err := c.store.UpdateAccess(ctx, rec.Layer, rec.ID); err != nil {
				c.logger.Debug("access update failed",
					zap.String("id", rec.ID.String()),
					zap.Error(err))
			}
		}
	}()
}

func cloneResults(recs []*record.Record) []*record.Record {
	out := make([]*record.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
