package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/memoryd/internal/breaker"
	"github.com/fyrsmithlabs/memoryd/internal/record"
)

// Config tunes the coordinator.
type Config struct {
	// CacheSize is the LRU capacity (content hash -> vector).
	CacheSize int

	// MaxConcurrent bounds in-flight provider calls.
	MaxConcurrent int

	// Timeout caps each provider call.
	Timeout time.Duration

	// BatchWindow is how long the batcher waits to coalesce concurrent
	// single-text calls into one provider batch call.
	BatchWindow time.Duration

	// MaxBatch caps the coalesced batch size.
	MaxBatch int
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.CacheSize == 0 {
		c.CacheSize = 4096
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 8
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.BatchWindow == 0 {
		c.BatchWindow = 5 * time.Millisecond
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 64
	}
}

// CacheStats reports coordinator cache effectiveness.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

type embedRequest struct {
	text string
	key  uint64
	done chan embedResult
}

type embedResult struct {
	vec []float32
	err error
}

// Coordinator wraps a Provider with an LRU cache keyed by content hash,
// singleflight deduplication, small-window batch coalescing, a concurrency
// semaphore, and the embedding circuit breaker. Caches key on exact byte
// content; no normalization is applied.
type Coordinator struct {
	provider Provider
	breakers *breaker.Registry
	cfg      Config
	logger   *zap.Logger

	cache  *lru.Cache[uint64, []float32]
	group  singleflight.Group
	sem    *semaphore.Weighted
	queue  chan embedRequest
	closed chan struct{}

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCoordinator creates a coordinator and starts its batching worker.
func NewCoordinator(provider Provider, breakers *breaker.Registry, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", record.ErrInvalid)
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New[uint64, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: cache size %d: %v", record.ErrInvalid, cfg.CacheSize, err)
	}

	c := &Coordinator{
		provider: provider,
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
		cache:    cache,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		queue:    make(chan embedRequest, cfg.MaxBatch*2),
		closed:   make(chan struct{}),
	}
	go c.batchLoop()
	return c, nil
}

// Close stops the batching worker. In-flight provider calls run to
// completion.
func (c *Coordinator) Close() {
	close(c.closed)
}

// Dim returns the provider's vector dimension.
func (c *Coordinator) Dim() int { return c.provider.Dim() }

// hashKey keys caches on exact byte content.
func hashKey(text string) uint64 {
	return xxhash.Sum64String(text)
}

// Embed returns the embedding for text, from cache when possible.
// Concurrent identical requests collapse into one; concurrent distinct
// requests within the batch window merge into one provider batch call.
func (c *Coordinator) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", record.ErrInvalid)
	}
	key := hashKey(text)
	if vec, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return vec, nil
	}
	c.misses.Add(1)

	if c.breakers != nil && !c.breakers.CanExecute(BreakerName) {
		return nil, fmt.Errorf("%w: %s", record.ErrCircuitOpen, BreakerName)
	}

	ch := c.group.DoChan(strconv.FormatUint(key, 16), func() (interface{}, error) {
		req := embedRequest{text: text, key: key, done: make(chan embedResult, 1)}
		select {
		case c.queue <- req:
		case <-c.closed:
			return nil, fmt.Errorf("%w: coordinator closed", record.ErrCancelled)
		}
		res := <-req.done
		return res.vec, res.err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		// The shared call keeps running; its result still lands in the
		// cache for the surviving waiters.
		return nil, ctx.Err()
	}
}

// batchLoop coalesces queued requests within the batch window and fans out
// one provider call per batch.
func (c *Coordinator) batchLoop() {
	for {
		var first embedRequest
		select {
		case first = <-c.queue:
		case <-c.closed:
			return
		}

		batch := []embedRequest{first}
		window := time.NewTimer(c.cfg.BatchWindow)
	collect:
		for len(batch) < c.cfg.MaxBatch {
			select {
			case req := <-c.queue:
				batch = append(batch, req)
			case <-window.C:
				break collect
			case <-c.closed:
				window.Stop()
				c.fail(batch, fmt.Errorf("%w: coordinator closed", record.ErrCancelled))
				return
			}
		}
		window.Stop()

		go c.runBatch(batch)
	}
}

// fail delivers err to every request in the batch.
func (c *Coordinator) fail(batch []embedRequest, err error) {
	for _, req := range batch {
		req.done <- embedResult{err: err}
	}
}

// runBatch executes one provider call for a coalesced batch.
func (c *Coordinator) runBatch(batch []embedRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.fail(batch, mapProviderErr(err))
		return
	}
	defer c.sem.Release(1)

	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}

	var vecs [][]float32
	err := c.execute(ctx, func(ctx context.Context) error {
		var perr error
		vecs, perr = c.provider.EmbedBatch(ctx, texts)
		return perr
	})
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("%w: provider returned %d vectors for %d texts", record.ErrEmbedding, len(vecs), len(texts))
	}
	if err == nil {
		for _, vec := range vecs {
			if len(vec) != c.provider.Dim() {
				err = fmt.Errorf("%w: provider returned dimension %d, want %d", record.ErrEmbedding, len(vec), c.provider.Dim())
				break
			}
		}
	}
	if err != nil {
		c.fail(batch, mapProviderErr(err))
		return
	}

	for i, req := range batch {
		c.cache.Add(req.key, vecs[i])
		req.done <- embedResult{vec: vecs[i]}
	}
}

// execute wraps op with the embedding breaker when a registry is wired.
func (c *Coordinator) execute(ctx context.Context, op func(context.Context) error) error {
	if c.breakers == nil {
		return op(ctx)
	}
	return c.breakers.Execute(ctx, BreakerName, op)
}

// EmbedBatch embeds several texts with one provider call for the cache
// misses. The result slice aligns with texts.
func (c *Coordinator) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for _, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("%w: empty text in batch", record.ErrInvalid)
		}
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if vec, ok := c.cache.Get(hashKey(t)); ok {
			c.hits.Add(1)
			out[i] = vec
			continue
		}
		c.misses.Add(1)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.sem.Acquire(callCtx, 1); err != nil {
		return nil, mapProviderErr(err)
	}
	defer c.sem.Release(1)

	var vecs [][]float32
	err := c.execute(callCtx, func(ctx context.Context) error {
		var perr error
		vecs, perr = c.provider.EmbedBatch(ctx, missTexts)
		return perr
	})
	if err != nil {
		return nil, mapProviderErr(err)
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("%w: provider returned %d vectors for %d texts", record.ErrEmbedding, len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		if len(vecs[j]) != c.provider.Dim() {
			return nil, fmt.Errorf("%w: provider returned dimension %d, want %d", record.ErrEmbedding, len(vecs[j]), c.provider.Dim())
		}
		c.cache.Add(hashKey(missTexts[j]), vecs[j])
		out[i] = vecs[j]
	}
	return out, nil
}

// CacheStats snapshots cache effectiveness.
func (c *Coordinator) CacheStats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.cache.Len(),
	}
}

// mapProviderErr normalizes provider and deadline failures to the engine's
// error kinds.
func mapProviderErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, record.ErrCircuitOpen),
		errors.Is(err, record.ErrEmbedding),
		errors.Is(err, record.ErrInvalid),
		errors.Is(err, record.ErrCancelled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", record.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", record.ErrEmbedding, err)
	}
}
