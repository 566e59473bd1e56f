// Package hnsw implements an in-memory Hierarchical Navigable Small World
// graph for approximate nearest-neighbor search over cosine distance. One
// index serves one store layer and is rebuilt from the store on startup.
//
// Removal is logical: the id-to-slot mapping is cleared and the node is
// tombstoned, but the graph keeps the node for traversal until the next
// rebuild reclaims it.
package hnsw

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/memoryd/internal/record"
)

// Config tunes one index instance.
type Config struct {
	// Dim is the vector dimension. Required.
	Dim int

	// M is the maximum neighbor count per node above level 0; level 0
	// allows 2*M.
	M int

	// EfConstruction is the candidate-list size during insertion.
	EfConstruction int

	// EfSearch is the candidate-list size during queries.
	EfSearch int

	// MaxLayers caps the graph height.
	MaxLayers int

	// MaxElements is the capacity. Inserts past it fail with ErrIndexFull.
	MaxElements int

	// BatchParallelThreshold is the batch size past which AddBatch
	// preprocesses vectors in parallel.
	BatchParallelThreshold int

	// Seed seeds level selection. Zero means a fixed default, keeping
	// graph shapes reproducible across rebuilds of the same data.
	Seed int64
}

// ApplyDefaults fills unset fields with the standard tuning.
func (c *Config) ApplyDefaults() {
	if c.M == 0 {
		c.M = 24
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = 400
	}
	if c.EfSearch == 0 {
		c.EfSearch = 100
	}
	if c.MaxLayers == 0 {
		c.MaxLayers = 16
	}
	if c.MaxElements == 0 {
		c.MaxElements = 1_000_000
	}
	if c.BatchParallelThreshold == 0 {
		c.BatchParallelThreshold = 256
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("%w: hnsw dimension must be positive", record.ErrInvalid)
	}
	if c.M < 2 {
		return fmt.Errorf("%w: hnsw M must be at least 2", record.ErrInvalid)
	}
	return nil
}

// node is one graph vertex. Neighbor lists are slot indexes, one list per
// level from 0 up to the node's top level.
type node struct {
	id        uuid.UUID
	vec       []float32
	norm      float32
	level     int
	neighbors [][]int32
	deleted   bool
}

// Hit is one search result.
type Hit struct {
	ID       uuid.UUID
	Distance float32
}

// Index is a single-layer HNSW graph. Safe for concurrent use: searches
// share a read lock, mutations take the write lock.
type Index struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	nodes    []*node
	ids      map[uuid.UUID]int32
	entry    int32
	maxLevel int
	rng      *rand.Rand
	levelMul float64

	stats  stats
	warned bool
}

// New creates an empty index.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		cfg:      cfg,
		logger:   logger,
		ids:      make(map[uuid.UUID]int32),
		entry:    -1,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		levelMul: 1.0 / math.Log(float64(cfg.M)),
	}, nil
}

// Config returns the effective configuration.
func (ix *Index) Config() Config { return ix.cfg }

// Len returns the number of live (non-deleted) ids.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Contains reports whether id is live in the index.
func (ix *Index) Contains(id uuid.UUID) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.ids[id]
	return ok
}

// Clear drops the whole graph.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nodes = nil
	ix.ids = make(map[uuid.UUID]int32)
	ix.entry = -1
	ix.maxLevel = 0
	ix.warned = false
}

// randomLevel draws a node level from the standard HNSW geometric
// distribution, capped at MaxLayers-1.
func (ix *Index) randomLevel() int {
	l := int(-math.Log(ix.rng.Float64()+1e-12) * ix.levelMul)
	if max := ix.cfg.MaxLayers - 1; l > max {
		l = max
	}
	return l
}

// checkCapacity enforces MaxElements and logs a single warning when the
// index crosses 90% occupancy. Caller holds the write lock.
func (ix *Index) checkCapacity(additional int) error {
	n := len(ix.ids) + additional
	if n > ix.cfg.MaxElements {
		return fmt.Errorf("%w: %d elements, capacity %d", record.ErrIndexFull, len(ix.ids), ix.cfg.MaxElements)
	}
	if !ix.warned && n*10 >= ix.cfg.MaxElements*9 {
		ix.warned = true
		ix.logger.Warn("index approaching capacity",
			zap.Int("elements", n),
			zap.Int("max_elements", ix.cfg.MaxElements))
	}
	return nil
}

// Add inserts one vector. Fails with ErrInvalid on a dimension mismatch,
// ErrConflict if the id is already present, and ErrIndexFull at capacity.
func (ix *Index) Add(id uuid.UUID, vec []float32) error {
	if len(vec) != ix.cfg.Dim {
		return fmt.Errorf("%w: vector dimension %d, want %d", record.ErrInvalid, len(vec), ix.cfg.Dim)
	}

	nrm := norm(vec)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.addLocked(id, vec, nrm)
}

// addLocked performs the insertion with a precomputed vector norm. Caller
// holds the write lock.
func (ix *Index) addLocked(id uuid.UUID, vec []float32, nrm float32) error {
	if _, ok := ix.ids[id]; ok {
		return fmt.Errorf("%w: %s already indexed", record.ErrConflict, id)
	}
	if err := ix.checkCapacity(1); err != nil {
		return err
	}

	timer := ix.stats.insertTimer()
	defer timer.done(1)

	level := ix.randomLevel()
	n := &node{
		id:        id,
		vec:       vec,
		norm:      nrm,
		level:     level,
		neighbors: make([][]int32, level+1),
	}
	slot := int32(len(ix.nodes))
	ix.nodes = append(ix.nodes, n)
	ix.ids[id] = slot

	if ix.entry < 0 {
		ix.entry = slot
		ix.maxLevel = level
		return nil
	}

	// Greedy descent through the levels above the new node.
	cur := ix.entry
	curDist := ix.distance(vec, n.norm, cur)
	for lc := ix.maxLevel; lc > level; lc-- {
		cur, curDist = ix.greedyClosest(vec, n.norm, cur, curDist, lc)
	}

	// Link into every level the new node participates in.
	eps := []candidate{{slot: cur, dist: curDist}}
	for lc := min(level, ix.maxLevel); lc >= 0; lc-- {
		found := ix.searchLayer(vec, n.norm, eps, ix.cfg.EfConstruction, lc)

		maxConn := ix.cfg.M
		if lc == 0 {
			maxConn = 2 * ix.cfg.M
		}
		neighbors := closestN(found, ix.cfg.M)
		n.neighbors[lc] = make([]int32, 0, len(neighbors))
		for _, nb := range neighbors {
			n.neighbors[lc] = append(n.neighbors[lc], nb.slot)
			ix.linkBack(nb.slot, slot, lc, maxConn)
		}
		eps = found
	}

	if level > ix.maxLevel {
		ix.maxLevel = level
		ix.entry = slot
	}
	return nil
}

// linkBack adds src as a neighbor of dst on level lc, pruning dst's list to
// maxConn by distance when it overflows.
func (ix *Index) linkBack(dst, src int32, lc int, maxConn int) {
	d := ix.nodes[dst]
	d.neighbors[lc] = append(d.neighbors[lc], src)
	if len(d.neighbors[lc]) <= maxConn {
		return
	}
	cands := make([]candidate, 0, len(d.neighbors[lc]))
	for _, nb := range d.neighbors[lc] {
		cands = append(cands, candidate{slot: nb, dist: ix.distance(d.vec, d.norm, nb)})
	}
	pruned := closestN(cands, maxConn)
	d.neighbors[lc] = d.neighbors[lc][:0]
	for _, c := range pruned {
		d.neighbors[lc] = append(d.neighbors[lc], c.slot)
	}
}

// greedyClosest walks level lc from cur toward the query until no neighbor
// improves the distance.
func (ix *Index) greedyClosest(vec []float32, qnorm float32, cur int32, curDist float32, lc int) (int32, float32) {
	for {
		improved := false
		n := ix.nodes[cur]
		if lc < len(n.neighbors) {
			for _, nb := range n.neighbors[lc] {
				if d := ix.distance(vec, qnorm, nb); d < curDist {
					cur, curDist = nb, d
					improved = true
				}
			}
		}
		if !improved {
			return cur, curDist
		}
	}
}

// AddBatch validates every vector's dimension, every id's uniqueness and the
// remaining capacity before the first insertion happens; a batch that fails
// validation inserts nothing. Past the parallel threshold, norm
// precomputation fans out across cores; graph linking stays serialized on
// the write lock. The context is checked every 512 insertions: a cancelled
// context stops the batch there and the items already linked stay indexed.
func (ix *Index) AddBatch(ctx context.Context, items map[uuid.UUID][]float32) error {
	for id, vec := range items {
		if len(vec) != ix.cfg.Dim {
			return fmt.Errorf("%w: vector %s has dimension %d, want %d", record.ErrInvalid, id, len(vec), ix.cfg.Dim)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for id := range items {
		if _, ok := ix.ids[id]; ok {
			return fmt.Errorf("%w: %s already indexed", record.ErrConflict, id)
		}
	}
	if err := ix.checkCapacity(len(items)); err != nil {
		return err
	}

	// Deterministic insertion order keeps rebuilds reproducible.
	ordered := make([]uuid.UUID, 0, len(items))
	for id := range items {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i][:], ordered[j][:]) < 0
	})

	// Norm precomputation is the embarrassingly parallel part; graph
	// linking itself is serialized on the write lock.
	norms := make([]float32, len(ordered))
	if len(items) >= ix.cfg.BatchParallelThreshold {
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(runtime.NumCPU())
		chunk := (len(ordered) + runtime.NumCPU() - 1) / runtime.NumCPU()
		for start := 0; start < len(ordered); start += chunk {
			end := min(start+chunk, len(ordered))
			g.Go(func() error {
				for i := start; i < end; i++ {
					norms[i] = norm(items[ordered[i]])
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for i, id := range ordered {
			norms[i] = norm(items[id])
		}
	}

	for i, id := range ordered {
		if i%512 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := ix.addLocked(id, items[id], norms[i]); err != nil {
			return err
		}
	}
	return nil
}

// Remove logically deletes id: the slot mapping is cleared and the node is
// tombstoned. The graph retains the node for traversal until the next
// rebuild. Returns false when id was not present.
func (ix *Index) Remove(id uuid.UUID) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	slot, ok := ix.ids[id]
	if !ok {
		return false
	}
	delete(ix.ids, id)
	ix.nodes[slot].deleted = true
	return true
}
