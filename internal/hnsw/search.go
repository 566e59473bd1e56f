package hnsw

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/memoryd/internal/record"
)

// candidate pairs a slot with its distance to the current query.
type candidate struct {
	slot int32
	dist float32
}

// candidateHeap orders candidates by distance; max controls direction.
type candidateHeap struct {
	items []candidate
	max   bool
}

func (h *candidateHeap) Len() int { return len(h.items) }
func (h *candidateHeap) Less(i, j int) bool {
	if h.max {
		return h.items[i].dist > h.items[j].dist
	}
	return h.items[i].dist < h.items[j].dist
}
func (h *candidateHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *candidateHeap) Push(x interface{}) { h.items = append(h.items, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// searchLayer runs the beam search on one graph level, returning up to ef
// candidates closest to the query. Tombstoned nodes stay traversable.
// Caller holds at least the read lock.
func (ix *Index) searchLayer(vec []float32, qnorm float32, eps []candidate, ef, lc int) []candidate {
	visited := make(map[int32]struct{}, ef*4)
	cands := &candidateHeap{}            // min-heap: closest first
	results := &candidateHeap{max: true} // max-heap: worst kept on top

	for _, ep := range eps {
		if _, ok := visited[ep.slot]; ok {
			continue
		}
		visited[ep.slot] = struct{}{}
		heap.Push(cands, ep)
		heap.Push(results, ep)
	}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && c.dist > results.items[0].dist {
			break
		}
		n := ix.nodes[c.slot]
		if lc >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[lc] {
			if _, ok := visited[nb]; ok {
				continue
			}
			visited[nb] = struct{}{}
			d := ix.distance(vec, qnorm, nb)
			if results.Len() < ef || d < results.items[0].dist {
				heap.Push(cands, candidate{slot: nb, dist: d})
				heap.Push(results, candidate{slot: nb, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}
	return results.items
}

// closestN returns the n closest candidates, ties broken by slot so that
// neighbor selection is deterministic.
func closestN(cands []candidate, n int) []candidate {
	out := make([]candidate, len(cands))
	copy(out, cands)
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].slot < out[j].slot
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Search returns up to k live ids ordered by ascending cosine distance to
// query. Equal distances resolve by id to keep results deterministic. An
// empty index yields an empty result.
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != ix.cfg.Dim {
		return nil, fmt.Errorf("%w: query dimension %d, want %d", record.ErrInvalid, len(query), ix.cfg.Dim)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", record.ErrInvalid)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	timer := ix.stats.searchTimer()
	defer timer.done(1)

	if ix.entry < 0 || len(ix.ids) == 0 {
		return nil, nil
	}

	qnorm := norm(query)

	cur := ix.entry
	curDist := ix.distance(query, qnorm, cur)
	for lc := ix.maxLevel; lc > 0; lc-- {
		cur, curDist = ix.greedyClosest(query, qnorm, cur, curDist, lc)
	}

	ef := ix.cfg.EfSearch
	if ef < k {
		ef = k
	}
	found := ix.searchLayer(query, qnorm, []candidate{{slot: cur, dist: curDist}}, ef, 0)

	hits := make([]Hit, 0, len(found))
	for _, c := range found {
		n := ix.nodes[c.slot]
		if n.deleted {
			continue
		}
		hits = append(hits, Hit{ID: n.id, Distance: c.dist})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return bytes.Compare(hits[i].ID[:], hits[j].ID[:]) < 0
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// ParallelSearch applies Search element-wise across queries, sharing the
// read lock across workers.
func (ix *Index) ParallelSearch(ctx context.Context, queries [][]float32, k int) ([][]Hit, error) {
	results := make([][]Hit, len(queries))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelism())
	for i, q := range queries {
		g.Go(func() error {
			hits, err := ix.Search(q, k)
			if err != nil {
				return err
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
