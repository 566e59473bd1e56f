package hnsw_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/hnsw"
	"github.com/fyrsmithlabs/memoryd/internal/record"
)

func newIndex(t *testing.T, dim int) *hnsw.Index {
	t.Helper()
	ix, err := hnsw.New(hnsw.Config{Dim: dim}, zap.NewNop())
	require.NoError(t, err)
	return ix
}

func randomVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestAddAndSearch(t *testing.T) {
	ix := newIndex(t, 4)

	a := uuid.New()
	b := uuid.New()
	require.NoError(t, ix.Add(a, []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Add(b, []float32{0, 1, 0, 0}))

	hits, err := ix.Search([]float32{1, 0.1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, a, hits[0].ID)
	assert.Less(t, hits[0].Distance, hits[1].Distance)
}

func TestAddDimensionMismatch(t *testing.T) {
	ix := newIndex(t, 4)
	err := ix.Add(uuid.New(), []float32{1, 2})
	assert.ErrorIs(t, err, record.ErrInvalid)
	assert.Equal(t, 0, ix.Len())
}

func TestAddDuplicate(t *testing.T) {
	ix := newIndex(t, 2)
	id := uuid.New()
	require.NoError(t, ix.Add(id, []float32{1, 0}))
	err := ix.Add(id, []float32{0, 1})
	assert.ErrorIs(t, err, record.ErrConflict)
	assert.Equal(t, 1, ix.Len())
}

func TestContainsAllInserted(t *testing.T) {
	ix := newIndex(t, 8)
	rng := rand.New(rand.NewSource(1))

	ids := make([]uuid.UUID, 50)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, ix.Add(ids[i], randomVec(rng, 8)))
	}
	for _, id := range ids {
		assert.True(t, ix.Contains(id))
	}
	assert.Equal(t, len(ids), ix.Len())
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := newIndex(t, 4)
	hits, err := ix.Search([]float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchReturnsAtMostK(t *testing.T) {
	ix := newIndex(t, 4)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 30; i++ {
		require.NoError(t, ix.Add(uuid.New(), randomVec(rng, 4)))
	}

	hits, err := ix.Search(randomVec(rng, 4), 7)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), 7)

	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i].Distance, hits[i-1].Distance)
	}
}

func TestAddBatchMixedDimensionsInsertsNone(t *testing.T) {
	ix := newIndex(t, 4)
	items := map[uuid.UUID][]float32{
		uuid.New(): {1, 0, 0, 0},
		uuid.New(): {0, 1},
		uuid.New(): {0, 0, 1, 0},
	}
	err := ix.AddBatch(context.Background(), items)
	assert.ErrorIs(t, err, record.ErrInvalid)
	assert.Equal(t, 0, ix.Len())
}

func TestAddBatchThenSearch(t *testing.T) {
	ix := newIndex(t, 8)
	rng := rand.New(rand.NewSource(3))

	items := make(map[uuid.UUID][]float32, 100)
	for i := 0; i < 100; i++ {
		items[uuid.New()] = randomVec(rng, 8)
	}
	require.NoError(t, ix.AddBatch(context.Background(), items))
	assert.Equal(t, 100, ix.Len())

	for id := range items {
		assert.True(t, ix.Contains(id))
	}
}

func TestRemoveLogical(t *testing.T) {
	ix := newIndex(t, 4)
	id := uuid.New()
	require.NoError(t, ix.Add(id, []float32{1, 0, 0, 0}))
	require.NoError(t, ix.Add(uuid.New(), []float32{0, 1, 0, 0}))

	assert.True(t, ix.Remove(id))
	assert.False(t, ix.Remove(id))
	assert.False(t, ix.Contains(id))
	assert.Equal(t, 1, ix.Len())

	hits, err := ix.Search([]float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, id, h.ID)
	}
}

func TestCapacity(t *testing.T) {
	ix, err := hnsw.New(hnsw.Config{Dim: 2, MaxElements: 3}, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, ix.Add(uuid.New(), []float32{float32(i), 1}))
	}
	err = ix.Add(uuid.New(), []float32{9, 9})
	assert.ErrorIs(t, err, record.ErrIndexFull)
	assert.Equal(t, 3, ix.Len())
}

func TestClear(t *testing.T) {
	ix := newIndex(t, 2)
	require.NoError(t, ix.Add(uuid.New(), []float32{1, 0}))
	ix.Clear()
	assert.Equal(t, 0, ix.Len())

	hits, err := ix.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestParallelSearch(t *testing.T) {
	ix := newIndex(t, 8)
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 50; i++ {
		require.NoError(t, ix.Add(uuid.New(), randomVec(rng, 8)))
	}

	queries := make([][]float32, 10)
	for i := range queries {
		queries[i] = randomVec(rng, 8)
	}
	results, err := ix.ParallelSearch(context.Background(), queries, 5)
	require.NoError(t, err)
	require.Len(t, results, 10)

	// Element-wise identical to sequential search.
	for i, q := range queries {
		seq, err := ix.Search(q, 5)
		require.NoError(t, err)
		assert.Equal(t, seq, results[i])
	}
}

func TestDistanceProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 20; i++ {
		a := randomVec(rng, 16)
		b := randomVec(rng, 16)

		assert.InDelta(t, 0, hnsw.CosineDistance(a, a), 1e-5)
		assert.InDelta(t, hnsw.CosineDistance(a, b), hnsw.CosineDistance(b, a), 1e-6)
		assert.GreaterOrEqual(t, hnsw.CosineDistance(a, b), float32(0))
		assert.LessOrEqual(t, hnsw.CosineDistance(a, b), float32(2.0001))
	}
}

func TestSearchRecall(t *testing.T) {
	// The closest vector by exact scan must appear in the approximate
	// results on a small index.
	ix := newIndex(t, 16)
	rng := rand.New(rand.NewSource(6))

	vecs := make(map[uuid.UUID][]float32, 200)
	for i := 0; i < 200; i++ {
		id := uuid.New()
		vecs[id] = randomVec(rng, 16)
		require.NoError(t, ix.Add(id, vecs[id]))
	}

	for trial := 0; trial < 10; trial++ {
		q := randomVec(rng, 16)
		var bestID uuid.UUID
		best := float32(10)
		for id, v := range vecs {
			if d := hnsw.CosineDistance(q, v); d < best {
				best, bestID = d, id
			}
		}

		hits, err := ix.Search(q, 10)
		require.NoError(t, err)
		found := false
		for _, h := range hits {
			if h.ID == bestID {
				found = true
				break
			}
		}
		assert.True(t, found, "exact nearest neighbor missing from top-10")
	}
}

func TestConcurrentInsertAndSearch(t *testing.T) {
	ix := newIndex(t, 8)
	rng := rand.New(rand.NewSource(7))

	seedQueries := make([][]float32, 100)
	for i := range seedQueries {
		seedQueries[i] = randomVec(rng, 8)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		vec := randomVec(rng, 8)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ix.Add(uuid.New(), vec))
		}()
		wg.Add(1)
		go func(q []float32) {
			defer wg.Done()
			_, err := ix.Search(q, 5)
			assert.NoError(t, err)
		}(seedQueries[i])
	}
	wg.Wait()

	assert.Equal(t, 100, ix.Len())
}

func TestEqualDistanceTieBreakByID(t *testing.T) {
	ix := newIndex(t, 2)

	vec := []float32{1, 0}
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, ix.Add(ids[i], []float32{1, 0}))
	}

	hits, err := ix.Search(vec, 5)
	require.NoError(t, err)
	require.Len(t, hits, 5)
	for i := 1; i < len(hits); i++ {
		assert.Equal(t, hits[i-1].Distance, hits[i].Distance)
		assert.Less(t, hits[i-1].ID.String(), hits[i].ID.String())
	}
}

func TestStats(t *testing.T) {
	ix := newIndex(t, 4)
	require.NoError(t, ix.Add(uuid.New(), []float32{1, 0, 0, 0}))
	_, err := ix.Search([]float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)

	st := ix.Stats()
	assert.Equal(t, uint64(1), st.Inserts)
	assert.Equal(t, uint64(1), st.Searches)
	assert.Greater(t, st.DistanceCalcs, uint64(0))
}
