package search_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/hnsw"
	"github.com/fyrsmithlabs/memoryd/internal/record"
	"github.com/fyrsmithlabs/memoryd/internal/search"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

const dim = 32

type fixture struct {
	store    *store.Store
	indexes  map[record.Layer]*hnsw.Index
	embedder *embeddings.Coordinator
	provider *embeddings.MockProvider
	coord    *search.Coordinator
}

func (f *fixture) Index(l record.Layer) *hnsw.Index { return f.indexes[l] }

func newFixture(t *testing.T, cfg search.Config) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "search.db"), zap.NewNop(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, indexes: map[record.Layer]*hnsw.Index{}}
	for _, l := range record.Layers {
		require.NoError(t, st.InitLayer(l))
		ix, err := hnsw.New(hnsw.Config{Dim: dim}, zap.NewNop())
		require.NoError(t, err)
		f.indexes[l] = ix
	}

	f.provider = embeddings.NewMockProvider(dim)
	f.embedder, err = embeddings.NewCoordinator(f.provider, nil, embeddings.Config{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(f.embedder.Close)

	f.coord = search.NewCoordinator(st, f, f.embedder, cfg, zap.NewNop())
	return f
}

// put inserts a record whose embedding matches what the mock provider
// produces for its text, so a search for the same text scores ~1.
func (f *fixture) put(t *testing.T, text string, layer record.Layer, mutate func(*record.Record)) *record.Record {
	t.Helper()
	ctx := context.Background()
	vec, err := f.provider.Embed(ctx, text)
	require.NoError(t, err)
	rec := record.New(text, vec, layer)
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, f.store.Insert(ctx, layer, rec))
	require.NoError(t, f.indexes[layer].Add(rec.ID, rec.Embedding))
	return rec
}

func TestSearchFindsExactMatch(t *testing.T) {
	f := newFixture(t, search.Config{})
	rec := f.put(t, "hello world", record.Interact, nil)
	f.put(t, "unrelated content entirely", record.Interact, nil)

	got, err := f.coord.Search(context.Background(), "hello world", search.Options{
		Layers: []record.Layer{record.Interact},
		TopK:   5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-4)
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t, search.Config{})
	ctx := context.Background()

	_, err := f.coord.Search(ctx, "", search.Options{TopK: 5})
	assert.ErrorIs(t, err, record.ErrInvalid)

	_, err = f.coord.Search(ctx, "q", search.Options{TopK: 0})
	assert.ErrorIs(t, err, record.ErrInvalid)

	_, err = f.coord.Search(ctx, "q", search.Options{TopK: 1, Layers: []record.Layer{record.Layer(9)}})
	assert.ErrorIs(t, err, record.ErrInvalid)
}

func TestSearchEmptyIndexes(t *testing.T) {
	f := newFixture(t, search.Config{})
	got, err := f.coord.Search(context.Background(), "anything", search.Options{TopK: 3})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchTopKBound(t *testing.T) {
	f := newFixture(t, search.Config{})
	for i := 0; i < 20; i++ {
		f.put(t, "note number "+string(rune('a'+i)), record.Interact, nil)
	}

	got, err := f.coord.Search(context.Background(), "note", search.Options{TopK: 4})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 4)
}

func TestTagAndProjectFilters(t *testing.T) {
	f := newFixture(t, search.Config{})
	tagged := f.put(t, "tagged entry", record.Interact, func(r *record.Record) {
		r.Tags = []string{"keep", "extra"}
		r.Project = "alpha"
	})
	f.put(t, "tagged entry variant", record.Interact, func(r *record.Record) {
		r.Tags = []string{"drop"}
		r.Project = "beta"
	})

	got, err := f.coord.Search(context.Background(), "tagged entry", search.Options{
		TopK: 10,
		Tags: []string{"keep"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tagged.ID, got[0].ID)

	got, err = f.coord.Search(context.Background(), "tagged entry", search.Options{
		TopK:    10,
		Project: "beta",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "beta", got[0].Project)
}

func TestMinScoreFilter(t *testing.T) {
	f := newFixture(t, search.Config{})
	f.put(t, "precise phrase", record.Interact, nil)
	f.put(t, "totally different words here", record.Interact, nil)

	got, err := f.coord.Search(context.Background(), "precise phrase", search.Options{
		TopK:     10,
		MinScore: 0.95,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, got[0].Score, float32(0.95))
}

func TestCrossLayerMerge(t *testing.T) {
	f := newFixture(t, search.Config{})
	f.put(t, "shared phrase", record.Interact, nil)
	f.put(t, "something else", record.Insights, nil)

	got, err := f.coord.Search(context.Background(), "shared phrase", search.Options{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, record.Interact, got[0].Layer)
}

func TestHydrationSkewDropped(t *testing.T) {
	f := newFixture(t, search.Config{})
	rec := f.put(t, "ghost", record.Interact, nil)

	// Remove from the store but leave the index entry: index/store skew.
	_, err := f.store.Delete(context.Background(), record.Interact, rec.ID)
	require.NoError(t, err)

	got, err := f.coord.Search(context.Background(), "ghost", search.Options{
		Layers: []record.Layer{record.Interact},
		TopK:   5,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAccessCountersUpdated(t *testing.T) {
	f := newFixture(t, search.Config{})
	rec := f.put(t, "counted", record.Interact, nil)

	_, err := f.coord.Search(context.Background(), "counted", search.Options{
		Layers: []record.Layer{record.Interact},
		TopK:   1,
	})
	require.NoError(t, err)

	// Updates are fire-and-forget.
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), record.Interact, rec.ID)
		return err == nil && got.AccessCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResultCache(t *testing.T) {
	f := newFixture(t, search.Config{CacheTTL: time.Minute})
	f.put(t, "cacheable", record.Interact, nil)

	opts := search.Options{Layers: []record.Layer{record.Interact}, TopK: 1, UseCache: true}
	first, err := f.coord.Search(context.Background(), "cacheable", opts)
	require.NoError(t, err)
	require.Len(t, first, 1)

	calls := f.provider.Calls()
	second, err := f.coord.Search(context.Background(), "cacheable", opts)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, calls, f.provider.Calls(), "cached search must not embed again")
}
