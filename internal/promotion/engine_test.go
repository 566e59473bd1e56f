package promotion_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/hnsw"
	"github.com/fyrsmithlabs/memoryd/internal/promotion"
	"github.com/fyrsmithlabs/memoryd/internal/record"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

type indexSet map[record.Layer]*hnsw.Index

func (s indexSet) Index(l record.Layer) *hnsw.Index { return s[l] }

type fixture struct {
	store   *store.Store
	indexes indexSet
	engine  *promotion.Engine
}

func newFixture(t *testing.T, cfg promotion.Config) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "promo.db"), zap.NewNop(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	indexes := indexSet{}
	for _, l := range record.Layers {
		require.NoError(t, st.InitLayer(l))
		ix, err := hnsw.New(hnsw.Config{Dim: 4}, zap.NewNop())
		require.NoError(t, err)
		indexes[l] = ix
	}
	return &fixture{
		store:   st,
		indexes: indexes,
		engine:  promotion.NewEngine(st, indexes, cfg, zap.NewNop()),
	}
}

func (f *fixture) insert(t *testing.T, layer record.Layer, mutate func(*record.Record)) *record.Record {
	t.Helper()
	rec := record.New("promo record", []float32{0.1, 0.2, 0.3, 0.4}, layer)
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, f.store.Insert(context.Background(), layer, rec))
	require.NoError(t, f.indexes[layer].Add(rec.ID, rec.Embedding))
	return rec
}

// distantFuture keeps age- and TTL-based rules inert in access-only tests.
const distantFuture = 1000 * time.Hour

func TestPromotionByAccess(t *testing.T) {
	f := newFixture(t, promotion.Config{
		InsightsAccessThreshold: 3,
		InsightsAgeThreshold:    distantFuture,
		AssetsAccessThreshold:   100,
		AssetsAgeThreshold:      distantFuture,
		InteractTTL:             distantFuture,
		InsightsTTL:             distantFuture,
	})
	ctx := context.Background()
	rec := f.insert(t, record.Interact, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.UpdateAccess(ctx, record.Interact, rec.ID))
	}

	stats, err := f.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PromotedToInsights)
	assert.Zero(t, stats.Errors)

	_, err = f.store.Get(ctx, record.Interact, rec.ID)
	assert.ErrorIs(t, err, record.ErrNotFound)

	got, err := f.store.Get(ctx, record.Insights, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Insights, got.Layer)
	assert.Equal(t, rec.Embedding, got.Embedding)

	assert.False(t, f.indexes[record.Interact].Contains(rec.ID))
	assert.True(t, f.indexes[record.Insights].Contains(rec.ID))
}

func TestPromotionByAge(t *testing.T) {
	f := newFixture(t, promotion.Config{
		InsightsAccessThreshold: 100,
		InsightsAgeThreshold:    time.Hour,
		AssetsAccessThreshold:   100,
		AssetsAgeThreshold:      distantFuture,
		InteractTTL:             distantFuture,
		InsightsTTL:             distantFuture,
	})
	ctx := context.Background()
	rec := f.insert(t, record.Interact, func(r *record.Record) {
		r.TS = time.Now().UTC().Add(-2 * time.Hour)
	})

	stats, err := f.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PromotedToInsights)

	_, err = f.store.Get(ctx, record.Insights, rec.ID)
	assert.NoError(t, err)
}

func TestTTLExpiry(t *testing.T) {
	f := newFixture(t, promotion.Config{
		InsightsAccessThreshold: 100,
		InsightsAgeThreshold:    distantFuture,
		AssetsAccessThreshold:   100,
		AssetsAgeThreshold:      distantFuture,
		InteractTTL:             24 * time.Hour,
		InsightsTTL:             distantFuture,
	})
	ctx := context.Background()
	rec := f.insert(t, record.Interact, func(r *record.Record) {
		r.TS = time.Now().UTC().Add(-26 * time.Hour)
	})

	stats, err := f.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ExpiredInteract)

	_, err = f.store.Get(ctx, record.Interact, rec.ID)
	assert.ErrorIs(t, err, record.ErrNotFound)
	_, err = f.store.Get(ctx, record.Insights, rec.ID)
	assert.ErrorIs(t, err, record.ErrNotFound)

	n, err := f.store.Len(record.Interact)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, f.indexes[record.Interact].Contains(rec.ID))
}

func TestNoDoubleHopInOnePass(t *testing.T) {
	f := newFixture(t, promotion.Config{
		InsightsAccessThreshold: 1,
		InsightsAgeThreshold:    distantFuture,
		AssetsAccessThreshold:   1,
		AssetsAgeThreshold:      distantFuture,
		InteractTTL:             distantFuture,
		InsightsTTL:             distantFuture,
	})
	ctx := context.Background()
	rec := f.insert(t, record.Interact, nil)
	require.NoError(t, f.store.UpdateAccess(ctx, record.Interact, rec.ID))

	stats, err := f.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PromotedToInsights)
	assert.Zero(t, stats.PromotedToAssets)

	// The record stops in Insights; a later pass may move it on.
	_, err = f.store.Get(ctx, record.Insights, rec.ID)
	assert.NoError(t, err)
}

func TestPassIdempotentAfterPartialMove(t *testing.T) {
	f := newFixture(t, promotion.Config{
		InsightsAccessThreshold: 1,
		InsightsAgeThreshold:    distantFuture,
		AssetsAccessThreshold:   100,
		AssetsAgeThreshold:      distantFuture,
		InteractTTL:             distantFuture,
		InsightsTTL:             distantFuture,
	})
	ctx := context.Background()
	rec := f.insert(t, record.Interact, nil)
	require.NoError(t, f.store.UpdateAccess(ctx, record.Interact, rec.ID))

	// Simulate a crash after the destination write: the record already
	// sits in Insights while the Interact copy survives.
	crashed, err := f.store.Get(ctx, record.Interact, rec.ID)
	require.NoError(t, err)
	crashed.Layer = record.Insights
	require.NoError(t, f.store.Insert(ctx, record.Insights, crashed))

	stats, err := f.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PromotedToInsights)
	assert.Zero(t, stats.Errors)

	_, err = f.store.Get(ctx, record.Interact, rec.ID)
	assert.ErrorIs(t, err, record.ErrNotFound)

	n, err := f.store.Len(record.Insights)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordsNeverLost(t *testing.T) {
	f := newFixture(t, promotion.Config{
		InsightsAccessThreshold: 2,
		InsightsAgeThreshold:    distantFuture,
		AssetsAccessThreshold:   100,
		AssetsAgeThreshold:      distantFuture,
		InteractTTL:             distantFuture,
		InsightsTTL:             distantFuture,
	})
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		rec := f.insert(t, record.Interact, nil)
		if i%2 == 0 {
			require.NoError(t, f.store.UpdateAccess(ctx, record.Interact, rec.ID))
			require.NoError(t, f.store.UpdateAccess(ctx, record.Interact, rec.ID))
		}
	}

	_, err := f.engine.RunPass(ctx)
	require.NoError(t, err)

	interact, err := f.store.Len(record.Interact)
	require.NoError(t, err)
	insights, err := f.store.Len(record.Insights)
	require.NoError(t, err)
	assert.Equal(t, n, interact+insights, "promotion must conserve records")
	assert.Equal(t, n/2, insights)
}
