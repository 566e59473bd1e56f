package embeddings

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/memoryd/internal/record"
)

// MockProvider is a deterministic in-process provider for tests and local
// development. Vectors are unit-normalized and derived from the text, so
// identical texts always embed identically.
type MockProvider struct {
	dim   int
	delay time.Duration

	calls    atomic.Uint64
	failNext atomic.Int64
}

// NewMockProvider creates a mock producing dim-sized vectors.
func NewMockProvider(dim int) *MockProvider {
	return &MockProvider{dim: dim}
}

// SetDelay makes every call sleep, for timeout tests.
func (m *MockProvider) SetDelay(d time.Duration) { m.delay = d }

// FailNext makes the next n calls fail.
func (m *MockProvider) FailNext(n int64) { m.failNext.Store(n) }

// Calls returns the number of provider invocations.
func (m *MockProvider) Calls() uint64 { return m.calls.Load() }

// Dim returns the configured vector dimension.
func (m *MockProvider) Dim() int { return m.dim }

func (m *MockProvider) embed(text string) []float32 {
	// Deterministic content hash spread across the vector, then
	// normalized to a unit vector.
	var h uint64 = 14695981039346656037
	for _, c := range text {
		h ^= uint64(c)
		h *= 1099511628211
	}
	vec := make([]float32, m.dim)
	var sumSq float64
	state := h
	for i := range vec {
		state = state*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(state>>33))/float32(math.MaxInt32) - 0.5
		sumSq += float64(vec[i]) * float64(vec[i])
	}
	if sumSq > 0 {
		inv := float32(1 / math.Sqrt(sumSq))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func (m *MockProvider) call(ctx context.Context) error {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.failNext.Load() > 0 {
		m.failNext.Add(-1)
		return fmt.Errorf("%w: injected provider failure", record.ErrEmbedding)
	}
	return nil
}

// Embed implements Provider.
func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := m.call(ctx); err != nil {
		return nil, err
	}
	return m.embed(text), nil
}

// EmbedBatch implements Provider.
func (m *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := m.call(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.embed(t)
	}
	return out, nil
}
