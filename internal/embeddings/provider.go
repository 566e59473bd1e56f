// Package embeddings defines the embedding provider interface and the
// coordinator that wraps it with caching, request coalescing, bounded
// concurrency, and circuit breaking.
package embeddings

import "context"

// BreakerName is the circuit breaker guarding provider calls.
const BreakerName = "embedding"

// Provider is the opaque text-to-vector mapping. Implementations may be
// local models or remote APIs; failures feed the embedding breaker.
type Provider interface {
	// Embed generates the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for several texts, one vector per
	// input in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the vector dimension this provider produces.
	Dim() int
}
