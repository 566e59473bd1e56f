package record

import "errors"

// Sentinel errors shared across the engine. Every failure surfaced by a
// component wraps exactly one of these; there is no catch-all kind.
var (
	// ErrInvalid indicates bad input: empty query, wrong dimension,
	// unknown layer.
	ErrInvalid = errors.New("invalid input")

	// ErrNotFound is returned when an id is not present.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned on duplicate-id insert.
	ErrConflict = errors.New("record already exists")

	// ErrLayerNotReady is returned when a layer is used before InitLayer.
	ErrLayerNotReady = errors.New("layer not initialized")

	// ErrIndexFull is returned when an index is at capacity.
	ErrIndexFull = errors.New("index capacity exceeded")

	// ErrStorage indicates a KV read/write fault.
	ErrStorage = errors.New("storage failure")

	// ErrEmbedding indicates an embedding provider failure.
	ErrEmbedding = errors.New("embedding failure")

	// ErrTimeout indicates a deadline was exceeded.
	ErrTimeout = errors.New("operation timed out")

	// ErrCircuitOpen is returned when a circuit breaker gates an
	// operation.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrCancelled indicates the operation was cancelled before its
	// effects were committed.
	ErrCancelled = errors.New("operation cancelled")

	// ErrCorrupt indicates a record that failed to decode. Iteration
	// skips such records; the error surfaces only from direct reads.
	ErrCorrupt = errors.New("record corrupt")

	// ErrCompacted is returned by ChangesSince when the requested version
	// is older than the retained changelog horizon.
	ErrCompacted = errors.New("changelog compacted")
)
