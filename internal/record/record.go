// Package record defines the data model shared by the store, the vector
// indexes, and the coordinators: the Record itself, the lifecycle Layer it
// lives in, and the error vocabulary of the engine.
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Layer identifies one of the three lifecycle tiers a record can live in.
// Layers are ordered: Interact is the newest/cheapest tier, Assets the
// coldest/highest-value one.
type Layer uint8

const (
	// Interact holds fresh records straight from ingest.
	Interact Layer = iota

	// Insights holds records promoted out of Interact by access pressure
	// or age.
	Insights

	// Assets holds long-lived records. Assets records never expire.
	Assets
)

// Layers lists all layers in promotion order (hottest first).
var Layers = []Layer{Interact, Insights, Assets}

// String returns the canonical lowercase name of the layer.
func (l Layer) String() string {
	switch l {
	case Interact:
		return "interact"
	case Insights:
		return "insights"
	case Assets:
		return "assets"
	default:
		return fmt.Sprintf("layer(%d)", uint8(l))
	}
}

// Valid reports whether l is one of the three known layers.
func (l Layer) Valid() bool {
	return l <= Assets
}

// Next returns the promotion destination for l and false when l is the
// coldest layer.
func (l Layer) Next() (Layer, bool) {
	switch l {
	case Interact:
		return Insights, true
	case Insights:
		return Assets, true
	default:
		return l, false
	}
}

// ParseLayer parses a layer name as produced by Layer.String.
func ParseLayer(s string) (Layer, error) {
	switch s {
	case "interact":
		return Interact, nil
	case "insights":
		return Insights, nil
	case "assets":
		return Assets, nil
	default:
		return 0, fmt.Errorf("%w: unknown layer %q", ErrInvalid, s)
	}
}

// Record is the atomic stored unit: original text, its embedding, and the
// metadata driving filtering and promotion.
type Record struct {
	// ID is the stable identifier, unique within and across layers.
	ID uuid.UUID

	// Text is the original content.
	Text string

	// Embedding is the dense vector for Text. Its length must equal the
	// engine-wide embedding dimension.
	Embedding []float32

	// Layer is the lifecycle tier the record currently lives in.
	Layer Layer

	// Kind tags the record's origin ("user_message", "tool_result", ...).
	Kind string

	// Tags is a free-form set of labels used by search filters.
	Tags []string

	// Project and Session are coarse grouping keys.
	Project string
	Session string

	// TS is the creation timestamp.
	TS time.Time

	// Score is transient: populated only on query results, never stored.
	Score float32

	// AccessCount is incremented on every search hit.
	AccessCount uint64

	// LastAccess is updated on every search hit.
	LastAccess time.Time
}

// New creates a record with a fresh ID and the current timestamp.
func New(text string, embedding []float32, layer Layer) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:         uuid.New(),
		Text:       text,
		Embedding:  embedding,
		Layer:      layer,
		TS:         now,
		LastAccess: now,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Embedding != nil {
		cp.Embedding = make([]float32, len(r.Embedding))
		copy(cp.Embedding, r.Embedding)
	}
	if r.Tags != nil {
		cp.Tags = make([]string, len(r.Tags))
		copy(cp.Tags, r.Tags)
	}
	return &cp
}

// HasTags reports whether the record carries every tag in want.
func (r *Record) HasTags(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(r.Tags))
	for _, t := range r.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants of a record against the given
// embedding dimension.
func (r *Record) Validate(dim int) error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("%w: record id is nil", ErrInvalid)
	}
	if !r.Layer.Valid() {
		return fmt.Errorf("%w: unknown layer %d", ErrInvalid, r.Layer)
	}
	if len(r.Embedding) != dim {
		return fmt.Errorf("%w: embedding dimension %d, want %d", ErrInvalid, len(r.Embedding), dim)
	}
	return nil
}
