package record

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// codecVersion is the major format version. Payloads written by a newer
// major version are rejected; within a version, unknown fields are ignored
// on decode and missing fields decode to their zero values.
const codecVersion byte = 1

// wireRecord is the persisted shape of a Record. Score is transient and
// deliberately absent.
type wireRecord struct {
	ID          uuid.UUID
	Text        string
	Embedding   []float32
	Layer       uint8
	Kind        string
	Tags        []string
	Project     string
	Session     string
	TS          time.Time
	AccessCount uint64
	LastAccess  time.Time
}

// Encode serializes r into the versioned binary format.
func Encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	w := wireRecord{
		ID:          r.ID,
		Text:        r.Text,
		Embedding:   r.Embedding,
		Layer:       uint8(r.Layer),
		Kind:        r.Kind,
		Tags:        r.Tags,
		Project:     r.Project,
		Session:     r.Session,
		TS:          r.TS,
		AccessCount: r.AccessCount,
		LastAccess:  r.LastAccess,
	}
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", r.ID, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a record previously written by Encode.
func Decode(data []byte) (*Record, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrCorrupt, len(data))
	}
	if data[0] > codecVersion {
		return nil, fmt.Errorf("%w: format version %d, max supported %d", ErrCorrupt, data[0], codecVersion)
	}
	var w wireRecord
	if err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &Record{
		ID:          w.ID,
		Text:        w.Text,
		Embedding:   w.Embedding,
		Layer:       Layer(w.Layer),
		Kind:        w.Kind,
		Tags:        w.Tags,
		Project:     w.Project,
		Session:     w.Session,
		TS:          w.TS,
		AccessCount: w.AccessCount,
		LastAccess:  w.LastAccess,
	}, nil
}
