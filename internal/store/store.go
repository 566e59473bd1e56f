// Package store provides the per-layer durable KV store backing the vector
// indexes. Records are serialized with the record codec and kept in one
// bbolt bucket per layer; a meta bucket carries the monotonic write version
// and a capped changelog supports incremental index rebuilds.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/record"
)

var (
	bucketMeta      = []byte("meta")
	bucketChangelog = []byte("changelog")

	keyVersion = []byte("version")
)

// DefaultChangelogCap bounds the number of retained changelog entries.
const DefaultChangelogCap = 65536

// ChangeKind describes a changelog entry.
type ChangeKind uint8

const (
	// ChangeInsert records a new id landing in a layer.
	ChangeInsert ChangeKind = iota
	// ChangeDelete records an id leaving a layer.
	ChangeDelete
	// ChangeUpdate records an in-place rewrite of an id.
	ChangeUpdate
)

// Change is one entry of the changelog.
type Change struct {
	Version uint64
	Layer   record.Layer
	ID      uuid.UUID
	Kind    ChangeKind
}

// Options tunes a Store.
type Options struct {
	// ChangelogCap bounds retained changelog entries; older entries are
	// compacted away. Zero means DefaultChangelogCap.
	ChangelogCap int
}

// Store is a bbolt-backed layered record store. Writes on a layer are
// serialized by bbolt's single-writer transaction; reads run concurrently
// against stable snapshots.
type Store struct {
	db      *bolt.DB
	logger  *zap.Logger
	version atomic.Uint64
	logCap  int
}

// Open opens (or creates) the store at path.
func Open(path string, logger *zap.Logger, opts Options) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChangelogCap <= 0 {
		opts.ChangelogCap = DefaultChangelogCap
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", record.ErrStorage, path, err)
	}

	s := &Store{db: db, logger: logger, logCap: opts.ChangelogCap}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketChangelog} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		if v := tx.Bucket(bucketMeta).Get(keyVersion); v != nil {
			s.version.Store(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", record.ErrStorage, err)
	}

	logger.Info("store opened",
		zap.String("path", path),
		zap.Uint64("version", s.version.Load()))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitLayer creates the bucket for layer l. Idempotent.
func (s *Store) InitLayer(l record.Layer) error {
	if !l.Valid() {
		return fmt.Errorf("%w: layer %d", record.ErrInvalid, l)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(l.String()))
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: init layer %s: %v", record.ErrStorage, l, err)
	}
	return nil
}

// layerBucket returns the bucket for l or ErrLayerNotReady.
func layerBucket(tx *bolt.Tx, l record.Layer) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(l.String()))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", record.ErrLayerNotReady, l)
	}
	return b, nil
}

// bump advances the version counter inside tx, appends a changelog entry,
// and compacts the log past its cap. Must run inside an Update transaction.
func (s *Store) bump(tx *bolt.Tx, l record.Layer, id uuid.UUID, kind ChangeKind) (uint64, error) {
	meta := tx.Bucket(bucketMeta)
	var next uint64 = 1
	if v := meta.Get(keyVersion); v != nil {
		next = binary.BigEndian.Uint64(v) + 1
	}

	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], next)
	if err := tx.Bucket(bucketMeta).Put(keyVersion, vb[:]); err != nil {
		return 0, err
	}

	cl := tx.Bucket(bucketChangelog)
	entry := make([]byte, 2+len(id))
	entry[0] = byte(kind)
	entry[1] = byte(l)
	copy(entry[2:], id[:])
	if err := cl.Put(vb[:], entry); err != nil {
		return 0, err
	}

	// Compact the oldest entries once past the cap. Versions are
	// contiguous, so the retained count is next-oldest+1.
	c := cl.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.First() {
		oldest := binary.BigEndian.Uint64(k)
		if next-oldest+1 <= uint64(s.logCap) {
			break
		}
		if err := cl.Delete(k); err != nil {
			return 0, err
		}
	}
	return next, nil
}

// Insert writes rec into layer l. Fails with ErrConflict if the id already
// exists in l and ErrLayerNotReady if InitLayer has not run.
func (s *Store) Insert(ctx context.Context, l record.Layer, rec *record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := record.Encode(rec)
	if err != nil {
		return err
	}

	var version uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := layerBucket(tx, l)
		if err != nil {
			return err
		}
		if b.Get(rec.ID[:]) != nil {
			return fmt.Errorf("%w: %s in %s", record.ErrConflict, rec.ID, l)
		}
		if err := b.Put(rec.ID[:], data); err != nil {
			return err
		}
		version, err = s.bump(tx, l, rec.ID, ChangeInsert)
		return err
	})
	if err != nil {
		if errors.Is(err, record.ErrConflict) || errors.Is(err, record.ErrLayerNotReady) {
			return err
		}
		return fmt.Errorf("%w: insert %s: %v", record.ErrStorage, rec.ID, err)
	}
	s.version.Store(version)
	return nil
}

// Put writes rec into layer l, overwriting any existing value. Used by
// Update on the caller API.
func (s *Store) Put(ctx context.Context, l record.Layer, rec *record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := record.Encode(rec)
	if err != nil {
		return err
	}

	var version uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := layerBucket(tx, l)
		if err != nil {
			return err
		}
		kind := ChangeInsert
		if b.Get(rec.ID[:]) != nil {
			kind = ChangeUpdate
		}
		if err := b.Put(rec.ID[:], data); err != nil {
			return err
		}
		version, err = s.bump(tx, l, rec.ID, kind)
		return err
	})
	if err != nil {
		if errors.Is(err, record.ErrLayerNotReady) {
			return err
		}
		return fmt.Errorf("%w: put %s: %v", record.ErrStorage, rec.ID, err)
	}
	s.version.Store(version)
	return nil
}

// InsertBatch writes all records into layer l in a single transaction.
// All-or-nothing: any conflict or encode failure aborts the whole batch.
func (s *Store) InsertBatch(ctx context.Context, l record.Layer, recs []*record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	encoded := make([][]byte, len(recs))
	for i, rec := range recs {
		data, err := record.Encode(rec)
		if err != nil {
			return err
		}
		encoded[i] = data
	}

	var version uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := layerBucket(tx, l)
		if err != nil {
			return err
		}
		for i, rec := range recs {
			if b.Get(rec.ID[:]) != nil {
				return fmt.Errorf("%w: %s in %s", record.ErrConflict, rec.ID, l)
			}
			if err := b.Put(rec.ID[:], encoded[i]); err != nil {
				return err
			}
			if version, err = s.bump(tx, l, rec.ID, ChangeInsert); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, record.ErrConflict) || errors.Is(err, record.ErrLayerNotReady) {
			return err
		}
		return fmt.Errorf("%w: insert batch: %v", record.ErrStorage, err)
	}
	s.version.Store(version)
	return nil
}

// InsertBatchPermissive writes each record independently and returns a
// per-record error slice aligned with recs. A nil entry means success.
func (s *Store) InsertBatchPermissive(ctx context.Context, l record.Layer, recs []*record.Record) []error {
	results := make([]error, len(recs))
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			results[i] = err
			continue
		}
		results[i] = s.Insert(ctx, l, rec)
	}
	return results
}

// Get reads the record id from layer l. Never mutates access counters.
// Returns ErrNotFound when absent and ErrCorrupt when the stored payload
// fails to decode.
func (s *Store) Get(ctx context.Context, l record.Layer, id uuid.UUID) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *record.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := layerBucket(tx, l)
		if err != nil {
			return err
		}
		data := b.Get(id[:])
		if data == nil {
			return fmt.Errorf("%w: %s in %s", record.ErrNotFound, id, l)
		}
		rec, err = record.Decode(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateAccess increments the access counter of id in l and stamps
// LastAccess. Single-row atomic.
func (s *Store) UpdateAccess(ctx context.Context, l record.Layer, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := layerBucket(tx, l)
		if err != nil {
			return err
		}
		data := b.Get(id[:])
		if data == nil {
			return fmt.Errorf("%w: %s in %s", record.ErrNotFound, id, l)
		}
		rec, err := record.Decode(data)
		if err != nil {
			return err
		}
		rec.AccessCount++
		rec.LastAccess = time.Now().UTC()
		updated, err := record.Encode(rec)
		if err != nil {
			return err
		}
		return b.Put(id[:], updated)
	})
	if err != nil {
		if errors.Is(err, record.ErrNotFound) || errors.Is(err, record.ErrLayerNotReady) || errors.Is(err, record.ErrCorrupt) {
			return err
		}
		return fmt.Errorf("%w: update access %s: %v", record.ErrStorage, id, err)
	}
	return nil
}

// Delete removes id from layer l. Returns false when the id was absent.
func (s *Store) Delete(ctx context.Context, l record.Layer, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var deleted bool
	var version uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := layerBucket(tx, l)
		if err != nil {
			return err
		}
		if b.Get(id[:]) == nil {
			return nil
		}
		if err := b.Delete(id[:]); err != nil {
			return err
		}
		deleted = true
		version, err = s.bump(tx, l, id, ChangeDelete)
		return err
	})
	if err != nil {
		if errors.Is(err, record.ErrLayerNotReady) {
			return false, err
		}
		return false, fmt.Errorf("%w: delete %s: %v", record.ErrStorage, id, err)
	}
	if deleted {
		s.version.Store(version)
	}
	return deleted, nil
}

// DeleteExpired removes every record in l with TS before cutoff and returns
// the removed ids. Corrupt records are skipped with a warning.
func (s *Store) DeleteExpired(ctx context.Context, l record.Layer, cutoff time.Time) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var expired []uuid.UUID
	var version uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := layerBucket(tx, l)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := record.Decode(v)
			if err != nil {
				s.logger.Warn("skipping corrupt record during expiry",
					zap.String("layer", l.String()),
					zap.Error(err))
				continue
			}
			if rec.TS.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				if version, err = s.bump(tx, l, rec.ID, ChangeDelete); err != nil {
					return err
				}
				expired = append(expired, rec.ID)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, record.ErrLayerNotReady) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: delete expired: %v", record.ErrStorage, err)
	}
	if len(expired) > 0 {
		s.version.Store(version)
	}
	return expired, nil
}

// IterLayer calls fn for every record in l under a single read snapshot.
// Corrupt records are logged and skipped; iteration is stable under
// concurrent reads and may miss writes that land mid-iteration. Returning
// an error from fn stops the iteration and surfaces that error.
func (s *Store) IterLayer(ctx context.Context, l record.Layer, fn func(*record.Record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := layerBucket(tx, l)
		if err != nil {
			return err
		}
		var i int
		return b.ForEach(func(k, v []byte) error {
			// Cancellation checkpoint every few hundred records.
			if i++; i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			rec, err := record.Decode(v)
			if err != nil {
				s.logger.Warn("skipping corrupt record during iteration",
					zap.String("layer", l.String()),
					zap.Error(err))
				return nil
			}
			return fn(rec)
		})
	})
}

// Len returns the number of records stored in l.
func (s *Store) Len(l record.Layer) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := layerBucket(tx, l)
		if err != nil {
			return err
		}
		n = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Version returns the monotonic write counter.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// ChangesSince returns all changelog entries with version strictly greater
// than since, oldest first. Returns ErrCompacted when since predates the
// retained changelog horizon, meaning the caller needs a full rebuild.
func (s *Store) ChangesSince(ctx context.Context, since uint64) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var changes []Change
	err := s.db.View(func(tx *bolt.Tx) error {
		cl := tx.Bucket(bucketChangelog)
		c := cl.Cursor()

		if k, _ := c.First(); k != nil {
			oldest := binary.BigEndian.Uint64(k)
			if since+1 < oldest {
				return fmt.Errorf("%w: oldest retained version %d, requested %d", record.ErrCompacted, oldest, since)
			}
		}

		var from [8]byte
		binary.BigEndian.PutUint64(from[:], since+1)
		for k, v := c.Seek(from[:]); k != nil; k, v = c.Next() {
			if len(v) < 2+16 {
				continue
			}
			var id uuid.UUID
			copy(id[:], v[2:18])
			changes = append(changes, Change{
				Version: binary.BigEndian.Uint64(k),
				Kind:    ChangeKind(v[0]),
				Layer:   record.Layer(v[1]),
				ID:      id,
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, record.ErrCompacted) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: changes since %d: %v", record.ErrStorage, since, err)
	}
	return changes, nil
}

// Stats summarizes the store.
type Stats struct {
	Version uint64
	Layers  map[string]int
}

// Stats returns per-layer record counts and the current version. Layers
// that were never initialized are absent from the map.
func (s *Store) Stats() Stats {
	st := Stats{Version: s.version.Load(), Layers: map[string]int{}}
	for _, l := range record.Layers {
		if n, err := s.Len(l); err == nil {
			st.Layers[l.String()] = n
		}
	}
	return st
}
