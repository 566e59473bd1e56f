// Package rebuild reconstructs HNSW indexes from the durable store,
// choosing the cheapest strategy that fits the gap between them. Indexes
// are never persisted; every startup funnels through this package.
package rebuild

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/hnsw"
	"github.com/fyrsmithlabs/memoryd/internal/record"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

// Method names the rebuild strategy that was applied.
type Method string

const (
	// MethodSkip means the index already matched the store.
	MethodSkip Method = "skip"
	// MethodIncremental adds only the ids missing from the index.
	MethodIncremental Method = "incremental"
	// MethodStreaming streams the layer through batched inserts.
	MethodStreaming Method = "streaming"
	// MethodParallel streams with parallel batch preprocessing.
	MethodParallel Method = "parallel"
	// MethodMemoryMapped chunks very large working sets, reading each
	// chunk straight from the store's memory-mapped pages.
	MethodMemoryMapped Method = "memory-mapped"
)

// Config tunes the manager.
type Config struct {
	// IncrementalThreshold is the missing-ratio below which incremental
	// rebuild is chosen. Range 0-1.
	IncrementalThreshold float64

	// BatchSize is the streaming insert batch size.
	BatchSize int

	// ParallelMinRecords is the dataset size past which the parallel
	// strategy is preferred on multi-core hosts.
	ParallelMinRecords int

	// MemoryMappedThreshold is the working-set size in bytes past which
	// the chunked strategy is chosen.
	MemoryMappedThreshold int64

	// Deadline caps one rebuild run.
	Deadline time.Duration

	// CheckpointEvery logs progress each time this many records land.
	CheckpointEvery int

	// AnalysisSample caps how many records the analysis phase decodes
	// to estimate record size.
	AnalysisSample int
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.IncrementalThreshold == 0 {
		c.IncrementalThreshold = 0.1
	}
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.ParallelMinRecords == 0 {
		c.ParallelMinRecords = 10_000
	}
	if c.MemoryMappedThreshold == 0 {
		c.MemoryMappedThreshold = 500 << 20
	}
	if c.Deadline == 0 {
		c.Deadline = 5 * time.Minute
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 5000
	}
	if c.AnalysisSample == 0 {
		c.AnalysisSample = 1000
	}
}

// Result reports one rebuild run.
type Result struct {
	Method           Method
	RecordsProcessed int
	Duration         time.Duration
	Success          bool
}

// Progress describes an in-flight rebuild.
type Progress struct {
	Layer     record.Layer
	Method    Method
	Processed int
	Total     int
	StartedAt time.Time
}

// Stats aggregates manager activity.
type Stats struct {
	Runs          map[Method]uint64
	TotalRecords  uint64
	TotalDuration time.Duration
}

// analysis is the outcome of the sampling phase.
type analysis struct {
	total         int
	missing       []uuid.UUID
	avgRecordSize int64
	workingSet    int64
}

// Manager selects and executes index rebuilds.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	active   map[record.Layer]*Progress
	runs     map[Method]uint64
	recs     uint64
	dur      time.Duration
	lastSeen map[record.Layer]uint64
}

// NewManager creates a rebuild manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		active:   make(map[record.Layer]*Progress),
		runs:     make(map[Method]uint64),
		lastSeen: make(map[record.Layer]uint64),
	}
}

// Rebuild brings ix up to date with layer l of st. The method is chosen
// from the analysis phase; the run honors the configured hard deadline.
// A failed or deadline-cut run keeps whatever was added and reports
// Success=false.
func (m *Manager) Rebuild(ctx context.Context, l record.Layer, st *store.Store, ix *hnsw.Index) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Deadline)
	defer cancel()

	// Fast path: the store version has not moved since the last rebuild
	// of this layer and the index still carries the full record count.
	if total, err := st.Len(l); err == nil {
		m.mu.Lock()
		seen, ok := m.lastSeen[l]
		m.mu.Unlock()
		if ok && seen == st.Version() && ix.Len() == total {
			res := Result{Method: MethodSkip, Duration: time.Since(start), Success: true}
			m.record(res)
			return res, nil
		}
	}

	an, err := m.analyze(ctx, l, st, ix)
	if err != nil {
		return Result{Method: MethodSkip, Duration: time.Since(start)}, err
	}

	method := m.chooseMethod(an)
	m.logger.Info("rebuild method selected",
		zap.String("layer", l.String()),
		zap.String("method", string(method)),
		zap.Int("total", an.total),
		zap.Int("missing", len(an.missing)),
		zap.Int64("working_set_bytes", an.workingSet))

	if method == MethodSkip {
		res := Result{Method: MethodSkip, Duration: time.Since(start), Success: true}
		m.record(res)
		m.markSeen(l, st)
		return res, nil
	}

	prog := &Progress{Layer: l, Method: method, Total: len(an.missing), StartedAt: start}
	m.setActive(l, prog)
	defer m.clearActive(l)

	var processed int
	var runErr error
	switch method {
	case MethodIncremental:
		processed, runErr = m.incremental(ctx, l, st, ix, an, prog)
	default:
		batch := m.cfg.BatchSize
		if method == MethodParallel {
			// Larger batches push AddBatch past its parallel
			// preprocessing threshold.
			batch = m.cfg.BatchSize * 4
		}
		if method == MethodMemoryMapped {
			// Bound each chunk so a huge layer never pins more than a
			// sliver of the store's mapped pages in the index build.
			batch = m.cfg.BatchSize / 4
			if batch == 0 {
				batch = 250
			}
		}
		processed, runErr = m.streaming(ctx, l, st, ix, an, prog, batch)
	}

	res := Result{
		Method:           method,
		RecordsProcessed: processed,
		Duration:         time.Since(start),
		Success:          runErr == nil,
	}
	m.record(res)
	if runErr != nil {
		m.logger.Warn("rebuild incomplete",
			zap.String("layer", l.String()),
			zap.String("method", string(method)),
			zap.Int("processed", processed),
			zap.Error(runErr))
		return res, runErr
	}
	m.logger.Info("rebuild complete",
		zap.String("layer", l.String()),
		zap.String("method", string(method)),
		zap.Int("processed", processed),
		zap.Duration("duration", res.Duration))
	m.markSeen(l, st)
	return res, nil
}

// markSeen records the store version a completed rebuild brought the layer
// up to, enabling the version fast path.
func (m *Manager) markSeen(l record.Layer, st *store.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[l] = st.Version()
}

// analyze samples the layer to size the job: total count, ids missing from
// the index, and a working-set estimate extrapolated from the first
// AnalysisSample records.
func (m *Manager) analyze(ctx context.Context, l record.Layer, st *store.Store, ix *hnsw.Index) (analysis, error) {
	an := analysis{}

	total, err := st.Len(l)
	if err != nil {
		return an, err
	}
	an.total = total
	if total == 0 {
		return an, nil
	}

	var sampled int
	var sampledBytes int64
	err = st.IterLayer(ctx, l, func(rec *record.Record) error {
		if !ix.Contains(rec.ID) {
			an.missing = append(an.missing, rec.ID)
		}
		if sampled < m.cfg.AnalysisSample {
			sampled++
			sampledBytes += int64(len(rec.Text)) + int64(len(rec.Embedding))*4
		}
		return nil
	})
	if err != nil {
		return an, err
	}
	if sampled > 0 {
		an.avgRecordSize = sampledBytes / int64(sampled)
		an.workingSet = an.avgRecordSize * int64(len(an.missing))
	}
	return an, nil
}

// chooseMethod applies the selection table.
func (m *Manager) chooseMethod(an analysis) Method {
	switch {
	case an.total == 0 || len(an.missing) == 0:
		return MethodSkip
	case float64(len(an.missing))/float64(an.total) < m.cfg.IncrementalThreshold:
		return MethodIncremental
	case an.workingSet > m.cfg.MemoryMappedThreshold:
		return MethodMemoryMapped
	case len(an.missing) >= m.cfg.ParallelMinRecords && runtime.NumCPU() > 2:
		return MethodParallel
	default:
		return MethodStreaming
	}
}

// incremental adds only the ids the analysis found missing, skipping any
// that landed in the index since.
func (m *Manager) incremental(ctx context.Context, l record.Layer, st *store.Store, ix *hnsw.Index, an analysis, prog *Progress) (int, error) {
	missing := make(map[uuid.UUID]struct{}, len(an.missing))
	for _, id := range an.missing {
		missing[id] = struct{}{}
	}

	var processed int
	err := st.IterLayer(ctx, l, func(rec *record.Record) error {
		if _, want := missing[rec.ID]; !want {
			return nil
		}
		if ix.Contains(rec.ID) {
			return nil
		}
		if err := ix.Add(rec.ID, rec.Embedding); err != nil {
			return err
		}
		processed++
		m.checkpoint(prog, processed)
		return nil
	})
	return processed, err
}

// streaming walks the layer in batches of batchSize, inserting each batch
// atomically and checkpointing between batches.
func (m *Manager) streaming(ctx context.Context, l record.Layer, st *store.Store, ix *hnsw.Index, an analysis, prog *Progress, batchSize int) (int, error) {
	missing := make(map[uuid.UUID]struct{}, len(an.missing))
	for _, id := range an.missing {
		missing[id] = struct{}{}
	}

	var processed int
	batch := make(map[uuid.UUID][]float32, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ix.AddBatch(ctx, batch); err != nil {
			return err
		}
		processed += len(batch)
		batch = make(map[uuid.UUID][]float32, batchSize)
		m.checkpoint(prog, processed)
		return nil
	}

	err := st.IterLayer(ctx, l, func(rec *record.Record) error {
		if _, want := missing[rec.ID]; !want {
			return nil
		}
		if ix.Contains(rec.ID) {
			return nil
		}
		batch[rec.ID] = rec.Embedding
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return processed, err
	}
	if err := flush(); err != nil {
		return processed, err
	}
	return processed, nil
}

// checkpoint updates progress and logs every CheckpointEvery records.
func (m *Manager) checkpoint(prog *Progress, processed int) {
	m.mu.Lock()
	prog.Processed = processed
	m.mu.Unlock()
	if processed%m.cfg.CheckpointEvery == 0 {
		m.logger.Debug("rebuild checkpoint",
			zap.String("layer", prog.Layer.String()),
			zap.Int("processed", processed),
			zap.Int("total", prog.Total))
	}
}

func (m *Manager) setActive(l record.Layer, p *Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[l] = p
}

func (m *Manager) clearActive(l record.Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, l)
}

// ActiveRebuilds snapshots in-flight rebuilds.
func (m *Manager) ActiveRebuilds() []Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Progress, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, *p)
	}
	return out
}

func (m *Manager) record(res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[res.Method]++
	m.recs += uint64(res.RecordsProcessed)
	m.dur += res.Duration
}

// Stats snapshots aggregate rebuild activity.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make(map[Method]uint64, len(m.runs))
	for k, v := range m.runs {
		runs[k] = v
	}
	return Stats{Runs: runs, TotalRecords: m.recs, TotalDuration: m.dur}
}
