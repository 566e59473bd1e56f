package hnsw

import (
	"sync/atomic"
	"time"
)

// stats tracks per-index operation counters with atomics so the hot paths
// never take an extra lock.
type stats struct {
	searches      atomic.Uint64
	inserts       atomic.Uint64
	distanceCalcs atomic.Uint64
	searchMicros  atomic.Uint64
	insertMicros  atomic.Uint64
}

// Stats is a point-in-time snapshot of index activity.
type Stats struct {
	Searches        uint64
	Inserts         uint64
	DistanceCalcs   uint64
	AvgSearchMicros float64
	AvgInsertMicros float64
}

type opTimer struct {
	start   time.Time
	count   *atomic.Uint64
	elapsed *atomic.Uint64
}

func (s *stats) searchTimer() opTimer {
	return opTimer{start: time.Now(), count: &s.searches, elapsed: &s.searchMicros}
}

func (s *stats) insertTimer() opTimer {
	return opTimer{start: time.Now(), count: &s.inserts, elapsed: &s.insertMicros}
}

func (t opTimer) done(n uint64) {
	t.count.Add(n)
	t.elapsed.Add(uint64(time.Since(t.start).Microseconds()))
}

// Stats snapshots the counters.
func (ix *Index) Stats() Stats {
	searches := ix.stats.searches.Load()
	inserts := ix.stats.inserts.Load()
	st := Stats{
		Searches:      searches,
		Inserts:       inserts,
		DistanceCalcs: ix.stats.distanceCalcs.Load(),
	}
	if searches > 0 {
		st.AvgSearchMicros = float64(ix.stats.searchMicros.Load()) / float64(searches)
	}
	if inserts > 0 {
		st.AvgInsertMicros = float64(ix.stats.insertMicros.Load()) / float64(inserts)
	}
	return st
}
