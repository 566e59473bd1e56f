package health

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "core",
			Name:      "operations_total",
			Help:      "Total operations by name and result",
		},
		[]string{"operation", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memoryd",
			Subsystem: "core",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	healthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memoryd",
			Subsystem: "core",
			Name:      "health_status",
			Help:      "Aggregate health (3=healthy 2=warning 1=degraded 0=unhealthy)",
		},
	)
)

// histogramWindow bounds how many recent samples feed the percentile
// snapshot.
const histogramWindow = 1024

// histogram keeps a ring of recent samples plus lifetime count and sum.
type histogram struct {
	mu      sync.Mutex
	samples [histogramWindow]float64
	next    int
	filled  bool
	count   uint64
	sum     float64
}

func (h *histogram) observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = v
	h.next = (h.next + 1) % histogramWindow
	if h.next == 0 {
		h.filled = true
	}
	h.count++
	h.sum += v
}

// Percentiles summarizes one operation's recent latency in seconds.
type Percentiles struct {
	Count uint64
	Sum   float64
	P50   float64
	P95   float64
	P99   float64
}

func (h *histogram) snapshot() Percentiles {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.filled {
		n = histogramWindow
	}
	p := Percentiles{Count: h.count, Sum: h.sum}
	if n == 0 {
		return p
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples[:n])
	sort.Float64s(sorted)
	at := func(q float64) float64 {
		i := int(q * float64(n-1))
		return sorted[i]
	}
	p.P50 = at(0.50)
	p.P95 = at(0.95)
	p.P99 = at(0.99)
	return p
}

// Metrics is the engine's counter and timing registry. Counters are
// monotonic atomics; timings feed both the percentile snapshot and the
// prometheus histograms.
type Metrics struct {
	counters sync.Map // string -> *atomic.Uint64
	timings  sync.Map // string -> *histogram
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Inc adds one to the named counter.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add bumps the named counter by n.
func (m *Metrics) Add(name string, n uint64) {
	v, _ := m.counters.LoadOrStore(name, &atomic.Uint64{})
	v.(*atomic.Uint64).Add(n)
}

// Observe records one operation's latency.
func (m *Metrics) Observe(operation string, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(operation, result).Inc()
	operationDuration.WithLabelValues(operation).Observe(d.Seconds())

	h, _ := m.timings.LoadOrStore(operation, &histogram{})
	h.(*histogram).observe(d.Seconds())
}

// SetOverall mirrors the aggregate health status to prometheus.
func (m *Metrics) SetOverall(s Status) {
	healthStatus.Set(float64(s))
}

// Snapshot holds every counter and timing. Counters are read without
// locking; each timing window is copied under its own short lock.
type Snapshot struct {
	Counters map[string]uint64
	Timings  map[string]Percentiles
}

// Snapshot returns a point-in-time copy of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		Counters: make(map[string]uint64),
		Timings:  make(map[string]Percentiles),
	}
	m.counters.Range(func(k, v any) bool {
		snap.Counters[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	m.timings.Range(func(k, v any) bool {
		snap.Timings[k.(string)] = v.(*histogram).snapshot()
		return true
	})
	return snap
}
