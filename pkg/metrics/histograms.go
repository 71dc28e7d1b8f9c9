package metrics

import (
	"sort"
	"sync"
	"time"
)

// Session runs load whole periods, so the upper bounds reach a minute.
var runBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// HistogramBucket is a cumulative count of observations at or below Le seconds.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram keeps per-bound counts; observations above the last bound only
// show up in the total.
type Histogram struct {
	name   string
	bounds []float64

	mu     sync.Mutex
	counts []int64
	sum    float64
	total  int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, bounds: runBounds, counts: make([]int64, len(runBounds))}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := max(d.Seconds(), 0)
	i := sort.SearchFloat64s(h.bounds, sec)
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < len(h.counts) {
		h.counts[i]++
	}
	h.sum += sec
	h.total++
}

func (h *Histogram) cumulative() []HistogramBucket {
	out := make([]HistogramBucket, len(h.bounds))
	var running int64
	for i, le := range h.bounds {
		running += h.counts[i]
		out[i] = HistogramBucket{Le: le, Count: running}
	}
	return out
}

// quantile is the first bound whose cumulative count reaches q of the total.
func quantile(buckets []HistogramBucket, total int64, q float64) float64 {
	if total == 0 || len(buckets) == 0 {
		return 0
	}
	need := max(int64(q*float64(total)+0.999999), 1)
	i := sort.Search(len(buckets), func(i int) bool { return buckets[i].Count >= need })
	if i == len(buckets) {
		i--
	}
	return buckets[i].Le
}

func (h *Histogram) Percentile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return quantile(h.cumulative(), h.total, q)
}

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	P50     float64           `json:"p50"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.cumulative()
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: b,
		Sum:     h.sum,
		Count:   h.total,
		P50:     quantile(b, h.total, 0.50),
		P95:     quantile(b, h.total, 0.95),
		P99:     quantile(b, h.total, 0.99),
	}
}

// HistogramRegistry holds one histogram per route or orchestrator stage.
type HistogramRegistry struct {
	byName sync.Map
}

func NewHistogramRegistry() *HistogramRegistry { return &HistogramRegistry{} }

func (r *HistogramRegistry) Get(name string) *Histogram {
	if h, ok := r.byName.Load(name); ok {
		return h.(*Histogram)
	}
	h, _ := r.byName.LoadOrStore(name, NewHistogram(name))
	return h.(*Histogram)
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every histogram ordered by name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	var out []HistogramSnapshot
	r.byName.Range(func(_, v any) bool {
		out = append(out, v.(*Histogram).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
