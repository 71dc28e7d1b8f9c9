package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := NewHistogram("stage:matching")
	for _, d := range []time.Duration{3 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond, 2 * time.Second, 2 * time.Minute} {
		h.Observe(d)
	}
	h.Observe(-time.Second)

	s := h.Snapshot()
	if s.Name != "stage:matching" || s.Count != 6 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	want := map[float64]int64{0.005: 2, 0.05: 4, 2.5: 5, 60: 5}
	for _, b := range s.Buckets {
		if n, ok := want[b.Le]; ok && b.Count != n {
			t.Fatalf("le=%v: want %d, got %d", b.Le, n, b.Count)
		}
	}
	if s.Sum < 122 {
		t.Fatalf("sum should include the overflow observation, got %f", s.Sum)
	}
}

func TestHistogramQuantiles(t *testing.T) {
	h := NewHistogram("run")
	if h.Percentile(0.5) != 0 {
		t.Fatal("empty histogram should report 0")
	}
	for i := 0; i < 90; i++ {
		h.Observe(4 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(2 * time.Second)
	}
	s := h.Snapshot()
	if s.P50 != 0.005 || s.P95 != 2.5 || s.P99 != 2.5 {
		t.Fatalf("unexpected quantiles p50=%v p95=%v p99=%v", s.P50, s.P95, s.P99)
	}

	one := NewHistogram("one")
	one.Observe(3 * time.Second)
	if p := one.Percentile(0.01); p != 5 {
		t.Fatalf("want the first bound holding an observation, got %v", p)
	}
	slow := NewHistogram("slow")
	slow.Observe(time.Hour)
	if p := slow.Percentile(0.5); p != 60 {
		t.Fatalf("overflow should clamp to the last bound, got %v", p)
	}
}

func TestHistogramRegistry(t *testing.T) {
	reg := NewHistogramRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.ObserveDuration("stage:matching", time.Millisecond)
		}()
	}
	wg.Wait()
	reg.ObserveDuration("http:GET /healthz", time.Millisecond)
	reg.ObserveDuration("stage:detect", time.Millisecond)

	if reg.Get("stage:matching") != reg.Get("stage:matching") {
		t.Fatal("Get should return the same histogram")
	}
	snaps := reg.Snapshots()
	if len(snaps) != 3 || snaps[0].Name != "http:GET /healthz" || snaps[1].Name != "stage:detect" || snaps[2].Name != "stage:matching" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	if snaps[2].Count != 8 {
		t.Fatalf("expected 8 concurrent observations, got %d", snaps[2].Count)
	}
}
