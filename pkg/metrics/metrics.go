// Package metrics keeps in-process counters for the reconciler and renders
// them as JSON or Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"reims/pkg/models"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	sessions       map[string]int64
	runFailures    map[string]int64
	matches        map[string]int64
	discrepancies  map[string]int64
	rules          map[string]int64
	events         map[string]int64
	gauges         map[string]float64
	conflicts      int64
	fallbacks      int64
	ruleRejections int64
	Histograms     *HistogramRegistry
	now            func() time.Time
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Sessions         map[string]int64        `json:"sessions"`
	RunFailures      map[string]int64        `json:"run_failures"`
	Matches          map[string]int64        `json:"matches"`
	Discrepancies    map[string]int64        `json:"discrepancies"`
	RuleResults      map[string]int64        `json:"rule_results"`
	Events           map[string]int64        `json:"events"`
	Gauges           map[string]float64      `json:"gauges"`
	Conflicts        int64                   `json:"match_conflicts_total"`
	ConfigFallbacks  int64                   `json:"materiality_fallbacks_total"`
	RulesDeactivated int64                   `json:"rules_deactivated_total"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		sessions:      map[string]int64{},
		runFailures:   map[string]int64{},
		matches:       map[string]int64{},
		discrepancies: map[string]int64{},
		rules:         map[string]int64{},
		events:        map[string]int64{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
		now:           time.Now,
	}
}

// Observe records one HTTP request against its route pattern.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.Histograms.ObserveDuration("http:"+path, d)
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObserveStage records how long one orchestrator stage took.
func (r *Registry) ObserveStage(stage string, d time.Duration) {
	if stage == "" {
		return
	}
	r.Histograms.ObserveDuration("stage:"+stage, d)
}

// IncSession counts sessions entering status.
func (r *Registry) IncSession(status models.SessionStatus) {
	if status == "" {
		return
	}
	r.mu.Lock()
	r.sessions[string(status)]++
	r.mu.Unlock()
}

func (r *Registry) IncRunFailure(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "UNKNOWN"
	}
	r.mu.Lock()
	r.runFailures[reason]++
	r.mu.Unlock()
}

// RecordSummary folds a completed run's counts into the totals.
func (r *Registry) RecordSummary(s models.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for typ, n := range s.PerStrategyCounts {
		r.matches[string(typ)] += int64(n)
	}
	for status, n := range s.RuleStatusCounts {
		r.rules[string(status)] += int64(n)
	}
	r.conflicts += int64(s.ConflictCount)
	r.gauges["last_health_score"] = s.HealthScore
	r.gauges["last_open_discrepancies"] = float64(s.OpenDiscrepancyCount)
}

// RecordDiscrepancies counts discrepancies by tier and type.
func (r *Registry) RecordDiscrepancies(ds []models.Discrepancy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		r.discrepancies[string(d.ExceptionTier)+"|"+string(d.Type)]++
	}
}

// IncConfigFallback counts materiality lookups that fell back to a default.
func (r *Registry) IncConfigFallback() {
	r.mu.Lock()
	r.fallbacks++
	r.mu.Unlock()
}

func (r *Registry) IncRuleDeactivated() {
	r.mu.Lock()
	r.ruleRejections++
	r.mu.Unlock()
}

// IncEvent counts a publish attempt; failed attempts are kept apart.
func (r *Registry) IncEvent(eventType string, ok bool) {
	if eventType == "" {
		return
	}
	key := eventType + "|ok"
	if !ok {
		key = eventType + "|failed"
	}
	r.mu.Lock()
	r.events[key]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func copyCounts[V int64 | float64](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      r.now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Sessions:         copyCounts(r.sessions),
		RunFailures:      copyCounts(r.runFailures),
		Matches:          copyCounts(r.matches),
		Discrepancies:    copyCounts(r.discrepancies),
		RuleResults:      copyCounts(r.rules),
		Events:           copyCounts(r.events),
		Gauges:           copyCounts(r.gauges),
		Conflicts:        r.conflicts,
		ConfigFallbacks:  r.fallbacks,
		RulesDeactivated: r.ruleRejections,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func writeCounter(b *strings.Builder, name, help, label string, counts map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, k := range SortedKeys(counts) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, counts[k])
	}
}

// writePairCounter renders keys of the form "a|b" as two labels.
func writePairCounter(b *strings.Builder, name, help, first, second string, counts map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, k := range SortedKeys(counts) {
		a, c, _ := strings.Cut(k, "|")
		fmt.Fprintf(b, "%s{%s=%q,%s=%q} %d\n", name, first, a, second, c, counts[k])
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		b.WriteString("# HELP recon_http_requests_total requests by route\n")
		b.WriteString("# TYPE recon_http_requests_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "recon_http_requests_total{route=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP recon_http_errors_total responses with status >= 400 by route\n")
		b.WriteString("# TYPE recon_http_errors_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "recon_http_errors_total{route=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP recon_http_max_millis slowest request by route\n")
		b.WriteString("# TYPE recon_http_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "recon_http_max_millis{route=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}

		writeCounter(b, "recon_sessions_total", "sessions entering a status", "status", snap.Sessions)
		writeCounter(b, "recon_run_failures_total", "failed runs by reason code", "reason", snap.RunFailures)
		writeCounter(b, "recon_matches_total", "matches produced by strategy", "strategy", snap.Matches)
		writeCounter(b, "recon_rule_results_total", "calculated rule outcomes", "status", snap.RuleResults)
		writePairCounter(b, "recon_discrepancies_total", "discrepancies by exception tier and type", "tier", "type", snap.Discrepancies)
		writePairCounter(b, "recon_events_total", "event publish attempts", "type", "outcome", snap.Events)

		b.WriteString("# HELP recon_match_conflicts_total candidates lost to an earlier claim\n")
		b.WriteString("# TYPE recon_match_conflicts_total counter\n")
		fmt.Fprintf(b, "recon_match_conflicts_total %d\n", snap.Conflicts)
		b.WriteString("# HELP recon_materiality_fallbacks_total lookups served by a default threshold\n")
		b.WriteString("# TYPE recon_materiality_fallbacks_total counter\n")
		fmt.Fprintf(b, "recon_materiality_fallbacks_total %d\n", snap.ConfigFallbacks)
		b.WriteString("# HELP recon_rules_deactivated_total rules deactivated for unparseable formulas\n")
		b.WriteString("# TYPE recon_rules_deactivated_total counter\n")
		fmt.Fprintf(b, "recon_rules_deactivated_total %d\n", snap.RulesDeactivated)

		b.WriteString("# HELP recon_gauge operational gauges\n")
		b.WriteString("# TYPE recon_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "recon_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP recon_latency_seconds latency by route or stage\n")
			b.WriteString("# TYPE recon_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "recon_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "recon_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "recon_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "recon_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
