// Package metrics tracks fuzzing-run statistics and exports them in
// Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// Metrics tracks run execution statistics.
type Metrics struct {
	RequestsSent      int64
	SequencesRendered int64
	SequencesValid    int64
	BugsFound         int64
	GCDeletes         int64
}

// AddRequestSent increments the sent-request counter.
func (m *Metrics) AddRequestSent() {
	atomic.AddInt64(&m.RequestsSent, 1)
}

// AddSequenceRendered records a rendered sequence and its validity.
func (m *Metrics) AddSequenceRendered(valid bool) {
	atomic.AddInt64(&m.SequencesRendered, 1)
	if valid {
		atomic.AddInt64(&m.SequencesValid, 1)
	}
}

// AddBugFound increments the bug counter.
func (m *Metrics) AddBugFound() {
	atomic.AddInt64(&m.BugsFound, 1)
}

// AddGCDelete increments the garbage-collected object counter.
func (m *Metrics) AddGCDelete() {
	atomic.AddInt64(&m.GCDeletes, 1)
}

// PrometheusExporter exports metrics in Prometheus text format
type PrometheusExporter struct {
	metrics *Metrics
}

// NewPrometheusExporter creates a new Prometheus exporter
func NewPrometheusExporter(m *Metrics) *PrometheusExporter {
	return &PrometheusExporter{
		metrics: m,
	}
}

// Export returns metrics in Prometheus text format
func (e *PrometheusExporter) Export() string {
	var b strings.Builder

	// Read metrics atomically to avoid race conditions
	requestsSent := atomic.LoadInt64(&e.metrics.RequestsSent)
	rendered := atomic.LoadInt64(&e.metrics.SequencesRendered)
	valid := atomic.LoadInt64(&e.metrics.SequencesValid)
	bugs := atomic.LoadInt64(&e.metrics.BugsFound)
	gcDeletes := atomic.LoadInt64(&e.metrics.GCDeletes)

	fmt.Fprintf(&b, "restfuzz_requests_sent_total %d\n", requestsSent)
	fmt.Fprintf(&b, "restfuzz_sequences_rendered_total{status=\"valid\"} %d\n", valid)
	fmt.Fprintf(&b, "restfuzz_sequences_rendered_total{status=\"invalid\"} %d\n", rendered-valid)
	fmt.Fprintf(&b, "restfuzz_sequences_rendered_total %d\n", rendered)
	fmt.Fprintf(&b, "restfuzz_bugs_found_total %d\n", bugs)
	fmt.Fprintf(&b, "restfuzz_gc_deletes_total %d\n", gcDeletes)

	// restfuzz_sequences_valid_rate (calculated metric)
	var validRate float64
	if rendered > 0 {
		validRate = float64(valid) / float64(rendered)
	}
	fmt.Fprintf(&b, "restfuzz_sequences_valid_rate %s\n", formatFloat(validRate))

	return b.String()
}

// Handler returns an HTTP handler for the /metrics endpoint
func (e *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, e.Export())
	})
}

// formatFloat formats a float64 for Prometheus (removes trailing zeros)
func formatFloat(f float64) string {
	if f == 0.0 {
		return "0"
	}
	// Format to 2 decimal places, then trim trailing zeros
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s
}
