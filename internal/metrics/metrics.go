// Package metrics exposes CXDB's operational counters and latency
// summaries through prometheus/client_golang, grounded in the pack's
// recurring pattern of a single registry constructed at startup and
// threaded through every handler (github.com/prometheus/client_golang
// appears across the retrieved corpus for exactly this role). Alongside
// the Prometheus text exposition format (served at /v1/metrics/prom for
// scraping), Snapshot renders the same figures as the JSON document
// spec.md §6 requires of the HTTP API's /v1/metrics route.
package metrics

import (
	"math"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Latency wraps a Prometheus summary (streaming p50/p95/p99 objectives)
// with an atomically-tracked maximum, since Summary alone reports
// quantiles and count/sum but has no notion of "max observed".
type Latency struct {
	summary prometheus.Summary
	maxBits uint64
}

func newLatency(namespace, name, help string) *Latency {
	return &Latency{
		summary: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       name,
			Help:       help,
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}),
	}
}

// Observe records one latency sample, in seconds.
func (l *Latency) Observe(seconds float64) {
	l.summary.Observe(seconds)
	for {
		cur := atomic.LoadUint64(&l.maxBits)
		if seconds <= math.Float64frombits(cur) {
			return
		}
		if atomic.CompareAndSwapUint64(&l.maxBits, cur, math.Float64bits(seconds)) {
			return
		}
	}
}

// OperationStats is the JSON-friendly snapshot of one operation's latency
// distribution (spec.md §6: "p50/p95/p99/max and count per operation").
type OperationStats struct {
	Count      uint64  `json:"count"`
	SumSeconds float64 `json:"sum_seconds"`
	P50Seconds float64 `json:"p50_seconds"`
	P95Seconds float64 `json:"p95_seconds"`
	P99Seconds float64 `json:"p99_seconds"`
	MaxSeconds float64 `json:"max_seconds"`
}

// Snapshot reads the summary's current quantiles out of the underlying
// Prometheus collector via its Write method, the same mechanism
// promhttp uses to render the text exposition format.
func (l *Latency) Snapshot() OperationStats {
	var m dto.Metric
	_ = l.summary.Write(&m)
	s := m.GetSummary()

	stats := OperationStats{
		Count:      s.GetSampleCount(),
		SumSeconds: s.GetSampleSum(),
		MaxSeconds: math.Float64frombits(atomic.LoadUint64(&l.maxBits)),
	}
	for _, q := range s.GetQuantile() {
		switch q.GetQuantile() {
		case 0.5:
			stats.P50Seconds = q.GetValue()
		case 0.95:
			stats.P95Seconds = q.GetValue()
		case 0.99:
			stats.P99Seconds = q.GetValue()
		}
	}
	return stats
}

// Metrics holds every counter and latency summary CXDB publishes.
type Metrics struct {
	Registry *prometheus.Registry

	BlobsTotal    prometheus.Counter
	BlobBytesIn   prometheus.Counter
	TurnsTotal    prometheus.Counter
	ContextsTotal prometheus.Counter
	ErrorsTotal   *prometheus.CounterVec

	AppendLatency  *Latency
	GetLastLatency *Latency
	GetBlobLatency *Latency
	ProjectLatency *Latency

	InFlightRequests prometheus.Gauge
}

// New constructs a Metrics bound to a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		BlobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxdb", Name: "blobs_total", Help: "Total number of distinct blobs stored.",
		}),
		BlobBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxdb", Name: "blob_bytes_in_total", Help: "Total uncompressed bytes accepted by the blob store.",
		}),
		TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxdb", Name: "turns_total", Help: "Total number of turns durably appended.",
		}),
		ContextsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxdb", Name: "contexts_total", Help: "Total number of contexts created (including forks).",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cxdb", Name: "errors_total", Help: "Total number of errors returned to binary-protocol APPEND requests, by taxonomy code.",
		}, []string{"code"}),
		AppendLatency:  newLatency("cxdb", "append_seconds", "Latency of the append operation."),
		GetLastLatency: newLatency("cxdb", "get_last_seconds", "Latency of GET_LAST."),
		GetBlobLatency: newLatency("cxdb", "get_blob_seconds", "Latency of GET_BLOB."),
		ProjectLatency: newLatency("cxdb", "project_seconds", "Latency of typed-view projection."),
		InFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cxdb", Name: "in_flight_requests", Help: "Binary-protocol requests currently being serviced.",
		}),
	}

	reg.MustRegister(
		m.BlobsTotal, m.BlobBytesIn, m.TurnsTotal, m.ContextsTotal, m.ErrorsTotal,
		m.AppendLatency.summary, m.GetLastLatency.summary, m.GetBlobLatency.summary, m.ProjectLatency.summary,
		m.InFlightRequests,
	)

	return m
}

// Snapshot renders the full metrics document spec.md §6 requires of the
// HTTP API's /v1/metrics route: counters, per-operation latency
// distributions, and storage sizes (storage sizes are filled in by the
// caller, which has access to the blob/turn stores Metrics does not).
type Snapshot struct {
	BlobsTotal    float64            `json:"blobs_total"`
	BlobBytesIn   float64            `json:"blob_bytes_in_total"`
	TurnsTotal    float64            `json:"turns_total"`
	ContextsTotal float64            `json:"contexts_total"`
	ErrorsByCode  map[string]float64 `json:"errors_by_code"`

	Operations map[string]OperationStats `json:"operations"`
}

func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		BlobsTotal:    readCounter(m.BlobsTotal),
		BlobBytesIn:   readCounter(m.BlobBytesIn),
		TurnsTotal:    readCounter(m.TurnsTotal),
		ContextsTotal: readCounter(m.ContextsTotal),
		ErrorsByCode:  readCounterVec(m.ErrorsTotal),
		Operations: map[string]OperationStats{
			"append":   m.AppendLatency.Snapshot(),
			"get_last": m.GetLastLatency.Snapshot(),
			"get_blob": m.GetBlobLatency.Snapshot(),
			"project":  m.ProjectLatency.Snapshot(),
		},
	}
	return snap
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}

func readCounterVec(cv *prometheus.CounterVec) map[string]float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()

	out := make(map[string]float64)
	for metric := range ch {
		var m dto.Metric
		_ = metric.Write(&m)
		code := ""
		for _, l := range m.GetLabel() {
			if l.GetName() == "code" {
				code = l.GetValue()
			}
		}
		out[code] = m.GetCounter().GetValue()
	}
	return out
}
