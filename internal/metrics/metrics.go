// Package metrics exposes the pipeline's Prometheus metrics, modeled on
// the teacher's internal/metrics/metrics.go (package-level
// promauto-registered vectors plus a small HTTP handler), trimmed to the
// counters SPEC_FULL.md §1.1 calls for: WAL writes, chunk ingestion,
// query execution, and clock-skew estimate width.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WALFramesAppended counts frames written to a collector's WAL.
	WALFramesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifelog_wal_frames_appended_total",
			Help: "Total frames appended to a stream's WAL",
		},
		[]string{"stream_id"},
	)

	// ChunksApplied counts chunks the ingester has applied, by outcome.
	ChunksApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifelog_ingest_chunks_applied_total",
			Help: "Total chunks applied by the ingester",
		},
		[]string{"collector_id", "stream_id", "outcome"}, // outcome: applied|duplicate|rejected
	)

	// FramesParsed counts frames decoded out of applied chunks, by outcome.
	FramesParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifelog_ingest_frames_parsed_total",
			Help: "Total frames decoded from applied chunks",
		},
		[]string{"modality", "outcome"}, // outcome: ok|parse_error|unknown_modality
	)

	// QueryDuration observes end-to-end planning+execution latency.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lifelog_query_duration_seconds",
			Help:    "Query plan+execute latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plan_kind"},
	)

	// SkewEstimateWidth tracks the current clock-skew estimate width per
	// collector (spec §4.4 time_quality classification input).
	SkewEstimateWidth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lifelog_collector_skew_width_seconds",
			Help: "Current clock-skew estimate width for a collector",
		},
		[]string{"collector_id"},
	)
)

// ObserveQuery records a single query's plan+execute duration.
func ObserveQuery(planKind string, d time.Duration) {
	QueryDuration.WithLabelValues(planKind).Observe(d.Seconds())
}

// Handler returns the promhttp handler for mounting on a metrics server.
func Handler() http.Handler {
	return promhttp.Handler()
}
