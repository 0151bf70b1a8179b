// Package metrics exposes the Prometheus series the ingestion core updates
// as it runs: firehose throughput and connection state, dispatch queue
// occupancy, deferred-op backlog sizes, and backfill progress.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics (health/readiness surface + metrics endpoint itself)
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "indexer_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Firehose metrics
var (
	FirehoseEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_firehose_events_total",
		Help: "Total number of firehose commit ops processed, by collection and action",
	}, []string{"collection", "operation"})

	FirehoseConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_firehose_connection_state",
		Help: "Firehose connection state (1=connected, 0=disconnected)",
	})

	FirehoseReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_firehose_reconnects_total",
		Help: "Total number of firehose reconnect attempts",
	})

	FirehoseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_firehose_errors_total",
		Help: "Total number of firehose processing errors",
	})

	FirehoseCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_firehose_cursor",
		Help: "Last firehose sequence number received",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_events_dropped_total",
		Help: "Total number of commit ops dropped before reaching storage, by reason",
	}, []string{"reason"})
)

// Dispatch queue metrics
var (
	DispatchActiveProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_dispatch_active_processing",
		Help: "Number of dispatch tasks currently executing",
	})

	DispatchBacklogDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_dispatch_backlog_depth",
		Help: "Number of dispatch tasks queued behind the concurrency limit",
	})

	DispatchDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_dispatch_dropped_total",
		Help: "Total number of dispatch backlog tasks dropped under memory pressure",
	})
)

// Deferred-op reconciler metrics
var (
	DeferredOpQueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "indexer_deferred_op_queue_size",
		Help: "Number of operations currently queued per deferred-op queue",
	}, []string{"queue"})

	DeferredOpSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_deferred_op_swept_total",
		Help: "Total number of deferred ops dropped by TTL sweep, per queue",
	}, []string{"queue"})

	DeferredOpFlushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_deferred_op_flushed_total",
		Help: "Total number of deferred ops flushed for replay, per queue",
	}, []string{"queue"})
)

// PDS client metrics
var (
	PDSRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_pds_requests_total",
		Help: "Total number of outbound PDS requests",
	}, []string{"method", "collection"})

	IdentityResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_identity_resolutions_total",
		Help: "Total number of DID/handle resolutions, by confidence tier and outcome",
	}, []string{"confidence", "outcome"})
)

// Aggregate index state, updated periodically by a background collector.
var (
	KnownUsersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_known_users_total",
		Help: "Total number of unique DIDs in the index",
	})

	IndexedRecordsByCollection = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "indexer_indexed_records_by_collection",
		Help: "Number of indexed records by collection type",
	}, []string{"collection"})
)

// Backfill metrics
var (
	BackfillEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_backfill_events_total",
		Help: "Total number of backfill-sourced ops processed, by source",
	}, []string{"source"})

	BackfillSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "indexer_backfill_skipped_total",
		Help: "Total number of backfill records skipped, by reason",
	}, []string{"reason"})

	BackfillMemoryPausedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_backfill_memory_paused_total",
		Help: "Total number of times backfill paused due to MAX_MEMORY_MB pressure",
	})

	BackfillReposInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_backfill_repos_in_flight",
		Help: "Number of repo backfill fetches currently in progress",
	})
)

// NormalizePath reduces high-cardinality path labels on the health/metrics
// HTTP surface by replacing dynamic segments with placeholders.
func NormalizePath(path string) string {
	if len(path) > 8 && path[:8] == "/static/" {
		return "/static/*"
	}

	segments := splitPath(path)
	if len(segments) < 2 {
		return path
	}

	switch segments[0] {
	case "repos":
		if len(segments) == 2 {
			return "/repos/:did"
		}
	case "records":
		if len(segments) >= 2 {
			return "/records/:uri"
		}
	}

	return path
}

func splitPath(path string) []string {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
