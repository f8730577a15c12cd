// Package telemetry exposes the Prometheus collectors shared by both
// services and bootstraps the OpenTelemetry trace pipeline. Metric names are
// part of the operational contract: dashboards and alerts reference them.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ── collector ───────────────────────────────────────────────────────────────

var CollectorRequestsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_requests_received_total",
	Help: "counter of tap events received on the ingest stream",
})

var CollectorRequestsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_requests_processed_total",
	Help: "counter of captures turned into stub mappings and enqueued",
})

var CollectorRequestsDuplicated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_requests_duplicated_total",
	Help: "counter of captures skipped because their fingerprint was already indexed",
})

var CollectorRequestsIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collector_requests_ignored_total",
	Help: "counter of tap events dropped before processing, by reason",
}, []string{"reason"})

var CollectorRequestsErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "collector_requests_errors_total",
	Help: "counter of captures that failed during processing",
})

var CollectorProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "collector_processing_seconds",
	Help: "time spent taking one capture from sanitization through enqueue",
})

var CollectorQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "collector_queue_size",
	Help: "captures buffered between the ingest server and the processor",
})

// ── loader ──────────────────────────────────────────────────────────────────

var LoaderMappingsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wiremock_loader_mappings_processed_total",
	Help: "counter of mappings applied to the mock server and acked",
})

var LoaderMappingsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wiremock_loader_mappings_failed_total",
	Help: "counter of mappings that exhausted retries or failed permanently",
})

var LoaderMappingsRetried = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wiremock_loader_mappings_retried_total",
	Help: "counter of mappings re-enqueued after a transient failure",
})

var LoaderWireMockRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wiremock_loader_wiremock_requests_total",
	Help: "counter of admin API calls issued to the mock server, by operation",
}, []string{"operation"})

var LoaderProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "wiremock_loader_processing_seconds",
	Help: "time spent taking one queue message from read through ack",
})

var LoaderQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wiremock_loader_queue_size",
	Help: "entries currently on the mapping stream",
})

var LoaderWireMockHealth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wiremock_loader_wiremock_health",
	Help: "1 when the mock server admin API answers its health probe, 0 otherwise",
})
