// Package metrics exposes Prometheus instrumentation for the pipeline:
// broker publish/consume counters, object-store latency, rate-limiter
// occupancy, branch queue depth, and action emission counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueuePublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_queue_publish_total",
		Help: "Messages published to the broker, by queue and outcome.",
	}, []string{"queue", "outcome"})

	QueueConsumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_queue_consume_total",
		Help: "Messages consumed from the broker, by queue and outcome.",
	}, []string{"queue", "outcome"})

	ObjectStoreLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "pipeline_objectstore_latency_seconds",
		Help: "Object store operation latency, by operation and outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	RateLimiterActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_ratelimiter_active_clients",
		Help: "Current number of distinct clients tracked by the rate limiter.",
	})

	PipelineQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_branch_queue_depth",
		Help: "Approximate number of frames pending in a pipeline's branch worker channel.",
	}, []string{"pipeline", "branch"})

	GatewaySessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Current number of live WebSocket sessions.",
	})

	ActionsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_actions_emitted_total",
		Help: "Actions emitted by the decision fuser, by action name.",
	}, []string{"action"})
)

// Handler returns the HTTP handler serving the registered collectors,
// mounted by the ServerManager at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
