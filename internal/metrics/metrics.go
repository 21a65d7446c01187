package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_gateway_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal status",
		},
		[]string{"status", "intent"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "agent_gateway_stage_duration_seconds",
			Help: "Stage execution duration in seconds",
		},
		[]string{"stage"},
	)

	CompletionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "agent_gateway_completion_latency_seconds",
			Help: "Completion-service call latency in seconds",
		},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_gateway_completion_tokens_total",
			Help: "Completion-service token usage by caller and direction",
		},
		[]string{"caller", "direction"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_gateway_ws_connections",
			Help: "Number of live websocket connections",
		},
	)

	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_gateway_ws_dropped_events_total",
			Help: "Progress events dropped due to slow or dead connections",
		},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_gateway_retry_attempts_total",
			Help: "Retry attempts against external services",
		},
		[]string{"operation"},
	)

	ContextFallback = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_gateway_context_fallback_total",
			Help: "Context operations served by the in-process fallback cache",
		},
	)
)

// TrackTokens records token usage for one completion call.
func TrackTokens(caller string, promptTokens, completionTokens int) {
	CompletionTokens.WithLabelValues(caller, "prompt").Add(float64(promptTokens))
	CompletionTokens.WithLabelValues(caller, "completion").Add(float64(completionTokens))
}
