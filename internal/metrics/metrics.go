// Package metrics registers the Prometheus collectors served on the
// control plane's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors. Create once at boot.
type Metrics struct {
	// QueryCounter counts queries by launcher type and outcome.
	// Labels: launcher_type (person|group), result (ok|dropped|error)
	QueryCounter *prometheus.CounterVec

	// StageDuration measures per-stage latency in seconds.
	// Labels: stage
	StageDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: requester, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM calls.
	// Labels: requester, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolCounter *prometheus.CounterVec

	// ActiveSessions tracks live sessions.
	// Labels: launcher_type
	ActiveSessions *prometheus.GaugeVec
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		QueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "langbot_queries_total",
				Help: "Total queries processed by launcher type and result",
			},
			[]string{"launcher_type", "result"},
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "langbot_stage_duration_seconds",
				Help:    "Pipeline stage latency in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"stage"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "langbot_llm_request_duration_seconds",
				Help:    "LLM request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"requester", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "langbot_llm_requests_total",
				Help: "Total LLM requests by requester, model, and status",
			},
			[]string{"requester", "model", "status"},
		),
		ToolCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "langbot_tool_calls_total",
				Help: "Total tool invocations by name and status",
			},
			[]string{"tool", "status"},
		),
		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "langbot_active_sessions",
				Help: "Live sessions by launcher type",
			},
			[]string{"launcher_type"},
		),
	}
}
