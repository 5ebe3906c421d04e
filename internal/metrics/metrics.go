// Package metrics provides Prometheus instrumentation for biff.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tool metrics.
var (
	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biff_tool_calls_total",
		Help: "Total number of tool invocations.",
	}, []string{"tool", "outcome"})
)

// Relay metrics.
var (
	RelayOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biff_relay_ops_total",
		Help: "Total number of relay operations.",
	}, []string{"op", "outcome"})

	MessagesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biff_messages_delivered_total",
		Help: "Messages accepted for delivery.",
	})

	MessagesDrainedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biff_messages_drained_total",
		Help: "Messages consumed by readers.",
	})
)

// Awareness metrics.
var (
	AwarenessRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biff_awareness_refreshes_total",
		Help: "Awareness refresh passes (tool calls and poller ticks).",
	})

	DescriptionChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biff_description_changes_total",
		Help: "read_messages description mutations (each emits tools/list_changed).",
	})
)

// HTTP metrics (streamable HTTP transport only).
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biff_http_requests_total",
		Help: "Total number of HTTP transport requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "biff_http_request_duration_seconds",
		Help:    "HTTP transport request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
