package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts Redis errors by command and keyspace (presence, ratelimit, backplane, other).
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillchat_redis_errors_total",
		Help: "Total number of Redis errors by command and keyspace",
	}, []string{"command", "keyspace"})

	// ActiveWebSockets is the gauge of open realtime connections.
	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skillchat_websocket_connections_active",
		Help: "Number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts inbound WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillchat_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillchat_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MessagesRouted counts accepted sends by routing branch.
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillchat_messages_routed_total",
		Help: "Total messages routed by branch (bot, human_in_room, human_notified)",
	}, []string{"branch"})

	// SendFailures counts rejected or abandoned sends by error code.
	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillchat_send_failures_total",
		Help: "Total failed sends by error code",
	}, []string{"code"})

	// CompletionResults counts completion collaborator outcomes (ok, error, timeout).
	CompletionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillchat_completion_results_total",
		Help: "Completion call outcomes",
	}, []string{"result"})

	// CompletionLatency records completion call latency.
	CompletionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skillchat_completion_latency_seconds",
		Help:    "Completion call latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	// UnreadCorrections counts counters fixed by the reconciliation job.
	UnreadCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skillchat_unread_reconcile_corrections_total",
		Help: "Unread counters corrected by reconciliation",
	})

	// BackplaneMessages counts envelopes exchanged with the backplane by direction.
	BackplaneMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillchat_backplane_messages_total",
		Help: "Backplane envelopes by direction (published, received, dropped)",
	}, []string{"backplane", "direction"})
)
