package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoq_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Pipeline metrics
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoq_messages_received_total",
			Help: "Total messages accepted at the ingest boundary",
		},
	)

	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_messages_routed_total",
			Help: "Total routing decisions by lane",
		},
		[]string{"lane"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoq_queue_depth",
			Help: "Tasks waiting per lane",
		},
		[]string{"lane", "state"}, // state: "ready" or "delayed"
	)

	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_tasks_processed_total",
			Help: "Total tasks processed by outcome",
		},
		[]string{"lane", "outcome"}, // "success", "failure", "expired", "lock_lost"
	)

	// Lock metrics
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_lock_acquisitions_total",
			Help: "Session lock acquisition attempts by outcome",
		},
		[]string{"outcome"}, // "acquired", "conflict", "error"
	)

	LocksLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoq_locks_lost_total",
			Help: "Leases that expired while a worker still held the session",
		},
	)

	// External completion service metrics
	CompletionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convoq_completion_latency_seconds",
			Help:    "External completion call latency",
			Buckets: []float64{.5, 1, 2.5, 5, 7.5, 10, 15, 20, 30},
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoq_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"op"},
	)

	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_breaker_rejections_total",
			Help: "Calls rejected fast while the breaker was open",
		},
		[]string{"op"},
	)

	// Retry / dead-letter metrics
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_retries_total",
			Help: "Tasks re-published with backoff",
		},
		[]string{"lane"},
	)

	DeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoq_dead_letters_total",
			Help: "Tasks parked after exhausting their retry budget",
		},
	)

	// Event metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_events_emitted_total",
			Help: "Lifecycle events published",
		},
		[]string{"type"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convoq_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
