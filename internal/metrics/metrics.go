package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream Pipeline Metrics
var (
	// UpdatesIngested tracks updates accepted into widget streams by priority
	UpdatesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_updates_ingested_total",
			Help: "Total visualization updates accepted into widget streams by priority",
		},
		[]string{"priority"},
	)

	// UpdatesDropped tracks updates discarded before delivery by reason
	UpdatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_updates_dropped_total",
			Help: "Total updates discarded by reason (buffer_full/debounced/throttled/invalid/sink_stalled)",
		},
		[]string{"reason"},
	)

	// BackpressureEvents tracks pushes accepted while a stream buffer was at capacity
	BackpressureEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_backpressure_events_total",
			Help: "Total pushes accepted while the target stream buffer was at capacity",
		},
	)

	// StreamsCurrent tracks number of live widget streams
	StreamsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_widgets_current",
			Help: "Current number of live widget streams",
		},
	)

	// SubscriptionsCurrent tracks total client subscriptions across all streams
	SubscriptionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_subscriptions_current",
			Help: "Current number of client subscriptions across all widget streams",
		},
	)

	// BatchesDelivered tracks update batches handed to the connection layer
	BatchesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_batches_delivered_total",
			Help: "Total update batches delivered to the connection layer",
		},
	)

	// BatchSize tracks the number of updates per delivered batch
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stream_batch_size_updates",
			Help:    "Updates per delivered batch",
			Buckets: []float64{1, 2, 5, 10, 20, 35, 50},
		},
	)

	// UpdateLatency tracks ingest-to-delivery latency through the pipeline
	UpdateLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stream_update_latency_seconds",
			Help:    "Latency from PushUpdate to batch delivery",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// SubscriptionsReaped tracks idle subscriptions removed by the reaper
	SubscriptionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_subscriptions_reaped_total",
			Help: "Total idle subscriptions removed by the reaper",
		},
	)
)

// WebSocket Metrics
var (
	// WebSocketConnectionsCurrent tracks current active WebSocket connections
	WebSocketConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_current",
			Help: "Current number of active WebSocket connections",
		},
	)

	// WebSocketConnectionsTotal tracks total WebSocket connection attempts by result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by result (success/error/rejected)",
		},
		[]string{"result"},
	)

	// WebSocketConnectionsRejected tracks rejected connection attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (rate_limit/ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// WebSocketSlowClientsEvicted tracks clients evicted because their send queue filled
	WebSocketSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_slow_clients_evicted_total",
			Help: "Total WebSocket clients evicted due to a full send queue",
		},
	)

	// WebSocketStaleDisconnects tracks connections closed by the heartbeat sweep
	WebSocketStaleDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_stale_disconnects_total",
			Help: "Total WebSocket connections closed after missing heartbeats",
		},
	)

	// WebSocketPingFailures tracks WebSocket ping write failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)

	// WebSocketMessagesReceived tracks inbound control messages by type
	WebSocketMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_received_total",
			Help: "Total inbound control messages by type (subscribe/unsubscribe/ping/malformed/unknown)",
		},
		[]string{"type"},
	)

	// WebSocketMessageSendDuration tracks WebSocket message send duration
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WebSocketConnectionDuration tracks WebSocket connection duration
	WebSocketConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_connection_duration_seconds",
			Help:    "WebSocket connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)
)

// Frame Preparation Metrics
var (
	// FramesPrepared tracks broadcast frames built by encoding
	FramesPrepared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frame_prepared_total",
			Help: "Total broadcast frames built by encoding (plain/gzip)",
		},
		[]string{"encoding"},
	)

	// FramePoolDrops tracks batches dropped because the frame pool queue was full
	FramePoolDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frame_pool_drops_total",
			Help: "Total batches dropped because the frame preparation queue was full",
		},
	)

	// FrameBytes tracks serialized frame size by encoding
	FrameBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frame_bytes",
			Help:    "Serialized frame size in bytes by encoding",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"encoding"},
	)
)

// Engine Health Metrics
var (
	// EngineErrors tracks contained component errors by component
	EngineErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_errors_total",
			Help: "Total contained component errors by component",
		},
		[]string{"component"},
	)

	// EngineMemoryBytes tracks last sampled heap usage
	EngineMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_memory_bytes",
			Help: "Heap bytes in use at the last health sample",
		},
	)
)

// Redis Relay Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	// RelayPublished tracks updates mirrored to the shared broker by status
	RelayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Total updates mirrored to the shared broker by status (success/error)",
		},
		[]string{"status"},
	)

	// RelayReceived tracks broker messages consumed by result
	RelayReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_received_total",
			Help: "Total broker messages consumed by result (applied/self/invalid)",
		},
		[]string{"result"},
	)

	// RelayReconnectionsTotal tracks subscriber reconnection attempts
	RelayReconnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconnections_total",
			Help: "Total relay subscription reconnection attempts after disconnect",
		},
	)

	// RelaySubscriptionActive tracks whether the relay subscription is active (1) or disconnected (0)
	RelaySubscriptionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_subscription_active",
			Help: "1 if the relay subscription is active, 0 if disconnected",
		},
	)

	// InstanceRegistrySize tracks number of active instances in the registry
	InstanceRegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "instance_registry_size",
			Help: "Number of active engine instances in the registry",
		},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
