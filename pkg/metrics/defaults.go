package metrics

import (
	"sync"
	"time"
)

// Default metrics for the relayd server.
// These are initialized by calling Init().
//
// # Label Conventions
//
// All metric labels use lowercase values for consistency:
//
// ## transport label values
//   - tcp: the framed TCP protocol
//   - websocket: the JSON WebSocket session
//   - graphql: GraphQL subscription streams
//
// ## direction label values
//   - inbound, outbound
//
// ## result label values (auth, connections)
//   - auth: success, failure
//   - connections: accepted, rejected
var (
	// ActiveConnections tracks the number of active client connections.
	// Labels: transport (tcp, websocket, graphql)
	ActiveConnections *Gauge

	// ConnectionsTotal counts connection attempts.
	// Labels: transport, result (accepted, rejected)
	ConnectionsTotal *Counter

	// MessagesTotal counts protocol messages by transport and direction.
	// Labels: transport, direction (inbound, outbound)
	MessagesTotal *Counter

	// PublishesTotal counts client publishes accepted by the broker.
	// Labels: transport
	PublishesTotal *Counter

	// DeliveriesTotal counts broker messages delivered to sessions.
	// Labels: transport
	DeliveriesTotal *Counter

	// AuthAttemptsTotal counts authentication attempts.
	// Labels: transport, result (success, failure)
	AuthAttemptsTotal *Counter

	// BrokerSubscriptions is a gauge of active broker subscriptions.
	BrokerSubscriptions *Gauge

	// FrameErrorsTotal counts protocol-level errors.
	// Labels: transport, kind (frame_too_large, invalid_type, invalid_frame)
	FrameErrorsTotal *Counter

	// EventsEmittedTotal counts domain events emitted on the bus.
	// Labels: type (user.created, user.updated, user.deleted, message.sent)
	EventsEmittedTotal *Counter

	// ErrorsTotal counts errors by kind.
	// Labels: kind (unauthorized, conflict, dependency, internal, ...)
	ErrorsTotal *Counter

	// UptimeSeconds is a gauge of the server uptime in seconds.
	UptimeSeconds *Gauge

	// RuntimeCollectorInstance is the Go runtime metrics collector.
	RuntimeCollectorInstance *RuntimeCollector

	// runtimeCollectorStop stops the runtime collector goroutine.
	runtimeCollectorStop func()

	// defaultRegistry is the global metrics registry.
	defaultRegistry *Registry

	// initOnce ensures Init() is only called once.
	initOnce sync.Once
)

// Init initializes the default metrics and returns the registry.
// This function is idempotent and safe to call multiple times.
func Init() *Registry {
	initOnce.Do(func() {
		defaultRegistry = NewRegistry()

		// Connection metrics
		ActiveConnections = defaultRegistry.NewGauge(
			"relayd_active_connections",
			"Number of active client connections",
			"transport",
		)

		ConnectionsTotal = defaultRegistry.NewCounter(
			"relayd_connections_total",
			"Total connection attempts",
			"transport", "result",
		)

		// Message metrics
		MessagesTotal = defaultRegistry.NewCounter(
			"relayd_messages_total",
			"Total protocol messages",
			"transport", "direction",
		)

		PublishesTotal = defaultRegistry.NewCounter(
			"relayd_publishes_total",
			"Total client publishes accepted by the broker",
			"transport",
		)

		DeliveriesTotal = defaultRegistry.NewCounter(
			"relayd_deliveries_total",
			"Total broker messages delivered to sessions",
			"transport",
		)

		// Auth metrics
		AuthAttemptsTotal = defaultRegistry.NewCounter(
			"relayd_auth_attempts_total",
			"Total authentication attempts",
			"transport", "result",
		)

		// Broker metrics
		BrokerSubscriptions = defaultRegistry.NewGauge(
			"relayd_broker_subscriptions",
			"Active broker subscriptions",
		)

		// Error metrics
		FrameErrorsTotal = defaultRegistry.NewCounter(
			"relayd_frame_errors_total",
			"Total protocol-level errors",
			"transport", "kind",
		)

		EventsEmittedTotal = defaultRegistry.NewCounter(
			"relayd_events_emitted_total",
			"Total domain events emitted on the bus",
			"type",
		)

		ErrorsTotal = defaultRegistry.NewCounter(
			"relayd_errors_total",
			"Total errors by kind",
			"kind",
		)

		// Uptime metric
		UptimeSeconds = defaultRegistry.NewGauge(
			"relayd_uptime_seconds",
			"Server uptime in seconds",
		)

		// Initialize Go runtime metrics collector (passing UptimeSeconds for it to update)
		RuntimeCollectorInstance = NewRuntimeCollector(defaultRegistry, UptimeSeconds)
		// Start collecting runtime metrics every 10 seconds
		runtimeCollectorStop = RuntimeCollectorInstance.StartCollector(10 * time.Second)
	})

	return defaultRegistry
}

// DefaultRegistry returns the default metrics registry.
// Returns nil if Init() has not been called.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Reset resets all default metrics. Useful for testing.
// This also resets the initOnce, allowing Init() to be called again.
func Reset() {
	// Stop runtime collector if running
	if runtimeCollectorStop != nil {
		runtimeCollectorStop()
		runtimeCollectorStop = nil
	}

	initOnce = sync.Once{}
	defaultRegistry = nil
	ActiveConnections = nil
	ConnectionsTotal = nil
	MessagesTotal = nil
	PublishesTotal = nil
	DeliveriesTotal = nil
	AuthAttemptsTotal = nil
	BrokerSubscriptions = nil
	FrameErrorsTotal = nil
	EventsEmittedTotal = nil
	ErrorsTotal = nil
	UptimeSeconds = nil
	RuntimeCollectorInstance = nil
}
