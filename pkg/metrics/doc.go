// Package metrics provides Prometheus-compatible metrics collection for the
// messaging server.
//
// This package implements the Prometheus text exposition format (text/plain;
// version=0.0.4) without any external dependencies, using only the standard
// library.
//
// Supported metric types:
//   - Counter: monotonically increasing value (e.g., published messages)
//   - Gauge: value that can go up or down (e.g., active connections)
//   - Histogram: distribution of values with configurable buckets (e.g., latencies)
//
// All metrics are thread-safe and can be updated from multiple goroutines.
//
// # Default Metrics
//
// The package provides pre-defined metrics for tracking server activity:
//
//   - relayd_active_connections: Gauge for live client connections (labels: transport)
//   - relayd_connections_total: Counter for connection attempts (labels: transport, result)
//   - relayd_messages_total: Counter for protocol messages (labels: transport, direction)
//   - relayd_publishes_total: Counter for accepted publishes (labels: transport)
//   - relayd_deliveries_total: Counter for messages delivered to subscribers (labels: transport)
//   - relayd_auth_attempts_total: Counter for authentication attempts (labels: transport, result)
//   - relayd_broker_subscriptions: Gauge for active broker subscriptions
//   - relayd_frame_errors_total: Counter for protocol violations (labels: transport, kind)
//   - relayd_events_emitted_total: Counter for event bus emissions (labels: type)
//   - relayd_errors_total: Counter for protocol errors sent to clients (labels: kind)
//   - relayd_uptime_seconds: Gauge for process uptime
//
// # Label Conventions
//
// All labels use consistent lowercase values:
//
//   - transport: tcp, websocket, graphql, http
//   - direction: inbound, outbound
//   - result: accepted, rejected, success, failure
//   - kind: frame_too_large, invalid_type, invalid_frame, or an error code
//
// # Usage
//
//	// Initialize the default metrics registry
//	registry := metrics.Init()
//
//	// Connection lifecycle
//	metrics.ConnectionsTotal.WithLabels("tcp", "accepted").Inc()
//	metrics.ActiveConnections.WithLabels("tcp").Inc()
//
//	// Message flow
//	metrics.PublishesTotal.WithLabels("websocket").Inc()
//	metrics.DeliveriesTotal.WithLabels("tcp").Inc()
//
//	// Register the /metrics endpoint
//	http.Handle("/metrics", registry.Handler())
//
// Custom metrics can also be created:
//
//	registry := metrics.NewRegistry()
//	counter := registry.NewCounter("my_counter", "Description of counter", "label1", "label2")
//	counter.WithLabels("value1", "value2").Inc()
package metrics
