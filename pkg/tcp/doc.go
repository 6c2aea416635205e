// Package tcp implements the framed TCP transport and the session layer
// shared by every client-facing transport.
//
// The Manager tracks all live connections across transports behind the
// Socket interface and indexes them by ID, IP, user, and topic. The Handler
// is the per-connection state machine: a connection authenticates exactly
// once, then subscribes, unsubscribes, and publishes against the broker,
// with every broker delivery forwarded back as a SERVER_MESSAGE frame. The
// Server owns the listener, the per-connection read loop, and the keepalive
// and stale-connection sweeps.
//
// Each connection's inbound traffic is processed by a single goroutine, so
// message handling is ordered per connection without handler-level locking.
// The WebSocket endpoint reuses the Manager and the Handler's session
// operations; only the frame dispatch here is TCP-specific.
package tcp
