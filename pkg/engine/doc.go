// Package engine assembles the server from configuration and owns its
// lifecycle.
//
// An Engine wires the repositories, token verifier, pub/sub broker, event
// bus and bridge, the shared connection manager and session handler, the
// TCP listener, and an HTTP server carrying the operational endpoints
// (/healthz, /stats, /metrics), the WebSocket and GraphQL upgrade paths,
// and a minimal message/user API that drives the event bridge.
//
// Shutdown is ordered: the HTTP server stops accepting upgrades, the TCP
// listener stops and drains, remaining sessions are closed, GraphQL
// streams are cancelled, the bridge detaches from the bus, and the broker
// disconnects last so in-flight deliveries can finish.
package engine
