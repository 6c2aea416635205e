// Package graphql serves GraphQL subscriptions over WebSocket.
//
// The Handler speaks both the graphql-transport-ws protocol (modern) and
// the subscriptions-transport-ws protocol (legacy graphql-ws), selected by
// the negotiated subprotocol. Connections authenticate with a bearer token
// in the connection_init payload; individual subscription fields add their
// own authorisation rules on top (a user may only watch their own inbox).
//
// Subscription operations are validated against the embedded schema and
// resolved to broker topics by a closed field registry. Each active
// subscription owns a Stream: a lazy broker subscription that queues
// extracted payloads in delivery order and releases its broker subscription
// exactly once when the client completes, disconnects, or the server shuts
// down.
package graphql
