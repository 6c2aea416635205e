// Package pubsub implements the topic-based publish/subscribe core of relayd.
//
// The package is organised around three pieces:
//
//   - Adapter: the transport-specific backend. The memory adapter dispatches
//     in-process; the MQTT adapter rides an embedded or external MQTT broker.
//   - Broker: a thin facade over exactly one adapter, giving the rest of the
//     server a stable call site while the backend stays swappable at startup.
//   - MatchTopic: dot-separated topic pattern matching with "*" (one segment)
//     and "**" (zero or more segments) wildcards.
//
// Handlers registered via Subscribe are invoked asynchronously; a slow or
// panicking handler never stalls the publisher or its sibling subscriptions.
package pubsub
