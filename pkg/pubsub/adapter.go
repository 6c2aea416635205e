package pubsub

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	// ID is the opaque unique message identifier assigned at publish time.
	ID string `json:"id"`

	// Topic is the concrete topic the message was published to.
	Topic string `json:"topic"`

	// Data is the message payload. It must be serialisable by the adapter
	// (JSON-compatible when the backend is an external bus).
	Data any `json:"data"`

	// Metadata carries string key/value pairs alongside the payload.
	Metadata map[string]string `json:"metadata,omitempty"`

	// PublishedAt is when the adapter accepted the publish.
	PublishedAt time.Time `json:"publishedAt"`
}

// Handler is invoked for every message delivered to a subscription.
// Handlers run on their own goroutine; a panicking handler is recovered
// and logged, and never affects other subscriptions or the publisher.
type Handler func(msg Message)

// SubscriptionInfo describes an active subscription.
type SubscriptionInfo struct {
	// ID is the opaque unique subscription identifier.
	ID string `json:"id"`

	// Pattern is the topic pattern this subscription matches against.
	Pattern string `json:"pattern"`

	// CreatedAt is when the subscription was registered.
	CreatedAt time.Time `json:"createdAt"`
}

// Stats holds adapter counters. All counters are monotonic.
type Stats struct {
	Published           int64 `json:"published"`
	Delivered           int64 `json:"delivered"`
	HandlerPanics       int64 `json:"handlerPanics"`
	ActiveSubscriptions int   `json:"activeSubscriptions"`
}

// Adapter is the backend-specific pub/sub transport.
//
// All operations fail with ErrNotConnected once the adapter is disconnected.
// Delivery guarantees are backend-specific: the memory adapter is effectively
// exactly-once per active subscription, the MQTT adapter is at-least-once.
type Adapter interface {
	// Connect transitions the adapter to connected. It is idempotent.
	Connect(ctx context.Context) error

	// Disconnect drains in-flight delivery and releases backend resources.
	// Subsequent operations fail with ErrNotConnected.
	Disconnect(ctx context.Context) error

	// Publish delivers data to every subscription whose pattern matches
	// topic at call time. It returns the assigned message ID. The publisher
	// is never blocked by slow handlers.
	Publish(ctx context.Context, topic string, data any, metadata map[string]string) (string, error)

	// Subscribe registers a handler for topics matching pattern and returns
	// the subscription ID. Subscribing twice with an identical handler
	// yields two independent subscriptions.
	Subscribe(ctx context.Context, pattern string, handler Handler) (string, error)

	// Unsubscribe removes a subscription by ID. Unknown IDs are a no-op.
	Unsubscribe(ctx context.Context, id string) error

	// IsConnected reports whether the adapter is connected.
	IsConnected() bool

	// Stats returns adapter counters.
	Stats() Stats

	// Subscriptions returns a snapshot of active subscriptions.
	Subscriptions() []SubscriptionInfo
}
