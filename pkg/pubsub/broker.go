package pubsub

import (
	"context"
	"log/slog"

	"github.com/getrelayd/relayd/pkg/logging"
)

// Broker is a thin facade over exactly one Adapter. It mirrors the adapter's
// operations 1:1 so the rest of the server has a stable call site while the
// backend stays swappable at startup.
type Broker struct {
	adapter Adapter
	log     *slog.Logger
}

// NewBroker creates a broker backed by the given adapter.
func NewBroker(adapter Adapter, log *slog.Logger) *Broker {
	if log == nil {
		log = logging.Nop()
	}
	return &Broker{adapter: adapter, log: log}
}

// Connect connects the underlying adapter.
func (b *Broker) Connect(ctx context.Context) error {
	if err := b.adapter.Connect(ctx); err != nil {
		return err
	}
	b.log.Info("pubsub broker connected")
	return nil
}

// Disconnect drains delivery and disconnects the underlying adapter.
func (b *Broker) Disconnect(ctx context.Context) error {
	if err := b.adapter.Disconnect(ctx); err != nil {
		return err
	}
	b.log.Info("pubsub broker disconnected")
	return nil
}

// Publish publishes data to topic and returns the message ID.
func (b *Broker) Publish(ctx context.Context, topic string, data any, metadata map[string]string) (string, error) {
	return b.adapter.Publish(ctx, topic, data, metadata)
}

// Subscribe registers a handler for topics matching pattern.
func (b *Broker) Subscribe(ctx context.Context, pattern string, handler Handler) (string, error) {
	return b.adapter.Subscribe(ctx, pattern, handler)
}

// Unsubscribe removes a subscription by ID. Unknown IDs are a no-op.
func (b *Broker) Unsubscribe(ctx context.Context, subID string) error {
	return b.adapter.Unsubscribe(ctx, subID)
}

// IsConnected reports whether the underlying adapter is connected.
func (b *Broker) IsConnected() bool {
	return b.adapter.IsConnected()
}

// Stats returns the underlying adapter's counters.
func (b *Broker) Stats() Stats {
	return b.adapter.Stats()
}

// Subscriptions returns a snapshot of active subscriptions.
func (b *Broker) Subscriptions() []SubscriptionInfo {
	return b.adapter.Subscriptions()
}
