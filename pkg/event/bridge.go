package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/pubsub"
)

// Topic namespaces the bridge publishes under.
const (
	TopicUsers        = "users"
	TopicMessages     = "messages"
	topicUserPrefix   = "users."
	topicChannelPfx   = "messages.channel."
	topicRecipientPfx = "messages.user."
)

// Bridge translates domain events into broker publications under a fixed
// topic naming convention:
//
//	user.created   -> users
//	user.updated   -> users, users.{userId}
//	user.deleted   -> users, users.{userId}
//	message.sent   -> messages, messages.channel.{channelId},
//	                  messages.user.{recipientId}
//
// Every publication carries {eventType, eventId, timestamp} metadata so
// subscribers can correlate deliveries back to the originating event.
type Bridge struct {
	bus    *Bus
	broker *pubsub.Broker
	log    *slog.Logger

	mu     sync.Mutex
	subIDs []string
}

// NewBridge creates a bridge between the bus and the broker. Call Init to
// register its subscriptions.
func NewBridge(bus *Bus, broker *pubsub.Broker, log *slog.Logger) *Bridge {
	if log == nil {
		log = logging.Nop()
	}
	return &Bridge{bus: bus, broker: broker, log: log}
}

// Init registers the bridge's bus subscriptions. Idempotent: calling it
// again while initialised is a no-op.
func (b *Bridge) Init() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subIDs) > 0 {
		return
	}

	b.subIDs = []string{
		b.bus.On(TypeUserCreated, b.onUserCreated),
		b.bus.On(TypeUserUpdated, b.onUserEvent),
		b.bus.On(TypeUserDeleted, b.onUserEvent),
		b.bus.On(TypeMessageSent, b.onMessageSent),
	}
	b.log.Info("event bridge initialised", "subscriptions", len(b.subIDs))
}

// Close removes the bridge's bus subscriptions.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subID := range b.subIDs {
		b.bus.Off(subID)
	}
	b.subIDs = nil
}

// onUserCreated publishes to the root users topic only. There is no
// per-user feed for a user that did not exist before the event.
func (b *Bridge) onUserCreated(ev Event) {
	b.publish(ev, TopicUsers)
}

func (b *Bridge) onUserEvent(ev Event) {
	b.publish(ev, TopicUsers)
	if ev.UserID != "" {
		b.publish(ev, topicUserPrefix+ev.UserID)
	}
}

func (b *Bridge) onMessageSent(ev Event) {
	b.publish(ev, TopicMessages)
	if ev.Message == nil {
		return
	}
	if ev.Message.ChannelID != "" {
		b.publish(ev, topicChannelPfx+ev.Message.ChannelID)
	}
	if ev.Message.RecipientID != "" {
		b.publish(ev, topicRecipientPfx+ev.Message.RecipientID)
	}
}

func (b *Bridge) publish(ev Event, topic string) {
	metadata := map[string]string{
		"eventType": string(ev.Type),
		"eventId":   ev.ID,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if _, err := b.broker.Publish(context.Background(), topic, ev, metadata); err != nil {
		b.log.Error("bridge publish failed", "topic", topic, "eventType", ev.Type, "error", err)
	}
}
