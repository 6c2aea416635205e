package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getrelayd/relayd/internal/id"
	"github.com/getrelayd/relayd/pkg/logging"
)

// Interface compliance check.
var _ Adapter = (*MemoryAdapter)(nil)

// MemoryAdapterConfig configures the in-process adapter.
type MemoryAdapterConfig struct {
	// MaxMessages is an advisory bound on messages queued per subscription.
	// Queues are unbounded so publishers never block; the bound is reported
	// but not enforced.
	MaxMessages int
}

// MemoryAdapter dispatches published messages to matching subscriptions
// in-process. Each subscription owns a delivery queue drained by one
// goroutine, so a subscriber sees messages in publish order while a slow or
// panicking handler cannot stall the publisher or sibling subscriptions.
type MemoryAdapter struct {
	cfg MemoryAdapterConfig
	log *slog.Logger

	mu        sync.RWMutex
	subs      map[string]*memorySub
	connected bool

	// pubMu serialises fan-out so concurrent publishes enqueue in one
	// well-defined order for every matched subscription.
	pubMu sync.Mutex

	// drains tracks per-subscription drain goroutines.
	drains sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	panics    atomic.Int64
}

type memorySub struct {
	id        string
	pattern   string
	handler   Handler
	createdAt time.Time
	queue     *deliveryQueue
}

// NewMemoryAdapter creates an in-process adapter.
func NewMemoryAdapter(cfg MemoryAdapterConfig, log *slog.Logger) *MemoryAdapter {
	if log == nil {
		log = logging.Nop()
	}
	return &MemoryAdapter{
		cfg:  cfg,
		log:  log,
		subs: make(map[string]*memorySub),
	}
}

// Connect transitions the adapter to connected. Idempotent.
func (a *MemoryAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

// Disconnect marks the adapter disconnected, drops all subscriptions, and
// waits for their queues to drain.
func (a *MemoryAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	dropped := a.subs
	a.subs = make(map[string]*memorySub)
	a.mu.Unlock()

	for _, sub := range dropped {
		sub.queue.close(false)
	}

	done := make(chan struct{})
	go func() {
		a.drains.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the adapter is connected.
func (a *MemoryAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Publish dispatches data to every subscription matching topic at call time.
func (a *MemoryAdapter) Publish(ctx context.Context, topic string, data any, metadata map[string]string) (string, error) {
	if HasWildcard(topic) {
		return "", ErrInvalidTopic
	}

	a.mu.RLock()
	if !a.connected {
		a.mu.RUnlock()
		return "", ErrNotConnected
	}
	matched := make([]*memorySub, 0, 4)
	for _, sub := range a.subs {
		if MatchTopic(topic, sub.pattern) {
			matched = append(matched, sub)
		}
	}
	a.mu.RUnlock()

	msg := Message{
		ID:          id.UUID(),
		Topic:       topic,
		Data:        data,
		Metadata:    metadata,
		PublishedAt: time.Now(),
	}
	a.published.Add(1)

	a.pubMu.Lock()
	for _, sub := range matched {
		sub.queue.push(msg)
	}
	a.pubMu.Unlock()
	return msg.ID, nil
}

// drain delivers one subscription's queue in order until it closes.
func (a *MemoryAdapter) drain(sub *memorySub) {
	defer a.drains.Done()
	for {
		msg, ok := sub.queue.pop()
		if !ok {
			return
		}
		a.invoke(sub, msg)
	}
}

// invoke runs one handler with panic isolation so the drain loop survives.
func (a *MemoryAdapter) invoke(sub *memorySub, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			a.panics.Add(1)
			a.log.Error("subscription handler panic",
				"subscriptionId", sub.id, "pattern", sub.pattern, "topic", msg.Topic, "panic", r)
		}
	}()
	sub.handler(msg)
	a.delivered.Add(1)
}

// Subscribe registers a handler for topics matching pattern.
func (a *MemoryAdapter) Subscribe(ctx context.Context, pattern string, handler Handler) (string, error) {
	if handler == nil {
		return "", ErrNilHandler
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", ErrNotConnected
	}

	sub := &memorySub{
		id:        id.Short(),
		pattern:   pattern,
		handler:   handler,
		createdAt: time.Now(),
		queue:     newDeliveryQueue(),
	}
	a.subs[sub.id] = sub
	a.drains.Add(1)
	go a.drain(sub)
	return sub.id, nil
}

// Unsubscribe removes a subscription and discards anything still queued for
// it. Unknown IDs are a no-op.
func (a *MemoryAdapter) Unsubscribe(ctx context.Context, subID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ErrNotConnected
	}
	if sub, ok := a.subs[subID]; ok {
		delete(a.subs, subID)
		sub.queue.close(true)
	}
	return nil
}

// Stats returns adapter counters.
func (a *MemoryAdapter) Stats() Stats {
	a.mu.RLock()
	active := len(a.subs)
	a.mu.RUnlock()
	return Stats{
		Published:           a.published.Load(),
		Delivered:           a.delivered.Load(),
		HandlerPanics:       a.panics.Load(),
		ActiveSubscriptions: active,
	}
}

// Subscriptions returns a snapshot of active subscriptions.
func (a *MemoryAdapter) Subscriptions() []SubscriptionInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	infos := make([]SubscriptionInfo, 0, len(a.subs))
	for _, sub := range a.subs {
		infos = append(infos, SubscriptionInfo{ID: sub.id, Pattern: sub.pattern, CreatedAt: sub.createdAt})
	}
	return infos
}
