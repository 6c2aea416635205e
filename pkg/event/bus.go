package event

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/getrelayd/relayd/internal/id"
	"github.com/getrelayd/relayd/pkg/logging"
)

// HandlerFunc is invoked for every emitted event of a subscribed type.
// Handlers run on their own goroutine with panic recovery: a failing
// handler never affects siblings or the emitter.
type HandlerFunc func(ev Event)

// Bus is an in-process typed event bus. Business services emit events;
// in-process listeners (the bridge, audit hooks) subscribe by type.
// Delivery is fire-and-forget from the emitter's perspective.
type Bus struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[Type]map[string]HandlerFunc

	inflight sync.WaitGroup
	emitted  atomic.Int64
	panics   atomic.Int64
}

// BusStats holds bus counters.
type BusStats struct {
	Emitted       int64 `json:"emitted"`
	HandlerPanics int64 `json:"handlerPanics"`
	Subscribers   int   `json:"subscribers"`
}

// NewBus creates an event bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{log: log, subs: make(map[Type]map[string]HandlerFunc)}
}

// On registers a handler for an event type and returns a subscription ID.
func (b *Bus) On(typ Type, fn HandlerFunc) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	subID := id.Short()
	if b.subs[typ] == nil {
		b.subs[typ] = make(map[string]HandlerFunc)
	}
	b.subs[typ][subID] = fn
	return subID
}

// Off removes a subscription by ID. Unknown IDs are a no-op.
func (b *Bus) Off(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for typ, handlers := range b.subs {
		if _, ok := handlers[subID]; ok {
			delete(handlers, subID)
			if len(handlers) == 0 {
				delete(b.subs, typ)
			}
			return
		}
	}
}

// Emit delivers an event to every handler registered for its type.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	handlers := make([]HandlerFunc, 0, len(b.subs[ev.Type]))
	for _, fn := range b.subs[ev.Type] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	b.emitted.Add(1)
	for _, fn := range handlers {
		b.inflight.Add(1)
		go b.invoke(fn, ev)
	}
}

func (b *Bus) invoke(fn HandlerFunc, ev Event) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.log.Error("event handler panic", "eventType", ev.Type, "eventId", ev.ID, "panic", r)
		}
	}()
	fn(ev)
}

// Wait blocks until all in-flight handler invocations finish. Used by
// shutdown and tests.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// Stats returns bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	subscribers := 0
	for _, handlers := range b.subs {
		subscribers += len(handlers)
	}
	b.mu.RUnlock()
	return BusStats{
		Emitted:       b.emitted.Load(),
		HandlerPanics: b.panics.Load(),
		Subscribers:   subscribers,
	}
}
