package graphql

import (
	"context"
	"log/slog"
	"sync"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/pubsub"
)

// Stream is a lazy subscription payload stream. The broker subscription is
// established on the first Next call, deliveries are extracted and queued
// in arrival order, and Close releases the broker subscription exactly once
// on every exit path.
type Stream struct {
	broker  *pubsub.Broker
	pattern string
	extract ExtractFunc
	log     *slog.Logger

	mu      sync.Mutex
	queue   []any
	subID   string
	started bool
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// NewStream creates a stream over pattern. Nothing touches the broker until
// the first Next.
func NewStream(broker *pubsub.Broker, pattern string, extract ExtractFunc, log *slog.Logger) *Stream {
	if log == nil {
		log = logging.Nop()
	}
	return &Stream{
		broker:  broker,
		pattern: pattern,
		extract: extract,
		log:     log,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Next blocks until a payload is available, the context is cancelled, or
// the stream is closed. Payloads come out in delivery order.
func (s *Stream) Next(ctx context.Context) (any, error) {
	if err := s.start(ctx); err != nil {
		return nil, err
	}

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			payload := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return payload, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrStreamClosed
		case <-s.notify:
		}
	}
}

// start performs the lazy broker subscribe.
func (s *Stream) start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	subID, err := s.broker.Subscribe(ctx, s.pattern, s.enqueue)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		// Close raced the subscribe and found no subID to release; the
		// release is ours.
		s.mu.Unlock()
		_ = s.broker.Unsubscribe(context.Background(), subID)
		return ErrStreamClosed
	}
	s.subID = subID
	s.mu.Unlock()
	return nil
}

// enqueue is the broker handler: extract, append, wake a waiter.
func (s *Stream) enqueue(msg pubsub.Message) {
	payload, err := s.extract(msg)
	if err != nil {
		s.log.Warn("subscription payload extraction failed", "pattern", s.pattern, "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close tears the stream down and releases the broker subscription.
// Idempotent; pending and future Next calls fail with ErrStreamClosed.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subID := s.subID
	s.subID = ""
	s.mu.Unlock()

	close(s.done)
	if subID != "" {
		_ = s.broker.Unsubscribe(context.Background(), subID)
	}
}

// Pending returns the number of queued payloads.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
