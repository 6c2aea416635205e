package pubsub

import "sync"

// deliveryQueue serialises deliveries for a single subscription. Publishers
// append without blocking; one drain goroutine per subscription pops
// messages and runs the handler, so every subscriber observes messages in
// the order the adapter accepted them while a slow handler stalls only its
// own subscription.
type deliveryQueue struct {
	mu      sync.Mutex
	pending []Message
	closed  bool
	wake    chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{wake: make(chan struct{}, 1)}
}

// push appends a message and wakes the drain goroutine. Pushes after close
// are dropped.
func (q *deliveryQueue) push(msg Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, msg)
	q.mu.Unlock()
	q.signal()
}

// pop blocks until a message is available. It returns ok=false once the
// queue is closed and, unless the close discarded them, all pending
// messages have been handed out.
func (q *deliveryQueue) pop() (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Message{}, false
		}
		<-q.wake
	}
}

// close stops the queue. With discard, pending messages are dropped so the
// drain goroutine exits immediately; otherwise it delivers what is already
// queued before exiting.
func (q *deliveryQueue) close(discard bool) {
	q.mu.Lock()
	if discard {
		q.pending = nil
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *deliveryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
