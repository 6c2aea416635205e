package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newConnectedMemoryAdapter(t *testing.T) *MemoryAdapter {
	t.Helper()
	a := NewMemoryAdapter(MemoryAdapterConfig{}, nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return a
}

func waitFor(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Message{}
	}
}

func TestMemoryAdapterPublishSubscribe(t *testing.T) {
	a := newConnectedMemoryAdapter(t)
	ctx := context.Background()

	got := make(chan Message, 1)
	subID, err := a.Subscribe(ctx, "messages.channel.*", func(msg Message) {
		got <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if subID == "" {
		t.Fatal("Subscribe() returned empty subscription ID")
	}

	msgID, err := a.Publish(ctx, "messages.channel.42", map[string]any{"text": "hi"}, map[string]string{"source": "test"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msg := waitFor(t, got)
	if msg.ID != msgID {
		t.Errorf("delivered ID = %q, want %q", msg.ID, msgID)
	}
	if msg.Topic != "messages.channel.42" {
		t.Errorf("delivered Topic = %q", msg.Topic)
	}
	if msg.Metadata["source"] != "test" {
		t.Errorf("delivered Metadata = %v", msg.Metadata)
	}
	if msg.PublishedAt.IsZero() {
		t.Error("delivered PublishedAt is zero")
	}
}

func TestMemoryAdapterFanOut(t *testing.T) {
	a := newConnectedMemoryAdapter(t)
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		if _, err := a.Subscribe(ctx, "events.**", func(Message) { wg.Done() }); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	// Non-matching subscription must not receive anything.
	if _, err := a.Subscribe(ctx, "other.*", func(Message) { t.Error("unexpected delivery") }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if _, err := a.Publish(ctx, "events.user.created", nil, nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers received the message")
	}
}

func TestMemoryAdapterDeliversInPublishOrder(t *testing.T) {
	a := newConnectedMemoryAdapter(t)
	ctx := context.Background()

	const n = 500
	var got []int
	if _, err := a.Subscribe(ctx, "seq", func(msg Message) {
		got = append(got, msg.Data.(int))
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 0; i < n; i++ {
		if _, err := a.Publish(ctx, "seq", i, nil); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}
	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	if len(got) != n {
		t.Fatalf("delivered %d messages, want %d", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery %d carried sequence %d, want %d", i, v, i)
		}
	}
}

func TestMemoryAdapterSlowSubscriberDoesNotStallSiblings(t *testing.T) {
	a := newConnectedMemoryAdapter(t)
	ctx := context.Background()

	release := make(chan struct{})
	if _, err := a.Subscribe(ctx, "t", func(Message) { <-release }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	got := make(chan Message, 1)
	if _, err := a.Subscribe(ctx, "t", func(msg Message) { got <- msg }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if _, err := a.Publish(ctx, "t", nil, nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	// The fast subscriber must receive while the slow one is still blocked.
	waitFor(t, got)
	close(release)
}

func TestMemoryAdapterPublishWildcardRejected(t *testing.T) {
	a := newConnectedMemoryAdapter(t)

	for _, topic := range []string{"messages.*", "messages.**", "**"} {
		if _, err := a.Publish(context.Background(), topic, nil, nil); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("Publish(%q) error = %v, want ErrInvalidTopic", topic, err)
		}
	}
}

func TestMemoryAdapterHandlerPanicIsolated(t *testing.T) {
	a := newConnectedMemoryAdapter(t)
	ctx := context.Background()

	if _, err := a.Subscribe(ctx, "t", func(Message) { panic("boom") }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	got := make(chan Message, 1)
	if _, err := a.Subscribe(ctx, "t", func(msg Message) { got <- msg }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if _, err := a.Publish(ctx, "t", "payload", nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitFor(t, got)

	// Drain the panicking goroutine before reading counters.
	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	stats := a.Stats()
	if stats.HandlerPanics != 1 {
		t.Errorf("HandlerPanics = %d, want 1", stats.HandlerPanics)
	}
	if stats.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", stats.Delivered)
	}
}

func TestMemoryAdapterUnsubscribe(t *testing.T) {
	a := newConnectedMemoryAdapter(t)
	ctx := context.Background()

	subID, err := a.Subscribe(ctx, "t", func(Message) { t.Error("delivery after unsubscribe") })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := a.Unsubscribe(ctx, subID); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	// Unknown and repeated IDs are a no-op.
	if err := a.Unsubscribe(ctx, subID); err != nil {
		t.Errorf("repeat Unsubscribe() error = %v", err)
	}
	if err := a.Unsubscribe(ctx, "no-such-sub"); err != nil {
		t.Errorf("unknown Unsubscribe() error = %v", err)
	}

	if _, err := a.Publish(ctx, "t", nil, nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := a.Stats().Delivered; got != 0 {
		t.Errorf("Delivered = %d, want 0", got)
	}
}

func TestMemoryAdapterDisconnected(t *testing.T) {
	a := NewMemoryAdapter(MemoryAdapterConfig{}, nil)
	ctx := context.Background()

	if a.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	if _, err := a.Publish(ctx, "t", nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if _, err := a.Subscribe(ctx, "t", func(Message) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := a.Unsubscribe(ctx, "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}

	// Disconnect before Connect is a no-op.
	if err := a.Disconnect(ctx); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
}

func TestMemoryAdapterSubscribeNilHandler(t *testing.T) {
	a := newConnectedMemoryAdapter(t)
	if _, err := a.Subscribe(context.Background(), "t", nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("Subscribe(nil) error = %v, want ErrNilHandler", err)
	}
}

func TestMemoryAdapterSubscriptions(t *testing.T) {
	a := newConnectedMemoryAdapter(t)
	ctx := context.Background()

	id1, _ := a.Subscribe(ctx, "a.*", func(Message) {})
	id2, _ := a.Subscribe(ctx, "b.**", func(Message) {})

	subs := a.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("Subscriptions() returned %d entries, want 2", len(subs))
	}
	byID := make(map[string]SubscriptionInfo, len(subs))
	for _, s := range subs {
		byID[s.ID] = s
	}
	if byID[id1].Pattern != "a.*" || byID[id2].Pattern != "b.**" {
		t.Errorf("Subscriptions() = %+v", subs)
	}
	if got := a.Stats().ActiveSubscriptions; got != 2 {
		t.Errorf("ActiveSubscriptions = %d, want 2", got)
	}
}
