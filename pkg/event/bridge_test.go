package event

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/getrelayd/relayd/pkg/pubsub"
	"github.com/getrelayd/relayd/pkg/store"
)

func newBridgeFixture(t *testing.T) (*Bus, *pubsub.Broker, *Bridge) {
	t.Helper()
	bus := NewBus(nil)
	broker := pubsub.NewBroker(pubsub.NewMemoryAdapter(pubsub.MemoryAdapterConfig{}, nil), nil)
	if err := broker.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	bridge := NewBridge(bus, broker, nil)
	bridge.Init()
	t.Cleanup(func() {
		bridge.Close()
		_ = broker.Disconnect(context.Background())
	})
	return bus, broker, bridge
}

// collect subscribes to pattern and returns a snapshot function.
func collect(t *testing.T, broker *pubsub.Broker, pattern string) func() []pubsub.Message {
	t.Helper()
	var mu sync.Mutex
	var msgs []pubsub.Message
	_, err := broker.Subscribe(context.Background(), pattern, func(msg pubsub.Message) {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe(%q) error = %v", pattern, err)
	}
	return func() []pubsub.Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]pubsub.Message(nil), msgs...)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBridgeMessageSentFanOut(t *testing.T) {
	bus, broker, _ := newBridgeFixture(t)

	snapshot := collect(t, broker, "**")

	ev := NewMessageSent(&store.Message{ID: "m1", ChannelID: "c", RecipientID: "r"})
	bus.Emit(ev)
	bus.Wait()

	waitFor(t, func() bool { return len(snapshot()) == 3 })

	topics := make([]string, 0, 3)
	for _, msg := range snapshot() {
		topics = append(topics, msg.Topic)
		if msg.Metadata["eventType"] != "message.sent" {
			t.Errorf("metadata eventType = %q on %q", msg.Metadata["eventType"], msg.Topic)
		}
		if msg.Metadata["eventId"] != ev.ID {
			t.Errorf("metadata eventId = %q, want %q", msg.Metadata["eventId"], ev.ID)
		}
		if msg.Metadata["timestamp"] == "" {
			t.Errorf("metadata timestamp missing on %q", msg.Topic)
		}
	}
	sort.Strings(topics)
	want := []string{"messages", "messages.channel.c", "messages.user.r"}
	for i, topic := range want {
		if topics[i] != topic {
			t.Fatalf("topics = %v, want %v", topics, want)
		}
	}
}

func TestBridgeUserEventTopics(t *testing.T) {
	bus, broker, _ := newBridgeFixture(t)

	all := collect(t, broker, "users.**")
	scoped := collect(t, broker, "users.u1")

	bus.Emit(NewUserUpdated("u1", map[string]any{"email": "a@b"}))
	bus.Wait()

	// users.** matches both the bare "users" topic and the per-user topic.
	waitFor(t, func() bool { return len(scoped()) == 1 })
	waitFor(t, func() bool { return len(all()) == 2 })
	topics := make(map[string]bool)
	for _, msg := range all() {
		topics[msg.Topic] = true
	}
	if !topics["users"] || !topics["users.u1"] {
		t.Errorf("users.** deliveries = %+v", all())
	}

	// user.deleted fans out to the namespace root and the per-user topic.
	root := collect(t, broker, "users")
	bus.Emit(NewUserDeleted("u1"))
	bus.Wait()
	waitFor(t, func() bool { return len(root()) == 1 })
	waitFor(t, func() bool { return len(scoped()) == 2 })
}

func TestBridgeUserCreatedSkipsPerUserTopic(t *testing.T) {
	bus, broker, _ := newBridgeFixture(t)

	root := collect(t, broker, "users")
	scoped := collect(t, broker, "users.u1")

	bus.Emit(NewUserCreated(&store.User{ID: "u1", Username: "alice"}))
	bus.Wait()

	waitFor(t, func() bool { return len(root()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := scoped(); len(got) != 0 {
		t.Errorf("user.created leaked to users.u1: %+v", got)
	}
}

func TestBridgeInitIdempotent(t *testing.T) {
	bus, broker, bridge := newBridgeFixture(t)
	bridge.Init()
	bridge.Init()

	snapshot := collect(t, broker, "users")
	bus.Emit(NewUserCreated(&store.User{ID: "u1"}))
	bus.Wait()

	waitFor(t, func() bool { return len(snapshot()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := len(snapshot()); got != 1 {
		t.Errorf("duplicate bridge subscriptions: %d deliveries to users, want 1", got)
	}
}
