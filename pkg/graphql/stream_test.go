package graphql

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getrelayd/relayd/pkg/pubsub"
)

func newTestBroker(t *testing.T) *pubsub.Broker {
	t.Helper()
	broker := pubsub.NewBroker(pubsub.NewMemoryAdapter(pubsub.MemoryAdapterConfig{}, nil), nil)
	require.NoError(t, broker.Connect(context.Background()))
	t.Cleanup(func() { _ = broker.Disconnect(context.Background()) })
	return broker
}

func passthrough(msg pubsub.Message) (any, error) {
	return msg.Data, nil
}

// startStream forces the lazy broker subscribe with a short empty Next.
func startStream(t *testing.T, broker *pubsub.Broker, stream *Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := stream.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, broker.Stats().ActiveSubscriptions)
}

func TestStreamIsLazy(t *testing.T) {
	broker := newTestBroker(t)
	stream := NewStream(broker, "lazy.topic", passthrough, nil)
	defer stream.Close()

	assert.Equal(t, 0, broker.Stats().ActiveSubscriptions)
}

func TestStreamDeliversInOrder(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	stream := NewStream(broker, "orders.*", passthrough, nil)
	defer stream.Close()
	startStream(t, broker, stream)

	// Deliveries are queued; serialise the publishes so arrival order is
	// deterministic.
	for i, data := range []string{"one", "two", "three"} {
		_, err := broker.Publish(ctx, "orders.eu", data, nil)
		require.NoError(t, err)
		want := i + 1
		require.Eventually(t, func() bool {
			return stream.Pending() == want
		}, 2*time.Second, 5*time.Millisecond)
	}

	for _, want := range []string{"one", "two", "three"} {
		nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		payload, err := stream.Next(nextCtx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, want, payload)
	}
	assert.Equal(t, 0, stream.Pending())
}

func TestStreamNextHonoursContext(t *testing.T) {
	broker := newTestBroker(t)
	stream := NewStream(broker, "quiet.topic", passthrough, nil)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := stream.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamCloseUnblocksNext(t *testing.T) {
	broker := newTestBroker(t)
	stream := NewStream(broker, "quiet.topic", passthrough, nil)
	startStream(t, broker, stream)

	errCh := make(chan error, 1)
	go func() {
		_, err := stream.Next(context.Background())
		errCh <- err
	}()

	// Give the waiter time to block before tearing down.
	time.Sleep(20 * time.Millisecond)
	stream.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestStreamCloseReleasesBrokerSubscription(t *testing.T) {
	broker := newTestBroker(t)
	stream := NewStream(broker, "release.me", passthrough, nil)
	startStream(t, broker, stream)

	stream.Close()
	assert.Equal(t, 0, broker.Stats().ActiveSubscriptions)

	// Idempotent.
	stream.Close()
	assert.Equal(t, 0, broker.Stats().ActiveSubscriptions)
}

func TestStreamCloseBeforeStart(t *testing.T) {
	broker := newTestBroker(t)
	stream := NewStream(broker, "never.started", passthrough, nil)

	stream.Close()
	assert.Equal(t, 0, broker.Stats().ActiveSubscriptions)

	_, err := stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamDropsPayloadsFailingExtraction(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	picky := func(msg pubsub.Message) (any, error) {
		s, ok := msg.Data.(string)
		if !ok {
			return nil, Error("not a string")
		}
		return s, nil
	}
	stream := NewStream(broker, "picky.topic", picky, nil)
	defer stream.Close()
	startStream(t, broker, stream)

	_, err := broker.Publish(ctx, "picky.topic", 42, nil)
	require.NoError(t, err)
	_, err = broker.Publish(ctx, "picky.topic", "kept", nil)
	require.NoError(t, err)

	nextCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	payload, err := stream.Next(nextCtx)
	require.NoError(t, err)
	assert.Equal(t, "kept", payload)
	assert.Equal(t, 0, stream.Pending())
}
