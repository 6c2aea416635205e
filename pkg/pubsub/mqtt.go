package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/getrelayd/relayd/internal/id"
	"github.com/getrelayd/relayd/pkg/logging"
)

// Interface compliance check.
var _ Adapter = (*MQTTAdapter)(nil)

// MQTTAdapterConfig configures the MQTT-backed adapter.
type MQTTAdapterConfig struct {
	// BrokerURL is the external broker address (tcp://host:port). When
	// empty, the adapter runs an embedded broker instead.
	BrokerURL string

	// ClientID identifies this node to an external broker.
	ClientID string

	// Port is the listener port for the embedded broker. Zero means the
	// embedded broker accepts no external clients and serves in-process
	// traffic only.
	Port int

	// QoS is the MQTT quality of service for publishes and subscriptions.
	// Defaults to 1 (at-least-once).
	QoS byte
}

// mqttEnvelope is the wire representation of a Message on the bus.
// Foreign publishers that send bare payloads are still delivered, with the
// raw payload as Data.
type mqttEnvelope struct {
	ID          string            `json:"id"`
	Data        any               `json:"data"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	PublishedAt time.Time         `json:"publishedAt"`
}

// MQTTAdapter rides MQTT as a shared bus: either an embedded broker
// (mochi-mqtt with an in-process dispatch hook) or an external broker
// reached through a paho client. Pattern matching is done client-side with
// MatchTopic; MQTT filters are used to narrow server-side traffic where the
// pattern translates cleanly. Delivery is at-least-once.
type MQTTAdapter struct {
	cfg MQTTAdapterConfig
	log *slog.Logger

	mu        sync.RWMutex
	connected bool
	subs      map[string]*mqttSub
	filters   map[string]int // translated MQTT filter -> subscriber refcount

	server *mochi.Server
	client paho.Client

	// drains tracks per-subscription drain goroutines.
	drains    sync.WaitGroup
	published atomic.Int64
	delivered atomic.Int64
	panics    atomic.Int64
}

type mqttSub struct {
	id        string
	pattern   string
	filter    string // translated MQTT filter
	handler   Handler
	createdAt time.Time
	queue     *deliveryQueue
}

// NewMQTTAdapter creates an MQTT-backed adapter.
func NewMQTTAdapter(cfg MQTTAdapterConfig, log *slog.Logger) *MQTTAdapter {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "relayd-" + id.Short()
	}
	return &MQTTAdapter{
		cfg:     cfg,
		log:     log,
		subs:    make(map[string]*mqttSub),
		filters: make(map[string]int),
	}
}

// dispatchHook feeds embedded-broker publishes into the adapter's
// subscription table.
type dispatchHook struct {
	mochi.HookBase
	adapter *MQTTAdapter
}

// ID returns the hook identifier.
func (h *dispatchHook) ID() string { return "relayd-dispatch" }

// Provides indicates which hook methods this hook provides.
func (h *dispatchHook) Provides(b byte) bool {
	return bytes.Contains([]byte{mochi.OnPublish}, []byte{b})
}

// OnPublish handles every publish the embedded broker accepts, including
// inline publishes from this process.
func (h *dispatchHook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	h.adapter.dispatch(pk.TopicName, pk.Payload)
	return pk, nil
}

// Connect starts the embedded broker or connects the external client.
// Idempotent.
func (a *MQTTAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	if a.cfg.BrokerURL != "" {
		opts := paho.NewClientOptions().
			AddBroker(a.cfg.BrokerURL).
			SetClientID(a.cfg.ClientID).
			SetCleanSession(true)
		client := paho.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return fmt.Errorf("mqtt connect: %w", token.Error())
		}
		a.client = client
		a.connected = true
		a.log.Info("mqtt adapter connected", "broker", a.cfg.BrokerURL)
		return nil
	}

	server := mochi.New(&mochi.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("add allow hook: %w", err)
	}
	if err := server.AddHook(&dispatchHook{adapter: a}, nil); err != nil {
		return fmt.Errorf("add dispatch hook: %w", err)
	}
	if a.cfg.Port > 0 {
		listener := listeners.NewTCP(listeners.Config{
			ID:      fmt.Sprintf("relayd-%d", a.cfg.Port),
			Address: fmt.Sprintf(":%d", a.cfg.Port),
		})
		if err := server.AddListener(listener); err != nil {
			return fmt.Errorf("add listener: %w", err)
		}
	}
	go func() {
		if err := server.Serve(); err != nil {
			a.log.Error("embedded mqtt broker error", "error", err)
		}
	}()
	a.server = server
	a.connected = true
	a.log.Info("mqtt adapter connected", "embedded", true, "port", a.cfg.Port)
	return nil
}

// Disconnect drops all subscriptions, closes the backend, and waits for
// the subscription queues to drain.
func (a *MQTTAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	dropped := a.subs
	a.subs = make(map[string]*mqttSub)
	a.filters = make(map[string]int)
	client := a.client
	server := a.server
	a.client = nil
	a.server = nil
	a.mu.Unlock()

	for _, sub := range dropped {
		sub.queue.close(false)
	}

	if client != nil {
		client.Disconnect(250)
	}
	if server != nil {
		if err := server.Close(); err != nil {
			a.log.Warn("embedded mqtt broker close", "error", err)
		}
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
func (a *MQTTAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Publish serialises the message into an envelope and hands it to the bus.
func (a *MQTTAdapter) Publish(ctx context.Context, topic string, data any, metadata map[string]string) (string, error) {
	if HasWildcard(topic) {
		return "", ErrInvalidTopic
	}

	env := mqttEnvelope{
		ID:          id.UUID(),
		Data:        data,
		Metadata:    metadata,
		PublishedAt: time.Now(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodePayload, err)
	}

	a.mu.RLock()
	if !a.connected {
		a.mu.RUnlock()
		return "", ErrNotConnected
	}
	client := a.client
	server := a.server
	a.mu.RUnlock()

	wire := topicToMQTT(topic)
	switch {
	case client != nil:
		if token := client.Publish(wire, a.cfg.QoS, false, payload); token.Wait() && token.Error() != nil {
			return "", fmt.Errorf("mqtt publish: %w", token.Error())
		}
	case server != nil:
		if err := server.Publish(wire, payload, false, a.cfg.QoS); err != nil {
			return "", fmt.Errorf("mqtt publish: %w", err)
		}
	default:
		return "", ErrNotConnected
	}

	a.published.Add(1)
	return env.ID, nil
}

// Subscribe registers a handler for topics matching pattern. On the external
// path the translated MQTT filter narrows server-side traffic; final
// matching is always done against the dot-separated pattern.
func (a *MQTTAdapter) Subscribe(ctx context.Context, pattern string, handler Handler) (string, error) {
	if handler == nil {
		return "", ErrNilHandler
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", ErrNotConnected
	}

	sub := &mqttSub{
		id:        id.Short(),
		pattern:   pattern,
		filter:    patternToMQTTFilter(pattern),
		handler:   handler,
		createdAt: time.Now(),
		queue:     newDeliveryQueue(),
	}

	// External brokers need one server-side subscription per distinct filter.
	// The embedded broker's dispatch hook sees every publish already.
	if a.client != nil && a.filters[sub.filter] == 0 {
		if token := a.client.Subscribe(sub.filter, a.cfg.QoS, a.onBusMessage); token.Wait() && token.Error() != nil {
			return "", fmt.Errorf("mqtt subscribe: %w", token.Error())
		}
	}
	a.filters[sub.filter]++
	a.subs[sub.id] = sub
	a.drains.Add(1)
	go a.drain(sub)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op. The MQTT
// filter is released when its last subscriber is gone.
func (a *MQTTAdapter) Unsubscribe(ctx context.Context, subID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ErrNotConnected
	}

	sub, ok := a.subs[subID]
	if !ok {
		return nil
	}
	delete(a.subs, subID)
	sub.queue.close(true)

	a.filters[sub.filter]--
	if a.filters[sub.filter] <= 0 {
		delete(a.filters, sub.filter)
		if a.client != nil {
			if token := a.client.Unsubscribe(sub.filter); token.Wait() && token.Error() != nil {
				a.log.Warn("mqtt unsubscribe", "filter", sub.filter, "error", token.Error())
			}
		}
	}
	return nil
}

// onBusMessage is the paho callback for external-broker deliveries.
func (a *MQTTAdapter) onBusMessage(_ paho.Client, m paho.Message) {
	a.dispatch(m.Topic(), m.Payload())
}

// dispatch decodes a bus payload and fans it out to matching subscriptions.
func (a *MQTTAdapter) dispatch(wireTopic string, payload []byte) {
	topic := topicFromMQTT(wireTopic)

	var env mqttEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ID == "" {
		// Foreign publisher without the envelope: deliver the raw payload.
		env = mqttEnvelope{ID: id.UUID(), Data: string(payload), PublishedAt: time.Now()}
	}
	msg := Message{
		ID:          env.ID,
		Topic:       topic,
		Data:        env.Data,
		Metadata:    env.Metadata,
		PublishedAt: env.PublishedAt,
	}

	a.mu.RLock()
	matched := make([]*mqttSub, 0, 4)
	for _, sub := range a.subs {
		if MatchTopic(topic, sub.pattern) {
			matched = append(matched, sub)
		}
	}
	a.mu.RUnlock()

	for _, sub := range matched {
		sub.queue.push(msg)
	}
}

// drain delivers one subscription's queue in order until it closes.
func (a *MQTTAdapter) drain(sub *mqttSub) {
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
func (a *MQTTAdapter) invoke(sub *mqttSub, msg Message) {
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

// Stats returns adapter counters.
func (a *MQTTAdapter) Stats() Stats {
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
func (a *MQTTAdapter) Subscriptions() []SubscriptionInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	infos := make([]SubscriptionInfo, 0, len(a.subs))
	for _, sub := range a.subs {
		infos = append(infos, SubscriptionInfo{ID: sub.id, Pattern: sub.pattern, CreatedAt: sub.createdAt})
	}
	return infos
}

// topicToMQTT converts a concrete dot-separated topic to MQTT form.
func topicToMQTT(topic string) string {
	return strings.ReplaceAll(topic, ".", "/")
}

// topicFromMQTT converts an MQTT topic back to dot-separated form.
func topicFromMQTT(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// patternToMQTTFilter translates a subscription pattern to an MQTT filter:
// "*" becomes "+" and "**" becomes "#". MQTT only allows "#" as the final
// level, so a pattern with "**" anywhere but the tail subscribes to the
// widest prefix and relies on client-side matching for the rest.
func patternToMQTTFilter(pattern string) string {
	segs := strings.Split(pattern, ".")
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		switch seg {
		case WildcardOne:
			out = append(out, "+")
		case WildcardAny:
			out = append(out, "#")
			return strings.Join(out, "/")
		default:
			out = append(out, seg)
		}
	}
	return strings.Join(out, "/")
}
