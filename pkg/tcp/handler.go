package tcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getrelayd/relayd/pkg/auth"
	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/metrics"
	"github.com/getrelayd/relayd/pkg/pubsub"
	"github.com/getrelayd/relayd/pkg/ratelimit"
	"github.com/getrelayd/relayd/pkg/store"
	"github.com/getrelayd/relayd/pkg/wire"
)

// HandlerConfig configures the session handler.
type HandlerConfig struct {
	// MaxFrameSize bounds encoded reply frames. Zero selects the wire
	// package default.
	MaxFrameSize int

	// PublishRatePerSec limits each connection's publish rate. Zero means
	// unlimited.
	PublishRatePerSec float64

	// PublishBurst is the rate limiter burst. Zero derives it from the
	// rate.
	PublishBurst int
}

// HandlerStats holds the handler's global counters.
type HandlerStats struct {
	MessagesProcessed int64 `json:"messagesProcessed"`
	AuthAttempts      int64 `json:"authAttempts"`
	AuthSuccesses     int64 `json:"authSuccesses"`
	AuthFailures      int64 `json:"authFailures"`
	Subscriptions     int64 `json:"subscriptions"`
	Unsubscriptions   int64 `json:"unsubscriptions"`
	MessagesPublished int64 `json:"messagesPublished"`
	Errors            int64 `json:"errors"`
}

// Handler implements the per-connection state machine shared by the TCP
// and WebSocket sessions:
//
//	[Connected] --AUTH(valid)--> [Authenticated]
//	[Authenticated] --SUBSCRIBE/UNSUBSCRIBE/MESSAGE/PING--> [Authenticated]
//	[*] --socket close--> [Closed] (unsubscribe all, remove)
//
// The transport layers (HandleFrame below for TCP, the ws package for
// WebSocket) translate wire messages into the Authenticate / Subscribe /
// Unsubscribe / Publish operations and render the results back out.
// Each connection's inbound messages are processed by a single goroutine,
// so per-connection ordering holds without extra locking here.
type Handler struct {
	cfg      HandlerConfig
	manager  *Manager
	broker   *pubsub.Broker
	verifier auth.TokenVerifier
	users    store.UserRepository
	codec    *wire.Codec
	log      *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*ratelimit.Bucket

	messagesProcessed atomic.Int64
	authAttempts      atomic.Int64
	authSuccesses     atomic.Int64
	authFailures      atomic.Int64
	subscriptions     atomic.Int64
	unsubscriptions   atomic.Int64
	messagesPublished atomic.Int64
	errorCount        atomic.Int64
}

// NewHandler creates a session handler.
func NewHandler(cfg HandlerConfig, manager *Manager, broker *pubsub.Broker, verifier auth.TokenVerifier, users store.UserRepository, log *slog.Logger) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{
		cfg:      cfg,
		manager:  manager,
		broker:   broker,
		verifier: verifier,
		users:    users,
		codec:    wire.NewCodec(cfg.MaxFrameSize),
		log:      log,
		limiters: make(map[string]*ratelimit.Bucket),
	}
}

// Manager returns the connection manager the handler operates on.
func (h *Handler) Manager() *Manager { return h.manager }

// Codec returns the handler's frame codec.
func (h *Handler) Codec() *wire.Codec { return h.codec }

// Stats returns the handler's counters.
func (h *Handler) Stats() HandlerStats {
	return HandlerStats{
		MessagesProcessed: h.messagesProcessed.Load(),
		AuthAttempts:      h.authAttempts.Load(),
		AuthSuccesses:     h.authSuccesses.Load(),
		AuthFailures:      h.authFailures.Load(),
		Subscriptions:     h.subscriptions.Load(),
		Unsubscriptions:   h.unsubscriptions.Load(),
		MessagesPublished: h.messagesPublished.Load(),
		Errors:            h.errorCount.Load(),
	}
}

// Authenticate verifies a token, loads the user, and marks the connection
// authenticated. A second AUTH on the same connection is a conflict.
func (h *Handler) Authenticate(ctx context.Context, connID, token, transport string) (*store.User, error) {
	h.authAttempts.Add(1)

	conn := h.manager.Get(connID)
	if conn == nil {
		return nil, h.authFail(transport, ErrConnectionNotFound)
	}
	if conn.Authenticated() {
		return nil, h.authFail(transport, ErrAlreadyAuthenticated)
	}
	if token == "" {
		return nil, h.authFail(transport, fmt.Errorf("%w: token is required", auth.ErrInvalidToken))
	}

	identity, err := h.verifier.Verify(ctx, token)
	if err != nil {
		return nil, h.authFail(transport, err)
	}

	user, err := h.users.FindByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, h.authFail(transport, fmt.Errorf("%w: unknown user", store.ErrNotFound))
		}
		return nil, h.authFail(transport, err)
	}

	h.manager.Authenticate(connID, identity.UserID, user)
	h.authSuccesses.Add(1)
	h.authMetric(transport, "success")
	h.log.Info("connection authenticated", "connId", connID, "userId", identity.UserID)
	return user, nil
}

func (h *Handler) authFail(transport string, err error) error {
	h.authFailures.Add(1)
	h.authMetric(transport, "failure")
	return err
}

// Subscribe registers forward as a broker subscription for topic on behalf
// of the connection. One subscription per topic per connection. An optional
// filter expression narrows delivery.
func (h *Handler) Subscribe(ctx context.Context, connID, topic, filterExpr string, forward pubsub.Handler) (string, error) {
	conn := h.manager.Get(connID)
	if conn == nil {
		return "", ErrConnectionNotFound
	}
	if !conn.Authenticated() {
		return "", ErrNotAuthenticated
	}
	if topic == "" {
		return "", fmt.Errorf("%w: topic is required", pubsub.ErrInvalidTopic)
	}
	if _, exists := conn.SubscriptionID(topic); exists {
		return "", ErrAlreadySubscribed
	}

	filter, err := pubsub.CompileFilter(filterExpr)
	if err != nil {
		return "", err
	}

	subID, err := h.broker.Subscribe(ctx, topic, filter.Wrap(forward))
	if err != nil {
		return "", err
	}

	if err := h.manager.AddSubscription(connID, topic, subID); err != nil {
		// Lost a race with a duplicate subscribe or a disconnect; the
		// broker side must not leak.
		_ = h.broker.Unsubscribe(ctx, subID)
		return "", err
	}

	h.subscriptions.Add(1)
	h.log.Debug("subscribed", "connId", connID, "topic", topic, "subscriptionId", subID)
	return subID, nil
}

// Unsubscribe removes the connection's subscription for topic.
func (h *Handler) Unsubscribe(ctx context.Context, connID, topic string) error {
	conn := h.manager.Get(connID)
	if conn == nil {
		return ErrConnectionNotFound
	}
	if !conn.Authenticated() {
		return ErrNotAuthenticated
	}

	subID, err := h.manager.RemoveSubscription(connID, topic)
	if err != nil {
		return err
	}
	if err := h.broker.Unsubscribe(ctx, subID); err != nil {
		return err
	}

	h.unsubscriptions.Add(1)
	h.log.Debug("unsubscribed", "connId", connID, "topic", topic)
	return nil
}

// Publish publishes content to topic on behalf of the connection. The
// publisher's user ID travels in the message metadata.
func (h *Handler) Publish(ctx context.Context, connID, topic string, content any, metadata map[string]string, transport string) (string, error) {
	conn := h.manager.Get(connID)
	if conn == nil {
		return "", ErrConnectionNotFound
	}
	if !conn.Authenticated() {
		return "", ErrNotAuthenticated
	}
	if topic == "" {
		return "", fmt.Errorf("%w: topic is required", pubsub.ErrInvalidTopic)
	}
	if !h.allowPublish(connID) {
		return "", ErrRateLimited
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["userId"] = conn.UserID()

	msgID, err := h.broker.Publish(ctx, topic, content, meta)
	if err != nil {
		return "", err
	}

	h.messagesPublished.Add(1)
	if metrics.PublishesTotal != nil {
		if vec, metricErr := metrics.PublishesTotal.WithLabels(transport); metricErr == nil {
			_ = vec.Inc()
		}
	}
	return msgID, nil
}

// Disconnect tears a session down: every broker subscription the
// connection holds is cancelled, then the connection leaves the manager.
// Cleanup errors are logged and swallowed; the connection is going away
// regardless.
func (h *Handler) Disconnect(connID string) {
	conn := h.manager.Get(connID)
	if conn == nil {
		return
	}

	for topic, subID := range conn.Subscriptions() {
		if err := h.broker.Unsubscribe(context.Background(), subID); err != nil {
			h.log.Warn("unsubscribe on disconnect failed",
				"connId", connID, "topic", topic, "subscriptionId", subID, "error", err)
		}
	}

	h.limiterMu.Lock()
	delete(h.limiters, connID)
	h.limiterMu.Unlock()

	h.manager.Remove(connID)
	h.log.Debug("connection cleaned up", "connId", connID)
}

func (h *Handler) allowPublish(connID string) bool {
	if h.cfg.PublishRatePerSec <= 0 {
		return true
	}

	h.limiterMu.Lock()
	bucket, ok := h.limiters[connID]
	if !ok {
		bucket = ratelimit.NewBucket(h.cfg.PublishRatePerSec, h.cfg.PublishBurst)
		h.limiters[connID] = bucket
	}
	h.limiterMu.Unlock()

	return bucket.Allow()
}

func (h *Handler) authMetric(transport, result string) {
	if metrics.AuthAttemptsTotal == nil {
		return
	}
	if vec, err := metrics.AuthAttemptsTotal.WithLabels(transport, result); err == nil {
		_ = vec.Inc()
	}
}

// --- TCP frame dispatch -------------------------------------------------

// HandleFrame routes one decoded TCP message for a connection. Replies and
// errors are written back as frames; protocol errors never close the
// connection here (the server decides that for fatal parser errors).
func (h *Handler) HandleFrame(ctx context.Context, connID string, msg wire.Message) {
	h.messagesProcessed.Add(1)

	switch msg.Type {
	case wire.TypeAuth:
		h.frameAuth(ctx, connID, msg.Data)
	case wire.TypeSubscribe:
		h.frameSubscribe(ctx, connID, msg.Data)
	case wire.TypeUnsubscribe:
		h.frameUnsubscribe(ctx, connID, msg.Data)
	case wire.TypeMessage:
		h.framePublish(ctx, connID, msg.Data)
	case wire.TypePing:
		h.framePing(connID, msg.Data)
	case wire.TypePong:
		// Activity was already bumped before dispatch.
	default:
		h.sendError(connID, CodeInvalidMessageType, "Unknown message type", msg.Type.String())
	}
}

func (h *Handler) frameAuth(ctx context.Context, connID string, data json.RawMessage) {
	var payload wire.AuthPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.sendError(connID, CodeInvalidInput, "Invalid AUTH payload", nil)
		return
	}

	user, err := h.Authenticate(ctx, connID, payload.Token, TransportTCP)
	if err != nil {
		h.errorCount.Add(1)
		frame, encErr := h.codec.EncodeAuthError(AuthErrorMessage(err), CodeForAuthError(err))
		if encErr == nil {
			h.manager.SendTo(connID, frame)
		}
		return
	}

	frame, err := h.codec.EncodeAuthSuccess(user.ID, "authenticated")
	if err == nil {
		h.manager.SendTo(connID, frame)
	}
}

func (h *Handler) frameSubscribe(ctx context.Context, connID string, data json.RawMessage) {
	var payload struct {
		Topic  string `json:"topic"`
		Filter string `json:"filter,omitempty"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Topic == "" {
		h.sendError(connID, CodeInvalidInput, "SUBSCRIBE requires a topic", nil)
		return
	}

	forward := h.forwarder(connID)
	subID, err := h.Subscribe(ctx, connID, payload.Topic, payload.Filter, forward)
	if err != nil {
		h.replyError(connID, err, "Subscribe failed")
		return
	}

	frame, encErr := h.codec.EncodeSubscribed(payload.Topic, subID)
	if encErr == nil {
		h.manager.SendTo(connID, frame)
	}
}

func (h *Handler) frameUnsubscribe(ctx context.Context, connID string, data json.RawMessage) {
	var payload wire.UnsubscribePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Topic == "" {
		h.sendError(connID, CodeInvalidInput, "UNSUBSCRIBE requires a topic", nil)
		return
	}

	if err := h.Unsubscribe(ctx, connID, payload.Topic); err != nil {
		h.replyError(connID, err, "Unsubscribe failed")
		return
	}

	frame, err := h.codec.EncodeUnsubscribed(payload.Topic)
	if err == nil {
		h.manager.SendTo(connID, frame)
	}
}

func (h *Handler) framePublish(ctx context.Context, connID string, data json.RawMessage) {
	var payload wire.MessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Topic == "" || payload.Content == nil {
		h.sendError(connID, CodeInvalidInput, "MESSAGE requires topic and content", nil)
		return
	}

	if _, err := h.Publish(ctx, connID, payload.Topic, payload.Content, nil, TransportTCP); err != nil {
		h.replyError(connID, err, "Publish failed")
	}
}

func (h *Handler) framePing(connID string, data json.RawMessage) {
	var payload wire.PingPayload
	_ = json.Unmarshal(data, &payload)

	ts := time.Now()
	if payload.Timestamp > 0 {
		ts = time.UnixMilli(payload.Timestamp)
	}
	frame, err := h.codec.EncodePong(ts)
	if err == nil {
		h.manager.SendTo(connID, frame)
	}
}

// forwarder builds the broker handler that pushes deliveries to the
// connection as SERVER_MESSAGE frames.
func (h *Handler) forwarder(connID string) pubsub.Handler {
	return func(msg pubsub.Message) {
		frame, err := h.codec.EncodeServerMessage(msg.Topic, msg.Data, msg.PublishedAt)
		if err != nil {
			h.log.Warn("server message encode failed", "connId", connID, "topic", msg.Topic, "error", err)
			return
		}
		if h.manager.SendTo(connID, frame) {
			if metrics.DeliveriesTotal != nil {
				if vec, metricErr := metrics.DeliveriesTotal.WithLabels(TransportTCP); metricErr == nil {
					_ = vec.Inc()
				}
			}
		}
	}
}

// replyError maps a session error to its protocol code and writes an ERROR
// frame. Broker connectivity failures surface as dependency errors.
func (h *Handler) replyError(connID string, err error, fallbackMsg string) {
	code := CodeForError(err)
	msg := err.Error()
	if errors.Is(err, pubsub.ErrNotConnected) {
		code = CodeDependencyError
		msg = fallbackMsg
	} else if errors.Is(err, pubsub.ErrInvalidFilter) || errors.Is(err, pubsub.ErrInvalidTopic) {
		code = CodeInvalidInput
	}
	h.sendError(connID, code, msg, nil)
}

func (h *Handler) sendError(connID, code, message string, details any) {
	h.errorCount.Add(1)
	if metrics.ErrorsTotal != nil {
		if vec, err := metrics.ErrorsTotal.WithLabels(code); err == nil {
			_ = vec.Inc()
		}
	}
	frame, err := h.codec.EncodeError(code, message, details)
	if err != nil {
		return
	}
	h.manager.SendTo(connID, frame)
}

// CodeForAuthError maps auth failures to protocol codes.
func CodeForAuthError(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyAuthenticated):
		return CodeConflict
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrMissingSubject):
		return CodeUnauthorized
	default:
		return CodeUnauthorized
	}
}

// AuthErrorMessage returns the client-facing text for an auth failure.
// Verifier internals never leak to the wire.
func AuthErrorMessage(err error) string {
	if errors.Is(err, ErrAlreadyAuthenticated) {
		return "already authenticated"
	}
	if errors.Is(err, auth.ErrTokenExpired) {
		return "token expired"
	}
	if errors.Is(err, store.ErrNotFound) {
		return "unknown user"
	}
	return "authentication failed"
}
