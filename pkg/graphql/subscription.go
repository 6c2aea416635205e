package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	websocket "github.com/coder/websocket"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/getrelayd/relayd/internal/id"
	"github.com/getrelayd/relayd/pkg/auth"
	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/pubsub"
)

// Subprotocol names. The modern protocol is the default; the legacy one is
// kept for older clients.
const (
	protocolModern = "graphql-transport-ws"
	protocolLegacy = "graphql-ws"
)

// WebSocket message types for graphql-transport-ws (modern) and
// subscriptions-transport-ws (legacy).
const (
	// Common message types (used by both protocols)
	msgTypeConnectionInit = "connection_init"
	msgTypeConnectionAck  = "connection_ack"

	// graphql-transport-ws protocol (modern)
	msgTypePing      = "ping"
	msgTypePong      = "pong"
	msgTypeSubscribe = "subscribe"
	msgTypeNext      = "next"
	msgTypeError     = "error"
	msgTypeComplete  = "complete"

	// subscriptions-transport-ws protocol (legacy) - additional types
	msgTypeConnectionKeepAlive = "ka"
	msgTypeStart               = "start"
	msgTypeData                = "data"
	msgTypeStop                = "stop"
	msgTypeConnectionTerminate = "connection_terminate"
)

// wsMessage is the WebSocket envelope both protocols share.
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// initPayload is the connection_init payload. The token authenticates the
// whole connection; per-field authorisation uses the resulting identity.
type initPayload struct {
	Token string `json:"token,omitempty"`
}

// subscribePayload is the payload for subscribe/start messages.
type subscribePayload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// gqlError is a GraphQL error object carried in error payloads.
type gqlError struct {
	Message string `json:"message"`
}

// Handler serves GraphQL subscriptions over WebSocket. Operations are
// parsed and validated against the embedded schema; each active
// subscription owns a Stream over the broker topic its field resolves to.
type Handler struct {
	schema   *ast.Schema
	fields   map[string]fieldSpec
	broker   *pubsub.Broker
	verifier auth.TokenVerifier
	log      *slog.Logger
	accept   websocket.AcceptOptions

	mu    sync.RWMutex
	conns map[string]*subscriptionConn
}

// Interface compliance check.
var _ http.Handler = (*Handler)(nil)

// subscriptionConn is one active WebSocket connection.
type subscriptionConn struct {
	id       string
	conn     *websocket.Conn
	protocol string

	mu          sync.Mutex
	initialized bool
	identity    auth.Identity
	subs        map[string]context.CancelFunc
}

// NewHandler creates a subscription handler.
func NewHandler(broker *pubsub.Broker, verifier auth.TokenVerifier, log *slog.Logger) (*Handler, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{
		schema:   schema,
		fields:   subscriptionFields(),
		broker:   broker,
		verifier: verifier,
		log:      log,
		accept: websocket.AcceptOptions{
			Subprotocols:       []string{protocolModern, protocolLegacy},
			InsecureSkipVerify: true,
		},
		conns: make(map[string]*subscriptionConn),
	}, nil
}

// ServeHTTP upgrades HTTP to WebSocket and runs the subscription protocol.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &h.accept)
	if err != nil {
		h.log.Debug("graphql upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}
	h.handleConnection(r.Context(), conn)
}

func (h *Handler) handleConnection(ctx context.Context, conn *websocket.Conn) {
	protocol := conn.Subprotocol()
	if protocol == "" {
		protocol = protocolModern
	}

	sc := &subscriptionConn{
		id:       id.Short(),
		conn:     conn,
		protocol: protocol,
		subs:     make(map[string]context.CancelFunc),
	}

	h.mu.Lock()
	h.conns[sc.id] = sc
	h.mu.Unlock()

	defer func() {
		sc.mu.Lock()
		for _, cancel := range sc.subs {
			cancel()
		}
		sc.subs = make(map[string]context.CancelFunc)
		sc.mu.Unlock()

		h.mu.Lock()
		delete(h.conns, sc.id)
		h.mu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
		h.log.Debug("graphql connection closed", "connId", sc.id)
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(sc, "", "invalid message format")
			continue
		}

		h.handleMessage(ctx, sc, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, sc *subscriptionConn, msg *wsMessage) {
	switch msg.Type {
	case msgTypeConnectionInit:
		h.handleConnectionInit(ctx, sc, msg)

	case msgTypePing:
		_ = h.sendMessage(sc, &wsMessage{Type: msgTypePong, Payload: msg.Payload})

	case msgTypeSubscribe, msgTypeStart:
		h.handleSubscribe(ctx, sc, msg.ID, msg.Payload)

	case msgTypeComplete, msgTypeStop:
		h.handleUnsubscribe(sc, msg.ID)

	case msgTypeConnectionTerminate:
		h.handleConnectionTerminate(sc)

	case msgTypePong:
		// Ignore pong messages.
	}
}

// handleConnectionInit authenticates the connection and acknowledges it.
// A bad token closes the socket with the protocol's 4403 close code.
func (h *Handler) handleConnectionInit(ctx context.Context, sc *subscriptionConn, msg *wsMessage) {
	var payload initPayload
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &payload)
	}

	var identity auth.Identity
	if payload.Token != "" && h.verifier != nil {
		verified, err := h.verifier.Verify(ctx, payload.Token)
		if err != nil {
			h.log.Debug("graphql auth failed", "connId", sc.id, "error", err)
			_ = sc.conn.Close(websocket.StatusCode(4403), "Forbidden")
			return
		}
		identity = verified
	}

	sc.mu.Lock()
	sc.initialized = true
	sc.identity = identity
	sc.mu.Unlock()

	_ = h.sendMessage(sc, &wsMessage{Type: msgTypeConnectionAck})
	if sc.protocol == protocolLegacy {
		_ = h.sendMessage(sc, &wsMessage{Type: msgTypeConnectionKeepAlive})
	}
}

// handleSubscribe resolves a subscription request into a broker stream and
// starts pumping it. Authorisation runs before anything touches the broker.
func (h *Handler) handleSubscribe(ctx context.Context, sc *subscriptionConn, subID string, payload json.RawMessage) {
	if subID == "" {
		h.sendError(sc, "", "subscription id is required")
		return
	}

	sc.mu.Lock()
	initialized := sc.initialized
	identity := sc.identity
	sc.mu.Unlock()
	if !initialized {
		h.sendError(sc, subID, "connection not initialised")
		return
	}

	var subPayload subscribePayload
	if err := json.Unmarshal(payload, &subPayload); err != nil {
		h.sendError(sc, subID, "invalid subscription payload")
		return
	}

	op, err := parseSubscription(h.schema, subPayload.Query, subPayload.OperationName, subPayload.Variables)
	if err != nil {
		h.sendError(sc, subID, err.Error())
		return
	}

	spec, ok := h.fields[op.Field]
	if !ok {
		h.sendError(sc, subID, fmt.Sprintf("%s: %s", ErrUnknownField, op.Field))
		return
	}

	// Every field requires an authenticated connection; field rules
	// (ownership checks) come on top.
	if identity.UserID == "" {
		h.sendError(sc, subID, ErrUnauthorized.Error())
		return
	}
	topic, err := spec.topicFor(op.Args, identity)
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			h.sendError(sc, subID, ErrForbidden.Error())
		} else {
			h.sendError(sc, subID, err.Error())
		}
		return
	}

	subCtx, cancel := context.WithCancel(ctx)

	sc.mu.Lock()
	if _, exists := sc.subs[subID]; exists {
		sc.mu.Unlock()
		cancel()
		h.sendError(sc, subID, "subscription already exists")
		return
	}
	sc.subs[subID] = cancel
	sc.mu.Unlock()

	stream := NewStream(h.broker, topic, spec.extract, h.log)
	h.log.Debug("graphql subscription started",
		"connId", sc.id, "subscriptionId", subID, "field", op.Field, "topic", topic)

	go h.pump(subCtx, sc, subID, op.Field, stream)
}

// pump forwards stream payloads to the client until the stream or the
// subscription context ends. The stream's broker subscription is released
// on every exit path.
func (h *Handler) pump(ctx context.Context, sc *subscriptionConn, subID, field string, stream *Stream) {
	defer func() {
		stream.Close()
		h.sendComplete(sc, subID)

		sc.mu.Lock()
		delete(sc.subs, subID)
		sc.mu.Unlock()
	}()

	for {
		payload, err := stream.Next(ctx)
		if err != nil {
			return
		}
		h.sendNext(sc, subID, map[string]any{field: payload})
	}
}

// handleUnsubscribe cancels one subscription.
func (h *Handler) handleUnsubscribe(sc *subscriptionConn, subID string) {
	sc.mu.Lock()
	cancel, exists := sc.subs[subID]
	if exists {
		delete(sc.subs, subID)
	}
	sc.mu.Unlock()

	if exists && cancel != nil {
		cancel()
	}
}

// handleConnectionTerminate cancels everything and closes the socket
// (legacy protocol).
func (h *Handler) handleConnectionTerminate(sc *subscriptionConn) {
	sc.mu.Lock()
	for _, cancel := range sc.subs {
		cancel()
	}
	sc.subs = make(map[string]context.CancelFunc)
	sc.mu.Unlock()

	_ = sc.conn.Close(websocket.StatusNormalClosure, "connection terminated")
}

// sendMessage writes one envelope with a bounded write timeout.
func (h *Handler) sendMessage(sc *subscriptionConn, msg *wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sc.conn.Write(ctx, websocket.MessageText, data)
}

// sendNext sends a next (modern) or data (legacy) message.
func (h *Handler) sendNext(sc *subscriptionConn, subID string, data any) {
	msgType := msgTypeNext
	if sc.protocol == protocolLegacy {
		msgType = msgTypeData
	}

	payload, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		h.log.Warn("subscription payload encode failed", "connId", sc.id, "error", err)
		return
	}
	_ = h.sendMessage(sc, &wsMessage{ID: subID, Type: msgType, Payload: payload})
}

// sendError sends an error message. Both protocols use the "error" type.
func (h *Handler) sendError(sc *subscriptionConn, subID, message string) {
	payload, _ := json.Marshal([]gqlError{{Message: message}})
	_ = h.sendMessage(sc, &wsMessage{ID: subID, Type: msgTypeError, Payload: payload})
}

// sendComplete signals the end of one subscription.
func (h *Handler) sendComplete(sc *subscriptionConn, subID string) {
	_ = h.sendMessage(sc, &wsMessage{ID: subID, Type: msgTypeComplete})
}

// ConnectionCount returns the number of active connections.
func (h *Handler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriptionCount returns active subscriptions across all connections.
func (h *Handler) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, sc := range h.conns {
		sc.mu.Lock()
		count += len(sc.subs)
		sc.mu.Unlock()
	}
	return count
}

// CloseAll cancels every stream and closes every connection.
func (h *Handler) CloseAll(reason string) {
	h.mu.Lock()
	conns := make([]*subscriptionConn, 0, len(h.conns))
	for _, sc := range h.conns {
		conns = append(conns, sc)
	}
	h.mu.Unlock()

	for _, sc := range conns {
		sc.mu.Lock()
		for _, cancel := range sc.subs {
			cancel()
		}
		sc.mu.Unlock()
		_ = sc.conn.Close(websocket.StatusGoingAway, reason)
	}
}
