package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	websocket "github.com/coder/websocket"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/metrics"
	"github.com/getrelayd/relayd/pkg/pubsub"
	"github.com/getrelayd/relayd/pkg/tcp"
)

// Config configures the WebSocket endpoint.
type Config struct {
	// MaxMessageSize bounds inbound text frames (default: 1 MiB).
	MaxMessageSize int64

	// WriteTimeout bounds each outbound write (default: 10s).
	WriteTimeout time.Duration

	// OriginPatterns restricts the Origin header during the handshake.
	// Empty allows any origin.
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Endpoint upgrades HTTP requests to WebSocket sessions. Sessions share the
// TCP transport's connection manager and handler: the state machine,
// authorisation, and subscription semantics are identical, only the
// rendering differs (JSON text messages instead of binary frames).
type Endpoint struct {
	cfg     Config
	handler *tcp.Handler
	log     *slog.Logger
}

// Interface compliance check.
var _ http.Handler = (*Endpoint)(nil)

// NewEndpoint creates a WebSocket endpoint on top of the shared session
// handler.
func NewEndpoint(cfg Config, handler *tcp.Handler, log *slog.Logger) *Endpoint {
	if log == nil {
		log = logging.Nop()
	}
	return &Endpoint{cfg: cfg.withDefaults(), handler: handler, log: log}
}

// ServeHTTP implements http.Handler.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	}
	if len(e.cfg.OriginPatterns) > 0 {
		opts.OriginPatterns = e.cfg.OriginPatterns
	} else {
		opts.InsecureSkipVerify = true
	}

	wsConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		e.log.Debug("websocket accept failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}
	wsConn.SetReadLimit(e.cfg.MaxMessageSize)

	sock := &wsSocket{
		conn:         wsConn,
		addr:         wsAddr(r.RemoteAddr),
		writeTimeout: e.cfg.WriteTimeout,
	}

	conn, err := e.handler.Manager().Add(sock, tcp.TransportWebSocket)
	if err != nil {
		e.log.Info("websocket connection rejected", "remoteAddr", r.RemoteAddr, "error", err)
		if payload, encErr := json.Marshal(ErrorMessage{Type: TypeError, Code: tcp.CodeForError(err), Message: err.Error()}); encErr == nil {
			_ = sock.Write(payload)
		}
		_ = wsConn.Close(websocket.StatusTryAgainLater, "connection limit reached")
		return
	}

	go e.session(conn, wsConn)
}

// session is the single reader for one WebSocket connection.
func (e *Endpoint) session(conn *tcp.Conn, wsConn *websocket.Conn) {
	connID := conn.ID()
	defer func() {
		_ = conn.Close()
		e.handler.Disconnect(connID)
		e.log.Debug("websocket session closed", "connId", connID)
	}()

	ctx := context.Background()
	for {
		typ, data, err := wsConn.Read(ctx)
		if err != nil {
			return
		}

		conn.Touch()
		e.countInbound()

		if typ != websocket.MessageText {
			e.sendError(conn, tcp.CodeInvalidFrame, "text frames required", nil)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			e.sendError(conn, tcp.CodeInvalidFrame, "malformed message", nil)
			continue
		}

		e.dispatch(ctx, conn, msg)
	}
}

func (e *Endpoint) dispatch(ctx context.Context, conn *tcp.Conn, msg ClientMessage) {
	switch msg.Type {
	case TypeAuth:
		e.handleAuth(ctx, conn, msg)
	case TypeSubscribe:
		e.handleSubscribe(ctx, conn, msg)
	case TypeUnsubscribe:
		e.handleUnsubscribe(ctx, conn, msg)
	case TypeMessage:
		e.handlePublish(ctx, conn, msg)
	case TypePing:
		e.send(conn, PongMessage{Type: TypePong, Timestamp: msg.Timestamp})
	default:
		e.sendError(conn, tcp.CodeInvalidMessageType, "Unknown message type", msg.Type)
	}
}

func (e *Endpoint) handleAuth(ctx context.Context, conn *tcp.Conn, msg ClientMessage) {
	user, err := e.handler.Authenticate(ctx, conn.ID(), msg.Token, tcp.TransportWebSocket)
	if err != nil {
		e.send(conn, AuthErrorMessage{
			Type:    TypeAuthError,
			Message: tcp.AuthErrorMessage(err),
			Code:    tcp.CodeForAuthError(err),
		})
		return
	}
	e.send(conn, AuthSuccessMessage{Type: TypeAuthSuccess, UserID: user.ID})
}

func (e *Endpoint) handleSubscribe(ctx context.Context, conn *tcp.Conn, msg ClientMessage) {
	if msg.Topic == "" {
		e.sendError(conn, tcp.CodeInvalidInput, "subscribe requires a topic", nil)
		return
	}

	subID, err := e.handler.Subscribe(ctx, conn.ID(), msg.Topic, msg.Filter, e.forwarder(conn.ID()))
	if err != nil {
		e.replyError(conn, err, "Subscribe failed")
		return
	}
	e.send(conn, SubscribedMessage{Type: TypeSubscribed, Topic: msg.Topic, SubscriptionID: subID})
}

func (e *Endpoint) handleUnsubscribe(ctx context.Context, conn *tcp.Conn, msg ClientMessage) {
	if msg.Topic == "" {
		e.sendError(conn, tcp.CodeInvalidInput, "unsubscribe requires a topic", nil)
		return
	}

	if err := e.handler.Unsubscribe(ctx, conn.ID(), msg.Topic); err != nil {
		e.replyError(conn, err, "Unsubscribe failed")
		return
	}
	e.send(conn, UnsubscribedMessage{Type: TypeUnsubscribed, Topic: msg.Topic})
}

func (e *Endpoint) handlePublish(ctx context.Context, conn *tcp.Conn, msg ClientMessage) {
	if msg.Topic == "" || len(msg.Data) == 0 {
		e.sendError(conn, tcp.CodeInvalidInput, "message requires topic and data", nil)
		return
	}

	var data any
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		e.sendError(conn, tcp.CodeInvalidInput, "message data must be valid JSON", nil)
		return
	}

	if _, err := e.handler.Publish(ctx, conn.ID(), msg.Topic, data, msg.Metadata, tcp.TransportWebSocket); err != nil {
		e.replyError(conn, err, "Publish failed")
	}
}

// forwarder builds the broker handler that pushes deliveries to the
// connection as JSON message frames.
func (e *Endpoint) forwarder(connID string) pubsub.Handler {
	return func(msg pubsub.Message) {
		payload, err := json.Marshal(ServerMessage{
			Type:      TypeMessage,
			Topic:     msg.Topic,
			Data:      msg.Data,
			Metadata:  msg.Metadata,
			Timestamp: msg.PublishedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			e.log.Warn("delivery encode failed", "connId", connID, "topic", msg.Topic, "error", err)
			return
		}
		if e.handler.Manager().SendTo(connID, payload) {
			if metrics.DeliveriesTotal != nil {
				if vec, metricErr := metrics.DeliveriesTotal.WithLabels(tcp.TransportWebSocket); metricErr == nil {
					_ = vec.Inc()
				}
			}
		}
	}
}

// replyError maps a session error to its protocol code, mirroring the TCP
// handler's mapping.
func (e *Endpoint) replyError(conn *tcp.Conn, err error, fallbackMsg string) {
	code := tcp.CodeForError(err)
	msg := err.Error()
	if errors.Is(err, pubsub.ErrNotConnected) {
		code = tcp.CodeDependencyError
		msg = fallbackMsg
	} else if errors.Is(err, pubsub.ErrInvalidFilter) || errors.Is(err, pubsub.ErrInvalidTopic) {
		code = tcp.CodeInvalidInput
	}
	e.sendError(conn, code, msg, nil)
}

func (e *Endpoint) sendError(conn *tcp.Conn, code, message string, details any) {
	if metrics.ErrorsTotal != nil {
		if vec, err := metrics.ErrorsTotal.WithLabels(code); err == nil {
			_ = vec.Inc()
		}
	}
	e.send(conn, ErrorMessage{Type: TypeError, Code: code, Message: message, Details: details})
}

func (e *Endpoint) send(conn *tcp.Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := conn.Send(payload); err != nil {
		e.log.Debug("websocket send failed", "connId", conn.ID(), "error", err)
	}
}

func (e *Endpoint) countInbound() {
	if metrics.MessagesTotal == nil {
		return
	}
	if vec, err := metrics.MessagesTotal.WithLabels(tcp.TransportWebSocket, "inbound"); err == nil {
		_ = vec.Inc()
	}
}
