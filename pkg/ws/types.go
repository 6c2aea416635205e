package ws

import "encoding/json"

// Client-to-server message types.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMessage     = "message"
	TypePing        = "ping"
)

// Server-to-client message types.
const (
	TypeAuthSuccess  = "auth_success"
	TypeAuthError    = "auth_error"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
	TypePong         = "pong"
)

// ClientMessage is the inbound JSON envelope. The type string selects which
// fields are meaningful; unknown fields are ignored.
type ClientMessage struct {
	Type      string            `json:"type"`
	Token     string            `json:"token,omitempty"`
	Topic     string            `json:"topic,omitempty"`
	Filter    string            `json:"filter,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

// AuthSuccessMessage acknowledges a successful auth.
type AuthSuccessMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// AuthErrorMessage reports a failed auth.
type AuthErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// SubscribedMessage acknowledges a subscribe.
type SubscribedMessage struct {
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// UnsubscribedMessage acknowledges an unsubscribe.
type UnsubscribedMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// ServerMessage is a broker delivery pushed to the client.
type ServerMessage struct {
	Type      string            `json:"type"`
	Topic     string            `json:"topic"`
	Data      any               `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// ErrorMessage is a typed protocol error.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// PongMessage answers a ping, echoing the client's timestamp when present.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
