package wire

import (
	"encoding/json"
	"fmt"
)

// MsgType is the one-byte frame type.
type MsgType uint8

// The closed set of frame types.
const (
	TypeAuth          MsgType = 0x01
	TypeAuthSuccess   MsgType = 0x02
	TypeAuthError     MsgType = 0x03
	TypeSubscribe     MsgType = 0x10
	TypeUnsubscribe   MsgType = 0x11
	TypeSubscribed    MsgType = 0x12
	TypeUnsubscribed  MsgType = 0x13
	TypeMessage       MsgType = 0x20
	TypeServerMessage MsgType = 0x21
	TypePing          MsgType = 0x30
	TypePong          MsgType = 0x31
	TypeError         MsgType = 0xFF
)

var typeNames = map[MsgType]string{
	TypeAuth:          "AUTH",
	TypeAuthSuccess:   "AUTH_SUCCESS",
	TypeAuthError:     "AUTH_ERROR",
	TypeSubscribe:     "SUBSCRIBE",
	TypeUnsubscribe:   "UNSUBSCRIBE",
	TypeSubscribed:    "SUBSCRIBED",
	TypeUnsubscribed:  "UNSUBSCRIBED",
	TypeMessage:       "MESSAGE",
	TypeServerMessage: "SERVER_MESSAGE",
	TypePing:          "PING",
	TypePong:          "PONG",
	TypeError:         "ERROR",
}

// Valid reports whether t is in the closed set of frame types.
func (t MsgType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// String returns the protocol name of the type.
func (t MsgType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Frame is a complete frame produced by the Parser: the type byte plus the
// raw payload bytes. The payload has not been JSON-validated yet.
type Frame struct {
	Type    MsgType
	Payload []byte
}

// Message is a decoded frame: the type plus its JSON payload. Field-level
// unmarshalling into the per-type payload structs is left to the handler.
type Message struct {
	Type MsgType
	Data json.RawMessage
}

// AuthPayload is the client's AUTH request.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthSuccessPayload acknowledges a successful AUTH.
type AuthSuccessPayload struct {
	UserID  string `json:"userId"`
	Message string `json:"message,omitempty"`
}

// AuthErrorPayload reports a failed AUTH.
type AuthErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// SubscribePayload is the client's SUBSCRIBE request.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// SubscribedPayload acknowledges a SUBSCRIBE.
type SubscribedPayload struct {
	Topic          string `json:"topic"`
	SubscriptionID string `json:"subscriptionId"`
}

// UnsubscribePayload is the client's UNSUBSCRIBE request.
type UnsubscribePayload struct {
	Topic string `json:"topic"`
}

// UnsubscribedPayload acknowledges an UNSUBSCRIBE.
type UnsubscribedPayload struct {
	Topic string `json:"topic"`
}

// MessagePayload is a client publish.
type MessagePayload struct {
	Topic   string `json:"topic"`
	Content any    `json:"content"`
}

// ServerMessagePayload is a broker delivery pushed to the client.
type ServerMessagePayload struct {
	Topic     string `json:"topic"`
	Content   any    `json:"content"`
	Timestamp string `json:"timestamp"`
}

// PingPayload carries the sender's clock. Both directions use it.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload echoes a PING.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload is a typed protocol error sent to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
