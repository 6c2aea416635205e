package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// Codec encodes typed messages into frames and decodes frames back.
// Stateless and safe for concurrent use.
type Codec struct {
	maxFrameSize int
}

// NewCodec creates a codec. maxFrameSize bounds type byte + payload; zero or
// negative selects DefaultMaxFrameSize.
func NewCodec(maxFrameSize int) *Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{maxFrameSize: maxFrameSize}
}

// Encode serialises data as JSON and wraps it in a frame. A nil data encodes
// an empty payload. Fails with ErrFrameTooLarge when 1 + len(payload)
// exceeds the maximum, and ErrInvalidMessageType for types outside the
// valid set.
func (c *Codec) Encode(typ MsgType, data any) ([]byte, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidMessageType, uint8(typ))
	}

	var payload []byte
	if data != nil {
		var err error
		payload, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
	}

	frameSize := 1 + len(payload)
	if frameSize > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, frameSize, c.maxFrameSize)
	}

	out := make([]byte, 4+frameSize)
	binary.BigEndian.PutUint32(out[:4], uint32(frameSize))
	out[4] = byte(typ)
	copy(out[headerLen:], payload)
	return out, nil
}

// Decode validates a parsed frame and returns the typed message. The type
// byte is re-checked (defence against callers constructing frames by hand)
// and the payload must be empty or valid JSON. Per-type field validation is
// the handler's job.
func (c *Codec) Decode(frame Frame) (Message, error) {
	if !frame.Type.Valid() {
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrInvalidMessageType, uint8(frame.Type))
	}
	if len(frame.Payload) > 0 && !json.Valid(frame.Payload) {
		return Message{}, fmt.Errorf("%w: malformed JSON payload", ErrInvalidFrame)
	}
	return Message{Type: frame.Type, Data: json.RawMessage(frame.Payload)}, nil
}

// EncodeError builds an ERROR frame.
func (c *Codec) EncodeError(code, message string, details any) ([]byte, error) {
	return c.Encode(TypeError, ErrorPayload{Code: code, Message: message, Details: details})
}

// EncodeAuthSuccess builds an AUTH_SUCCESS frame.
func (c *Codec) EncodeAuthSuccess(userID, message string) ([]byte, error) {
	return c.Encode(TypeAuthSuccess, AuthSuccessPayload{UserID: userID, Message: message})
}

// EncodeAuthError builds an AUTH_ERROR frame.
func (c *Codec) EncodeAuthError(message, code string) ([]byte, error) {
	return c.Encode(TypeAuthError, AuthErrorPayload{Message: message, Code: code})
}

// EncodeSubscribed builds a SUBSCRIBED frame.
func (c *Codec) EncodeSubscribed(topic, subscriptionID string) ([]byte, error) {
	return c.Encode(TypeSubscribed, SubscribedPayload{Topic: topic, SubscriptionID: subscriptionID})
}

// EncodeUnsubscribed builds an UNSUBSCRIBED frame.
func (c *Codec) EncodeUnsubscribed(topic string) ([]byte, error) {
	return c.Encode(TypeUnsubscribed, UnsubscribedPayload{Topic: topic})
}

// EncodeServerMessage builds a SERVER_MESSAGE frame. The timestamp is
// rendered as RFC 3339 UTC.
func (c *Codec) EncodeServerMessage(topic string, content any, ts time.Time) ([]byte, error) {
	return c.Encode(TypeServerMessage, ServerMessagePayload{
		Topic:     topic,
		Content:   content,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
}

// EncodePing builds a PING frame.
func (c *Codec) EncodePing(ts time.Time) ([]byte, error) {
	return c.Encode(TypePing, PingPayload{Timestamp: ts.UnixMilli()})
}

// EncodePong builds a PONG frame.
func (c *Codec) EncodePong(ts time.Time) ([]byte, error) {
	return c.Encode(TypePong, PongPayload{Timestamp: ts.UnixMilli()})
}
