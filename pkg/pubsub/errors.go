package pubsub

// Error is a simple error type for pub/sub errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for pub/sub operations.
var (
	// ErrNotConnected is returned when an operation is attempted on an
	// adapter that is not connected.
	ErrNotConnected = Error("adapter is not connected")

	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = Error("handler cannot be nil")

	// ErrInvalidTopic is returned when publishing to a topic that contains
	// wildcard tokens. Publications must be concrete.
	ErrInvalidTopic = Error("topic must not contain wildcards")

	// ErrInvalidFilter is returned when a subscription filter expression
	// fails to compile.
	ErrInvalidFilter = Error("invalid filter expression")

	// ErrEncodePayload is returned by the MQTT adapter when a payload
	// cannot be serialised for the wire.
	ErrEncodePayload = Error("payload is not serialisable")
)
