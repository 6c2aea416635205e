package tcp

import "errors"

// Error is a simple error type for connection and session errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for connection management and session handling.
var (
	// ErrConnectionNotFound is returned when an operation targets a
	// connection the manager no longer tracks.
	ErrConnectionNotFound = Error("connection not found")

	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = Error("connection closed")

	// ErrConnectionLimit is returned when the global connection cap
	// is reached.
	ErrConnectionLimit = Error("connection limit reached")

	// ErrIPLimit is returned when the per-IP connection cap is reached.
	// Checked before the global cap so callers can distinguish the two.
	ErrIPLimit = Error("per-ip connection limit reached")

	// ErrNotAuthenticated is returned for operations that require a
	// completed AUTH exchange.
	ErrNotAuthenticated = Error("authentication required")

	// ErrAlreadyAuthenticated is returned for a second AUTH on an
	// authenticated connection. Authentication is one-way per connection.
	ErrAlreadyAuthenticated = Error("already authenticated")

	// ErrAlreadySubscribed is returned when a connection subscribes to a
	// topic it already holds a subscription for.
	ErrAlreadySubscribed = Error("already subscribed to topic")

	// ErrNotSubscribed is returned when unsubscribing from a topic the
	// connection is not subscribed to.
	ErrNotSubscribed = Error("not subscribed to topic")

	// ErrRateLimited is returned when a publish exceeds the connection's
	// publish rate limit.
	ErrRateLimited = Error("publish rate limit exceeded")
)

// Protocol error codes carried in ERROR payloads. Shared by the TCP and
// WebSocket sessions.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeConflict           = "CONFLICT"
	CodeFrameTooLarge      = "FRAME_TOO_LARGE"
	CodeInvalidMessageType = "INVALID_MESSAGE_TYPE"
	CodeInvalidFrame       = "INVALID_FRAME"
	CodeDependencyError    = "DEPENDENCY_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL"
)

// CodeForError maps a session error to its protocol error code.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return CodeUnauthorized
	case errors.Is(err, ErrAlreadyAuthenticated),
		errors.Is(err, ErrAlreadySubscribed),
		errors.Is(err, ErrConnectionLimit),
		errors.Is(err, ErrIPLimit):
		return CodeConflict
	case errors.Is(err, ErrNotSubscribed), errors.Is(err, ErrConnectionNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
