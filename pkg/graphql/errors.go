package graphql

// Error is a simple error type for subscription errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for subscription resolution and streaming.
var (
	// ErrUnauthorized is returned when a subscription requires an
	// authenticated connection and none is present.
	ErrUnauthorized = Error("Unauthorized")

	// ErrForbidden is returned when the authenticated user may not
	// subscribe to the requested stream.
	ErrForbidden = Error("Forbidden")

	// ErrUnknownField is returned for subscription fields outside the
	// schema's Subscription type.
	ErrUnknownField = Error("unknown subscription field")

	// ErrNotSubscription is returned when the operation is a query or
	// mutation; this endpoint serves subscriptions only.
	ErrNotSubscription = Error("operation is not a subscription")

	// ErrStreamClosed is returned by Next after the stream is closed.
	ErrStreamClosed = Error("stream closed")
)
