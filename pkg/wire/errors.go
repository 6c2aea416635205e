package wire

// Error is a sentinel error type for wire protocol errors.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

const (
	// ErrFrameTooLarge is returned when a frame exceeds the configured
	// maximum size. The parser buffer is cleared; the connection should be
	// closed by the caller.
	ErrFrameTooLarge = Error("frame exceeds maximum size")

	// ErrInvalidMessageType is returned when a frame carries a type byte
	// outside the valid set. The offending frame is skipped; the stream
	// stays in sync.
	ErrInvalidMessageType = Error("invalid message type")

	// ErrInvalidFrame is returned when a frame payload is not valid JSON.
	ErrInvalidFrame = Error("invalid frame payload")
)
