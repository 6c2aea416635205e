package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultMaxFrameSize bounds length-prefix + payload (1 MiB).
const DefaultMaxFrameSize = 1 << 20

// headerLen is the length prefix plus the type byte.
const headerLen = 5

// ParserStats holds per-parser counters.
type ParserStats struct {
	FramesParsed   int64 `json:"framesParsed"`
	BytesProcessed int64 `json:"bytesProcessed"`
	Errors         int64 `json:"errors"`
}

// Parser defragments a byte stream into complete frames. It is stateful and
// single-owner: one parser per connection, never shared across goroutines.
type Parser struct {
	maxFrameSize int
	buf          []byte
	stats        ParserStats
}

// NewParser creates a parser. maxFrameSize bounds the length prefix value;
// zero or negative selects DefaultMaxFrameSize.
func NewParser(maxFrameSize int) *Parser {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Parser{maxFrameSize: maxFrameSize}
}

// Feed appends chunk to the internal buffer and extracts every complete
// frame. Frames parsed before an error are still returned.
//
// A frame whose declared size exceeds the maximum clears the buffer and
// fails with ErrFrameTooLarge: the stream cannot be trusted past that point
// and the caller should drop the connection. A frame with an unknown type
// byte is skipped in place and reported as ErrInvalidMessageType; the
// stream stays in sync and parsing continues.
func (p *Parser) Feed(chunk []byte) ([]Frame, error) {
	p.buf = append(p.buf, chunk...)
	p.stats.BytesProcessed += int64(len(chunk))

	var frames []Frame
	var errs []error

	for len(p.buf) >= 4 {
		frameSize := int(binary.BigEndian.Uint32(p.buf[:4]))
		if frameSize > p.maxFrameSize {
			p.buf = nil
			p.stats.Errors++
			errs = append(errs, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, frameSize, p.maxFrameSize))
			return frames, errors.Join(errs...)
		}
		if len(p.buf) < 4+frameSize {
			break
		}
		if frameSize < 1 {
			// A zero-length frame has no type byte. Skip it.
			p.buf = p.buf[4:]
			p.stats.Errors++
			errs = append(errs, fmt.Errorf("%w: empty frame", ErrInvalidMessageType))
			continue
		}

		typ := MsgType(p.buf[4])
		if !typ.Valid() {
			// One poisoned frame must not desync the stream.
			p.buf = p.buf[4+frameSize:]
			p.stats.Errors++
			errs = append(errs, fmt.Errorf("%w: 0x%02x", ErrInvalidMessageType, uint8(typ)))
			continue
		}

		payload := make([]byte, frameSize-1)
		copy(payload, p.buf[headerLen:4+frameSize])
		p.buf = p.buf[4+frameSize:]

		frames = append(frames, Frame{Type: typ, Payload: payload})
		p.stats.FramesParsed++
	}

	return frames, errors.Join(errs...)
}

// Buffered returns the number of bytes awaiting a complete frame.
func (p *Parser) Buffered() int { return len(p.buf) }

// Stats returns the parser's counters.
func (p *Parser) Stats() ParserStats { return p.stats }

// Reset clears the buffer and counters. Used when a connection is recycled
// or after an unrecoverable protocol error.
func (p *Parser) Reset() {
	p.buf = nil
	p.stats = ParserStats{}
}
