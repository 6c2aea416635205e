// Package wire implements the framed TCP protocol: length-prefixed binary
// frames carrying a type byte and a UTF-8 JSON payload.
//
// A frame on the wire is:
//
//	[4-byte big-endian length][1-byte type][payload]
//
// where length = 1 + len(payload) and excludes itself. The Parser
// defragments an inbound byte stream into complete frames; the Codec
// converts frames to and from typed messages. The parser checks only the
// type byte; JSON well-formedness is the codec's job, and per-type field
// validation belongs to the session handler.
package wire
