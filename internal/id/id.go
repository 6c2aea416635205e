package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// UUID returns a random UUID v4 in the canonical
// xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx form. Used for message IDs, where
// global uniqueness matters but ordering does not.
func UUID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	// Version and variant bits per RFC 4122.
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// Short returns a 16-character random hex ID. Used for subscription and bus
// handler IDs, which only need to be unique within one process.
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ulidEncoding is Crockford's Base32; I, L, O and U are excluded to avoid
// ambiguity.
const ulidEncoding = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	ulidMu      sync.Mutex
	ulidLastMs  int64
	ulidCounter uint16
)

// ULID returns a 26-character ULID: 10 characters of millisecond timestamp
// followed by 16 of randomness, so IDs sort by creation time. Connection IDs
// use this so log output and stats listings read in accept order.
//
// Within one millisecond a counter is mixed into the random component; if
// the counter wraps, generation waits for the next millisecond.
func ULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()

	now := time.Now().UnixMilli()
	if now == ulidLastMs {
		ulidCounter++
		if ulidCounter == 0 {
			for now == ulidLastMs {
				time.Sleep(time.Millisecond)
				now = time.Now().UnixMilli()
			}
			ulidLastMs = now
		}
	} else {
		ulidLastMs = now
		ulidCounter = 0
	}

	return encodeULID(now, ulidCounter)
}

func encodeULID(ms int64, counter uint16) string {
	out := make([]byte, 26)

	// 48-bit timestamp across the first 10 characters.
	for i := 0; i < 10; i++ {
		shift := uint(5 * (9 - i))
		out[i] = ulidEncoding[(ms>>shift)&0x1f]
	}

	// 80 bits of randomness across the remaining 16 characters, with the
	// same-millisecond counter folded into the first two bytes.
	rnd := make([]byte, 10)
	_, _ = rand.Read(rnd)
	rnd[0] ^= byte(counter >> 8)
	rnd[1] ^= byte(counter)

	var acc uint32
	bits := 0
	pos := 10
	for _, b := range rnd {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out[pos] = ulidEncoding[(acc>>uint(bits))&0x1f]
			pos++
		}
	}

	return string(out)
}
