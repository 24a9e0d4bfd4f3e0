// Package wsframe decodes and encodes RFC 6455 WebSocket frames over in-memory buffers.
//
// Decoding never blocks and never reads: the caller owns the reassembly buffer and re-invokes
// Decode after every network read until it reports ErrIncomplete.
package wsframe

import (
	"encoding/binary"
	"fmt"
)

// Opcode is the 4-bit frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("reserved(0x%X)", byte(o))
}

// IsControl reports whether o is Close, Ping or Pong.
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

const (
	// MaxControlPayload is the RFC 6455 limit for Close/Ping/Pong payloads.
	MaxControlPayload = 125
	// DefaultMaxPayload bounds how large a single inbound frame may claim to be.
	DefaultMaxPayload = 32 * 1024 * 1024

	len16Marker = 126
	len64Marker = 127
)

// Frame is one decoded WebSocket frame. Payload is always unmasked and owned by the Frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// Decoder holds the validation policy for inbound frames.
// The zero value accepts unmasked frames and uses DefaultMaxPayload.
type Decoder struct {
	// RequireMask rejects frames without the MASK bit (client-to-server direction).
	RequireMask bool
	// MaxPayload rejects frames claiming a longer payload. Zero means DefaultMaxPayload.
	MaxPayload uint64
}

// Decode parses at most one frame from the start of buf and returns it with the number of bytes it
// occupied. It returns ErrIncomplete, consuming nothing, while buf holds only a prefix of a frame.
// Any other error wraps ErrProtocolViolation.
func (d Decoder) Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}
	b0, b1 := buf[0], buf[1]
	if b0&0x70 != 0 {
		return nil, 0, ErrReservedBits
	}
	f := &Frame{Fin: b0&0x80 != 0, Opcode: Opcode(b0 & 0x0F)}
	if !f.Opcode.valid() {
		return nil, 0, fmt.Errorf("%w: 0x%X", ErrReservedOpcode, byte(f.Opcode))
	}
	masked := b1&0x80 != 0
	if d.RequireMask && !masked {
		return nil, 0, ErrUnmasked
	}
	if f.Opcode.IsControl() && !f.Fin {
		return nil, 0, ErrControlFragmented
	}

	pos := 2
	length := uint64(b1 & 0x7F)
	switch length {
	case len16Marker:
		if len(buf) < pos+2 {
			return nil, 0, ErrIncomplete
		}
		length = uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
	case len64Marker:
		if len(buf) < pos+8 {
			return nil, 0, ErrIncomplete
		}
		length = binary.BigEndian.Uint64(buf[pos:])
		pos += 8
		if length&(1<<63) != 0 {
			return nil, 0, ErrBadLength
		}
	}
	if f.Opcode.IsControl() && length > MaxControlPayload {
		return nil, 0, ErrControlTooLarge
	}
	limit := d.MaxPayload
	if limit == 0 {
		limit = DefaultMaxPayload
	}
	if length > limit {
		return nil, 0, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, length, limit)
	}

	var mask [4]byte
	if masked {
		if len(buf) < pos+4 {
			return nil, 0, ErrIncomplete
		}
		copy(mask[:], buf[pos:pos+4])
		pos += 4
	}
	if uint64(len(buf)-pos) < length {
		return nil, 0, ErrIncomplete
	}
	end := pos + int(length)
	f.Payload = make([]byte, length)
	copy(f.Payload, buf[pos:end])
	if masked {
		ApplyMask(f.Payload, mask)
	}
	return f, end, nil
}

// ApplyMask XORs data in place with the 4-byte masking key. Applying it twice restores data.
func ApplyMask(data []byte, mask [4]byte) {
	for i := range data {
		data[i] ^= mask[i&3]
	}
}

// Encode wraps payload in a single final, unmasked binary frame.
func Encode(payload []byte) []byte {
	return appendFrame(make([]byte, 0, len(payload)+10), OpBinary, payload)
}

// EncodeControl builds an unmasked control frame. Payloads longer than MaxControlPayload are truncated.
func EncodeControl(op Opcode, payload []byte) []byte {
	if len(payload) > MaxControlPayload {
		payload = payload[:MaxControlPayload]
	}
	return appendFrame(make([]byte, 0, len(payload)+2), op, payload)
}

func appendFrame(dst []byte, op Opcode, payload []byte) []byte {
	n := uint64(len(payload))
	dst = append(dst, 0x80|byte(op))
	switch {
	case n < len16Marker:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, len16Marker)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, len64Marker)
		dst = binary.BigEndian.AppendUint64(dst, n)
	}
	return append(dst, payload...)
}
