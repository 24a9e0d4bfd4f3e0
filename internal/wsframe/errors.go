package wsframe

import (
	"errors"
	"fmt"
)

// ErrIncomplete means the buffer holds only a prefix of a frame. It is not a protocol error.
var ErrIncomplete = errors.New("wsframe: incomplete frame")

// ErrProtocolViolation is wrapped by every decode failure other than ErrIncomplete.
// Peers that send one must be closed with CloseProtocolError.
var ErrProtocolViolation = errors.New("wsframe: protocol violation")

var (
	ErrUnmasked          = fmt.Errorf("%w: client frame is not masked", ErrProtocolViolation)
	ErrReservedOpcode    = fmt.Errorf("%w: reserved opcode", ErrProtocolViolation)
	ErrReservedBits      = fmt.Errorf("%w: reserved bits set", ErrProtocolViolation)
	ErrControlFragmented = fmt.Errorf("%w: fragmented control frame", ErrProtocolViolation)
	ErrControlTooLarge   = fmt.Errorf("%w: control frame payload over 125 bytes", ErrProtocolViolation)
	ErrBadLength         = fmt.Errorf("%w: invalid 64-bit payload length", ErrProtocolViolation)
	ErrFrameTooLarge     = fmt.Errorf("%w: frame too large", ErrProtocolViolation)
	ErrBadClosePayload   = fmt.Errorf("%w: invalid close payload", ErrProtocolViolation)
)
