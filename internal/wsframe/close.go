package wsframe

import (
	"encoding/binary"
	"fmt"
)

// Close status codes used by the relay (RFC 6455 section 7.4.1).
const (
	CloseNormal        uint16 = 1000
	CloseGoingAway     uint16 = 1001
	CloseProtocolError uint16 = 1002
	CloseNoStatus      uint16 = 1005
	CloseInternalError uint16 = 1011
)

// EncodeClose builds a Close frame carrying code and an optional reason.
func EncodeClose(code uint16, reason string) []byte {
	payload := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), code)
	payload = append(payload, reason...)
	return EncodeControl(OpClose, payload)
}

// CloseCode extracts the status code of a Close payload, or CloseNoStatus when absent.
func CloseCode(payload []byte) uint16 {
	if len(payload) < 2 {
		return CloseNoStatus
	}
	return binary.BigEndian.Uint16(payload)
}

// CloseReason returns the UTF-8 reason that follows the status code, if any.
func CloseReason(payload []byte) string {
	if len(payload) <= 2 {
		return ""
	}
	return string(payload[2:])
}

// ParseClose validates an inbound Close payload and returns its status code. An empty payload yields
// CloseNoStatus. A 1-byte body or a code that may not appear on the wire is ErrBadClosePayload.
func ParseClose(payload []byte) (uint16, error) {
	switch len(payload) {
	case 0:
		return CloseNoStatus, nil
	case 1:
		return 0, fmt.Errorf("%w: 1-byte body", ErrBadClosePayload)
	}
	code := CloseCode(payload)
	if !validWireCode(code) {
		return 0, fmt.Errorf("%w: code %d", ErrBadClosePayload, code)
	}
	return code, nil
}

// validWireCode reports whether code may be sent in a Close frame (RFC 6455 section 7.4).
func validWireCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}
