package relay

import (
	"context"
	"errors"

	"github.com/matst80/vncrelay/internal/wsframe"
)

var (
	// ErrBackendUnreachable wraps dial failures to the VNC endpoint.
	ErrBackendUnreachable = errors.New("relay: backend unreachable")
	// ErrTransport wraps read/write failures on either socket after the session opened.
	ErrTransport = errors.New("relay: transport error")
)

// Kind labels why a session ended. It is the "kind" field of the termination log line, the
// terminations metric label and the history row.
type Kind string

const (
	KindClientClosed       Kind = "client_closed"
	KindBackendClosed      Kind = "backend_closed"
	KindProtocolViolation  Kind = "protocol_violation"
	KindTransportError     Kind = "transport_error"
	KindBackendUnreachable Kind = "backend_unreachable"
	KindShutdown           Kind = "shutdown"
)

// KindOf classifies a termination error.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindClientClosed
	case errors.Is(err, wsframe.ErrProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, ErrBackendUnreachable):
		return KindBackendUnreachable
	case errors.Is(err, context.Canceled):
		return KindShutdown
	}
	return KindTransportError
}
