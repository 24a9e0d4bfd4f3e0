// Package handshake validates the WebSocket opening handshake and writes the 101 response.
package handshake

import (
	"crypto/sha1" // #nosec G505 - mandated by RFC 6455 section 1.3
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/matst80/vncrelay/internal/httpx"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrHandshake is wrapped by every validation failure; callers answer it with HTTP 400.
var ErrHandshake = errors.New("handshake: invalid upgrade request")

var (
	ErrMissingConnection = fmt.Errorf("%w: Connection header lacks upgrade token", ErrHandshake)
	ErrMissingUpgrade    = fmt.Errorf("%w: Upgrade header is not websocket", ErrHandshake)
	ErrMissingKey        = fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrHandshake)
)

// Validate checks the upgrade headers in order and returns the Sec-WebSocket-Accept value.
func Validate(req *httpx.RequestHead) (string, error) {
	if !req.HasToken("Connection", "upgrade") {
		return "", ErrMissingConnection
	}
	if !strings.EqualFold(strings.TrimSpace(req.Get("Upgrade")), "websocket") {
		return "", ErrMissingUpgrade
	}
	key := strings.TrimSpace(req.Get("Sec-WebSocket-Key"))
	if key == "" {
		return "", ErrMissingKey
	}
	return AcceptKey(key), nil
}

// AcceptKey derives the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New() // #nosec G401
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// WriteAccept writes the 101 Switching Protocols response. After it returns the connection carries
// WebSocket frames only.
func WriteAccept(w io.Writer, accept string) error {
	_, err := io.WriteString(w, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: "+accept+"\r\n\r\n")
	return err
}
