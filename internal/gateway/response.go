package gateway

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matst80/vncrelay/internal/web"
)

const errorWriteTimeout = 5 * time.Second

type errorPage struct {
	VM      string
	Message string
	Header  map[string]string
}

// writeError answers a connection that will not be upgraded and closes it.
func writeError(c net.Conn, status int, p errorPage) {
	defer c.Close()
	_ = c.SetWriteDeadline(time.Now().Add(errorWriteTimeout))
	var body bytes.Buffer
	contentType := "text/html; charset=utf-8"
	err := web.Render(&body, "error", map[string]any{
		"Status":     status,
		"StatusText": http.StatusText(status),
		"VM":         p.VM,
		"Message":    p.Message,
	})
	if err != nil {
		body.Reset()
		body.WriteString(http.StatusText(status))
		contentType = "text/plain; charset=utf-8"
	}
	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&head, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&head, "Content-Length: %d\r\n", body.Len())
	head.WriteString("Cache-Control: no-store\r\nConnection: close\r\n")
	for k, v := range p.Header {
		fmt.Fprintf(&head, "%s: %s\r\n", k, v)
	}
	head.WriteString("\r\n")
	_, _ = c.Write(append(head.Bytes(), body.Bytes()...))
}
