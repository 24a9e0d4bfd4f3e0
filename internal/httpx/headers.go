package httpx

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrHeaderTooLarge is returned when the request head exceeds the configured limit.
var ErrHeaderTooLarge = errors.New("httpx: request header too large")

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// RequestHead is a parsed HTTP/1.x request line + headers read off a raw connection.
type RequestHead struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *RequestHead) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Values returns every value of name in wire order.
func (p *RequestHead) Values(name string) []string {
	var out []string
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// HasToken reports whether any comma-separated element of the named header equals token,
// ignoring case and surrounding whitespace ("keep-alive, Upgrade" contains "upgrade").
func (p *RequestHead) HasToken(name, token string) bool {
	for _, v := range p.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// Path is the request URI without its query string.
func (p *RequestHead) Path() string {
	if i := strings.IndexByte(p.URI, '?'); i >= 0 {
		return p.URI[:i]
	}
	return p.URI
}

// ParseRequest reads from r until the blank line ending the request head, or fails once more than
// max bytes were consumed. Bytes after the head stay buffered in r for the caller.
func ParseRequest(r *bufio.Reader, max int) (*RequestHead, error) {
	total := 0
	readLine := func() (string, error) {
		line, err := r.ReadString('\n')
		total += len(line)
		if total > max {
			return "", fmt.Errorf("%w (%d>%d)", ErrHeaderTooLarge, total, max)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && line != "" {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	reqLine, err := readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Split(reqLine, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("bad request line: %q", reqLine)
	}
	if !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, fmt.Errorf("unsupported protocol: %q", parts[2])
	}
	ph := &RequestHead{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		if line == "" { // end
			return ph, nil
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed
		}
		ph.Headers = append(ph.Headers, Header{Name: line[:colon], Value: strings.TrimSpace(line[colon+1:])})
	}
}

// ClientIP returns the originating address: the first X-Forwarded-For entry when trustProxy is set
// and the header is present, otherwise the host part of the connection's remote address.
func (p *RequestHead) ClientIP(c net.Conn, trustProxy bool) string {
	if trustProxy {
		if xff := p.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	return RemoteIPFromConn(c)
}

// RemoteIPFromConn extracts IP portion from remote address.
func RemoteIPFromConn(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
