package route

import (
	"errors"
	"net/url"
	"strings"
)

// DefaultPrefix is the path under which console pages open VNC sockets.
const DefaultPrefix = "/vnc_ws/"

var (
	ErrNoMatch = errors.New("route: path outside relay prefix")
	ErrBadName = errors.New("route: invalid vm name")
)

// ExtractVM returns the VM identifier from a request path such as /vnc_ws/web01. The prefix must
// end with a slash. Query strings are ignored and percent-encoding is decoded. Names may not
// contain further path segments.
func ExtractVM(uri, prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	path := uri
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return "", ErrNoMatch
	}
	rest = strings.TrimSuffix(rest, "/")
	name, err := url.PathUnescape(rest)
	if err != nil || name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", ErrBadName
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", ErrBadName
		}
	}
	return name, nil
}
