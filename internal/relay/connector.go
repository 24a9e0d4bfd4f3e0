package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/matst80/vncrelay/internal/obs"
	"github.com/matst80/vncrelay/internal/target"
)

// DefaultConnectTimeout bounds the backend dial.
const DefaultConnectTimeout = 5 * time.Second

// BackendDialer opens the per-session backend connection.
type BackendDialer interface {
	Connect(ctx context.Context, t target.Target) (net.Conn, error)
}

// Connector dials VNC servers over TCP. It never retries: an RFB session cannot be resumed blindly.
type Connector struct {
	Timeout time.Duration
}

func (c Connector) Connect(ctx context.Context, t target.Target) (net.Conn, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnreachable, t.Addr(), err)
	}
	obs.BackendConnectSeconds.Observe(time.Since(start).Seconds())
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
