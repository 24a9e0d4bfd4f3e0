// Package relay tunnels raw RFB bytes between a WebSocket client and a VNC server.
//
// A Session owns exactly one client connection (already past the 101 response) and exactly one
// backend TCP connection. Two pumps copy data in each direction and share a single cancellation
// signal; reads poll that signal through short read deadlines.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/vncrelay/internal/obs"
	"github.com/matst80/vncrelay/internal/proto"
	"github.com/matst80/vncrelay/internal/target"
	"github.com/matst80/vncrelay/internal/wsframe"
)

// State is the session lifecycle position.
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Options tunes a session. Zero fields take the defaults below.
type Options struct {
	// PollInterval is the read deadline used to re-check cancellation.
	PollInterval time.Duration
	// CloseGrace bounds how long Closing waits for the pumps before forcing the sockets shut.
	CloseGrace time.Duration
	// WriteTimeout is applied to every write on either socket.
	WriteTimeout time.Duration
	// ReadBufferSize is the backend read size; one read becomes one frame.
	ReadBufferSize int
	// MaxFrameSize rejects inbound frames that claim a larger payload.
	MaxFrameSize uint64
}

const (
	DefaultPollInterval   = 250 * time.Millisecond
	DefaultCloseGrace     = 2 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultReadBufferSize = 128 * 1024

	clientReadChunk = 32 * 1024
)

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = DefaultCloseGrace
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = wsframe.DefaultMaxPayload
	}
	return o
}

// Result summarizes a finished session.
type Result struct {
	Kind     Kind
	Err      error
	BytesIn  int64 // client to backend
	BytesOut int64 // backend to client
	Duration time.Duration
}

var errCloseSent = errors.New("relay: close frame already sent")

// Session is one browser tab tunnelled to one VNC server.
type Session struct {
	ID     string
	VM     string
	Remote string
	Target target.Target
	Opened time.Time

	opts    Options
	decoder wsframe.Decoder
	client  net.Conn
	clientR io.Reader
	backend net.Conn

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	kind     Kind  // set inside stopOnce
	cause    error // set inside stopOnce

	// writeMu serializes frames to the client; both pumps write to it.
	writeMu   sync.Mutex
	closeSent bool

	closeClientOnce  sync.Once
	closeBackendOnce sync.Once

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	closedAt time.Time
}

// NewSession wraps a client connection that has just passed handshake validation. clientR must be
// the reader the request head was parsed from so buffered bytes are not lost; nil means client.
func NewSession(id, vm, remote string, client net.Conn, clientR io.Reader, opts Options) *Session {
	if clientR == nil {
		clientR = client
	}
	opts = opts.withDefaults()
	return &Session{
		ID:      id,
		VM:      vm,
		Remote:  remote,
		opts:    opts,
		decoder: wsframe.Decoder{RequireMask: true, MaxPayload: opts.MaxFrameSize},
		client:  client,
		clientR: clientR,
		stop:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Info is the registry view of the session.
func (s *Session) Info() proto.SessionInfo {
	return proto.SessionInfo{ID: s.ID, VM: s.VM, Target: s.Target.Addr(), Remote: s.Remote, OpenedAt: s.Opened}
}

// Connect opens the backend connection and moves the session to Open. On failure the client gets a
// best-effort Close(1011), its connection is closed and the session is Closed.
func (s *Session) Connect(ctx context.Context, d BackendDialer, t target.Target) error {
	s.Target = t
	conn, err := d.Connect(ctx, t)
	if err != nil {
		s.sendClose(wsframe.CloseInternalError, "backend unreachable")
		s.terminate(KindBackendUnreachable, err)
		s.closeTransports()
		s.closedAt = time.Now()
		s.state.Store(int32(StateClosed))
		return err
	}
	s.backend = conn
	s.Opened = time.Now()
	s.state.Store(int32(StateOpen))
	return nil
}

// Run relays until either side terminates or ctx is cancelled, then closes both connections.
// It always returns with the session Closed.
func (s *Session) Run(ctx context.Context) Result {
	if s.State() != StateOpen {
		s.terminate(KindTransportError, fmt.Errorf("%w: session is %s", ErrTransport, s.State()))
		s.closeTransports()
		s.state.Store(int32(StateClosed))
		return s.result()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.pumpClient() }()
	go func() { defer wg.Done(); s.pumpBackend() }()
	pumpsDone := make(chan struct{})
	go func() { wg.Wait(); close(pumpsDone) }()

	shutdown := false
	select {
	case <-s.stop:
	case <-ctx.Done():
		s.terminate(KindShutdown, ctx.Err())
		shutdown = true
	}
	s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))

	// The grace period bounds everything from here on, including the Close write.
	grace := time.NewTimer(s.opts.CloseGrace)
	closeDone := make(chan struct{})
	go func() {
		defer close(closeDone)
		if shutdown {
			// Abort a data write stalled on a client that stopped reading.
			_ = s.client.SetWriteDeadline(time.Now())
			s.sendClose(wsframe.CloseGoingAway, "relay shutting down")
		}
	}()
	select {
	case <-pumpsDone:
	case <-grace.C:
		obs.Debug("session.grace_expired", obs.Fields{"id": s.ID})
	}
	grace.Stop()
	// Closing the sockets unblocks any pump or Close write still stuck in a write.
	s.closeTransports()
	<-pumpsDone
	<-closeDone
	s.closedAt = time.Now()
	s.state.Store(int32(StateClosed))
	return s.result()
}

func (s *Session) result() Result {
	<-s.stop
	r := Result{Kind: s.kind, Err: s.cause, BytesIn: s.bytesIn.Load(), BytesOut: s.bytesOut.Load()}
	if !s.Opened.IsZero() && !s.closedAt.IsZero() {
		r.Duration = s.closedAt.Sub(s.Opened)
	}
	return r
}

// terminate records the first termination cause and fires the cancellation signal exactly once.
func (s *Session) terminate(kind Kind, err error) {
	s.stopOnce.Do(func() {
		s.kind = kind
		s.cause = err
		close(s.stop)
	})
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) closeTransports() {
	s.closeClientOnce.Do(func() { _ = s.client.Close() })
	if s.backend != nil {
		s.closeBackendOnce.Do(func() { _ = s.backend.Close() })
	}
}

// writeClient sends one encoded frame. Nothing is written after a Close frame or once the session
// is terminating.
func (s *Session) writeClient(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closeSent || s.stopped() {
		return errCloseSent
	}
	_ = s.client.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	_, err := s.client.Write(frame)
	return err
}

// sendClose writes a Close frame once per session, best effort. The write is bounded by the
// shorter of the write timeout and the close grace period.
func (s *Session) sendClose(code uint16, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closeSent {
		return
	}
	s.closeSent = true
	_ = s.client.SetWriteDeadline(time.Now().Add(min(s.opts.WriteTimeout, s.opts.CloseGrace)))
	if _, err := s.client.Write(wsframe.EncodeClose(code, reason)); err != nil {
		obs.Debug("session.close_frame", obs.Fields{"id": s.ID, "code": code, "err": err.Error()})
	}
}

func (s *Session) writeBackend(p []byte) error {
	_ = s.backend.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	_, err := s.backend.Write(p)
	return err
}

// pumpClient decodes client frames and forwards data payloads to the backend.
func (s *Session) pumpClient() {
	buf := make([]byte, 0, clientReadChunk)
	chunk := make([]byte, clientReadChunk)
	for {
		if s.stopped() {
			return
		}
		_ = s.client.SetReadDeadline(time.Now().Add(s.opts.PollInterval))
		n, err := s.clientR.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var ok bool
			if buf, ok = s.drainFrames(buf); !ok {
				return
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if s.stopped() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.terminate(KindClientClosed, nil)
				return
			}
			s.terminate(KindTransportError, fmt.Errorf("%w: client read: %v", ErrTransport, err))
			return
		}
	}
}

// drainFrames handles every complete frame at the front of buf and returns the unconsumed tail.
// ok is false once the session must stop.
func (s *Session) drainFrames(buf []byte) (rest []byte, ok bool) {
	consumed := 0
	for {
		f, n, err := s.decoder.Decode(buf[consumed:])
		if errors.Is(err, wsframe.ErrIncomplete) {
			break
		}
		if err != nil {
			s.protocolViolation(err)
			return nil, false
		}
		consumed += n
		if !s.handleFrame(f) {
			return nil, false
		}
	}
	if consumed > 0 {
		buf = append(buf[:0], buf[consumed:]...)
	}
	return buf, true
}

func (s *Session) handleFrame(f *wsframe.Frame) bool {
	obs.FramesTotal.WithLabelValues(f.Opcode.String()).Inc()
	switch f.Opcode {
	case wsframe.OpBinary, wsframe.OpText, wsframe.OpContinuation:
		if len(f.Payload) == 0 {
			return true
		}
		if err := s.writeBackend(f.Payload); err != nil {
			s.terminate(KindTransportError, fmt.Errorf("%w: backend write: %v", ErrTransport, err))
			s.sendClose(wsframe.CloseInternalError, "backend write failed")
			return false
		}
		s.bytesIn.Add(int64(len(f.Payload)))
		obs.RelayBytesTotal.WithLabelValues("client_to_backend").Add(float64(len(f.Payload)))
	case wsframe.OpPing:
		if err := s.writeClient(wsframe.EncodeControl(wsframe.OpPong, f.Payload)); err != nil {
			s.terminate(KindTransportError, fmt.Errorf("%w: pong write: %v", ErrTransport, err))
			return false
		}
	case wsframe.OpPong:
	case wsframe.OpClose:
		code, err := wsframe.ParseClose(f.Payload)
		if err != nil {
			s.protocolViolation(err)
			return false
		}
		if code == wsframe.CloseNoStatus {
			code = wsframe.CloseNormal
		}
		s.terminate(KindClientClosed, nil)
		s.sendClose(code, "")
		return false
	}
	return true
}

func (s *Session) protocolViolation(err error) {
	obs.ErrorsTotal.WithLabelValues("protocol_violation").Inc()
	s.terminate(KindProtocolViolation, err)
	s.sendClose(wsframe.CloseProtocolError, "protocol error")
}

// pumpBackend turns every backend read into exactly one binary frame.
func (s *Session) pumpBackend() {
	buf := make([]byte, s.opts.ReadBufferSize)
	for {
		if s.stopped() {
			return
		}
		_ = s.backend.SetReadDeadline(time.Now().Add(s.opts.PollInterval))
		n, err := s.backend.Read(buf)
		if n > 0 {
			if werr := s.writeClient(wsframe.Encode(buf[:n])); werr != nil {
				if !errors.Is(werr, errCloseSent) {
					s.terminate(KindTransportError, fmt.Errorf("%w: client write: %v", ErrTransport, werr))
				}
				return
			}
			s.bytesOut.Add(int64(n))
			obs.RelayBytesTotal.WithLabelValues("backend_to_client").Add(float64(n))
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if s.stopped() {
				return
			}
			if errors.Is(err, io.EOF) {
				s.terminate(KindBackendClosed, nil)
				s.sendClose(wsframe.CloseNormal, "")
				return
			}
			s.terminate(KindTransportError, fmt.Errorf("%w: backend read: %v", ErrTransport, err))
			s.sendClose(wsframe.CloseInternalError, "backend error")
			return
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
