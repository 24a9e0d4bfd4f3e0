package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matst80/vncrelay/internal/target"
	"github.com/matst80/vncrelay/internal/wsframe"
)

var testTarget = target.Target{Host: "127.0.0.1", Port: 5900}

type stubDialer struct {
	conn  net.Conn
	err   error
	calls int
}

func (d *stubDialer) Connect(context.Context, target.Target) (net.Conn, error) {
	d.calls++
	return d.conn, d.err
}

// harness wires a session between an in-memory "browser" and an in-memory "vnc server".
type harness struct {
	t       *testing.T
	sess    *Session
	browser net.Conn
	vnc     net.Conn
	done    chan Result
	cancel  context.CancelFunc
	pending []byte
}

func startSession(t *testing.T) *harness {
	t.Helper()
	return startSessionWith(t, Options{
		PollInterval: 20 * time.Millisecond,
		CloseGrace:   200 * time.Millisecond,
		WriteTimeout: time.Second,
	})
}

func startSessionWith(t *testing.T, opts Options) *harness {
	t.Helper()
	clientSide, browser := net.Pipe()
	backendSide, vnc := net.Pipe()
	s := NewSession("sess-1", "vm1", "127.0.0.1", clientSide, nil, opts)
	if err := s.Connect(context.Background(), &stubDialer{conn: backendSide}, testTarget); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("state after connect = %v", s.State())
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, sess: s, browser: browser, vnc: vnc, done: make(chan Result, 1), cancel: cancel}
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = browser.Close()
		_ = vnc.Close()
	})
	return h
}

func clientFrame(op wsframe.Opcode, payload []byte, mask [4]byte) []byte {
	out := []byte{0x80 | byte(op)}
	switch n := len(payload); {
	case n < 126:
		out = append(out, 0x80|byte(n))
	case n <= 0xFFFF:
		out = append(out, 0x80|126)
		out = binary.BigEndian.AppendUint16(out, uint16(n))
	default:
		out = append(out, 0x80|127)
		out = binary.BigEndian.AppendUint64(out, uint64(n))
	}
	out = append(out, mask[:]...)
	body := append([]byte(nil), payload...)
	wsframe.ApplyMask(body, mask)
	return append(out, body...)
}

func (h *harness) send(b []byte) {
	h.t.Helper()
	_ = h.browser.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.browser.Write(b); err != nil {
		h.t.Fatalf("browser write: %v", err)
	}
}

// readFrame returns the next server frame seen by the browser, checking it is unmasked.
func (h *harness) readFrame() *wsframe.Frame {
	h.t.Helper()
	var dec wsframe.Decoder
	chunk := make([]byte, 256*1024)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(h.pending) >= 2 && h.pending[1]&0x80 != 0 {
			h.t.Fatal("server frame is masked")
		}
		f, n, err := dec.Decode(h.pending)
		if err == nil {
			h.pending = h.pending[n:]
			return f
		}
		if !errors.Is(err, wsframe.ErrIncomplete) {
			h.t.Fatalf("decode server frame: %v", err)
		}
		_ = h.browser.SetReadDeadline(deadline)
		m, rerr := h.browser.Read(chunk)
		h.pending = append(h.pending, chunk[:m]...)
		if rerr != nil && m == 0 {
			h.t.Fatalf("browser read: %v", rerr)
		}
	}
}

func (h *harness) expectClose(code uint16) {
	h.t.Helper()
	f := h.readFrame()
	if f.Opcode != wsframe.OpClose {
		h.t.Fatalf("got %v frame, want close", f.Opcode)
	}
	if got := wsframe.CloseCode(f.Payload); got != code {
		h.t.Fatalf("close code %d, want %d", got, code)
	}
}

func (h *harness) wait() Result {
	h.t.Helper()
	select {
	case r := <-h.done:
		if h.sess.State() != StateClosed {
			h.t.Fatalf("state after run = %v", h.sess.State())
		}
		return r
	case <-time.After(3 * time.Second):
		h.t.Fatal("session did not close")
	}
	return Result{}
}

// vncReadAll drains the backend side until the session closes it.
func (h *harness) vncReadAll() []byte {
	h.t.Helper()
	_ = h.vnc.SetReadDeadline(time.Now().Add(3 * time.Second))
	b, err := io.ReadAll(h.vnc)
	if err != nil {
		h.t.Fatalf("vnc read: %v", err)
	}
	return b
}

func TestClientBinaryReachesBackend(t *testing.T) {
	h := startSession(t)
	h.send(clientFrame(wsframe.OpBinary, []byte{0x01, 0x02, 0x03}, [4]byte{0xAA, 0xBB, 0xCC, 0xDD}))

	got := make([]byte, 3)
	_ = h.vnc.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(h.vnc, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("backend got %x", got)
	}

	_ = h.browser.Close()
	if rest := h.vncReadAll(); len(rest) != 0 {
		t.Fatalf("unexpected extra backend bytes %x", rest)
	}
	r := h.wait()
	if r.Kind != KindClientClosed || r.BytesIn != 3 {
		t.Fatalf("result = %+v", r)
	}
}

func TestFragmentedWritesAreReassembled(t *testing.T) {
	h := startSession(t)
	payload := bytes.Repeat([]byte("RFB 003.008\n"), 40)
	wire := clientFrame(wsframe.OpBinary, payload, [4]byte{1, 2, 3, 4})
	wire = append(wire, clientFrame(wsframe.OpText, []byte("tail"), [4]byte{5, 6, 7, 8})...)

	go func() {
		for i := 0; i < len(wire); i += 7 {
			end := min(i+7, len(wire))
			if _, err := h.browser.Write(wire[i:end]); err != nil {
				return
			}
		}
	}()
	want := append(append([]byte(nil), payload...), "tail"...)
	got := make([]byte, len(want))
	_ = h.vnc.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(h.vnc, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("backend stream differs from client payloads")
	}
}

func TestBackendReadBecomesOneFrame(t *testing.T) {
	h := startSession(t)
	data := make([]byte, 70000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	go func() { _, _ = h.vnc.Write(data) }()

	_ = h.browser.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw := make([]byte, 10+len(data))
	if _, err := io.ReadFull(h.browser, raw); err != nil {
		t.Fatal(err)
	}
	if raw[0] != 0x82 || raw[1] != 127 {
		t.Fatalf("header = %x", raw[:2])
	}
	if n := binary.BigEndian.Uint64(raw[2:10]); n != 70000 {
		t.Fatalf("length field = %d", n)
	}
	if !bytes.Equal(raw[10:], data) {
		t.Fatal("payload modified")
	}
}

func TestBackendEOFSendsNormalClose(t *testing.T) {
	h := startSession(t)
	_ = h.vnc.Close()
	h.expectClose(wsframe.CloseNormal)
	r := h.wait()
	if r.Kind != KindBackendClosed {
		t.Fatalf("kind = %v", r.Kind)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := startSession(t)
	h.send(clientFrame(wsframe.OpPing, []byte("are you there"), [4]byte{9, 9, 9, 9}))
	f := h.readFrame()
	if f.Opcode != wsframe.OpPong || string(f.Payload) != "are you there" {
		t.Fatalf("got %v %q", f.Opcode, f.Payload)
	}
	h.send(clientFrame(wsframe.OpPong, []byte("ignored"), [4]byte{1, 1, 1, 1}))

	_ = h.browser.Close()
	if got := h.vncReadAll(); len(got) != 0 {
		t.Fatalf("control frames leaked %x to backend", got)
	}
	h.wait()
}

func TestUnmaskedFrameIsProtocolViolation(t *testing.T) {
	h := startSession(t)
	h.send(wsframe.Encode([]byte{1, 2, 3}))
	h.expectClose(wsframe.CloseProtocolError)
	if got := h.vncReadAll(); len(got) != 0 {
		t.Fatalf("backend received %x from an unmasked frame", got)
	}
	r := h.wait()
	if r.Kind != KindProtocolViolation || !errors.Is(r.Err, wsframe.ErrUnmasked) {
		t.Fatalf("result = %+v", r)
	}
}

func TestClientCloseIsEchoed(t *testing.T) {
	h := startSession(t)
	payload := binary.BigEndian.AppendUint16(nil, 4000)
	h.send(clientFrame(wsframe.OpClose, payload, [4]byte{3, 1, 4, 1}))
	h.expectClose(4000)
	if got := h.vncReadAll(); len(got) != 0 {
		t.Fatalf("backend got %x", got)
	}
	if r := h.wait(); r.Kind != KindClientClosed || r.Err != nil {
		t.Fatalf("result = %+v", r)
	}
}

func TestContextCancelSendsGoingAway(t *testing.T) {
	h := startSession(t)
	h.cancel()
	h.expectClose(wsframe.CloseGoingAway)
	if r := h.wait(); r.Kind != KindShutdown {
		t.Fatalf("kind = %v", r.Kind)
	}
}

func TestConnectFailureClosesClient(t *testing.T) {
	clientSide, browser := net.Pipe()
	defer browser.Close()
	s := NewSession("sess-2", "vm1", "127.0.0.1", clientSide, nil, Options{WriteTimeout: time.Second})
	d := &stubDialer{err: fmt.Errorf("%w: 127.0.0.1:5900: connection refused", ErrBackendUnreachable)}
	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), d, testTarget) }()

	h := &harness{t: t, browser: browser}
	h.expectClose(wsframe.CloseInternalError)
	err := <-errc
	if !errors.Is(err, ErrBackendUnreachable) || KindOf(err) != KindBackendUnreachable {
		t.Fatalf("err = %v", err)
	}
	if s.State() != StateClosed || d.calls != 1 {
		t.Fatalf("state = %v calls = %d", s.State(), d.calls)
	}
}

func TestConnectorRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	_, err = Connector{Timeout: time.Second}.Connect(context.Background(), target.Target{Host: "127.0.0.1", Port: uint16(addr.Port)})
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunWithoutConnectCloses(t *testing.T) {
	clientSide, browser := net.Pipe()
	defer browser.Close()
	s := NewSession("sess-3", "vm1", "", clientSide, nil, Options{})
	r := s.Run(context.Background())
	if s.State() != StateClosed || !errors.Is(r.Err, ErrTransport) {
		t.Fatalf("state=%v result=%+v", s.State(), r)
	}
}

func TestInvalidClosePayloadIsProtocolViolation(t *testing.T) {
	for name, payload := range map[string][]byte{
		"one byte":  {0x03},
		"code 1006": binary.BigEndian.AppendUint16(nil, 1006),
		"code 999":  binary.BigEndian.AppendUint16(nil, 999),
	} {
		t.Run(name, func(t *testing.T) {
			h := startSession(t)
			h.send(clientFrame(wsframe.OpClose, payload, [4]byte{7, 7, 7, 7}))
			h.expectClose(wsframe.CloseProtocolError)
			r := h.wait()
			if r.Kind != KindProtocolViolation || !errors.Is(r.Err, wsframe.ErrBadClosePayload) {
				t.Fatalf("result = %+v", r)
			}
		})
	}
}

// stallBrowser leaves the backend pump blocked writing to a browser that never reads.
func stallBrowser(t *testing.T) *harness {
	t.Helper()
	h := startSessionWith(t, Options{
		PollInterval: 20 * time.Millisecond,
		CloseGrace:   200 * time.Millisecond,
		WriteTimeout: 3 * time.Second,
	})
	go func() { _, _ = h.vnc.Write(bytes.Repeat([]byte{0x42}, 4096)) }()
	time.Sleep(100 * time.Millisecond)
	return h
}

func TestShutdownWithStalledBrowserHonoursGrace(t *testing.T) {
	h := stallBrowser(t)
	start := time.Now()
	h.cancel()
	r := h.wait()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("session took %v to close, close grace is 200ms", elapsed)
	}
	if r.Kind != KindShutdown {
		t.Fatalf("kind = %v", r.Kind)
	}
}

func TestClientCloseWithStalledBrowserHonoursGrace(t *testing.T) {
	h := stallBrowser(t)
	start := time.Now()
	h.send(clientFrame(wsframe.OpClose, binary.BigEndian.AppendUint16(nil, 1000), [4]byte{1, 2, 3, 4}))
	r := h.wait()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("session took %v to close, close grace is 200ms", elapsed)
	}
	if r.Kind != KindClientClosed {
		t.Fatalf("kind = %v", r.Kind)
	}
}
