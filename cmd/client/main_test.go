package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestConsoleURL(t *testing.T) {
	tests := []struct {
		relay, prefix, vm, want string
	}{
		{"ws://127.0.0.1:6080", "/vnc_ws/", "web01", "ws://127.0.0.1:6080/vnc_ws/web01"},
		{"https://console.example.com/", "vnc_ws", "web 01", "wss://console.example.com/vnc_ws/web%2001"},
		{"http://h/base", "/vnc_ws/", "a", "ws://h/base/vnc_ws/a"},
	}
	for _, tt := range tests {
		c := &Config{Relay: tt.relay, Prefix: tt.prefix, VM: tt.vm}
		got, err := c.consoleURL()
		if err != nil || got != tt.want {
			t.Errorf("consoleURL(%q, %q) = %q, %v; want %q", tt.relay, tt.vm, got, err, tt.want)
		}
	}
	if _, err := (&Config{Relay: "ftp://x", VM: "a"}).consoleURL(); err == nil {
		t.Error("ftp scheme should be rejected")
	}
}

func TestParseConfigRequiresVM(t *testing.T) {
	if _, err := parseConfig(nil); err == nil {
		t.Fatal("expected error without -vm")
	}
	cfg, err := parseConfig([]string{"-vm", "db01", "-probe"})
	if err != nil || cfg.VM != "db01" || !cfg.Probe {
		t.Fatalf("cfg=%+v err=%v", cfg, err)
	}
}

// echoRelay is a WebSocket server that sends a banner and echoes binary messages.
func echoRelay(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("RFB 003.008\n"))
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			_ = ws.WriteMessage(mt, msg)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/vnc_ws/vm1"
}

func TestProbe(t *testing.T) {
	url := echoRelay(t)
	banner, err := probe(context.Background(), &websocket.Dialer{HandshakeTimeout: time.Second}, url)
	if err != nil || string(banner) != "RFB 003.008\n" {
		t.Fatalf("banner=%q err=%v", banner, err)
	}
}

func TestBridge(t *testing.T) {
	url := echoRelay(t)
	local, viewer := net.Pipe()
	done := make(chan struct{})
	go func() {
		bridge(context.Background(), local, &websocket.Dialer{HandshakeTimeout: time.Second}, url)
		close(done)
	}()
	_ = viewer.SetDeadline(time.Now().Add(3 * time.Second))
	banner := make([]byte, 12)
	if _, err := io.ReadFull(viewer, banner); err != nil || string(banner) != "RFB 003.008\n" {
		t.Fatalf("banner=%q err=%v", banner, err)
	}
	if _, err := viewer.Write([]byte("RFB 003.008\n")); err != nil {
		t.Fatal(err)
	}
	echo := make([]byte, 12)
	if _, err := io.ReadFull(viewer, echo); err != nil || string(echo) != "RFB 003.008\n" {
		t.Fatalf("echo=%q err=%v", echo, err)
	}
	_ = viewer.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not finish after viewer closed")
	}
}
