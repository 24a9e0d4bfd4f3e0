// Command vncrelay-client bridges native VNC viewers to a console behind the relay. Each local TCP
// connection becomes one WebSocket session carrying raw RFB bytes in binary messages.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/vncrelay/internal/obs"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	defer obs.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	target, err := cfg.consoleURL()
	if err != nil {
		obs.Error("client.url", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	d := newDialer(cfg)
	if cfg.Probe {
		banner, err := probe(ctx, d, target)
		if err != nil {
			obs.Error("client.probe", obs.Fields{"url": target, "err": err.Error()})
			obs.Sync()
			os.Exit(1)
		}
		fmt.Printf("%s: %q\n", cfg.VM, banner)
		return
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		obs.Error("client.listen", obs.Fields{"addr": cfg.Listen, "err": err.Error()})
		os.Exit(1)
	}
	obs.Info("client.start", obs.Fields{"listen": ln.Addr().String(), "url": target})
	serve(ctx, ln, d, target)
	obs.Info("client.stopped", obs.Fields{})
}

func newDialer(cfg *Config) *websocket.Dialer {
	d := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: cfg.DialTimeout,
	}
	if cfg.Insecure {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 - opt-in via -insecure
	}
	return d
}

// probe opens one session and returns the first message the VNC server sends.
func probe(ctx context.Context, d *websocket.Dialer, url string) ([]byte, error) {
	ws, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return msg, nil
}

// serve accepts local viewers until ctx is done.
func serve(ctx context.Context, ln net.Listener, d *websocket.Dialer, url string) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				obs.Error("client.accept", obs.Fields{"err": err.Error()})
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			bridge(ctx, c, d, url)
		}()
	}
}

// bridge copies bytes between a local viewer and one relay session until either side ends.
func bridge(ctx context.Context, local net.Conn, d *websocket.Dialer, url string) {
	defer local.Close()
	remote := local.RemoteAddr().String()
	ws, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		f := obs.Fields{"remote": remote, "err": err.Error()}
		if resp != nil {
			f["status"] = resp.StatusCode
		}
		obs.Error("client.dial", f)
		return
	}
	defer ws.Close()
	obs.Info("client.session.open", obs.Fields{"remote": remote})

	var once sync.Once
	done := make(chan struct{})
	finish := func() { once.Do(func() { close(done) }) }
	var in, out atomic.Int64

	// viewer -> relay
	go func() {
		defer finish()
		buf := make([]byte, 32*1024)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
				in.Add(int64(n))
			}
			if err != nil {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
		}
	}()
	// relay -> viewer
	go func() {
		defer finish()
		for {
			_, r, err := ws.NextReader()
			if err != nil {
				return
			}
			n, err := io.Copy(local, r)
			out.Add(n)
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	}
	obs.Info("client.session.closed", obs.Fields{"remote": remote, "bytes_in": in.Load(), "bytes_out": out.Load()})
}
