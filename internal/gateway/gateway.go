// Package gateway accepts raw TCP connections on the public listener, performs the WebSocket
// upgrade for /vnc_ws/<vm> requests and hands each accepted connection to a relay session.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/vncrelay/internal/handshake"
	"github.com/matst80/vncrelay/internal/httpx"
	"github.com/matst80/vncrelay/internal/obs"
	"github.com/matst80/vncrelay/internal/proto"
	"github.com/matst80/vncrelay/internal/ratelimit"
	"github.com/matst80/vncrelay/internal/registry"
	"github.com/matst80/vncrelay/internal/relay"
	"github.com/matst80/vncrelay/internal/route"
	"github.com/matst80/vncrelay/internal/target"
)

// Recorder persists finished sessions. *history.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, r proto.HistoryRecord) error
}

// Options configures request handling on the public listener.
type Options struct {
	PathPrefix    string
	MaxHeaderSize int
	// HeaderTimeout bounds how long a client may take to send its request head.
	HeaderTimeout time.Duration
	// ResolveTimeout bounds the VM lookup.
	ResolveTimeout time.Duration
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
	// Instance tags registry entries when several relays share a registry.
	Instance string
	Session  relay.Options
}

const (
	defaultMaxHeaderSize  = 16 * 1024
	defaultHeaderTimeout  = 10 * time.Second
	defaultResolveTimeout = 5 * time.Second
	recordTimeout         = 5 * time.Second
)

// Gateway wires the upgrade path to its collaborators. Resolver and Dialer are required; Limiter,
// Store and History are optional.
type Gateway struct {
	Options  Options
	Resolver target.Resolver
	Dialer   relay.BackendDialer
	Limiter  *ratelimit.Limiter
	Store    registry.Store
	History  Recorder

	wg sync.WaitGroup
}

// New returns a gateway with an in-memory registry.
func New(opts Options, resolver target.Resolver, dialer relay.BackendDialer) *Gateway {
	if opts.PathPrefix == "" {
		opts.PathPrefix = route.DefaultPrefix
	}
	if opts.MaxHeaderSize <= 0 {
		opts.MaxHeaderSize = defaultMaxHeaderSize
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = defaultHeaderTimeout
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = defaultResolveTimeout
	}
	return &Gateway{Options: opts, Resolver: resolver, Dialer: dialer, Store: registry.NewMemoryStore()}
}

// Serve accepts connections until ctx is cancelled or ln fails, then waits for the sessions it
// started to finish. Cancelling ctx also terminates those sessions.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer g.wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("accept.public.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return err
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.HandleConn(ctx, c)
		}()
	}
}

// HandleConn runs one public connection to completion. It owns c and always closes it.
func (g *Gateway) HandleConn(ctx context.Context, c net.Conn) {
	remote := httpx.RemoteIPFromConn(c)
	br := bufio.NewReader(c)
	_ = c.SetReadDeadline(time.Now().Add(g.Options.HeaderTimeout))
	req, err := httpx.ParseRequest(br, g.Options.MaxHeaderSize)
	if err != nil {
		obs.Debug("gateway.header", obs.Fields{"remote": remote, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("public_header").Inc()
		status := http.StatusBadRequest
		if errors.Is(err, httpx.ErrHeaderTooLarge) {
			status = http.StatusRequestHeaderFieldsTooLarge
		}
		writeError(c, status, errorPage{Message: "malformed request"})
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	remote = req.ClientIP(c, g.Options.TrustProxy)

	vm, err := route.ExtractVM(req.Path(), g.Options.PathPrefix)
	if err != nil {
		obs.Debug("gateway.route", obs.Fields{"remote": remote, "uri": req.URI, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("route").Inc()
		writeError(c, http.StatusNotFound, errorPage{Message: "no console at this path"})
		return
	}
	if req.Method != http.MethodGet {
		obs.ErrorsTotal.WithLabelValues("method").Inc()
		writeError(c, http.StatusMethodNotAllowed, errorPage{VM: vm, Header: map[string]string{"Allow": http.MethodGet}})
		return
	}
	accept, err := handshake.Validate(req)
	if err != nil {
		obs.Info("gateway.handshake", obs.Fields{"remote": remote, "vm": vm, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("handshake").Inc()
		writeError(c, http.StatusBadRequest, errorPage{VM: vm, Message: "websocket upgrade required"})
		return
	}
	if g.Store != nil && g.Store.IsClosing() {
		writeError(c, http.StatusServiceUnavailable, errorPage{VM: vm, Message: "relay is shutting down"})
		return
	}
	if !g.Limiter.Allow(vm) {
		obs.Info("gateway.rate_limited", obs.Fields{"remote": remote, "vm": vm})
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		writeError(c, http.StatusTooManyRequests, errorPage{VM: vm, Header: map[string]string{"Retry-After": "1"}})
		return
	}
	resolveCtx, cancel := context.WithTimeout(ctx, g.Options.ResolveTimeout)
	t, err := g.Resolver.Resolve(resolveCtx, vm)
	cancel()
	if err != nil {
		status, label := resolveStatus(err)
		f := obs.Fields{"remote": remote, "vm": vm, "err": err.Error()}
		if target.IsUnavailable(err) {
			obs.Info("gateway.resolve", f)
		} else {
			obs.Error("gateway.resolve", f)
		}
		obs.ErrorsTotal.WithLabelValues(label).Inc()
		writeError(c, status, errorPage{VM: vm, Message: "console unavailable"})
		return
	}

	s := relay.NewSession(uuid.NewString(), vm, remote, c, br, g.Options.Session)
	if err := handshake.WriteAccept(c, accept); err != nil {
		obs.Error("gateway.accept_write", obs.Fields{"id": s.ID, "vm": vm, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("accept_write").Inc()
		_ = c.Close()
		return
	}
	fields := obs.Fields{"id": s.ID, "vm": vm, "remote": remote, "target": t.Addr()}
	if err := s.Connect(ctx, g.Dialer, t); err != nil {
		kind := relay.KindOf(err)
		fields["kind"] = string(kind)
		fields["err"] = err.Error()
		obs.Error("session.closed", fields)
		obs.ErrorsTotal.WithLabelValues(string(kind)).Inc()
		obs.SessionTerminationTotal.WithLabelValues(string(kind)).Inc()
		if g.Store != nil {
			g.Store.RecordFailure()
		}
		g.record(relay.Result{Kind: kind, Err: err}, s)
		return
	}
	obs.SessionsTotal.Inc()
	info := s.Info()
	info.Instance = g.Options.Instance
	if g.Store != nil {
		if err := g.Store.Add(ctx, info); err != nil {
			obs.Error("registry.add", obs.Fields{"id": s.ID, "err": err.Error()})
		}
	}
	obs.Info("session.open", fields)

	res := s.Run(ctx)

	if g.Store != nil {
		g.Store.Remove(context.Background(), s.ID)
	}
	fields["kind"] = string(res.Kind)
	fields["bytes_in"] = res.BytesIn
	fields["bytes_out"] = res.BytesOut
	fields["duration_ms"] = res.Duration.Milliseconds()
	if res.Err != nil {
		fields["err"] = res.Err.Error()
		obs.Error("session.closed", fields)
	} else {
		obs.Info("session.closed", fields)
	}
	obs.SessionTerminationTotal.WithLabelValues(string(res.Kind)).Inc()
	obs.SessionDurationSeconds.Observe(res.Duration.Seconds())
	g.record(res, s)
}

func (g *Gateway) record(res relay.Result, s *relay.Session) {
	if g.History == nil {
		return
	}
	closed := time.Now()
	opened := s.Opened
	if opened.IsZero() {
		opened = closed
	}
	rec := proto.HistoryRecord{
		ID:       s.ID,
		VM:       s.VM,
		Target:   s.Target.Addr(),
		Remote:   s.Remote,
		OpenedAt: opened,
		ClosedAt: closed,
		BytesIn:  res.BytesIn,
		BytesOut: res.BytesOut,
		Kind:     string(res.Kind),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := g.History.Record(ctx, rec); err != nil {
		obs.Error("history.record", obs.Fields{"id": s.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("history").Inc()
	}
}

// resolveStatus maps a lookup failure to the HTTP answer and error label.
func resolveStatus(err error) (int, string) {
	switch {
	case errors.Is(err, target.ErrNotActive):
		return http.StatusConflict, "vm_not_active"
	case errors.Is(err, target.ErrNotFound):
		return http.StatusNotFound, "vm_not_found"
	case errors.Is(err, target.ErrNotConfigured):
		return http.StatusNotFound, "vm_not_configured"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "resolve_timeout"
	}
	return http.StatusBadGateway, "resolve"
}
