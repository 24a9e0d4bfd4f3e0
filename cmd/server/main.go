package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/vncrelay/internal/gateway"
	"github.com/matst80/vncrelay/internal/history"
	"github.com/matst80/vncrelay/internal/obs"
	"github.com/matst80/vncrelay/internal/ratelimit"
	"github.com/matst80/vncrelay/internal/relay"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	defer obs.Sync()
	if err := run(cfg); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		obs.Sync()
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr, "prefix": cfg.PathPrefix, "tls": cfg.tlsEnabled()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver, err := newResolver(ctx, cfg)
	if err != nil {
		return err
	}
	store, storeCloser, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	var hist *history.Store
	if cfg.HistoryDB != "" {
		if hist, err = history.Open(cfg.HistoryDB); err != nil {
			return err
		}
		defer hist.Close()
		obs.Info("history.open", obs.Fields{"path": cfg.HistoryDB})
	}
	limiter := ratelimit.NewLimiter(cfg.RateGlobal, cfg.RatePerVM, cfg.RateBurst)

	g := gateway.New(gateway.Options{
		PathPrefix:     cfg.PathPrefix,
		MaxHeaderSize:  cfg.MaxHeaderSize,
		HeaderTimeout:  cfg.HeaderTimeout,
		ResolveTimeout: cfg.ResolveTimeout,
		TrustProxy:     cfg.TrustProxy,
		Instance:       cfg.Instance,
		Session: relay.Options{
			PollInterval:   cfg.PollInterval,
			CloseGrace:     cfg.CloseGrace,
			WriteTimeout:   cfg.WriteTimeout,
			ReadBufferSize: cfg.ReadBufferSize,
			MaxFrameSize:   cfg.MaxFrameSize,
		},
	}, resolver, relay.Connector{Timeout: cfg.ConnectTimeout})
	g.Limiter = limiter
	g.Store = store
	if hist != nil {
		g.History = hist
	}

	var tlsConfig *tls.Config
	if cfg.tlsEnabled() {
		if tlsConfig, err = createServerTLSConfig(cfg); err != nil {
			return err
		}
	}
	ln, err := createListener(cfg.ListenAddr, tlsConfig)
	if err != nil {
		obs.Error("listen.public", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		return err
	}

	// Readiness stays false until the public listener is serving.
	a := &admin{store: store, hist: hist, instance: cfg.Instance}
	go startMetricsServer(ctx, cfg.MetricsAddr, a.routes())
	go runCleanupLoop(ctx, cfg.CleanupInterval, limiter, hist, cfg.HistoryRetention)

	served := make(chan error, 1)
	go func() { served <- g.Serve(ctx, ln) }()
	store.SetReady(true)
	obs.Info("server.ready", obs.Fields{})

	select {
	case <-ctx.Done():
		obs.Info("server.shutdown.signal", obs.Fields{})
		store.SetClosing(true)
		err = <-served
	case err = <-served:
		store.SetClosing(true)
		stop()
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
	return err
}
