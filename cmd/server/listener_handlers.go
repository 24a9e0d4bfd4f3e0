package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"time"

	"github.com/matst80/vncrelay/internal/history"
	"github.com/matst80/vncrelay/internal/obs"
	"github.com/matst80/vncrelay/internal/ratelimit"
)

const registryHeartbeat = 30 * time.Second

// createServerTLSConfig creates a TLS configuration for the public listener with optional mTLS.
func createServerTLSConfig(cfg *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// The relay speaks HTTP/1.1 upgrades only.
		NextProtos: []string{"http/1.1"},
	}

	// If CA file is provided, enable mTLS (mutual authentication)
	if cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Info("tls.mtls_enabled", obs.Fields{"ca_file": cfg.TLSCAFile})
	}

	return tlsConfig, nil
}

// createListener creates either a plain TCP or TLS listener based on tlsConfig
func createListener(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

// runCleanupLoop drops idle rate limiter buckets and expired history rows.
func runCleanupLoop(ctx context.Context, interval time.Duration, limiter *ratelimit.Limiter, hist *history.Store, retention time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cleanupOnce(ctx, interval, limiter, hist, retention)
		}
	}
}

func cleanupOnce(ctx context.Context, interval time.Duration, limiter *ratelimit.Limiter, hist *history.Store, retention time.Duration) {
	if n := limiter.Cleanup(10 * interval); n > 0 {
		obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
	}
	if hist == nil || retention <= 0 {
		return
	}
	n, err := hist.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		obs.Error("history.prune", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("history").Inc()
		return
	}
	if n > 0 {
		obs.Info("history.pruned", obs.Fields{"rows": n})
	}
}
