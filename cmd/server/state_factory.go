package main

import (
	"context"
	"fmt"
	"io"

	"github.com/matst80/vncrelay/internal/obs"
	"github.com/matst80/vncrelay/internal/registry"
	"github.com/matst80/vncrelay/internal/target"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newStore creates either an in-memory or Redis-backed session registry based on configuration.
// With Redis, entry TTLs are refreshed until ctx is done.
func newStore(ctx context.Context, cfg *Config) (registry.Store, io.Closer, error) {
	if cfg.RedisAddr == "" {
		obs.Info("registry.backend", obs.Fields{"type": "in-memory"})
		return registry.NewMemoryStore(), nopCloser{}, nil
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr, "instance": cfg.Instance})
	rs, err := registry.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Instance)
	if err != nil {
		return nil, nil, err
	}
	go rs.Maintain(ctx, registryHeartbeat)
	return rs, rs, nil
}

// newResolver builds the configured VM lookup. A file table is watched for changes until ctx is done.
func newResolver(ctx context.Context, cfg *Config) (target.Resolver, error) {
	switch cfg.Resolver {
	case "virsh":
		obs.Info("resolver.backend", obs.Fields{"type": "virsh", "uri": cfg.VirshURI})
		return target.NewVirshResolver(cfg.VirshURI, cfg.VirshHost), nil
	case "file":
		fr, err := target.NewFileResolver(cfg.TargetsFile)
		if err != nil {
			return nil, err
		}
		obs.Info("resolver.backend", obs.Fields{"type": "file", "path": cfg.TargetsFile, "vms": fr.Len()})
		go func() {
			if err := fr.Watch(ctx); err != nil {
				obs.Error("targets.watch", obs.Fields{"err": err.Error(), "path": cfg.TargetsFile})
			}
		}()
		return fr, nil
	}
	return nil, fmt.Errorf("unknown resolver %q", cfg.Resolver)
}
