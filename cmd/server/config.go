package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/matst80/vncrelay/internal/route"
	"github.com/matst80/vncrelay/internal/wsframe"
)

// Config holds all runtime configuration. Values come from defaults, then the optional YAML file
// given by -config, then explicit flags.
type Config struct {
	ListenAddr    string        `yaml:"listen"`
	PathPrefix    string        `yaml:"path_prefix"`
	MetricsAddr   string        `yaml:"admin"`
	Debug         bool          `yaml:"debug"`
	Instance      string        `yaml:"instance"`
	TrustProxy    bool          `yaml:"trust_proxy"`
	MaxHeaderSize int           `yaml:"max_header_size"`
	HeaderTimeout time.Duration `yaml:"header_timeout"`

	// Resolver is "file" (TargetsFile) or "virsh".
	Resolver    string `yaml:"resolver"`
	TargetsFile string `yaml:"targets_file"`
	VirshURI    string `yaml:"virsh_uri"`
	VirshHost   string `yaml:"virsh_host"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	CloseGrace     time.Duration `yaml:"close_grace"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadBufferSize int           `yaml:"read_buffer_size"`
	MaxFrameSize   uint64        `yaml:"max_frame_size"`

	RateGlobal float64 `yaml:"rate_global"`
	RatePerVM  float64 `yaml:"rate_per_vm"`
	RateBurst  int     `yaml:"rate_burst"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	HistoryDB        string        `yaml:"history_db"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`

	// TLS for the public listener; TLSCAFile enables mTLS.
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`
	TLSCAFile   string `yaml:"tls_ca"`
}

func defaultConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		ListenAddr:       ":6080",
		PathPrefix:       route.DefaultPrefix,
		MetricsAddr:      ":9100",
		Instance:         host,
		MaxHeaderSize:    16 * 1024,
		HeaderTimeout:    10 * time.Second,
		Resolver:         "file",
		TargetsFile:      "targets.yaml",
		VirshURI:         "qemu:///system",
		VirshHost:        "127.0.0.1",
		ConnectTimeout:   5 * time.Second,
		ResolveTimeout:   5 * time.Second,
		PollInterval:     250 * time.Millisecond,
		CloseGrace:       2 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadBufferSize:   128 * 1024,
		MaxFrameSize:     wsframe.DefaultMaxPayload,
		RatePerVM:        2,
		RateBurst:        5,
		HistoryRetention: 30 * 24 * time.Hour,
		CleanupInterval:  time.Minute,
	}
}

// registerFlags binds every setting to fs using the current values of cfg as defaults.
func registerFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "public WebSocket listener address")
	fs.StringVar(&cfg.PathPrefix, "path-prefix", cfg.PathPrefix, "URL path prefix followed by the VM name")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "admin listener (metrics, health, dashboard)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	fs.StringVar(&cfg.Instance, "instance", cfg.Instance, "instance name shown in the shared registry")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "take the client address from X-Forwarded-For")
	fs.IntVar(&cfg.MaxHeaderSize, "max-header-size", cfg.MaxHeaderSize, "maximum upgrade request head bytes")
	fs.DurationVar(&cfg.HeaderTimeout, "header-timeout", cfg.HeaderTimeout, "time allowed to send the upgrade request")

	fs.StringVar(&cfg.Resolver, "resolver", cfg.Resolver, "target lookup: file or virsh")
	fs.StringVar(&cfg.TargetsFile, "targets", cfg.TargetsFile, "YAML target table (resolver=file)")
	fs.StringVar(&cfg.VirshURI, "virsh-uri", cfg.VirshURI, "libvirt connection URI (resolver=virsh)")
	fs.StringVar(&cfg.VirshHost, "virsh-host", cfg.VirshHost, "host to dial when the VNC display listens on all interfaces")

	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "backend dial timeout")
	fs.DurationVar(&cfg.ResolveTimeout, "resolve-timeout", cfg.ResolveTimeout, "VM lookup timeout")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "read deadline used to notice session termination")
	fs.DurationVar(&cfg.CloseGrace, "close-grace", cfg.CloseGrace, "time a closing session waits before forcing sockets shut")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "deadline for a single socket write")
	fs.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "backend read size; one read becomes one frame")
	fs.Uint64Var(&cfg.MaxFrameSize, "max-frame-size", cfg.MaxFrameSize, "largest inbound frame payload accepted")

	fs.Float64Var(&cfg.RateGlobal, "rate-global", cfg.RateGlobal, "upgrades per second across all VMs (0 = unlimited)")
	fs.Float64Var(&cfg.RatePerVM, "rate-per-vm", cfg.RatePerVM, "upgrades per second per VM (0 = unlimited)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "burst size for both rate limits")

	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for a shared session registry (empty = in-memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")

	fs.StringVar(&cfg.HistoryDB, "history-db", cfg.HistoryDB, "SQLite file for finished sessions (empty = disabled)")
	fs.DurationVar(&cfg.HistoryRetention, "history-retention", cfg.HistoryRetention, "drop history rows older than this (0 = keep)")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "interval for rate limiter and history housekeeping")

	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "TLS certificate file path")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "TLS private key file path")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", cfg.TLSCAFile, "TLS CA file for client certificate verification (enables mTLS)")
}

// loadConfig resolves defaults, the optional -config file and explicit flags, in that order.
func loadConfig(args []string) (*Config, error) {
	// First pass only discovers -config.
	probe := flag.NewFlagSet("vncrelay", flag.ContinueOnError)
	probe.SetOutput(io.Discard)
	var path string
	probe.StringVar(&path, "config", "", "")
	registerFlags(probe, defaultConfig())
	if err := probe.Parse(args); err != nil {
		// The real parse below reports it, with usage.
		path = ""
	}

	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	fs := flag.NewFlagSet("vncrelay", flag.ContinueOnError)
	fs.String("config", path, "YAML configuration file; explicit flags override it")
	registerFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	var errs []error
	switch c.Resolver {
	case "file":
		if c.TargetsFile == "" {
			errs = append(errs, errors.New("resolver=file needs -targets"))
		}
	case "virsh":
	default:
		errs = append(errs, fmt.Errorf("unknown resolver %q", c.Resolver))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("-tls-cert and -tls-key must be set together"))
	}
	if c.TLSCAFile != "" && c.TLSCertFile == "" {
		errs = append(errs, errors.New("-tls-ca requires -tls-cert"))
	}
	if c.MaxHeaderSize <= 0 {
		errs = append(errs, errors.New("max header size must be positive"))
	}
	return errors.Join(errs...)
}

// tlsEnabled reports whether the public listener terminates TLS.
func (c *Config) tlsEnabled() bool { return c.TLSCertFile != "" }
