package main

import (
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds client runtime configuration.
type Config struct {
	Relay       string // base URL of the relay, e.g. wss://console.example.com
	Prefix      string
	VM          string
	Listen      string // local address native VNC viewers connect to
	Probe       bool
	DialTimeout time.Duration
	Insecure    bool
	Debug       bool
}

func parseConfig(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("vncrelay-client", flag.ContinueOnError)
	fs.StringVar(&cfg.Relay, "relay", "ws://127.0.0.1:6080", "relay base URL (ws:// or wss://)")
	fs.StringVar(&cfg.Prefix, "path-prefix", "/vnc_ws/", "relay path prefix")
	fs.StringVar(&cfg.VM, "vm", "", "VM whose console to open")
	fs.StringVar(&cfg.Listen, "listen", "127.0.0.1:5900", "local address for VNC viewers")
	fs.BoolVar(&cfg.Probe, "probe", false, "connect once, print the RFB banner and exit")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", 10*time.Second, "relay handshake timeout")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "skip TLS certificate verification for wss://")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.VM == "" {
		return nil, fmt.Errorf("-vm is required")
	}
	return cfg, nil
}

// consoleURL joins the relay base URL, the prefix and the escaped VM name.
func (c *Config) consoleURL() (string, error) {
	u, err := url.Parse(c.Relay)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	base := strings.TrimSuffix(u.Path, "/") + "/" + strings.Trim(c.Prefix, "/") + "/"
	u.Path = base + c.VM
	u.RawPath = base + url.PathEscape(c.VM)
	return u.String(), nil
}
