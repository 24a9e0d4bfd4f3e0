package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":6080" || cfg.PathPrefix != "/vnc_ws/" || cfg.PollInterval != 250*time.Millisecond ||
		cfg.CloseGrace != 2*time.Second || cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	yml := `
listen: ":7000"
resolver: virsh
virsh_uri: qemu+ssh://hv1/system
connect_timeout: 2s
resolve_timeout: 750ms
rate_per_vm: 0.5
history_db: /var/lib/vncrelay/history.db
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig([]string{"-config", path, "-listen", ":7100", "-debug"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7100" {
		t.Errorf("flag should override file, got %q", cfg.ListenAddr)
	}
	if cfg.Resolver != "virsh" || cfg.VirshURI != "qemu+ssh://hv1/system" || cfg.ConnectTimeout != 2*time.Second ||
		cfg.ResolveTimeout != 750*time.Millisecond {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.RatePerVM != 0.5 || cfg.HistoryDB != "/var/lib/vncrelay/history.db" || !cfg.Debug {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Errorf("default lost: %q", cfg.MetricsAddr)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-resolver", "dns"}, "unknown resolver"},
		{[]string{"-tls-cert", "a.pem"}, "must be set together"},
		{[]string{"-tls-ca", "ca.pem"}, "requires -tls-cert"},
		{[]string{"-max-header-size", "0"}, "max header size"},
	}
	for _, tt := range tests {
		_, err := loadConfig(tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%v: err = %v, want %q", tt.args, err, tt.want)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml")}); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
