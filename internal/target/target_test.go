package target

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTable(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileResolver(t *testing.T) {
	path := writeTable(t, `
vms:
  web01: {host: 10.0.0.5, port: 5901}
  local: {port: 5902}
  stopped: {host: 10.0.0.6, port: 5900, active: false}
  headless: {host: 10.0.0.7}
`)
	r, err := NewFileResolver(path)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		vm   string
		addr string
		want error
	}{
		{"web01", "10.0.0.5:5901", nil},
		{"local", "127.0.0.1:5902", nil},
		{"stopped", "", ErrNotActive},
		{"headless", "", ErrNotConfigured},
		{"ghost", "", ErrNotFound},
	}
	for _, tt := range tests {
		got, err := r.Resolve(context.Background(), tt.vm)
		if tt.want != nil {
			if !errors.Is(err, tt.want) || !IsUnavailable(err) {
				t.Errorf("%s: err = %v, want %v", tt.vm, err, tt.want)
			}
			continue
		}
		if err != nil || got.Addr() != tt.addr {
			t.Errorf("%s: got %v, %v; want %s", tt.vm, got, err, tt.addr)
		}
	}
}

func TestFileResolverReloadKeepsOldTableOnError(t *testing.T) {
	path := writeTable(t, "vms:\n  a: {port: 5900}\n")
	r, err := NewFileResolver(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("vms: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := r.Resolve(context.Background(), "a"); err != nil {
		t.Fatalf("old table should still resolve: %v", err)
	}
}

type fakeVirsh map[string]string

func (f fakeVirsh) run(_ context.Context, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	out, ok := f[key]
	if !ok {
		return []byte("error: failed to get domain 'x'"), errors.New("exit status 1")
	}
	return []byte(out + "\n"), nil
}

func TestVirshResolver(t *testing.T) {
	f := fakeVirsh{
		"-c qemu:///system domstate web01":   "running",
		"-c qemu:///system vncdisplay web01": "127.0.0.1:1",
		"-c qemu:///system domstate any":     "running",
		"-c qemu:///system vncdisplay any":   "0.0.0.0:12",
		"-c qemu:///system domstate off":     "shut off",
		"-c qemu:///system domstate nogfx":   "running",
		"-c qemu:///system vncdisplay nogfx": "",
	}
	r := NewVirshResolverWithRunner("qemu:///system", "192.168.1.10", f.run)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "web01")
	if err != nil || got.Addr() != "127.0.0.1:5901" {
		t.Fatalf("web01: %v %v", got, err)
	}
	got, err = r.Resolve(ctx, "any")
	if err != nil || got.Addr() != "192.168.1.10:5912" {
		t.Fatalf("any: %v %v", got, err)
	}
	if _, err := r.Resolve(ctx, "off"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("off: %v", err)
	}
	if _, err := r.Resolve(ctx, "nogfx"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("nogfx: %v", err)
	}
	if _, err := r.Resolve(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
	if _, err := r.Resolve(ctx, "--help"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("flag-like name should be rejected: %v", err)
	}
}

func TestParseDisplayIPv6(t *testing.T) {
	r := NewVirshResolverWithRunner("", "", nil)
	got, err := r.parseDisplay("v", "[::1]:2")
	if err != nil || got.Addr() != "[::1]:5902" {
		t.Fatalf("got %v %v", got, err)
	}
	got, err = r.parseDisplay("v", ":0")
	if err != nil || got.Addr() != "127.0.0.1:5900" {
		t.Fatalf("got %v %v", got, err)
	}
}
