package target

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
)

// vncBasePort is where display :0 listens.
const vncBasePort = 5900

// Runner executes virsh with args and returns its combined output.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// VirshResolver asks libvirt for the domain state and VNC display of a VM.
type VirshResolver struct {
	// URI is the libvirt connection URI, e.g. qemu:///system.
	URI string
	// DefaultHost replaces wildcard or empty listen addresses reported by vncdisplay.
	DefaultHost string

	run Runner
}

// NewVirshResolver shells out to the virsh binary.
func NewVirshResolver(uri, defaultHost string) *VirshResolver {
	return NewVirshResolverWithRunner(uri, defaultHost, execVirsh)
}

// NewVirshResolverWithRunner is NewVirshResolver with an injectable command runner.
func NewVirshResolverWithRunner(uri, defaultHost string, run Runner) *VirshResolver {
	if defaultHost == "" {
		defaultHost = "127.0.0.1"
	}
	return &VirshResolver{URI: uri, DefaultHost: defaultHost, run: run}
}

func execVirsh(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "virsh", args...).CombinedOutput()
}

func (v *VirshResolver) virsh(ctx context.Context, args ...string) (string, error) {
	if v.URI != "" {
		args = append([]string{"-c", v.URI}, args...)
	}
	out, err := v.run(ctx, args...)
	return string(bytes.TrimSpace(out)), err
}

func (v *VirshResolver) Resolve(ctx context.Context, vm string) (Target, error) {
	if vm == "" || strings.HasPrefix(vm, "-") {
		return Target{}, fmt.Errorf("%w: %q", ErrNotFound, vm)
	}
	state, err := v.virsh(ctx, "domstate", vm)
	if err != nil {
		if strings.Contains(state, "failed to get domain") || strings.Contains(state, "Domain not found") {
			return Target{}, fmt.Errorf("%w: %s", ErrNotFound, vm)
		}
		return Target{}, fmt.Errorf("virsh domstate %s: %w: %s", vm, err, state)
	}
	if state != "running" {
		return Target{}, fmt.Errorf("%w: %s is %s", ErrNotActive, vm, state)
	}
	display, err := v.virsh(ctx, "vncdisplay", vm)
	if err != nil || display == "" {
		return Target{}, fmt.Errorf("%w: %s", ErrNotConfigured, vm)
	}
	return v.parseDisplay(vm, display)
}

// parseDisplay turns "127.0.0.1:1", ":3" or "[::1]:0" into a target.
func (v *VirshResolver) parseDisplay(vm, display string) (Target, error) {
	i := strings.LastIndexByte(display, ':')
	if i < 0 {
		return Target{}, fmt.Errorf("%w: %s: unexpected display %q", ErrNotConfigured, vm, display)
	}
	n, err := strconv.Atoi(display[i+1:])
	if err != nil || n < 0 || vncBasePort+n > 65535 {
		return Target{}, fmt.Errorf("%w: %s: unexpected display %q", ErrNotConfigured, vm, display)
	}
	host := strings.Trim(display[:i], "[]")
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = v.DefaultHost
	}
	return Target{Host: host, Port: uint16(vncBasePort + n)}, nil
}
