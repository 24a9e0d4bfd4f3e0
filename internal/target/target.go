// Package target resolves a VM name to the VNC graphics endpoint the relay should dial.
package target

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// Lookup failures. All three mean "no usable endpoint" and are answered before any upgrade.
var (
	ErrNotFound      = errors.New("target: vm not found")
	ErrNotActive     = errors.New("target: vm not active")
	ErrNotConfigured = errors.New("target: vnc graphics not configured")
)

// Target is the VNC server address of one VM. Immutable once resolved.
type Target struct {
	Host string `yaml:"host" json:"host"`
	Port uint16 `yaml:"port" json:"port"`
}

// Addr returns host:port suitable for net.Dial.
func (t Target) Addr() string { return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port))) }

func (t Target) String() string { return t.Addr() }

// Resolver is the lookup collaborator consulted once per session.
type Resolver interface {
	Resolve(ctx context.Context, vm string) (Target, error)
}

// IsUnavailable reports whether err means the VM has no usable endpoint.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotActive) || errors.Is(err, ErrNotConfigured)
}
