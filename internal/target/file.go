package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"github.com/matst80/vncrelay/internal/obs"
)

// tableEntry is one VM in the YAML target table.
type tableEntry struct {
	Host   string `yaml:"host"`
	Port   uint16 `yaml:"port"`
	Active *bool  `yaml:"active,omitempty"`
}

type table struct {
	VMs map[string]tableEntry `yaml:"vms"`
}

// FileResolver serves lookups from a YAML table:
//
//	vms:
//	  web01: {host: 127.0.0.1, port: 5901}
//	  db01:  {host: 10.0.0.7, port: 5900, active: false}
//
// A missing port means graphics are not configured. Entries default to active.
type FileResolver struct {
	path string

	mu  sync.RWMutex
	vms map[string]tableEntry
}

// NewFileResolver loads path once. Call Watch to follow later edits.
func NewFileResolver(path string) (*FileResolver, error) {
	r := &FileResolver{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the table. On error the previous table stays in effect.
func (r *FileResolver) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read target table: %w", err)
	}
	var t table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("parse target table %s: %w", r.path, err)
	}
	if t.VMs == nil {
		t.VMs = map[string]tableEntry{}
	}
	r.mu.Lock()
	r.vms = t.VMs
	r.mu.Unlock()
	return nil
}

// Len returns the number of VMs in the table.
func (r *FileResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vms)
}

func (r *FileResolver) Resolve(_ context.Context, vm string) (Target, error) {
	r.mu.RLock()
	e, ok := r.vms[vm]
	r.mu.RUnlock()
	switch {
	case !ok:
		return Target{}, fmt.Errorf("%w: %s", ErrNotFound, vm)
	case e.Active != nil && !*e.Active:
		return Target{}, fmt.Errorf("%w: %s", ErrNotActive, vm)
	case e.Port == 0:
		return Target{}, fmt.Errorf("%w: %s", ErrNotConfigured, vm)
	}
	host := e.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return Target{Host: host, Port: e.Port}, nil
}

// Watch reloads the table whenever the file changes until ctx is done. The parent directory is
// watched so editors that replace the file atomically are followed.
func (r *FileResolver) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		return err
	}
	name := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				obs.Error("targets.reload", obs.Fields{"err": err.Error(), "path": r.path})
				continue
			}
			obs.Info("targets.reloaded", obs.Fields{"path": r.path, "vms": r.Len()})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			obs.Error("targets.watch", obs.Fields{"err": err.Error()})
		}
	}
}
