// Package registry tracks the sessions currently open on this relay (and, with Redis, its peers).
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/matst80/vncrelay/internal/obs"
	"github.com/matst80/vncrelay/internal/proto"
)

// Store is inserted into when a session opens and removed from when it closes.
type Store interface {
	Add(ctx context.Context, info proto.SessionInfo) error
	Remove(ctx context.Context, id string)
	List(ctx context.Context) ([]proto.SessionInfo, error)
	// RecordFailure counts a session that never reached the open state.
	RecordFailure()
	Stats() Stats

	SetReady(ready bool)
	SetClosing(closing bool)
	IsReady() bool
	IsClosing() bool
}

// Stats are the counters shown on the dashboard.
type Stats struct {
	Active      int   `json:"active"`
	TotalOpened int64 `json:"total_opened"`
	Failed      int64 `json:"failed"`
}

// MemoryStore is a mutex-guarded map keyed by session id.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]proto.SessionInfo
	ready    bool
	closing  bool
	total    int64
	failed   int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]proto.SessionInfo)}
}

func (m *MemoryStore) Add(_ context.Context, info proto.SessionInfo) error {
	m.mu.Lock()
	m.sessions[info.ID] = info
	m.total++
	n := len(m.sessions)
	m.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
}

// List returns open sessions, oldest first.
func (m *MemoryStore) List(context.Context) ([]proto.SessionInfo, error) {
	m.mu.Lock()
	out := make([]proto.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sortSessions(out)
	return out, nil
}

// RecordFailure counts a session that never reached the open state.
func (m *MemoryStore) RecordFailure() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Active: len(m.sessions), TotalOpened: m.total, Failed: m.failed}
}

func (m *MemoryStore) SetReady(v bool)   { m.mu.Lock(); m.ready = v; m.mu.Unlock() }
func (m *MemoryStore) SetClosing(v bool) { m.mu.Lock(); m.closing = v; m.mu.Unlock() }
func (m *MemoryStore) IsReady() bool     { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }
func (m *MemoryStore) IsClosing() bool   { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }

func sortSessions(s []proto.SessionInfo) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].OpenedAt.Equal(s[j].OpenedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].OpenedAt.Before(s[j].OpenedAt)
	})
}
