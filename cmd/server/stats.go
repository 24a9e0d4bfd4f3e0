package main

import (
	"context"
	"time"

	"github.com/matst80/vncrelay/internal/proto"
	"github.com/matst80/vncrelay/internal/registry"
)

// Stats represents current relay state for the dashboard and /api/sessions.
type Stats struct {
	Active      int                 `json:"active"`
	TotalOpened int64               `json:"total_opened"`
	Failed      int64               `json:"failed"`
	Instance    string              `json:"instance,omitempty"`
	Sessions    []proto.SessionInfo `json:"sessions"`
	Now         string              `json:"now"`
}

func collectStats(ctx context.Context, s registry.Store, instance string) (Stats, error) {
	st := s.Stats()
	sessions, err := s.List(ctx)
	if sessions == nil {
		sessions = []proto.SessionInfo{}
	}
	return Stats{
		Active:      st.Active,
		TotalOpened: st.TotalOpened,
		Failed:      st.Failed,
		Instance:    instance,
		Sessions:    sessions,
		Now:         time.Now().UTC().Format(time.RFC3339),
	}, err
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Active":   s.Active,
		"Total":    s.TotalOpened,
		"Failed":   s.Failed,
		"Instance": s.Instance,
		"Sessions": s.Sessions,
	}
}
