package proto

import "time"

// SessionInfo describes one open relay session. It is the registry entry and the
// /api/sessions element.
type SessionInfo struct {
	ID       string    `json:"id"`
	VM       string    `json:"vm"`
	Target   string    `json:"target"`
	Remote   string    `json:"remote"`
	OpenedAt time.Time `json:"opened_at"`
	Instance string    `json:"instance,omitempty"`
}

// HistoryRecord is a finished session as stored in the history database.
type HistoryRecord struct {
	ID       string    `json:"id"`
	VM       string    `json:"vm"`
	Target   string    `json:"target"`
	Remote   string    `json:"remote"`
	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at"`
	BytesIn  int64     `json:"bytes_in"`
	BytesOut int64     `json:"bytes_out"`
	Kind     string    `json:"kind"`
	Error    string    `json:"error,omitempty"`
}

// Duration is how long the session stayed open.
func (h HistoryRecord) Duration() time.Duration { return h.ClosedAt.Sub(h.OpenedAt) }
