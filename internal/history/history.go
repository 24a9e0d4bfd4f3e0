// Package history keeps a SQLite log of finished relay sessions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/matst80/vncrelay/internal/proto"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id        TEXT PRIMARY KEY,
	vm        TEXT NOT NULL,
	target    TEXT NOT NULL,
	remote    TEXT NOT NULL,
	opened_at INTEGER NOT NULL,
	closed_at INTEGER NOT NULL,
	bytes_in  INTEGER NOT NULL,
	bytes_out INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	error     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS sessions_closed_at ON sessions(closed_at);
CREATE INDEX IF NOT EXISTS sessions_vm ON sessions(vm, closed_at);
`

// Store appends and queries finished sessions.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record stores one finished session. Re-recording an id replaces the row.
func (s *Store) Record(ctx context.Context, r proto.HistoryRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sessions
		(id, vm, target, remote, opened_at, closed_at, bytes_in, bytes_out, kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.VM, r.Target, r.Remote, r.OpenedAt.UnixMilli(), r.ClosedAt.UnixMilli(),
		r.BytesIn, r.BytesOut, r.Kind, r.Error)
	if err != nil {
		return fmt.Errorf("record session %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns up to limit sessions, most recently closed first. A non-empty vm filters by VM.
func (s *Store) Recent(ctx context.Context, vm string, limit int) ([]proto.HistoryRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT id, vm, target, remote, opened_at, closed_at, bytes_in, bytes_out, kind, error
		FROM sessions`
	args := []any{}
	if vm != "" {
		q += ` WHERE vm = ?`
		args = append(args, vm)
	}
	q += ` ORDER BY closed_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	out := []proto.HistoryRecord{}
	for rows.Next() {
		var r proto.HistoryRecord
		var opened, closed int64
		if err := rows.Scan(&r.ID, &r.VM, &r.Target, &r.Remote, &opened, &closed,
			&r.BytesIn, &r.BytesOut, &r.Kind, &r.Error); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.OpenedAt = time.UnixMilli(opened).UTC()
		r.ClosedAt = time.UnixMilli(closed).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes sessions closed before cutoff and returns how many rows went away.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE closed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
