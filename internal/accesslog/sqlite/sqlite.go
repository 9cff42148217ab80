// Package sqlite provides a SQLite-backed access log backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gezibash/luahttp/internal/accesslog"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	accesslog.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() accesslog.Config {
	return accesslog.Config{
		KeyPath:        "~/.luahttp/access.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS access_log (
    id          TEXT PRIMARY KEY,
    ts          INTEGER NOT NULL,
    remote_addr TEXT NOT NULL,
    method      TEXT NOT NULL,
    path        TEXT NOT NULL,
    status      INTEGER NOT NULL,
    duration_ns INTEGER NOT NULL,
    error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_access_log_ts ON access_log(ts);
`

// NewFactory creates a SQLite sink from a configuration map.
func NewFactory(_ context.Context, cfg accesslog.Config) (accesslog.Sink, error) {
	path := cfg.String(KeyPath, "")
	if path == "" {
		return nil, accesslog.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = accesslog.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, accesslog.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := cfg.String(KeyJournalMode, "wal")
	busyTimeout, err := cfg.Int("sqlite", KeyBusyTimeout, 5000)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)", path, journalMode, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, accesslog.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, accesslog.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite access log initialized", "path", path, "journal_mode", journalMode)
	return &Sink{db: db}, nil
}

// Sink writes records to the access_log table.
type Sink struct {
	db     *sql.DB
	closed atomic.Bool
}

// Append inserts rec.
func (s *Sink) Append(ctx context.Context, rec accesslog.Record) error {
	if s.closed.Load() {
		return accesslog.ErrClosed
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO access_log (id, ts, remote_addr, method, path, status, duration_ns, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Time.UnixNano(), rec.RemoteAddr, rec.Method, rec.Path, rec.Status, int64(rec.Duration), rec.Error,
	); err != nil {
		return fmt.Errorf("sqlite append: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]accesslog.Record, error) {
	if s.closed.Load() {
		return nil, accesslog.ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, remote_addr, method, path, status, duration_ns, error
		 FROM access_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite recent: %w", err)
	}
	defer rows.Close()

	var out []accesslog.Record
	for rows.Next() {
		var (
			rec     accesslog.Record
			ts, dur int64
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.RemoteAddr, &rec.Method, &rec.Path, &rec.Status, &dur, &rec.Error); err != nil {
			return nil, fmt.Errorf("sqlite recent: scan: %w", err)
		}
		rec.Time = time.Unix(0, ts)
		rec.Duration = time.Duration(dur)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (s *Sink) Count(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, accesslog.ErrClosed
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}

// Close closes the database. Subsequent calls are no-ops.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
