// Package history persists launcher events into a local SQLite database so
// a restarted launcher (or a support bundle) can show what happened before.
package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aigdat/raux-launcher/internal/health"
	"github.com/aigdat/raux-launcher/internal/installer"
)

// Store appends install-progress and service-status events to SQLite.
// The schema is created if missing. DSN examples:
//   - sqlite:///path/to/launcher.db
//   - /path/to/launcher.db
//   - :memory:
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty DSN for history store")
	}
	d = strings.TrimPrefix(d, "sqlite://")
	db, err := sql.Open("sqlite", d)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS install_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			type TEXT NOT NULL,
			step TEXT NOT NULL,
			message TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_install_history_step ON install_history(step);`,
		`CREATE TABLE IF NOT EXISTS status_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			service TEXT NOT NULL,
			status TEXT NOT NULL,
			healthy BOOLEAN NOT NULL,
			error TEXT NULL,
			version TEXT NULL,
			port TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_status_history_service ON status_history(service);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// RecordInstall appends one install-progress event.
func (s *Store) RecordInstall(ctx context.Context, p installer.Progress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO install_history(occurred_at, type, step, message)
		VALUES(?, ?, ?, ?);`,
		time.Now().UTC(), string(p.Type), p.Step, p.Message)
	return err
}

// RecordStatus appends one service-status transition.
func (s *Store) RecordStatus(ctx context.Context, st health.Status) error {
	var errText any
	if st.Error != "" {
		errText = st.Error
	}
	var version any
	if st.Version != "" {
		version = st.Version
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_history(occurred_at, service, status, healthy, error, version, port)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		time.UnixMilli(st.TimestampMs).UTC(), st.Service, string(st.Status), st.Healthy, errText, version, st.Port)
	return err
}

// InstallEntry is one persisted install-progress event.
type InstallEntry struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Type       string    `json:"type"`
	Step       string    `json:"step"`
	Message    string    `json:"message"`
}

// StatusEntry is one persisted service-status transition.
type StatusEntry struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	Status     string    `json:"status"`
	Healthy    bool      `json:"healthy"`
	Error      string    `json:"error,omitempty"`
	Version    string    `json:"version,omitempty"`
	Port       string    `json:"port,omitempty"`
}

// RecentInstall returns up to limit install events, newest first.
func (s *Store) RecentInstall(ctx context.Context, limit int) ([]InstallEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, type, step, message
		FROM install_history ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []InstallEntry
	for rows.Next() {
		var e InstallEntry
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Type, &e.Step, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentStatus returns up to limit status transitions, newest first.
func (s *Store) RecentStatus(ctx context.Context, limit int) ([]StatusEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, service, status, healthy, error, version, port
		FROM status_history ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []StatusEntry
	for rows.Next() {
		var e StatusEntry
		var errText, version sql.NullString
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Service, &e.Status, &e.Healthy, &errText, &version, &e.Port); err != nil {
			return nil, err
		}
		e.Error = errText.String
		e.Version = version.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// InstallSink adapts the store into an install-progress event sink.
func (s *Store) InstallSink() func(installer.Progress) error {
	return func(p installer.Progress) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.RecordInstall(ctx, p)
	}
}

// StatusSink adapts the store into a status event sink.
func (s *Store) StatusSink() func(health.Status) error {
	return func(st health.Status) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.RecordStatus(ctx, st)
	}
}

func (s *Store) Close() error { return s.db.Close() }
