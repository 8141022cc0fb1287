package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "remindbot/pkg/logx"
)

const settingsSchema = `
CREATE TABLE IF NOT EXISTS settings (
	scope TEXT NOT NULL,            -- "user" | "channel"
	name  TEXT NOT NULL,            -- lowercased nick or channel
	tz    TEXT NOT NULL,
	PRIMARY KEY (scope, name)
) WITHOUT ROWID;
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(settingsSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SetUserTimezone(ctx context.Context, nick, zone string) error {
	return s.set(ctx, "user", nick, zone)
}

func (s *sqliteStore) UserTimezone(ctx context.Context, nick string) (string, bool, error) {
	return s.get(ctx, "user", nick)
}

func (s *sqliteStore) SetChannelTimezone(ctx context.Context, channel, zone string) error {
	return s.set(ctx, "channel", channel, zone)
}

func (s *sqliteStore) ChannelTimezone(ctx context.Context, channel string) (string, bool, error) {
	return s.get(ctx, "channel", channel)
}

func (s *sqliteStore) set(ctx context.Context, scope, name, zone string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return errors.New("empty " + scope + " name")
	}
	if zone == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE scope = ? AND name = ?`, scope, name)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(scope, name, tz) VALUES(?,?,?)
		 ON CONFLICT(scope, name) DO UPDATE SET tz=excluded.tz`,
		scope, name, zone,
	)
	return err
}

func (s *sqliteStore) get(ctx context.Context, scope, name string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", false, nil
	}
	var zone string
	err := s.db.QueryRowContext(ctx, `SELECT tz FROM settings WHERE scope = ? AND name = ?`, scope, name).Scan(&zone)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return zone, true, nil
}
