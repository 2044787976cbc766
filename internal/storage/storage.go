// Package storage is the optional durable backend. When enabled it
// persists preference records, templates, and delivery outcomes in a
// single SQLite file; when disabled the in-memory stores are used.
package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"notifyd/internal/config"
	"notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrDisabled = errors.New("storage disabled")

// DB wraps the SQLite handle and hands out the typed store views.
type DB struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the configured store. It returns (nil, nil) when the
// driver is empty or "none".
func Open(cfg *config.StorageConfig, log logx.Logger) (*DB, error) {
	if cfg == nil {
		return nil, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if driver != "sqlite" && driver != "sqlite3" {
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if d, derr := config.ParseDurationOrDefault("storage.busy_timeout", cfg.BusyTimeout, 0); derr == nil && d > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", d.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &DB{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("path", cfg.Path))
	return s, nil
}

func (s *DB) migrate() error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.Exec(string(b))
	return err
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Preferences returns the durable preference store view.
func (s *DB) Preferences() *PrefStore { return &PrefStore{db: s.db} }

// Templates returns the durable template store view.
func (s *DB) Templates() *TemplateStore { return &TemplateStore{db: s.db} }

// Outcomes returns the durable delivery-outcome store view.
func (s *DB) Outcomes() *OutcomeStore { return &OutcomeStore{db: s.db} }
