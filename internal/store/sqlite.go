package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// db wraps the raw SQLite connection. Writes are serialized through
// writeMu, matching the single-writer model spec.md requires; reads are
// lock-free and go straight to database/sql's pool.
type db struct {
	conn    *sql.DB
	writeMu sync.Mutex
	logger  *logrus.Logger
}

// open creates (or reopens) the database file at path, enables WAL and
// foreign keys, and applies the schema.
func open(path string, logger *logrus.Logger) (*db, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	d := &db{conn: conn, logger: logger}
	if err := d.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithField("path", path).Info("Mail store initialized")
	return d, nil
}

func (d *db) initSchema() error {
	if _, err := d.conn.Exec(schema); err != nil {
		return err
	}
	return nil
}

func (d *db) Close() error {
	return d.conn.Close()
}
