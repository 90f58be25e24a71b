// Package db is the sqlite store behind the audit journal, the bars table
// replay venues can load from, and recorded tick values.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

// Database is an open, migrated trader store.
type Database struct {
	DB   *sql.DB
	Path string
}

// New opens the sqlite file at path, creating its directory, and applies
// the schema. File databases run in WAL mode so API readers do not block
// the journal writer.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("db: path is empty")
	}
	dsn := path
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("db: create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	// one connection: a single writer, and :memory: stays one database
	handle.SetMaxOpenConns(1)
	handle.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("db: ping %s: %w", path, err)
	}

	d := &Database{DB: handle, Path: path}
	if err := ApplyMigrations(d); err != nil {
		handle.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the handle. It is safe on a nil Database.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
