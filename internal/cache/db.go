package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite snapshot cache, cache.db in the profile dir.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the cache at path in WAL mode.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	// Snapshots are written from several goroutines; one connection keeps
	// sqlite from returning SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path is the file the cache lives in.
func (db *DB) Path() string {
	return db.path
}
