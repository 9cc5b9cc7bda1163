// Package db is the run ledger: a sqlite database recording every pipeline
// run, its per-sensor accounting and the batches it delivered.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/slamfeed/internal/monitoring"
)

// DB wraps the ledger connection pool.
type DB struct {
	*sql.DB
	path string
}

// Per-connection settings, passed as _pragma DSN parameters so every pooled
// connection gets them.
var pragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// Open opens or creates the ledger at path and applies pending migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	version, _, err := db.MigrateVersion()
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	monitoring.Logger().Info("run ledger ready",
		zap.String("path", path),
		zap.Uint("schema_version", version))
	return db, nil
}

// Path returns the file the ledger was opened from.
func (db *DB) Path() string { return db.path }
