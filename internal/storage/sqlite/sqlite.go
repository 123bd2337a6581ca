// Package sqlite opens the embedded SQLite backend. It is the default store:
// a single file, no server, CGO-free via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/internal/storage/sqlstore"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// NewMigrationManager returns a migration manager over the embedded SQLite migrations.
func NewMigrationManager(db *sql.DB) (*storage.MigrationManager, error) {
	return storage.NewMigrationManager(db, storage.DialectSQLite, migrationFiles, "migrations")
}

// Open opens a SQLite database with WAL self-healing and applies pending
// migrations. If the initial open fails due to stale WAL files (left behind
// by a crashed process), it verifies no other process holds them and retries
// once after removing the stale -shm/-wal files.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*sqlstore.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := open(dsn)
	if err != nil {
		if !isRecoverableWALError(err) {
			return nil, err
		}
		dbPath := dbPathFromDSN(dsn)
		if dbPath == "" || !isWALStale(dbPath) {
			return nil, err
		}
		removeStaleWAL(dbPath, logger)

		var retryErr error
		db, retryErr = open(dsn)
		if retryErr != nil {
			return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
		}
		logger.Info("sqlite: recovered from stale WAL files", "path", dbPath)
	}

	mgr, err := NewMigrationManager(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	if err := mgr.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}

	return sqlstore.New(db, storage.DialectSQLite), nil
}

// OpenDB opens the database without applying migrations.
func OpenDB(dsn string) (*sql.DB, error) {
	return open(dsn)
}

// open opens a SQLite database and configures WAL mode.
func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// It also keeps ":memory:" databases alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths ("/path/to/db.sqlite") and file: URIs ("file:/path/to/db.sqlite?mode=rwc").
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError returns true if the error matches patterns caused by
// stale WAL files left behind after a crash (SIGKILL, OOM, etc.).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database path
// AND no other process currently holds them open (via lsof).
// Returns false if lsof is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		// lsof exits 1 when no files are open.
		return true
	}

	return strings.TrimSpace(string(output)) == ""
}

// removeStaleWAL removes -shm and -wal files for the given database path.
func removeStaleWAL(dbPath string, logger *slog.Logger) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("sqlite: failed to remove stale WAL file", "path", path, "error", err)
		}
	}
}

// fileExists returns true if the path exists on disk.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
