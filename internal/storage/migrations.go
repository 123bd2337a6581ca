package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// MigrationManager manages database schema migrations using plain SQL files.
// It reads NNN_name.up.sql / NNN_name.down.sql files from a filesystem
// (usually an embed.FS compiled into the backend package) and applies them in
// order, tracking the current version in a schema_migrations table.
type MigrationManager struct {
	db      *sql.DB
	dialect Dialect
	files   fs.FS
	dir     string
}

// migration represents a single up/down migration pair.
type migration struct {
	version  uint
	name     string
	upFile   string
	downFile string
}

// MigrationStatus describes one known migration and whether it is applied.
type MigrationStatus struct {
	Version uint   `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

// NewMigrationManager creates a new MigrationManager reading migrations from
// dir inside files.
func NewMigrationManager(db *sql.DB, dialect Dialect, files fs.FS, dir string) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if files == nil {
		return nil, fmt.Errorf("migrations: filesystem is required")
	}
	if _, err := fs.Stat(files, dir); err != nil {
		return nil, fmt.Errorf("migrations: directory does not exist: %s", dir)
	}

	mgr := &MigrationManager{
		db:      db,
		dialect: dialect,
		files:   files,
		dir:     dir,
	}

	if err := mgr.ensureSchemaTable(); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	return mgr, nil
}

// ensureSchemaTable creates the schema_migrations table if it doesn't exist.
func (mgr *MigrationManager) ensureSchemaTable() error {
	_, err := mgr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Up applies all pending migrations in ascending version order.
// Returns nil if already up-to-date.
func (mgr *MigrationManager) Up(ctx context.Context) error {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	currentVersion, err := mgr.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := mgr.apply(ctx, m.upFile, m, true); err != nil {
			return err
		}
	}

	return nil
}

// Down rolls back the most recently applied migration. Calling it repeatedly
// walks the schema back one version at a time.
func (mgr *MigrationManager) Down(ctx context.Context) error {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	currentVersion, err := mgr.Version(ctx)
	if errors.Is(err, ErrNoMigration) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.version != currentVersion {
			continue
		}
		if m.downFile == "" {
			return fmt.Errorf("migrations: version %d (%s) has no down file", m.version, m.name)
		}
		return mgr.apply(ctx, m.downFile, m, false)
	}

	return fmt.Errorf("migrations: applied version %d has no migration file", currentVersion)
}

// apply runs one migration file and records or removes its version inside a
// single transaction.
func (mgr *MigrationManager) apply(ctx context.Context, file string, m migration, up bool) error {
	body, err := fs.ReadFile(mgr.files, file)
	if err != nil {
		return fmt.Errorf("migrations: failed to read %s: %w", file, err)
	}

	tx, err := mgr.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrations: failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("migrations: failed to run version %d (%s): %w", m.version, m.name, err)
	}

	bookkeeping := "INSERT INTO schema_migrations (version) VALUES (?)"
	if !up {
		bookkeeping = "DELETE FROM schema_migrations WHERE version = ?"
	}
	if _, err := tx.ExecContext(ctx, mgr.dialect.Rebind(bookkeeping), m.version); err != nil {
		return fmt.Errorf("migrations: failed to record version %d: %w", m.version, err)
	}

	return tx.Commit()
}

// Version returns the highest applied migration version.
// Returns (0, ErrNoMigration) when no migration has been applied.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var version uint
	err := mgr.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}

// Status lists every known migration and whether it has been applied.
func (mgr *MigrationManager) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	rows, err := mgr.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to query applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[uint]bool)
	for rows.Next() {
		var v uint
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("migrations: failed to scan version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		out = append(out, MigrationStatus{Version: m.version, Name: m.name, Applied: applied[m.version]})
	}
	return out, nil
}

// loadMigrations reads and parses migration files from the directory.
// Files must be named NNN_name.up.sql (where NNN is a zero-padded integer).
// Returns migrations sorted by version ascending.
func (mgr *MigrationManager) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(mgr.files, mgr.dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	migrationMap := make(map[uint]*migration)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		underscoreIdx := strings.Index(name, "_")
		if underscoreIdx < 0 {
			continue
		}
		versionStr := name[:underscoreIdx]
		rest := name[underscoreIdx+1:]

		versionInt, err := strconv.ParseUint(versionStr, 10, 64)
		if err != nil {
			continue // Skip non-numeric prefix files
		}
		version := uint(versionInt)

		fullPath := path.Join(mgr.dir, name)

		m, ok := migrationMap[version]
		if !ok {
			m = &migration{version: version}
			migrationMap[version] = m
		}

		if strings.HasSuffix(rest, ".up.sql") {
			m.name = strings.TrimSuffix(rest, ".up.sql")
			m.upFile = fullPath
		} else if strings.HasSuffix(rest, ".down.sql") {
			m.downFile = fullPath
		}
	}

	migrations := make([]migration, 0, len(migrationMap))
	for _, m := range migrationMap {
		if m.upFile == "" {
			continue
		}
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations, nil
}
