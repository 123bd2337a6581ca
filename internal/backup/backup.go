// Package backup takes consistent snapshots of the SQLite store and keeps a
// tiered set of them on disk.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const (
	filePrefix = "zmemory-"
	fileSuffix = ".db"
	timeLayout = "20060102T150405Z"
)

// Policy sets how many snapshots survive pruning in each tier. A snapshot is
// kept when it is the newest one in a recent hour, day, week or month slot.
type Policy struct {
	Hourly  int `json:"hourly"`
	Daily   int `json:"daily"`
	Weekly  int `json:"weekly"`
	Monthly int `json:"monthly"`
}

// DefaultPolicy keeps a day of hourlies, a week of dailies, a month of
// weeklies and half a year of monthlies.
func DefaultPolicy() Policy {
	return Policy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 6}
}

// Snapshot describes one backup file.
type Snapshot struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Manager creates, lists, prunes and restores snapshots of one database.
type Manager struct {
	dbPath string
	dir    string
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used to name and prune snapshots.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager writing snapshots of dbPath into dir.
func NewManager(dbPath, dir string, policy Policy, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if dbPath == "" || dir == "" {
		return nil, errors.New("backup: database path and backup directory are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{dbPath: dbPath, dir: dir, policy: policy, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create writes a new snapshot with VACUUM INTO, checks its integrity and
// prunes older snapshots according to the policy.
func (m *Manager) Create(ctx context.Context) (*Snapshot, error) {
	if _, err := os.Stat(m.dbPath); err != nil {
		return nil, fmt.Errorf("backup: source database: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return nil, fmt.Errorf("backup: create directory: %w", err)
	}

	created := m.now().UTC().Truncate(time.Second)
	path := filepath.Join(m.dir, filePrefix+created.Format(timeLayout)+fileSuffix)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("backup: snapshot %s already exists", filepath.Base(path))
	}

	start := time.Now()
	db, err := sql.Open("sqlite", m.dbPath)
	if err != nil {
		return nil, fmt.Errorf("backup: open source: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("backup: vacuum into %s: %w", path, err)
	}
	if err := Verify(ctx, path); err != nil {
		os.Remove(path)
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup: stat snapshot: %w", err)
	}
	snap := &Snapshot{Path: path, CreatedAt: created, SizeBytes: info.Size()}
	m.logger.Info("backup created", "path", path, "size_bytes", snap.SizeBytes,
		"duration", time.Since(start))

	if _, err := m.Prune(); err != nil {
		m.logger.Warn("backup prune failed", "error", err)
	}
	return snap, nil
}

// Verify runs an integrity check against a snapshot file.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("backup: open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check failed for %s: %s", filepath.Base(path), result)
	}
	return nil
}

// List returns snapshots in the backup directory, newest first. Files whose
// names do not carry a snapshot timestamp are ignored.
func (m *Manager) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup: read directory: %w", err)
	}

	var snaps []Snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		created, ok := parseName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, Snapshot{
			Path:      filepath.Join(m.dir, e.Name()),
			CreatedAt: created,
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

// Prune deletes snapshots that no tier of the policy keeps and returns the
// removed paths. The newest snapshot is always kept.
func (m *Manager) Prune() ([]string, error) {
	snaps, err := m.List()
	if err != nil {
		return nil, err
	}
	keep := retained(snaps, m.policy)

	var removed []string
	for _, s := range snaps {
		if keep[s.Path] {
			continue
		}
		if err := os.Remove(s.Path); err != nil {
			return removed, fmt.Errorf("backup: remove %s: %w", s.Path, err)
		}
		removed = append(removed, s.Path)
	}
	if len(removed) > 0 {
		m.logger.Info("backups pruned", "removed", len(removed), "kept", len(snaps)-len(removed))
	}
	return removed, nil
}

// Restore verifies a snapshot and copies it over the live database. The
// service must not be running. Stale WAL files are removed so the restored
// file is read as-is.
func (m *Manager) Restore(ctx context.Context, snapshotPath string) error {
	if err := Verify(ctx, snapshotPath); err != nil {
		return err
	}

	src, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("backup: open snapshot: %w", err)
	}
	defer src.Close()

	tmp := m.dbPath + ".restore"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", tmp, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("backup: copy snapshot: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("backup: close %s: %w", tmp, err)
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(m.dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			os.Remove(tmp)
			return fmt.Errorf("backup: remove %s: %w", m.dbPath+suffix, err)
		}
	}
	if err := os.Rename(tmp, m.dbPath); err != nil {
		return fmt.Errorf("backup: replace database: %w", err)
	}
	m.logger.Info("backup restored", "from", snapshotPath, "to", m.dbPath)
	return nil
}

func parseName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// retained picks the snapshots to keep. snaps must be sorted newest first,
// so the first snapshot seen in a slot is that slot's newest.
func retained(snaps []Snapshot, p Policy) map[string]bool {
	keep := make(map[string]bool)
	if len(snaps) == 0 {
		return keep
	}
	keep[snaps[0].Path] = true

	tiers := []struct {
		limit int
		slot  func(time.Time) string
	}{
		{p.Hourly, func(t time.Time) string { return t.Format("2006010215") }},
		{p.Daily, func(t time.Time) string { return t.Format("20060102") }},
		{p.Weekly, func(t time.Time) string {
			y, w := t.ISOWeek()
			return fmt.Sprintf("%d-%02d", y, w)
		}},
		{p.Monthly, func(t time.Time) string { return t.Format("200601") }},
	}
	for _, tier := range tiers {
		if tier.limit <= 0 {
			continue
		}
		seen := make(map[string]bool)
		for _, s := range snaps {
			slot := tier.slot(s.CreatedAt)
			if seen[slot] {
				continue
			}
			if len(seen) == tier.limit {
				break
			}
			seen[slot] = true
			keep[s.Path] = true
		}
	}
	return keep
}
