// Package sqlstore implements storage.Store on database/sql. The SQLite and
// PostgreSQL backends share every query; placeholders are rebound per dialect
// and JSON columns are written as text so both TEXT and JSONB accept them.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bossandy123/z-memory/internal/storage"
)

// Store implements storage.Store over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect storage.Dialect
}

var _ storage.Store = (*Store)(nil)

// New wraps an open database. The schema must already be migrated.
func New(db *sql.DB, dialect storage.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for migrations and backend-specific extras.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the store.
func (s *Store) Dialect() storage.Dialect {
	return s.dialect
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// affectedOrNotFound turns a zero-row update into ErrNotFound.
func affectedOrNotFound(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", storage.ErrNotFound, what, id)
	}
	return nil
}

// marshalJSON encodes v for a TEXT/JSONB column. Nil maps become NULL.
func marshalJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// unmarshalMeta decodes a metadata column, always returning a non-nil map.
func unmarshalMeta(ns sql.NullString) (map[string]interface{}, error) {
	meta := make(map[string]interface{})
	if !ns.Valid || ns.String == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(ns.String), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// nullableTime converts a time pointer to sql.NullTime.
func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// utc normalises timestamps before they reach the driver so text-encoded
// SQLite timestamps compare lexically in the same zone.
func utc(t time.Time) time.Time {
	return t.UTC()
}
