package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bossandy123/z-memory/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// MemoryFilter selects memories belonging to one entity.
type MemoryFilter struct {
	// EntityKind and EntityID are required.
	EntityKind types.EntityKind
	EntityID   string

	// Tier restricts results to one tier. Empty means both.
	Tier types.Tier

	// Limit caps the result size (default: 100, max: 1000).
	Limit int
}

// Normalize applies defaults to the filter.
func (f *MemoryFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
}

// LogFilter selects action logs. Zero-valued fields are ignored.
type LogFilter struct {
	MemoryID string
	Tier     types.Tier
	Action   types.Action

	// Limit caps the result size (default: 100, max: 1000).
	Limit int
}

// Normalize applies defaults to the filter.
func (f *LogFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
}

// Dialect identifies the SQL flavour a store speaks.
type Dialect int

const (
	// DialectSQLite uses "?" placeholders.
	DialectSQLite Dialect = iota

	// DialectPostgres uses "$n" placeholders.
	DialectPostgres
)

// String returns the driver-facing name of the dialect.
func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind rewrites "?" placeholders into the dialect's native form.
// Queries must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
