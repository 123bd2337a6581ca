package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

const memoryColumns = `id, entity_kind, entity_id, tier, content, metadata,
	is_permanent, expires_at, vector_id, created_at, updated_at`

// CreateMemory inserts a new memory.
func (s *Store) CreateMemory(ctx context.Context, m *types.Memory) error {
	if m == nil {
		return fmt.Errorf("%w: memory cannot be nil", storage.ErrInvalidInput)
	}
	if m.ID == "" || m.EntityID == "" || m.Content == "" {
		return fmt.Errorf("%w: memory id, entity id and content are required", storage.ErrInvalidInput)
	}
	if !m.Tier.IsValid() || !m.EntityKind.IsValid() {
		return fmt.Errorf("%w: invalid tier %q or entity kind %q", storage.ErrInvalidInput, m.Tier, m.EntityKind)
	}

	meta, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := utc(time.Now())
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	_, err = s.exec(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.EntityKind), m.EntityID, string(m.Tier), m.Content, meta,
		m.IsPermanent, nullableTime(m.ExpiresAt), m.VectorID, utc(m.CreatedAt), utc(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory by ID.
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	row := s.queryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return m, nil
}

// ListMemories returns memories for one entity, newest first.
func (s *Store) ListMemories(ctx context.Context, filter storage.MemoryFilter) ([]*types.Memory, error) {
	if filter.EntityID == "" || !filter.EntityKind.IsValid() {
		return nil, fmt.Errorf("%w: entity kind and id are required", storage.ErrInvalidInput)
	}
	filter.Normalize()

	q := `SELECT ` + memoryColumns + ` FROM memories WHERE entity_kind = ? AND entity_id = ?`
	args := []interface{}{string(filter.EntityKind), filter.EntityID}
	if filter.Tier != "" {
		q += ` AND tier = ?`
		args = append(args, string(filter.Tier))
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMemory rewrites content, metadata and expiry. The tier is left untouched.
func (s *Store) UpdateMemory(ctx context.Context, m *types.Memory) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
	}

	meta, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	m.UpdatedAt = utc(time.Now())

	res, err := s.exec(ctx, `
		UPDATE memories
		SET content = ?, metadata = ?, is_permanent = ?, expires_at = ?, vector_id = ?, updated_at = ?
		WHERE id = ?`,
		m.Content, meta, m.IsPermanent, nullableTime(m.ExpiresAt), m.VectorID, m.UpdatedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	return affectedOrNotFound(res, "memory", m.ID)
}

// DeleteMemory permanently removes a memory row.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	res, err := s.exec(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return affectedOrNotFound(res, "memory", id)
}

func scanMemory(r rowScanner) (*types.Memory, error) {
	var (
		m         types.Memory
		kind      string
		tier      string
		meta      sql.NullString
		permanent sql.NullBool
		expiresAt sql.NullTime
		vectorID  sql.NullString
	)
	if err := r.Scan(&m.ID, &kind, &m.EntityID, &tier, &m.Content, &meta,
		&permanent, &expiresAt, &vectorID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.EntityKind = types.EntityKind(kind)
	m.Tier = types.Tier(tier)
	m.IsPermanent = permanent.Valid && permanent.Bool
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	m.VectorID = vectorID.String

	md, err := unmarshalMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	m.Metadata = md
	return &m, nil
}
