package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/bossandy123/z-memory/internal/vector"
)

// vectorSchema creates the point table. The vector column is left
// dimensionless so any embedding model can be used; collections are a column
// rather than separate tables, so "lazy creation" is implicit.
const vectorSchema = `
CREATE TABLE IF NOT EXISTS vector_points (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    embedding vector NOT NULL,
    payload JSONB,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_vector_points_collection ON vector_points(collection);
`

// VectorIndex implements vector.Index on pgvector.
type VectorIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ vector.Index = (*VectorIndex)(nil)

// NewVectorIndex enables the pgvector extension and creates the point table.
// It fails when the extension is not installed so callers can fall back to
// an embedded index.
func NewVectorIndex(ctx context.Context, db *sql.DB, logger *slog.Logger) (*VectorIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return nil, fmt.Errorf("postgres: pgvector extension not available: %w", err)
	}
	if _, err := db.ExecContext(ctx, vectorSchema); err != nil {
		return nil, fmt.Errorf("postgres: failed to create vector table: %w", err)
	}
	return &VectorIndex{db: db, logger: logger}, nil
}

// Upsert inserts or replaces a point.
func (v *VectorIndex) Upsert(ctx context.Context, collection string, p vector.Point) error {
	if len(p.Vector) == 0 {
		return fmt.Errorf("upsert %s: empty vector", p.ID)
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO vector_points (collection, id, embedding, payload, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (collection, id) DO UPDATE SET
			embedding = excluded.embedding,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP`,
		collection, p.ID, pgvector.NewVector(p.Vector), string(payload))
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert vector: %w", err)
	}
	return nil
}

// Delete removes a point.
func (v *VectorIndex) Delete(ctx context.Context, collection, id string) error {
	_, err := v.db.ExecContext(ctx, `DELETE FROM vector_points WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete vector: %w", err)
	}
	return nil
}

// Search returns the closest points by cosine distance.
func (v *VectorIndex) Search(ctx context.Context, collection string, vec []float32, limit int) ([]vector.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := v.db.QueryContext(ctx, `
		SELECT id, 1 - (embedding <=> $2::vector) AS similarity, payload
		FROM vector_points
		WHERE collection = $1
		ORDER BY embedding <=> $2::vector
		LIMIT $3`, collection, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []vector.Hit
	for rows.Next() {
		var (
			h       vector.Hit
			payload sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.Score, &payload); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan vector hit: %w", err)
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &h.Payload); err != nil {
				v.logger.Warn("postgres: skipping unreadable vector payload", "id", h.ID, "error", err)
			}
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Close is a no-op; the database handle is owned by the relational store.
func (v *VectorIndex) Close() error {
	return nil
}
