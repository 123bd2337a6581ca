// Package vector defines the nearest-neighbour index that backs memory
// similarity search. Points live in one collection per (entity kind, entity
// id); collections are created lazily on first write.
package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/bossandy123/z-memory/pkg/types"
)

// ErrDimensionMismatch is returned when a vector does not match the
// dimensionality already stored in a collection.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Point is one stored vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Hit is one search result, scored by cosine similarity (higher is closer).
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]string
}

// Index is a cosine-similarity vector index partitioned into collections.
type Index interface {
	// Upsert inserts or replaces a point, creating the collection if needed.
	Upsert(ctx context.Context, collection string, p Point) error

	// Delete removes a point. Deleting a missing point is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Search returns up to limit points closest to vec. A missing or empty
	// collection yields no hits.
	Search(ctx context.Context, collection string, vec []float32, limit int) ([]Hit, error)

	// Close releases resources.
	Close() error
}

// CollectionName returns the collection holding an entity's memories.
func CollectionName(kind types.EntityKind, entityID string) string {
	return fmt.Sprintf("%s_%s", kind, entityID)
}

// ToFloat32 converts an embedding into the precision the index stores.
func ToFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
