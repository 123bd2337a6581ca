package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bossandy123/z-memory/pkg/types"
)

func TestChromemUpsertSearchDelete(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromem("", nil)
	require.NoError(t, err)

	col := CollectionName(types.EntityUser, "u1")
	require.NoError(t, idx.Upsert(ctx, col, Point{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]string{"content": "tea"}}))
	require.NoError(t, idx.Upsert(ctx, col, Point{ID: "b", Vector: []float32{0, 1, 0}, Payload: map[string]string{"content": "coffee"}}))

	hits, err := idx.Search(ctx, col, []float32{0.9, 0.1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2, "limit is clamped to collection size")
	assert.Equal(t, "a", hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "tea", hits[0].Payload["content"])

	require.NoError(t, idx.Delete(ctx, col, "a"))
	hits, err = idx.Search(ctx, col, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
}

func TestChromemCollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromem("", nil)
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, CollectionName(types.EntityUser, "u1"), Point{ID: "a", Vector: []float32{1, 0}}))

	hits, err := idx.Search(ctx, CollectionName(types.EntityAgent, "u1"), []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemDeleteMissingCollection(t *testing.T) {
	idx, err := NewChromem("", nil)
	require.NoError(t, err)
	assert.NoError(t, idx.Delete(context.Background(), "nope", "x"))
}

func TestChromemUpsertRejectsEmptyVector(t *testing.T) {
	idx, err := NewChromem("", nil)
	require.NoError(t, err)
	assert.Error(t, idx.Upsert(context.Background(), "c", Point{ID: "x"}))
}
