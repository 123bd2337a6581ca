package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

func TestQueryService_FusesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := f.store1(t, "likes green tea", types.TierProfile)
	agent, err := f.svc.Store(ctx, StoreRequest{Kind: types.EntityAgent, EntityID: "bot", Content: "recommended a tea shop"})
	require.NoError(t, err)

	res, err := NewQueryService(f.svc).Query(ctx, "tea", "alice", "bot", 5)
	require.NoError(t, err)

	require.Len(t, res.UserMemories, 1)
	require.Len(t, res.AgentMemories, 1)
	require.Len(t, res.FusedContext, 2)
	assert.Equal(t, agent.ID, res.FusedContext[0].ID)
	assert.Equal(t, types.EntityAgent, res.FusedContext[0].Kind)
	assert.Equal(t, user.ID, res.FusedContext[1].ID)

	assert.Equal(t, []string{
		"Related agent memory: recommended a tea shop...",
		"Related user memory: likes green tea...",
	}, res.Recommendations)
}

func TestQueryService_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := NewQueryService(f.svc).Query(context.Background(), "tea", "", "", 5)
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestQueryService_SkipsDisabledKind(t *testing.T) {
	f := newFixture(t, WithEnabledKinds(true, false))

	res, err := NewQueryService(f.svc).Query(context.Background(), "tea", "alice", "bot", 5)
	require.NoError(t, err)
	assert.Empty(t, res.UserMemories)
	assert.Empty(t, res.AgentMemories)
	assert.Equal(t, []string{noRecommendation}, res.Recommendations)
}

func TestRecommend_CapsCountAndLength(t *testing.T) {
	long := strings.Repeat("茶", 150)
	fused := []FusedMemory{
		{Kind: types.EntityUser, Content: long},
		{Kind: types.EntityUser, Content: "b"},
		{Kind: types.EntityAgent, Content: "c"},
		{Kind: types.EntityAgent, Content: "d"},
	}

	got := recommend(fused)
	require.Len(t, got, maxRecommendations)
	assert.Equal(t, "Related user memory: "+strings.Repeat("茶", recommendationLen)+"...", got[0])
	assert.Equal(t, "Related agent memory: c...", got[2])
}
