package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bossandy123/z-memory/internal/logging"
	"github.com/bossandy123/z-memory/pkg/types"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

func (m *mockGenerator) GetModel() string { return "mock" }

func TestExtractor_ResolvesExistingMemories(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("Complete", mock.Anything, mock.AnythingOfType("string")).Return(`[
		{"content": "Works at Acme", "action": "update", "existing_content": "Works at Initech", "memory_layer": "event", "reason": "job change"},
		{"content": "Likes tea", "action": "ignore", "existing_content": "Likes tea"},
		{"content": "Has a dog", "action": "insert", "memory_layer": "profile", "metadata": {"category": "pets"}}
	]`, nil)

	existing := []*types.Memory{
		{ID: "m-job", Tier: types.TierProfile, Content: "Works at Initech"},
		{ID: "m-tea", Tier: types.TierProfile, Content: "Likes tea"},
	}

	ex := NewExtractor(gen, logging.Discard())
	got, err := ex.Extract(context.Background(), "I moved to Acme", "u1", types.EntityUser, existing)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "m-job", got[0].MemoryID)
	assert.Equal(t, types.TierProfile, got[0].Tier, "tier follows the existing memory")
	assert.Equal(t, "m-tea", got[1].MemoryID)
	assert.Empty(t, got[2].MemoryID)

	meta := got[2].Metadata
	assert.Equal(t, "auto_extraction", meta["source"])
	assert.Equal(t, "u1", meta["entity_id"])
	assert.Equal(t, true, meta["auto_extracted"])
	assert.Equal(t, 3, meta["importance"])
	assert.Equal(t, "pets", meta["category"])
	gen.AssertExpectations(t)
}

func TestExtractor_UnparseableResponseYieldsNothing(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("Complete", mock.Anything, mock.Anything).Return("nothing to report", nil)

	got, err := NewExtractor(gen, logging.Discard()).Extract(context.Background(), "hi", "u1", types.EntityUser, nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestExtractor_ProviderErrorPropagates(t *testing.T) {
	gen := new(mockGenerator)
	boom := errors.New("upstream 500")
	gen.On("Complete", mock.Anything, mock.Anything).Return("", boom)

	_, err := NewExtractor(gen, logging.Discard()).Extract(context.Background(), "hi", "a1", types.EntityAgent, nil)
	assert.ErrorIs(t, err, boom)
}

func TestExtractionPromptListsExistingMemories(t *testing.T) {
	p := ExtractionPrompt("I love jazz", types.EntityUser, []*types.Memory{
		{ID: "m1", Tier: types.TierProfile, Content: "Plays piano"},
	})
	assert.Contains(t, p, "[m1] (profile) Plays piano")
	assert.Contains(t, p, "I love jazz")

	assert.Contains(t, ExtractionPrompt("x", types.EntityAgent, nil), "(none)")
}
