package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

const (
	maxRecommendations = 3
	recommendationLen  = 100
	noRecommendation   = "No relevant memories found"
)

// FusedMemory is one entry of the combined user and agent context.
type FusedMemory struct {
	ID        string           `json:"id"`
	Content   string           `json:"content"`
	Kind      types.EntityKind `json:"type"`
	Score     float64          `json:"score"`
	CreatedAt time.Time        `json:"created_at"`
}

// QueryResult is the answer to a fused query.
type QueryResult struct {
	Query           string          `json:"query"`
	UserMemories    []*types.Memory `json:"user_memories"`
	AgentMemories   []*types.Memory `json:"agent_memories"`
	FusedContext    []FusedMemory   `json:"fused_context"`
	Recommendations []string        `json:"recommendations"`
}

// QueryService queries user and agent memories together.
type QueryService struct {
	memories *MemoryService
}

// NewQueryService creates a QueryService over memories.
func NewQueryService(memories *MemoryService) *QueryService {
	return &QueryService{memories: memories}
}

// Query searches the user's and/or the agent's memories, fuses the hits
// newest first and derives short recommendations. At least one ID is required;
// a side whose kind is disabled is skipped.
func (q *QueryService) Query(ctx context.Context, text, userID, agentID string, topK int) (*QueryResult, error) {
	if userID == "" && agentID == "" {
		return nil, fmt.Errorf("%w: user_id or agent_id is required", storage.ErrInvalidInput)
	}

	res := &QueryResult{Query: text, UserMemories: []*types.Memory{}, AgentMemories: []*types.Memory{}}
	var err error
	if userID != "" && q.memories.KindEnabled(types.EntityUser) {
		if res.UserMemories, err = q.memories.Query(ctx, types.EntityUser, userID, text, topK); err != nil {
			return nil, err
		}
	}
	if agentID != "" && q.memories.KindEnabled(types.EntityAgent) {
		if res.AgentMemories, err = q.memories.Query(ctx, types.EntityAgent, agentID, text, topK); err != nil {
			return nil, err
		}
	}

	res.FusedContext = fuse(res.UserMemories, res.AgentMemories)
	res.Recommendations = recommend(res.FusedContext)
	return res, nil
}

func fuse(user, agent []*types.Memory) []FusedMemory {
	out := make([]FusedMemory, 0, len(user)+len(agent))
	for _, group := range [][]*types.Memory{user, agent} {
		for _, m := range group {
			out = append(out, FusedMemory{ID: m.ID, Content: m.Content, Kind: m.EntityKind, Score: m.Score, CreatedAt: m.CreatedAt})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func recommend(fused []FusedMemory) []string {
	if len(fused) == 0 {
		return []string{noRecommendation}
	}
	n := len(fused)
	if n > maxRecommendations {
		n = maxRecommendations
	}
	out := make([]string, 0, n)
	for _, f := range fused[:n] {
		out = append(out, fmt.Sprintf("Related %s memory: %s...", f.Kind, truncateRunes(f.Content, recommendationLen)))
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
