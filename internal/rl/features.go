package rl

import (
	"context"
	"fmt"
	"time"

	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

const (
	historyDepth      = 5
	recentDays        = 7
	monthOldDays      = 30
	defaultImportance = 3
	defaultMemoryType = "other"
	unknownField      = "unknown"
)

// StateBuilder derives policy state descriptors from logs and candidates.
type StateBuilder struct {
	logs storage.ActionLogStore
	now  func() time.Time
}

// NewStateBuilder creates a StateBuilder reading history from logs.
func NewStateBuilder(logs storage.ActionLogStore, now func() time.Time) *StateBuilder {
	if now == nil {
		now = time.Now
	}
	return &StateBuilder{logs: logs, now: now}
}

// FromLog builds the state the policy would have seen when log was written:
// the tier, the last five actions on the same memory before it, the action
// histogram of the memory, metadata tags, age and importance.
func (b *StateBuilder) FromLog(ctx context.Context, log *types.ActionLog) (types.State, error) {
	history, err := b.logs.ActionHistory(ctx, log.MemoryID, log.CreatedAt, historyDepth)
	if err != nil {
		return types.State{}, fmt.Errorf("action history for memory %s: %w", log.MemoryID, err)
	}
	counts, err := b.logs.ActionFrequency(ctx, log.MemoryID)
	if err != nil {
		return types.State{}, fmt.Errorf("action frequency for memory %s: %w", log.MemoryID, err)
	}
	freq := map[types.Action]int{
		types.ActionInsert: 0, types.ActionUpdate: 0, types.ActionDelete: 0,
		types.ActionIgnore: 0, types.ActionQuery: 0,
	}
	for a, n := range counts {
		freq[a] = n
	}

	return types.State{
		Tier:            log.Tier,
		PreviousActions: history,
		ActionFrequency: freq,
		ContentFeatures: contentFeatures(log.Metadata),
		Temporal:        temporalFeatures(log.CreatedAt, b.now()),
		ImportanceScore: types.MetaInt(log.Metadata, "importance", defaultImportance),
		MemoryType:      types.MetaString(log.Metadata, "memory_type", defaultMemoryType),
	}, nil
}

// FromCandidate builds the serving-time state for an extracted candidate.
// A fresh candidate is always recent.
func FromCandidate(c *types.ExtractedMemory) types.State {
	importance := c.Importance
	if importance == 0 {
		importance = types.MetaInt(c.Metadata, "importance", defaultImportance)
	}
	memType := c.MemoryType
	if memType == "" {
		memType = types.MetaString(c.Metadata, "memory_type", defaultMemoryType)
	}
	tier := c.Tier
	if tier == "" {
		tier = types.TierEvent
	}

	return types.State{
		Tier:            tier,
		ContentFeatures: contentFeatures(c.Metadata),
		Temporal:        types.TemporalFeatures{DaysAgo: 0, IsRecent: true},
		ImportanceScore: importance,
		MemoryType:      memType,
		ContentLength:   len([]rune(c.Content)),
		LLMAction:       c.Action,
	}
}

func contentFeatures(meta map[string]interface{}) types.ContentFeatures {
	_, hasCategory := meta["category"]
	_, hasSource := meta["source"]
	return types.ContentFeatures{
		HasCategory:     hasCategory,
		HasSource:       hasSource,
		Category:        types.MetaString(meta, "category", unknownField),
		Source:          types.MetaString(meta, "source", unknownField),
		IsAutoExtracted: types.MetaBool(meta, "auto_extracted"),
	}
}

func temporalFeatures(createdAt, now time.Time) types.TemporalFeatures {
	days := int(now.Sub(createdAt).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return types.TemporalFeatures{
		DaysAgo:    days,
		IsRecent:   days < recentDays,
		IsMonthOld: days < monthOldDays,
	}
}

// entityOf reads the owning entity from log metadata.
func entityOf(log *types.ActionLog) (id, kind string) {
	return types.MetaString(log.Metadata, "entity_id", unknownField),
		types.MetaString(log.Metadata, "entity_kind", unknownField)
}
