package rl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bossandy123/z-memory/internal/logging"
	"github.com/bossandy123/z-memory/internal/storage/sqlite"
	"github.com/bossandy123/z-memory/internal/storage/sqlstore"
	"github.com/bossandy123/z-memory/pkg/types"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func daysAgo(d float64) time.Time {
	return testNow.Add(-time.Duration(d * 24 * float64(time.Hour)))
}

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createMemory(t *testing.T, s *sqlstore.Store, id string, meta map[string]interface{}) {
	t.Helper()
	require.NoError(t, s.CreateMemory(context.Background(), &types.Memory{
		ID:         id,
		EntityID:   "alice",
		EntityKind: types.EntityUser,
		Tier:       types.TierProfile,
		Content:    "content of " + id,
		Metadata:   meta,
		VectorID:   id,
	}))
}

func addLog(t *testing.T, s *sqlstore.Store, id, memoryID string, action types.Action, at time.Time, meta map[string]interface{}) {
	t.Helper()
	require.NoError(t, s.AppendLog(context.Background(), &types.ActionLog{
		ID:        id,
		MemoryID:  memoryID,
		Tier:      types.TierProfile,
		Action:    action,
		Reason:    "test",
		Metadata:  meta,
		CreatedAt: at,
	}))
}

func newCalculator(s *sqlstore.Store) *RewardCalculator {
	return NewRewardCalculator(s, s, DefaultRewardConfig(), logging.Discard(), WithRewardClock(fixedClock))
}
