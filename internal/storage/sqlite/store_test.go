package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/internal/storage/sqlstore"
	"github.com/bossandy123/z-memory/pkg/types"
)

// newTestStore creates an in-memory SQLite store with every migration applied.
func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err, "failed to create test store")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newMemory(id string, tier types.Tier) *types.Memory {
	return &types.Memory{
		ID:         id,
		EntityID:   "alice",
		EntityKind: types.EntityUser,
		Tier:       tier,
		Content:    "likes green tea",
		Metadata:   map[string]interface{}{"importance": float64(4), "category": "preference"},
		VectorID:   id,
	}
}

func appendLog(t *testing.T, s *sqlstore.Store, id, memoryID string, action types.Action, at time.Time) {
	t.Helper()
	require.NoError(t, s.AppendLog(context.Background(), &types.ActionLog{
		ID:        id,
		MemoryID:  memoryID,
		Tier:      types.TierProfile,
		Action:    action,
		Reason:    "test",
		CreatedAt: at,
	}))
}

func TestMemoryCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	m := newMemory("m1", types.TierEvent)
	m.ExpiresAt = &expires
	require.NoError(t, s.CreateMemory(ctx, m))

	got, err := s.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, types.TierEvent, got.Tier)
	assert.Equal(t, types.EntityUser, got.EntityKind)
	assert.Equal(t, "likes green tea", got.Content)
	assert.Equal(t, float64(4), got.Metadata["importance"])
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
	assert.False(t, got.IsPermanent)

	got.Content = "likes oolong"
	got.Tier = types.TierProfile // ignored
	require.NoError(t, s.UpdateMemory(ctx, got))

	got, err = s.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "likes oolong", got.Content)
	assert.Equal(t, types.TierEvent, got.Tier, "tier is immutable")

	require.NoError(t, s.DeleteMemory(ctx, "m1"))
	_, err = s.GetMemory(ctx, "m1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	assert.True(t, errors.Is(s.DeleteMemory(ctx, "m1"), storage.ErrNotFound))
	assert.True(t, errors.Is(s.UpdateMemory(ctx, got), storage.ErrNotFound))
}

func TestCreateMemoryValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.True(t, errors.Is(s.CreateMemory(ctx, nil), storage.ErrInvalidInput))

	m := newMemory("m1", types.Tier("archive"))
	assert.True(t, errors.Is(s.CreateMemory(ctx, m), storage.ErrInvalidInput))
}

func TestListMemoriesFiltersByEntityAndTier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"p1", "p2", "e1"} {
		tier := types.TierProfile
		if id == "e1" {
			tier = types.TierEvent
		}
		m := newMemory(id, tier)
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateMemory(ctx, m))
	}
	other := newMemory("x1", types.TierProfile)
	other.EntityID = "bob"
	require.NoError(t, s.CreateMemory(ctx, other))

	profile, err := s.ListMemories(ctx, storage.MemoryFilter{EntityKind: types.EntityUser, EntityID: "alice", Tier: types.TierProfile})
	require.NoError(t, err)
	require.Len(t, profile, 2)
	assert.Equal(t, "p2", profile[0].ID, "newest first")

	all, err := s.ListMemories(ctx, storage.MemoryFilter{EntityKind: types.EntityUser, EntityID: "alice"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.ListMemories(ctx, storage.MemoryFilter{EntityID: "alice"})
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestActionLogQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t0 := time.Now().UTC().Add(-10 * 24 * time.Hour)
	appendLog(t, s, "l1", "m1", types.ActionInsert, t0)
	appendLog(t, s, "q1", "m1", types.ActionQuery, t0.Add(24*time.Hour))
	appendLog(t, s, "q2", "m1", types.ActionQuery, t0.Add(3*24*time.Hour))
	appendLog(t, s, "q3", "m1", types.ActionQuery, t0.Add(9*24*time.Hour))
	appendLog(t, s, "l2", "m1", types.ActionUpdate, t0.Add(9*24*time.Hour+time.Hour))

	n, err := s.CountActions(ctx, "m1", types.ActionQuery, t0, t0.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	history, err := s.ActionHistory(ctx, "m1", t0.Add(9*24*time.Hour+time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, []types.Action{types.ActionInsert, types.ActionQuery, types.ActionQuery, types.ActionQuery}, history)

	history, err = s.ActionHistory(ctx, "m1", t0.Add(9*24*time.Hour+time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, []types.Action{types.ActionQuery, types.ActionQuery}, history, "most recent, oldest first")

	freq, err := s.ActionFrequency(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, freq[types.ActionQuery])
	assert.Equal(t, 1, freq[types.ActionInsert])

	latest, err := s.LatestDecisionLog(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "l2", latest.ID)

	prev, err := s.PreviousLog(ctx, "m1", latest.CreatedAt, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, "q3", prev.ID)

	_, err = s.LatestDecisionLog(ctx, "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	logs, err := s.ListLogs(ctx, storage.LogFilter{MemoryID: "m1", Action: types.ActionQuery})
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	// A later query hit does not hide the update.
	appendLog(t, s, "q4", "m1", types.ActionQuery, t0.Add(9*24*time.Hour+2*time.Hour))
	latest, err = s.LatestDecisionLog(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "l2", latest.ID)
}

func TestAppendLogRejectsUnknownAction(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendLog(context.Background(), &types.ActionLog{ID: "l", MemoryID: "m", Action: "upsert"})
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestRecordEvaluationIsAtomicAndPendingSkipsEvaluated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	appendLog(t, s, "l1", "m1", types.ActionInsert, old)
	appendLog(t, s, "l2", "m2", types.ActionDelete, old)
	appendLog(t, s, "q1", "m1", types.ActionQuery, old)
	appendLog(t, s, "fresh", "m3", types.ActionInsert, time.Now().UTC())

	pending, err := s.PendingLogs(ctx, time.Now().UTC().Add(-7*24*time.Hour), 100)
	require.NoError(t, err)
	ids := []string{}
	for _, l := range pending {
		ids = append(ids, l.ID)
	}
	assert.ElementsMatch(t, []string{"l1", "l2"}, ids, "query logs and fresh logs are excluded")

	now := time.Now().UTC()
	outcome := &types.RewardOutcome{EvaluationType: types.ActionInsert, WindowDays: 7, CalculatedAt: now, QueryHits: 1}
	require.NoError(t, s.RecordEvaluation(ctx, "l1", 0.9, outcome, now))

	l, err := s.GetLog(ctx, "l1")
	require.NoError(t, err)
	require.NotNil(t, l.Reward)
	require.NotNil(t, l.Outcome)
	require.NotNil(t, l.EvaluatedAt)
	assert.InDelta(t, 0.9, *l.Reward, 1e-9)
	assert.Equal(t, types.ActionInsert, l.Outcome.EvaluationType)
	assert.Equal(t, 7, l.Outcome.WindowDays)

	unevaluated, err := s.GetLog(ctx, "l2")
	require.NoError(t, err)
	assert.Nil(t, unevaluated.Reward)
	assert.Nil(t, unevaluated.Outcome)
	assert.Nil(t, unevaluated.EvaluatedAt)

	pending, err = s.PendingLogs(ctx, time.Now().UTC().Add(-7*24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "l2", pending[0].ID)

	err = s.RecordEvaluation(ctx, "missing", 1, outcome, now)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRewardValuesAndEvaluatedLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	created := now.Add(-3 * 24 * time.Hour)
	appendLog(t, s, "a", "m1", types.ActionInsert, created)
	appendLog(t, s, "b", "m2", types.ActionDelete, created)
	appendLog(t, s, "c", "m3", types.ActionInsert, created)

	outcome := &types.RewardOutcome{EvaluationType: types.ActionInsert, WindowDays: 7, CalculatedAt: now}
	require.NoError(t, s.RecordEvaluation(ctx, "a", 2, outcome, now))
	require.NoError(t, s.RecordEvaluation(ctx, "b", -0.3, outcome, now))
	require.NoError(t, s.RecordEvaluation(ctx, "c", 50, outcome, now))

	all, err := s.RewardValues(ctx, now.Add(-time.Hour), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	inserts, err := s.RewardValues(ctx, now.Add(-time.Hour), types.ActionInsert)
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{2, 50}, inserts)

	logs, err := s.EvaluatedLogs(ctx, now.Add(-30*24*time.Hour), -10, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2, "reward 50 is out of bounds")

	stats, err := s.LogStatistics(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Evaluated)
	assert.Equal(t, 2, stats.ByAction[types.ActionInsert])
	assert.Equal(t, 0, stats.PendingRewards)
}

func TestTrainingSamplesAndCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sample := &types.TrainingSample{
		ID:         "s1",
		LogID:      "l1",
		EntityID:   "alice",
		EntityKind: "user",
		State: types.State{
			Tier:            types.TierProfile,
			PreviousActions: []types.Action{types.ActionInsert},
			ImportanceScore: 4,
			MemoryType:      "preference",
		},
		Action: types.ActionInsert,
		Reward: 1.5,
	}
	require.NoError(t, s.SaveSample(ctx, sample))

	samples, err := s.ListSamples(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 4, samples[0].State.ImportanceScore)
	assert.Equal(t, []types.Action{types.ActionInsert}, samples[0].State.PreviousActions)
	assert.Nil(t, samples[0].NextState)

	count, avg, err := s.SampleStatistics(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.InDelta(t, 1.5, avg, 1e-9)

	weights := types.PolicyWeights{
		ActionPreferences: map[types.Action]float64{types.ActionInsert: 0.6, types.ActionUpdate: 0.4},
		FeatureWeights:    map[string]float64{"importance_score": 0.3},
		Version:           "1.1",
	}
	older := &types.PolicyCheckpoint{ID: "c1", ModelName: "memory_policy", Version: "1.9", Weights: weights, CreatedAt: time.Now().UTC().Add(-time.Hour)}
	newer := &types.PolicyCheckpoint{ID: "c2", ModelName: "memory_policy", Version: "1.1", Weights: weights, Metrics: map[string]interface{}{"samples": float64(3)}}
	require.NoError(t, s.SaveCheckpoint(ctx, older))
	require.NoError(t, s.SaveCheckpoint(ctx, newer))

	latest, err := s.LatestCheckpoint(ctx, "memory_policy")
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.ID, "latest is chosen by created_at, not version")
	assert.InDelta(t, 0.6, latest.Weights.ActionPreferences[types.ActionInsert], 1e-9)
	assert.Equal(t, float64(3), latest.Metrics["samples"])

	list, err := s.ListCheckpoints(ctx, "memory_policy", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].ID)

	n, err := s.CountCheckpoints(ctx, "memory_policy")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.LatestCheckpoint(ctx, "other")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = s.GetCheckpoint(ctx, "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestMigrationsRollBackAndReapply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mgr, err := NewMigrationManager(s.DB())
	require.NoError(t, err)

	require.NoError(t, mgr.Down(ctx))
	v, err := mgr.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	require.NoError(t, mgr.Up(ctx))
	v, err = mgr.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestDBPathFromDSN(t *testing.T) {
	assert.Equal(t, "", dbPathFromDSN(":memory:"))
	assert.Equal(t, "/tmp/z.db", dbPathFromDSN("/tmp/z.db"))
	assert.Equal(t, "/tmp/z.db", dbPathFromDSN("file:/tmp/z.db?mode=rwc"))
	assert.Equal(t, "", dbPathFromDSN("file::memory:"))
}

func TestIsRecoverableWALError(t *testing.T) {
	assert.False(t, isRecoverableWALError(nil))
	assert.True(t, isRecoverableWALError(errors.New("disk I/O error")))
	assert.True(t, isRecoverableWALError(errors.New("database is locked")))
	assert.False(t, isRecoverableWALError(errors.New("no such table")))
}
