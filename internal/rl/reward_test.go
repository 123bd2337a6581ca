package rl

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

func TestCalculateReward_InsertWithDecay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := daysAgo(14)
	addLog(t, s, "ins", "m1", types.ActionInsert, created, nil)
	for i, d := range []float64{13, 12, 10} {
		addLog(t, s, "q"+string(rune('0'+i)), "m1", types.ActionQuery, daysAgo(d), nil)
	}
	// Outside the 7-day window.
	addLog(t, s, "late", "m1", types.ActionQuery, daysAgo(2), nil)

	res, err := newCalculator(s).CalculateReward(ctx, "ins", 7)
	require.NoError(t, err)
	assert.InDelta(t, 2.7075, res.Reward, 1e-9)
	assert.Equal(t, 3, res.Outcome.QueryHits)
	assert.Equal(t, types.ActionInsert, res.Outcome.EvaluationType)
	assert.Equal(t, 7, res.Outcome.WindowDays)

	log, err := s.GetLog(ctx, "ins")
	require.NoError(t, err)
	require.NotNil(t, log.Reward)
	require.NotNil(t, log.Outcome)
	require.NotNil(t, log.EvaluatedAt)
	assert.InDelta(t, 2.7075, *log.Reward, 1e-9)
}

func TestCalculateReward_Update(t *testing.T) {
	s := newTestStore(t)
	createMemory(t, s, "m1", map[string]interface{}{"quality_score": 0.8})
	addLog(t, s, "upd", "m1", types.ActionUpdate, daysAgo(7), nil)
	addLog(t, s, "q1", "m1", types.ActionQuery, daysAgo(6), nil)
	addLog(t, s, "q2", "m1", types.ActionQuery, daysAgo(5), nil)

	res, err := newCalculator(s).CalculateReward(context.Background(), "upd", 7)
	require.NoError(t, err)
	// (2 hits + 0.8*0.5*0.5 quality) * 0.95^1
	assert.InDelta(t, 2.09, res.Reward, 1e-9)
}

func TestCalculateReward_UpdateOfRemovedMemoryIgnoresQuality(t *testing.T) {
	s := newTestStore(t)
	addLog(t, s, "upd", "gone", types.ActionUpdate, testNow, nil)

	res, err := newCalculator(s).CalculateReward(context.Background(), "upd", 7)
	require.NoError(t, err)
	assert.Zero(t, res.Reward)
}

func TestCalculateReward_Delete(t *testing.T) {
	tests := []struct {
		name     string
		previous types.Action
		hits     int
		want     float64
	}{
		{name: "unused after insert", previous: types.ActionInsert, want: 0.5},
		{name: "still used after update", previous: types.ActionUpdate, hits: 2, want: -0.3},
		{name: "previous was a query", previous: types.ActionQuery, want: 0},
		{name: "no previous log", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			if tt.previous != "" {
				addLog(t, s, "prev", "m1", tt.previous, daysAgo(20), nil)
			}
			addLog(t, s, "del", "m1", types.ActionDelete, daysAgo(10), nil)
			for i := 0; i < tt.hits; i++ {
				addLog(t, s, "q"+string(rune('a'+i)), "m1", types.ActionQuery, daysAgo(9), nil)
			}

			res, err := newCalculator(s).CalculateReward(context.Background(), "del", 7)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, res.Reward, 1e-9)
		})
	}
}

func TestCalculateReward_IgnoreIsZero(t *testing.T) {
	s := newTestStore(t)
	addLog(t, s, "ign", "m1", types.ActionIgnore, daysAgo(8), nil)

	res, err := newCalculator(s).CalculateReward(context.Background(), "ign", 7)
	require.NoError(t, err)
	assert.Zero(t, res.Reward)
}

func TestCalculateReward_Errors(t *testing.T) {
	s := newTestStore(t)
	addLog(t, s, "q", "m1", types.ActionQuery, daysAgo(8), nil)
	calc := newCalculator(s)

	_, err := calc.CalculateReward(context.Background(), "missing", 7)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = calc.CalculateReward(context.Background(), "q", 7)
	assert.True(t, errors.Is(err, ErrNotEvaluable))

	log, err := s.GetLog(context.Background(), "q")
	require.NoError(t, err)
	assert.False(t, log.IsEvaluated())
}

func TestBatchEvaluate_DrainsBacklogOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addLog(t, s, "ins", "m1", types.ActionInsert, daysAgo(10), nil)
	addLog(t, s, "hit", "m1", types.ActionQuery, daysAgo(9), nil)
	addLog(t, s, "ign", "m2", types.ActionIgnore, daysAgo(9), nil)
	addLog(t, s, "fresh", "m3", types.ActionInsert, daysAgo(1), nil)

	var seen []string
	calc := NewRewardCalculator(s, s, DefaultRewardConfig(), nil,
		WithRewardClock(fixedClock),
		WithEvaluationListener(func(l *types.ActionLog, _ *RewardResult) { seen = append(seen, l.ID) }))

	res, err := calc.BatchEvaluate(ctx, 100, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total, "query and fresh logs are not selected")
	assert.Equal(t, 2, res.Successful)
	assert.Zero(t, res.Failed)
	assert.ElementsMatch(t, []string{"ins", "ign"}, seen)
	assert.InDelta(t, res.TotalReward/2, res.AverageReward, 1e-9)

	again, err := calc.BatchEvaluate(ctx, 100, 7)
	require.NoError(t, err)
	assert.Zero(t, again.Total)
	assert.Zero(t, again.AverageReward)
}

func TestRewardStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	calc := newCalculator(s)

	addLog(t, s, "d1", "m1", types.ActionDelete, daysAgo(10), nil)
	addLog(t, s, "i1", "m2", types.ActionInsert, daysAgo(30), nil)
	addLog(t, s, "d2", "m3", types.ActionDelete, daysAgo(10), nil)
	addLog(t, s, "i3", "m3", types.ActionInsert, daysAgo(11), nil)
	_, err := calc.BatchEvaluate(ctx, 100, 7)
	require.NoError(t, err)

	all, err := calc.Statistics(ctx, "", 7)
	require.NoError(t, err)
	assert.Equal(t, "all", all.Action)
	assert.Equal(t, 4, all.Count)

	del, err := calc.Statistics(ctx, types.ActionDelete, 7)
	require.NoError(t, err)
	assert.Equal(t, "delete", del.Action)
	assert.Equal(t, 2, del.Count)
	// d1 has no prior log (0), d2 follows an insert with no hits (+0.5).
	assert.InDelta(t, 0.25, del.AverageReward, 1e-9)
	assert.InDelta(t, 0.3535533905932738, del.StddevReward, 1e-9)
}

func TestMeanStddev(t *testing.T) {
	m, sd := meanStddev(nil)
	assert.Zero(t, m)
	assert.Zero(t, sd)

	m, sd = meanStddev([]float64{2})
	assert.Equal(t, 2.0, m)
	assert.Zero(t, sd)

	m, sd = meanStddev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, m, 1e-9)
	assert.InDelta(t, 2.138089935299395, sd, 1e-9)
}
