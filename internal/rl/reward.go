// Package rl implements the reward-driven action policy: rewarding logged
// memory actions from later usage, turning rewarded logs into training
// samples, training a categorical policy over the four mutable actions, and
// arbitrating between the policy and the LLM at extraction time.
package rl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/bossandy123/z-memory/internal/metrics"
	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

// ErrNotEvaluable is returned for logs whose action carries no reward (query).
var ErrNotEvaluable = errors.New("action is not evaluable")

const (
	// decayPeriodDays is the period over which DecayFactor applies once.
	decayPeriodDays = 7.0

	// negligibleHits is the hit reward below which a deleted memory counts as unused.
	negligibleHits = 0.1

	deleteUnusedReward = 0.5
	deleteUsedPenalty  = -0.3
	duplicateReward    = 0.5
)

// RewardConfig holds the reward shaping weights.
type RewardConfig struct {
	HitWeight     float64
	QualityWeight float64
	DecayFactor   float64
}

// DefaultRewardConfig returns the default shaping weights.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{HitWeight: 1.0, QualityWeight: 0.5, DecayFactor: 0.95}
}

// RewardResult is the outcome of evaluating one log.
type RewardResult struct {
	LogID   string               `json:"log_id"`
	Reward  float64              `json:"reward"`
	Outcome *types.RewardOutcome `json:"outcome"`
}

// BatchResult summarises one batch evaluation.
type BatchResult struct {
	Total         int     `json:"total_evaluated"`
	Successful    int     `json:"successful"`
	Failed        int     `json:"failed"`
	AverageReward float64 `json:"average_reward"`
	TotalReward   float64 `json:"total_reward"`
}

// EvaluationListener is told about every stored evaluation.
type EvaluationListener func(log *types.ActionLog, result *RewardResult)

// RewardCalculator assigns scalar rewards to logged actions from later usage.
type RewardCalculator struct {
	logs     storage.ActionLogStore
	memories storage.MemoryStore
	cfg      RewardConfig
	logger   *slog.Logger
	metrics  *metrics.Manager
	now      func() time.Time
	listener EvaluationListener
}

// RewardOption configures a RewardCalculator.
type RewardOption func(*RewardCalculator)

// WithRewardClock overrides time.Now.
func WithRewardClock(now func() time.Time) RewardOption {
	return func(c *RewardCalculator) { c.now = now }
}

// WithRewardMetrics records evaluations on m.
func WithRewardMetrics(m *metrics.Manager) RewardOption {
	return func(c *RewardCalculator) { c.metrics = m }
}

// WithEvaluationListener registers fn to run after each stored evaluation.
func WithEvaluationListener(fn EvaluationListener) RewardOption {
	return func(c *RewardCalculator) { c.listener = fn }
}

// NewRewardCalculator creates a calculator over the given stores.
func NewRewardCalculator(logs storage.ActionLogStore, memories storage.MemoryStore, cfg RewardConfig, logger *slog.Logger, opts ...RewardOption) *RewardCalculator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &RewardCalculator{
		logs:     logs,
		memories: memories,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NoOpManager(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CalculateReward evaluates one log over a window of windowDays after its
// creation and stores the reward and outcome on it. It returns
// storage.ErrNotFound for an unknown log and ErrNotEvaluable for query logs.
//
// Already-evaluated logs are recomputed and overwritten; concurrent callers
// on the same log race and the last write wins.
func (c *RewardCalculator) CalculateReward(ctx context.Context, logID string, windowDays int) (*RewardResult, error) {
	log, err := c.logs.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	return c.evaluate(ctx, log, windowDays, nil)
}

// CalculateRewardWithFeedback is CalculateReward with caller-reported
// feedback attached to the stored outcome.
func (c *RewardCalculator) CalculateRewardWithFeedback(ctx context.Context, logID string, windowDays int, feedback map[string]interface{}) (*RewardResult, error) {
	log, err := c.logs.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	return c.evaluate(ctx, log, windowDays, feedback)
}

func (c *RewardCalculator) evaluate(ctx context.Context, log *types.ActionLog, windowDays int, feedback map[string]interface{}) (*RewardResult, error) {
	now := c.now().UTC()
	windowEnd := log.CreatedAt.Add(time.Duration(windowDays) * 24 * time.Hour)
	outcome := &types.RewardOutcome{
		EvaluationType: log.Action,
		WindowDays:     windowDays,
		CalculatedAt:   now,
		Feedback:       feedback,
	}

	var reward float64
	switch log.Action {
	case types.ActionInsert:
		hits, err := c.queryHits(ctx, log.MemoryID, log.CreatedAt, windowEnd)
		if err != nil {
			return nil, err
		}
		outcome.QueryHits = hits
		outcome.DecayFactor = c.decay(log.CreatedAt, now)
		reward = c.hitReward(hits) * outcome.DecayFactor

	case types.ActionUpdate:
		hits, err := c.queryHits(ctx, log.MemoryID, log.CreatedAt, windowEnd)
		if err != nil {
			return nil, err
		}
		quality, err := c.qualityImprovement(ctx, log.MemoryID)
		if err != nil {
			return nil, err
		}
		outcome.QueryHits = hits
		outcome.DecayFactor = c.decay(log.CreatedAt, now)
		reward = (c.hitReward(hits)*c.cfg.HitWeight + quality*c.cfg.QualityWeight) * outcome.DecayFactor

	case types.ActionIgnore:
		reward = duplicateReward * float64(c.duplicateCount(ctx, log))

	case types.ActionDelete:
		r, hits, err := c.deleteReward(ctx, log, windowEnd)
		if err != nil {
			return nil, err
		}
		outcome.QueryHits = hits
		reward = r

	case types.ActionQuery:
		return nil, fmt.Errorf("log %s: %w", log.ID, ErrNotEvaluable)

	default:
		return nil, fmt.Errorf("log %s has unknown action %q: %w", log.ID, log.Action, ErrNotEvaluable)
	}

	if err := c.logs.RecordEvaluation(ctx, log.ID, reward, outcome, now); err != nil {
		return nil, fmt.Errorf("record evaluation for log %s: %w", log.ID, err)
	}

	result := &RewardResult{LogID: log.ID, Reward: reward, Outcome: outcome}
	c.metrics.RecordReward(string(log.Action), reward)
	if c.listener != nil {
		c.listener(log, result)
	}
	return result, nil
}

// hitReward converts a query hit count into reward units.
func (c *RewardCalculator) hitReward(hits int) float64 {
	return float64(hits) * c.cfg.HitWeight
}

func (c *RewardCalculator) queryHits(ctx context.Context, memoryID string, from, to time.Time) (int, error) {
	n, err := c.logs.CountActions(ctx, memoryID, types.ActionQuery, from, to)
	if err != nil {
		return 0, fmt.Errorf("count query hits for memory %s: %w", memoryID, err)
	}
	return n, nil
}

// decay is DecayFactor^(wholeDaysSince/7), measured at evaluation time.
func (c *RewardCalculator) decay(createdAt, now time.Time) float64 {
	days := math.Floor(now.Sub(createdAt).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return math.Pow(c.cfg.DecayFactor, days/decayPeriodDays)
}

// qualityImprovement reads quality_score from the memory's metadata at half
// weight. A memory that no longer exists contributes nothing.
func (c *RewardCalculator) qualityImprovement(ctx context.Context, memoryID string) (float64, error) {
	mem, err := c.memories.GetMemory(ctx, memoryID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load memory %s: %w", memoryID, err)
	}
	return types.MetaFloat(mem.Metadata, "quality_score", 0) * 0.5, nil
}

// duplicateCount is the number of near-duplicates the ignored candidate had.
// No similarity signal is recorded for ignore decisions yet, so it is zero.
func (c *RewardCalculator) duplicateCount(ctx context.Context, log *types.ActionLog) int {
	return 0
}

// deleteReward credits deleting a memory nobody queried afterwards and
// penalises deleting one still in use. Only deletions of memories that were
// previously inserted or updated are judged.
func (c *RewardCalculator) deleteReward(ctx context.Context, log *types.ActionLog, windowEnd time.Time) (float64, int, error) {
	prev, err := c.logs.PreviousLog(ctx, log.MemoryID, log.CreatedAt, log.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("load previous log for memory %s: %w", log.MemoryID, err)
	}
	if prev.Action != types.ActionInsert && prev.Action != types.ActionUpdate {
		return 0, 0, nil
	}

	hits, err := c.queryHits(ctx, log.MemoryID, log.CreatedAt, windowEnd)
	if err != nil {
		return 0, 0, err
	}
	if c.hitReward(hits) < negligibleHits {
		return deleteUnusedReward, hits, nil
	}
	return deleteUsedPenalty, hits, nil
}

// BatchEvaluate evaluates up to limit unevaluated logs older than
// daysThreshold days, using daysThreshold as the evaluation window. A failure
// on one log is counted and does not stop the batch.
func (c *RewardCalculator) BatchEvaluate(ctx context.Context, limit, daysThreshold int) (*BatchResult, error) {
	cutoff := c.now().UTC().Add(-time.Duration(daysThreshold) * 24 * time.Hour)
	pending, err := c.logs.PendingLogs(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending logs: %w", err)
	}

	res := &BatchResult{Total: len(pending)}
	for _, log := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := c.evaluate(ctx, log, daysThreshold, nil)
		if err != nil {
			res.Failed++
			c.metrics.RecordRewardFailure(string(log.Action))
			c.logger.Warn("reward evaluation failed", "log_id", log.ID, "action", log.Action, "error", err)
			continue
		}
		res.Successful++
		res.TotalReward += r.Reward
	}
	if res.Successful > 0 {
		res.AverageReward = res.TotalReward / float64(res.Successful)
	}

	c.logger.Info("batch reward evaluation finished",
		"total", res.Total, "successful", res.Successful, "failed", res.Failed,
		"average_reward", res.AverageReward)
	return res, nil
}

// Statistics aggregates rewards evaluated in the last days days. An empty
// action covers every action and is reported as "all".
func (c *RewardCalculator) Statistics(ctx context.Context, action types.Action, days int) (*types.RewardStatistics, error) {
	since := c.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	values, err := c.logs.RewardValues(ctx, since, action)
	if err != nil {
		return nil, fmt.Errorf("load reward values: %w", err)
	}

	label := string(action)
	if label == "" {
		label = "all"
	}
	mean, stddev := meanStddev(values)
	return &types.RewardStatistics{
		Action:        label,
		Count:         len(values),
		AverageReward: mean,
		StddevReward:  stddev,
		WindowDays:    days,
	}, nil
}

// meanStddev returns the mean and sample standard deviation of xs.
func meanStddev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}
