package services

import (
	"context"
	"time"

	"github.com/bossandy123/z-memory/internal/rl"
	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

// Reward API defaults.
const (
	DefaultRewardWindowDays = 7
	DefaultBatchLimit       = 100
	DefaultStatisticsDays   = 30
)

// RewardService exposes reward evaluation and the action log.
type RewardService struct {
	calc    *rl.RewardCalculator
	logs    storage.ActionLogStore
	enabled bool
	now     func() time.Time
}

// NewRewardService creates a RewardService. When enabled is false every
// reward operation returns ErrDisabled; log reads stay available.
func NewRewardService(calc *rl.RewardCalculator, logs storage.ActionLogStore, enabled bool) *RewardService {
	return &RewardService{calc: calc, logs: logs, enabled: enabled, now: time.Now}
}

// Enabled reports whether the reward flywheel is on.
func (s *RewardService) Enabled() bool {
	return s.enabled
}

// Calculate evaluates one log over windowDays.
func (s *RewardService) Calculate(ctx context.Context, logID string, windowDays int) (*rl.RewardResult, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if windowDays <= 0 {
		windowDays = DefaultRewardWindowDays
	}
	return s.calc.CalculateReward(ctx, logID, windowDays)
}

// BatchEvaluate drains up to limit matured, unevaluated logs.
func (s *RewardService) BatchEvaluate(ctx context.Context, limit, daysThreshold int) (*rl.BatchResult, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	if daysThreshold <= 0 {
		daysThreshold = DefaultRewardWindowDays
	}
	return s.calc.BatchEvaluate(ctx, limit, daysThreshold)
}

// Statistics aggregates rewards for action (empty for all) over days.
func (s *RewardService) Statistics(ctx context.Context, action types.Action, days int) (*types.RewardStatistics, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if days <= 0 {
		days = DefaultStatisticsDays
	}
	return s.calc.Statistics(ctx, action, days)
}

// Logs lists action logs matching filter.
func (s *RewardService) Logs(ctx context.Context, filter storage.LogFilter) ([]*types.ActionLog, error) {
	return s.logs.ListLogs(ctx, filter)
}

// Log returns one action log.
func (s *RewardService) Log(ctx context.Context, id string) (*types.ActionLog, error) {
	return s.logs.GetLog(ctx, id)
}

// LogStatistics summarises logs created in the last days days.
func (s *RewardService) LogStatistics(ctx context.Context, days int) (*types.LogStatistics, error) {
	if days <= 0 {
		days = DefaultRewardWindowDays
	}
	stats, err := s.logs.LogStatistics(ctx, s.now().UTC().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return nil, err
	}
	stats.WindowDays = days
	return stats, nil
}
