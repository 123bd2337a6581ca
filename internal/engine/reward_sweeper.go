// Package engine runs the background half of the reward flywheel: matured
// action logs are evaluated on a schedule, the policy is retrained when due,
// and the served weights are refreshed from the newest checkpoint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bossandy123/z-memory/internal/rl"
	"github.com/bossandy123/z-memory/pkg/types"
)

// Evaluator drains matured, unevaluated action logs.
type Evaluator interface {
	BatchEvaluate(ctx context.Context, limit, daysThreshold int) (*rl.BatchResult, error)
}

// PolicyTrainer retrains the policy and reloads the newest checkpoint.
type PolicyTrainer interface {
	Train(ctx context.Context, days, epochs int, saveCheckpoint bool) (*rl.PipelineResult, error)
	LoadLatest(ctx context.Context) (*types.PolicyCheckpoint, error)
}

// SweeperConfig controls the sweep schedule.
type SweeperConfig struct {
	Interval      time.Duration // 0 disables the sweeper
	BatchSize     int
	DaysThreshold int

	// TrainEvery is the minimum time between scheduled training runs.
	// 0 disables scheduled training.
	TrainEvery  time.Duration
	TrainDays   int
	TrainEpochs int
}

// SweepResult reports one sweep.
type SweepResult struct {
	Evaluation *rl.BatchResult
	Training   *rl.PipelineResult
	Checkpoint *types.PolicyCheckpoint
}

// RewardSweeper evaluates rewards on an interval and keeps the served policy
// current.
type RewardSweeper struct {
	cfg       SweeperConfig
	evaluator Evaluator
	trainer   PolicyTrainer
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	lastTrained time.Time
	lastSweep   time.Time
}

// NewRewardSweeper creates a sweeper. trainer may be nil, in which case the
// sweeper only evaluates.
func NewRewardSweeper(cfg SweeperConfig, evaluator Evaluator, trainer PolicyTrainer, logger *slog.Logger) *RewardSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &RewardSweeper{
		cfg:       cfg,
		evaluator: evaluator,
		trainer:   trainer,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start runs sweeps until ctx is cancelled or Stop is called. A sweep runs
// immediately, then on every tick. It returns nil at once when the interval
// is zero.
func (s *RewardSweeper) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		s.logger.Info("reward sweeper disabled")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("reward sweeper is already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("reward sweeper started", "interval", s.cfg.Interval, "train_every", s.cfg.TrainEvery)
	s.sweepAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reward sweeper stopping", "reason", "context cancelled")
			return nil

		case <-s.stopCh:
			s.logger.Info("reward sweeper stopping", "reason", "stop requested")
			return nil

		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

// Stop ends a running Start loop. It is safe to call more than once.
func (s *RewardSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// LastSweep returns when the last sweep finished.
func (s *RewardSweeper) LastSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}

func (s *RewardSweeper) sweepAndLog(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("reward sweep failed", "error", err)
	}
}

// Sweep evaluates matured logs, trains when a training run is due, and
// reloads the newest checkpoint.
func (s *RewardSweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	start := s.now()
	res := &SweepResult{}

	eval, err := s.evaluator.BatchEvaluate(ctx, s.cfg.BatchSize, s.cfg.DaysThreshold)
	if err != nil {
		return nil, fmt.Errorf("batch evaluate: %w", err)
	}
	res.Evaluation = eval

	if s.trainer != nil {
		if s.trainingDue(start) {
			tr, err := s.trainer.Train(ctx, s.cfg.TrainDays, s.cfg.TrainEpochs, true)
			if err != nil {
				return res, fmt.Errorf("train policy: %w", err)
			}
			res.Training = tr
			s.mu.Lock()
			s.lastTrained = start
			s.mu.Unlock()
			if !tr.Success {
				s.logger.Info("scheduled training skipped", "reason", tr.Error)
			}
		}

		// Other instances may have trained since the last sweep.
		cp, err := s.trainer.LoadLatest(ctx)
		if err != nil {
			return res, fmt.Errorf("reload policy: %w", err)
		}
		res.Checkpoint = cp
	}

	s.mu.Lock()
	s.lastSweep = s.now()
	s.mu.Unlock()

	attrs := []any{"evaluated", eval.Successful, "failed", eval.Failed, "duration", s.now().Sub(start)}
	if res.Checkpoint != nil {
		attrs = append(attrs, "model_version", res.Checkpoint.Version)
	}
	s.logger.Info("reward sweep finished", attrs...)
	return res, nil
}

func (s *RewardSweeper) trainingDue(now time.Time) bool {
	if s.cfg.TrainEvery <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTrained.IsZero() || now.Sub(s.lastTrained) >= s.cfg.TrainEvery
}
