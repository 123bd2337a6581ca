package services

import (
	"context"
	"errors"

	"github.com/bossandy123/z-memory/internal/rl"
	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

// Training API defaults.
const (
	DefaultTrainingDays   = 30
	DefaultTrainingEpochs = 10
	DefaultCheckpointList = 20
	pipelineEpochs        = 5
)

// TrainingService exposes the trainer and the arbitrating extractor.
type TrainingService struct {
	trainer      *rl.Trainer
	extractor    *rl.EnhancedExtractor
	rewards      *RewardService
	learningRate float64
	enabled      bool
}

// PipelineRunResult reports one evaluate-then-train run.
type PipelineRunResult struct {
	Evaluation *rl.BatchResult    `json:"evaluation"`
	Training   *rl.PipelineResult `json:"training,omitempty"`
}

// NewTrainingService creates a TrainingService. When enabled is false every
// operation returns ErrDisabled.
func NewTrainingService(trainer *rl.Trainer, extractor *rl.EnhancedExtractor, rewards *RewardService, learningRate float64, enabled bool) *TrainingService {
	return &TrainingService{trainer: trainer, extractor: extractor, rewards: rewards, learningRate: learningRate, enabled: enabled}
}

// Enabled reports whether the training flywheel is on.
func (s *TrainingService) Enabled() bool {
	return s.enabled
}

// Train runs the training pipeline over the last days days.
func (s *TrainingService) Train(ctx context.Context, days, epochs int, saveCheckpoint bool) (*rl.PipelineResult, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if days <= 0 {
		days = DefaultTrainingDays
	}
	if epochs <= 0 {
		epochs = DefaultTrainingEpochs
	}
	return s.trainer.RunPipeline(ctx, days, epochs, s.learningRate, saveCheckpoint)
}

// RunPipeline evaluates matured logs and, when train is set, trains on the
// last days days and checkpoints the result.
func (s *TrainingService) RunPipeline(ctx context.Context, days int, train bool) (*PipelineRunResult, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if days <= 0 {
		days = DefaultRewardWindowDays
	}
	eval, err := s.rewards.BatchEvaluate(ctx, DefaultBatchLimit, days)
	if err != nil {
		return nil, err
	}
	res := &PipelineRunResult{Evaluation: eval}
	if train {
		if res.Training, err = s.trainer.RunPipeline(ctx, days, pipelineEpochs, s.learningRate, true); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Samples builds, without saving, the samples a training run over days
// would use.
func (s *TrainingService) Samples(ctx context.Context, days int) ([]*types.TrainingSample, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if days <= 0 {
		days = DefaultTrainingDays
	}
	return s.trainer.CollectSamples(ctx, days, rl.DefaultMinReward, rl.DefaultMaxReward)
}

// Statistics describes the served model and its training data.
func (s *TrainingService) Statistics(ctx context.Context, days int) (*rl.TrainingStatistics, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if days <= 0 {
		days = DefaultTrainingDays
	}
	return s.trainer.Statistics(ctx, days)
}

// SaveCheckpoint snapshots the current policy.
func (s *TrainingService) SaveCheckpoint(ctx context.Context, m map[string]interface{}) (*types.PolicyCheckpoint, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	return s.trainer.SaveCheckpoint(ctx, m)
}

// LoadLatest replaces the served policy with the newest checkpoint. It
// returns nil and no error when there is nothing to load.
func (s *TrainingService) LoadLatest(ctx context.Context) (*types.PolicyCheckpoint, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	cp, err := s.trainer.LoadLatest(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

// Checkpoints lists checkpoints of the served model, newest first. A
// version filter keeps only matching checkpoints.
func (s *TrainingService) Checkpoints(ctx context.Context, version string, limit int) ([]*types.PolicyCheckpoint, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = DefaultCheckpointList
	}
	cps, err := s.trainer.ListCheckpoints(ctx, limit)
	if err != nil || version == "" {
		return cps, err
	}
	out := cps[:0]
	for _, cp := range cps {
		if cp.Version == version {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Checkpoint returns one checkpoint.
func (s *TrainingService) Checkpoint(ctx context.Context, id string) (*types.PolicyCheckpoint, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	return s.trainer.GetCheckpoint(ctx, id)
}

// ModelName returns the name checkpoints are saved under.
func (s *TrainingService) ModelName() string {
	return s.trainer.ModelName()
}

// Feedback evaluates the latest decision on memoryID right away.
func (s *TrainingService) Feedback(ctx context.Context, memoryID string, outcome map[string]interface{}) (*rl.FeedbackResult, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	return s.extractor.FeedbackLoop(ctx, memoryID, outcome)
}

// ExtractorStatistics describes the serving policy.
func (s *TrainingService) ExtractorStatistics() *rl.ExtractorStatistics {
	return s.extractor.Statistics()
}
