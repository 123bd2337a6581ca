package rl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bossandy123/z-memory/internal/metrics"
	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

// Reward bounds applied when collecting samples.
const (
	DefaultMinReward = -10.0
	DefaultMaxReward = 10.0
)

// ErrNoSamples is reported when a training run finds nothing to learn from.
var ErrNoSamples = errors.New("no training samples collected")

// TrainerStore is the storage a Trainer needs.
type TrainerStore interface {
	storage.ActionLogStore
	storage.TrainingStore
	storage.CheckpointStore
}

// PipelineResult reports one RunPipeline call.
type PipelineResult struct {
	Success          bool         `json:"success"`
	Error            string       `json:"error,omitempty"`
	SamplesCollected int          `json:"samples_collected"`
	SamplesSaved     int          `json:"samples_saved"`
	TrainingMetrics  *TrainResult `json:"training_metrics"`
	CheckpointID     string       `json:"checkpoint_id,omitempty"`
}

// TrainingStatistics summarises the training state of the served model.
type TrainingStatistics struct {
	ModelName        string              `json:"model_name"`
	ModelVersion     string              `json:"model_version"`
	WindowDays       int                 `json:"time_window_days"`
	SampleCount      int                 `json:"samples_count"`
	AverageReward    float64             `json:"average_reward"`
	CheckpointsCount int                 `json:"checkpoints_count"`
	CurrentWeights   types.PolicyWeights `json:"current_weights"`
}

// Trainer turns rewarded logs into samples, trains the policy on them and
// checkpoints the result.
type Trainer struct {
	store     TrainerStore
	policy    *Policy
	states    *StateBuilder
	modelName string
	logger    *slog.Logger
	metrics   *metrics.Manager
	now       func() time.Time
}

// TrainerOption configures a Trainer.
type TrainerOption func(*Trainer)

// WithTrainerClock overrides time.Now.
func WithTrainerClock(now func() time.Time) TrainerOption {
	return func(t *Trainer) { t.now = now }
}

// WithTrainerMetrics records runs on m.
func WithTrainerMetrics(m *metrics.Manager) TrainerOption {
	return func(t *Trainer) { t.metrics = m }
}

// NewTrainer creates a trainer that updates policy and checkpoints it under modelName.
func NewTrainer(store TrainerStore, policy *Policy, modelName string, logger *slog.Logger, opts ...TrainerOption) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trainer{
		store:     store,
		policy:    policy,
		modelName: modelName,
		logger:    logger,
		metrics:   metrics.NoOpManager(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.states = NewStateBuilder(store, t.now)
	return t
}

// Policy returns the policy this trainer updates.
func (t *Trainer) Policy() *Policy {
	return t.policy
}

// ModelName returns the checkpoint model name.
func (t *Trainer) ModelName() string {
	return t.modelName
}

// CollectSamples builds samples from logs created in the last days days whose
// reward lies in [minReward, maxReward]. Logs whose state cannot be built are
// skipped.
func (t *Trainer) CollectSamples(ctx context.Context, days int, minReward, maxReward float64) ([]*types.TrainingSample, error) {
	since := t.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	logs, err := t.store.EvaluatedLogs(ctx, since, minReward, maxReward)
	if err != nil {
		return nil, fmt.Errorf("load evaluated logs: %w", err)
	}

	samples := make([]*types.TrainingSample, 0, len(logs))
	for _, log := range logs {
		if log.Reward == nil {
			continue
		}
		state, err := t.states.FromLog(ctx, log)
		if err != nil {
			t.logger.Warn("skipping training sample", "log_id", log.ID, "error", err)
			continue
		}
		entityID, entityKind := entityOf(log)
		samples = append(samples, &types.TrainingSample{
			LogID:      log.ID,
			EntityID:   entityID,
			EntityKind: entityKind,
			State:      state,
			Action:     log.Action,
			Reward:     *log.Reward,
			Done:       false,
		})
	}
	return samples, nil
}

// SaveSamples persists samples under fresh IDs and returns how many were written.
func (t *Trainer) SaveSamples(ctx context.Context, samples []*types.TrainingSample) (int, error) {
	now := t.now().UTC()
	saved := 0
	for _, s := range samples {
		s.ID = uuid.New().String()
		s.CreatedAt = now
		if err := t.store.SaveSample(ctx, s); err != nil {
			return saved, fmt.Errorf("save sample for log %s: %w", s.LogID, err)
		}
		saved++
	}
	return saved, nil
}

// SaveCheckpoint snapshots the current policy with the given metrics.
func (t *Trainer) SaveCheckpoint(ctx context.Context, m map[string]interface{}) (*types.PolicyCheckpoint, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	w := t.policy.Weights()
	cp := &types.PolicyCheckpoint{
		ID:        uuid.New().String(),
		ModelName: t.modelName,
		Version:   w.Version,
		Weights:   w,
		Metrics:   m,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	t.logger.Info("policy checkpoint saved", "checkpoint_id", cp.ID, "version", cp.Version)
	return cp, nil
}

// LoadLatest replaces the policy with the newest checkpoint for the model.
// It returns storage.ErrNotFound when none exists.
func (t *Trainer) LoadLatest(ctx context.Context) (*types.PolicyCheckpoint, error) {
	cp, err := t.store.LatestCheckpoint(ctx, t.modelName)
	if err != nil {
		return nil, err
	}
	t.policy.Replace(cp.Weights)
	t.metrics.SetPolicyPreferences(preferenceLabels(cp.Weights))
	return cp, nil
}

// RunPipeline collects samples from the last days days, saves them, trains
// the policy and optionally checkpoints it. No samples fails fast with
// Success false; store errors are returned.
func (t *Trainer) RunPipeline(ctx context.Context, days, epochs int, learningRate float64, saveCheckpoint bool) (res *PipelineResult, err error) {
	start := t.now()
	defer func() {
		t.metrics.RecordTraining(err == nil && res != nil && res.Success, t.now().Sub(start))
	}()

	samples, err := t.CollectSamples(ctx, days, DefaultMinReward, DefaultMaxReward)
	if err != nil {
		return nil, err
	}
	res = &PipelineResult{Success: true, SamplesCollected: len(samples)}
	if len(samples) == 0 {
		res.Success = false
		res.Error = ErrNoSamples.Error()
		return res, nil
	}

	if res.SamplesSaved, err = t.SaveSamples(ctx, samples); err != nil {
		return nil, err
	}

	tr := t.policy.Train(samples, epochs, learningRate)
	res.TrainingMetrics = tr
	if tr.Weights != nil {
		t.metrics.SetPolicyPreferences(preferenceLabels(*tr.Weights))
	}

	if saveCheckpoint && tr.Success {
		cp, err := t.SaveCheckpoint(ctx, map[string]interface{}{
			"samples_count":  len(samples),
			"epochs":         epochs,
			"average_reward": meanReward(samples),
		})
		if err != nil {
			return nil, err
		}
		res.CheckpointID = cp.ID
	}

	t.logger.Info("training pipeline finished",
		"samples", len(samples), "epochs", epochs, "version", t.policy.Version(),
		"checkpoint_id", res.CheckpointID)
	return res, nil
}

// Samples returns up to limit saved samples from the last days days, newest first.
func (t *Trainer) Samples(ctx context.Context, days, limit int) ([]*types.TrainingSample, error) {
	since := t.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	return t.store.ListSamples(ctx, since, limit)
}

// Statistics reports sample and checkpoint counts alongside the served weights.
func (t *Trainer) Statistics(ctx context.Context, days int) (*TrainingStatistics, error) {
	since := t.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	count, avg, err := t.store.SampleStatistics(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("sample statistics: %w", err)
	}
	cps, err := t.store.CountCheckpoints(ctx, t.modelName)
	if err != nil {
		return nil, fmt.Errorf("count checkpoints: %w", err)
	}
	w := t.policy.Weights()
	return &TrainingStatistics{
		ModelName:        t.modelName,
		ModelVersion:     w.Version,
		WindowDays:       days,
		SampleCount:      count,
		AverageReward:    avg,
		CheckpointsCount: cps,
		CurrentWeights:   w,
	}, nil
}

// ListCheckpoints returns the model's checkpoints, newest first.
func (t *Trainer) ListCheckpoints(ctx context.Context, limit int) ([]*types.PolicyCheckpoint, error) {
	return t.store.ListCheckpoints(ctx, t.modelName, limit)
}

// GetCheckpoint returns one checkpoint by ID.
func (t *Trainer) GetCheckpoint(ctx context.Context, id string) (*types.PolicyCheckpoint, error) {
	return t.store.GetCheckpoint(ctx, id)
}

func meanReward(samples []*types.TrainingSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Reward
	}
	return sum / float64(len(samples))
}

func preferenceLabels(w types.PolicyWeights) map[string]float64 {
	out := make(map[string]float64, len(w.ActionPreferences))
	for a, v := range w.ActionPreferences {
		out[string(a)] = v
	}
	return out
}
