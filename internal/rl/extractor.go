package rl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/bossandy123/z-memory/internal/metrics"
	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

// Ensemble confidence constants.
const (
	agreeConfidence    = 0.9
	disagreeConfidence = 0.5
	minConfidence      = 0.1
	maxConfidence      = 0.95

	// llmTrustConfidence is the confidence at or above which the LLM's action
	// is kept; between the threshold and this value the policy's action wins.
	llmTrustConfidence = 0.8

	// DefaultEnsembleThreshold is the confidence below which candidates are
	// left untouched.
	DefaultEnsembleThreshold = 0.7

	// feedbackWindowDays is the evaluation window used by FeedbackLoop.
	feedbackWindowDays = 7
)

// Arbitration outcomes recorded in metrics.
const (
	outcomeKept          = "kept"
	outcomeOverridden    = "overridden"
	outcomeLLMWins       = "llm_wins"
	outcomePolicyWins    = "policy_wins"
	outcomeLowConfidence = "low_confidence"
)

// CandidateExtractor proposes memory operations for a piece of content.
type CandidateExtractor interface {
	Extract(ctx context.Context, content, entityID string, kind types.EntityKind, existing []*types.Memory) ([]types.ExtractedMemory, error)
}

// ActionPredictor predicts an action for a state.
type ActionPredictor interface {
	Predict(state types.State, temperature float64) types.Action
}

// ExtractorConfig configures an EnhancedExtractor.
type ExtractorConfig struct {
	// Enabled turns arbitration on. When false every mode returns the LLM's
	// candidates untouched.
	Enabled bool

	// Temperature is passed to the policy on every prediction.
	Temperature float64

	// Threshold is the ensemble confidence threshold. Nil means
	// DefaultEnsembleThreshold; zero arbitrates every candidate.
	Threshold *float64
}

// FeedbackResult reports one FeedbackLoop call.
type FeedbackResult struct {
	Success          bool                 `json:"success"`
	Error            string               `json:"error,omitempty"`
	LogID            string               `json:"log_id,omitempty"`
	RewardCalculated bool                 `json:"reward_calculated"`
	Reward           *float64             `json:"reward,omitempty"`
	Outcome          *types.RewardOutcome `json:"outcome,omitempty"`
	ExistingReward   *float64             `json:"existing_reward,omitempty"`
	Message          string               `json:"message,omitempty"`
}

// ExtractorStatistics describes the policy serving arbitration.
type ExtractorStatistics struct {
	Enabled           bool                     `json:"enabled"`
	Message           string                   `json:"message,omitempty"`
	Temperature       float64                  `json:"temperature,omitempty"`
	Threshold         float64                  `json:"ensemble_threshold"`
	ModelVersion      string                   `json:"model_version,omitempty"`
	ActionPreferences map[types.Action]float64 `json:"action_preferences,omitempty"`
}

// EnhancedExtractor arbitrates between the LLM's proposed actions and the
// trained policy.
type EnhancedExtractor struct {
	llm     CandidateExtractor
	policy  *Policy
	logs    storage.ActionLogStore
	rewards *RewardCalculator
	cfg     ExtractorConfig
	thresh  float64
	logger  *slog.Logger
	metrics *metrics.Manager

	predictor ActionPredictor
}

// EnhancedOption configures an EnhancedExtractor.
type EnhancedOption func(*EnhancedExtractor)

// WithPredictor replaces the policy as the source of predictions.
func WithPredictor(p ActionPredictor) EnhancedOption {
	return func(e *EnhancedExtractor) { e.predictor = p }
}

// WithExtractorMetrics records arbitration outcomes on m.
func WithExtractorMetrics(m *metrics.Manager) EnhancedOption {
	return func(e *EnhancedExtractor) { e.metrics = m }
}

// NewEnhancedExtractor wraps llm with policy arbitration. When enabled, the
// latest checkpoint is loaded through trainer; a missing or unreadable
// checkpoint leaves the default policy in place.
func NewEnhancedExtractor(ctx context.Context, llm CandidateExtractor, trainer *Trainer, logs storage.ActionLogStore, rewards *RewardCalculator, cfg ExtractorConfig, logger *slog.Logger, opts ...EnhancedOption) *EnhancedExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	thresh := DefaultEnsembleThreshold
	if cfg.Threshold != nil {
		thresh = *cfg.Threshold
	}
	e := &EnhancedExtractor{
		llm:     llm,
		policy:  trainer.Policy(),
		logs:    logs,
		rewards: rewards,
		cfg:     cfg,
		thresh:  thresh,
		logger:  logger,
		metrics: metrics.NoOpManager(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.predictor == nil {
		e.predictor = e.policy
	}

	if cfg.Enabled {
		cp, err := trainer.LoadLatest(ctx)
		switch {
		case err == nil:
			logger.Info("loaded policy checkpoint", "checkpoint_id", cp.ID, "version", cp.Version)
		case errors.Is(err, storage.ErrNotFound):
			logger.Info("no policy checkpoint found, using default weights")
		default:
			logger.Warn("failed to load policy checkpoint, using default weights", "error", err)
		}
	}
	return e
}

// Extract runs the LLM extractor and arbitrates with the given mode.
func (e *EnhancedExtractor) Extract(ctx context.Context, mode types.ExtractionMode, content, entityID string, kind types.EntityKind, existing []*types.Memory) ([]types.ExtractedMemory, error) {
	switch mode {
	case types.ModeOverride:
		return e.ExtractMemories(ctx, content, entityID, kind, existing)
	case types.ModeEnsemble:
		return e.ExtractWithEnsemble(ctx, content, entityID, kind, existing, e.thresh)
	case types.ModeLLM, "":
		return e.extractLLM(ctx, content, entityID, kind, existing)
	default:
		return nil, fmt.Errorf("%w: unknown extraction mode %q", storage.ErrInvalidInput, mode)
	}
}

func (e *EnhancedExtractor) extractLLM(ctx context.Context, content, entityID string, kind types.EntityKind, existing []*types.Memory) ([]types.ExtractedMemory, error) {
	candidates, err := e.llm.Extract(ctx, content, entityID, kind, existing)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		stampEntityKind(&candidates[i], kind)
	}
	return candidates, nil
}

// ExtractMemories lets the policy override the LLM on every disagreement.
// The overridden candidate keeps the LLM's action in LLMAction and its reason
// gains a note naming the policy's choice.
func (e *EnhancedExtractor) ExtractMemories(ctx context.Context, content, entityID string, kind types.EntityKind, existing []*types.Memory) ([]types.ExtractedMemory, error) {
	candidates, err := e.extractLLM(ctx, content, entityID, kind, existing)
	if err != nil || !e.cfg.Enabled {
		return candidates, err
	}

	for i := range candidates {
		c := &candidates[i]
		predicted := e.predictor.Predict(FromCandidate(c), e.cfg.Temperature)
		c.PolicyAction = predicted
		if predicted == c.Action {
			e.metrics.RecordArbitration(string(types.ModeOverride), outcomeKept)
			continue
		}
		c.LLMAction = c.Action
		c.Action = predicted
		c.Reason = fmt.Sprintf("%s (policy suggests switching to %s)", c.Reason, predicted)
		c.Enhanced = true
		c.Overridden = true
		e.metrics.RecordArbitration(string(types.ModeOverride), outcomeOverridden)
	}
	return candidates, nil
}

// ExtractWithEnsemble arbitrates each candidate by EnsembleConfidence.
// Candidates below threshold are left as the LLM proposed them, tagged with
// their confidence; the rest go through SelectAction. A negative threshold
// uses the configured one.
func (e *EnhancedExtractor) ExtractWithEnsemble(ctx context.Context, content, entityID string, kind types.EntityKind, existing []*types.Memory, threshold float64) ([]types.ExtractedMemory, error) {
	candidates, err := e.extractLLM(ctx, content, entityID, kind, existing)
	if err != nil || !e.cfg.Enabled {
		return candidates, err
	}
	if threshold < 0 {
		threshold = e.thresh
	}

	for i := range candidates {
		c := &candidates[i]
		llmAction := c.Action
		predicted := e.predictor.Predict(FromCandidate(c), e.cfg.Temperature)
		confidence := EnsembleConfidence(llmAction, predicted, c.Importance)
		c.Confidence = &confidence

		if confidence < threshold {
			e.metrics.RecordArbitration(string(types.ModeEnsemble), outcomeLowConfidence)
			continue
		}

		final := SelectAction(llmAction, predicted, confidence)
		c.LLMAction = llmAction
		c.PolicyAction = predicted
		c.Enhanced = true
		if final != llmAction {
			c.Action = final
			c.Overridden = true
			c.Reason = fmt.Sprintf("%s (policy override, confidence %.2f)", c.Reason, confidence)
		}

		if confidence >= llmTrustConfidence {
			e.metrics.RecordArbitration(string(types.ModeEnsemble), outcomeLLMWins)
		} else {
			e.metrics.RecordArbitration(string(types.ModeEnsemble), outcomePolicyWins)
		}
	}
	return candidates, nil
}

// EnsembleConfidence scores how far the LLM's action can be trusted given
// the policy's prediction: 0.9 when they agree, 0.5 when they do not, shifted
// by 0.1 per importance point away from 3 and clamped to [0.1, 0.95].
func EnsembleConfidence(llmAction, policyAction types.Action, importance int) float64 {
	base := disagreeConfidence
	if llmAction == policyAction {
		base = agreeConfidence
	}
	c := base + float64(importance-3)*0.1
	return math.Max(minConfidence, math.Min(maxConfidence, c))
}

// SelectAction picks the final action for a candidate whose confidence
// already cleared the threshold. High confidence keeps the LLM's action;
// borderline confidence defers to the policy.
func SelectAction(llmAction, policyAction types.Action, confidence float64) types.Action {
	if confidence >= llmTrustConfidence {
		return llmAction
	}
	return policyAction
}

// FeedbackLoop evaluates the most recent decision on memoryID immediately
// instead of waiting for the batch sweep. Query logs are usage signal, not
// decisions, so they are skipped. An already-evaluated log is reported as is
// and never recomputed.
func (e *EnhancedExtractor) FeedbackLoop(ctx context.Context, memoryID string, actualOutcome map[string]interface{}) (*FeedbackResult, error) {
	log, err := e.logs.LatestDecisionLog(ctx, memoryID)
	if errors.Is(err, storage.ErrNotFound) {
		return &FeedbackResult{Success: false, Error: "log not found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest decision for memory %s: %w", memoryID, err)
	}

	if log.Reward != nil {
		return &FeedbackResult{
			Success:          true,
			LogID:            log.ID,
			RewardCalculated: false,
			ExistingReward:   log.Reward,
			Message:          "reward already calculated",
		}, nil
	}

	res, err := e.rewards.CalculateRewardWithFeedback(ctx, log.ID, feedbackWindowDays, actualOutcome)
	if err != nil {
		return nil, err
	}
	return &FeedbackResult{
		Success:          true,
		LogID:            log.ID,
		RewardCalculated: true,
		Reward:           &res.Reward,
		Outcome:          res.Outcome,
	}, nil
}

// Statistics describes the serving policy.
func (e *EnhancedExtractor) Statistics() *ExtractorStatistics {
	if !e.cfg.Enabled {
		return &ExtractorStatistics{Enabled: false, Message: "policy arbitration is not enabled"}
	}
	w := e.policy.Weights()
	return &ExtractorStatistics{
		Enabled:           true,
		Temperature:       e.cfg.Temperature,
		Threshold:         e.thresh,
		ModelVersion:      w.Version,
		ActionPreferences: w.ActionPreferences,
	}
}

func stampEntityKind(c *types.ExtractedMemory, kind types.EntityKind) {
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	c.Metadata["entity_kind"] = string(kind)
}
