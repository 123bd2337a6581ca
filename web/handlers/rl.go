package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bossandy123/z-memory/internal/services"
	"github.com/bossandy123/z-memory/pkg/types"
)

// maxSamplesReturned caps the samples echoed by the samples endpoint.
const maxSamplesReturned = 100

// RLHandlers serves the reward and training API. Every route answers 503
// when the flywheel is disabled.
type RLHandlers struct {
	rewards  *services.RewardService
	training *services.TrainingService
	logger   *slog.Logger
}

// NewRLHandlers creates RLHandlers.
func NewRLHandlers(rewards *services.RewardService, training *services.TrainingService, logger *slog.Logger) *RLHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RLHandlers{rewards: rewards, training: training, logger: logger}
}

// CalculateReward handles POST /api/rl/reward/calculate.
func (h *RLHandlers) CalculateReward(w http.ResponseWriter, r *http.Request) {
	var req RewardCalculateRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	res, err := h.rewards.Calculate(r.Context(), req.LogID, req.DaysSinceCreation)
	if err != nil {
		respondServiceError(w, h.logger, "failed to calculate reward", err)
		return
	}
	respondJSON(w, http.StatusOK, RewardCalculateResponse{
		LogID:        res.LogID,
		Reward:       res.Reward,
		Outcome:      res.Outcome,
		CalculatedAt: res.Outcome.CalculatedAt,
	})
}

// BatchEvaluate handles POST /api/rl/reward/evaluate.
func (h *RLHandlers) BatchEvaluate(w http.ResponseWriter, r *http.Request) {
	var req BatchEvaluateRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	res, err := h.rewards.BatchEvaluate(r.Context(), req.Limit, req.DaysThreshold)
	if err != nil {
		respondServiceError(w, h.logger, "failed to evaluate rewards", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// RewardStatistics handles GET /api/rl/reward/statistics?action=&days=.
func (h *RLHandlers) RewardStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := types.Action(q.Get("action"))
	if action != "" && !action.IsEvaluable() {
		respondError(w, http.StatusBadRequest, "invalid action", nil)
		return
	}
	stats, err := h.rewards.Statistics(r.Context(), action, parseInt(q.Get("days"), services.DefaultStatisticsDays))
	if err != nil {
		respondServiceError(w, h.logger, "failed to get reward statistics", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Train handles POST /api/rl/train.
func (h *RLHandlers) Train(w http.ResponseWriter, r *http.Request) {
	var req TrainRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	save := true
	if req.SaveCheckpoint != nil {
		save = *req.SaveCheckpoint
	}
	res, err := h.training.Train(r.Context(), req.Days, req.Epochs, save)
	if err != nil {
		respondServiceError(w, h.logger, "failed to train policy", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// TrainingSamples handles GET /api/rl/training/samples?days=.
func (h *RLHandlers) TrainingSamples(w http.ResponseWriter, r *http.Request) {
	samples, err := h.training.Samples(r.Context(), parseInt(r.URL.Query().Get("days"), services.DefaultTrainingDays))
	if err != nil {
		respondServiceError(w, h.logger, "failed to collect training samples", err)
		return
	}
	resp := TrainingSamplesResponse{Count: len(samples), Samples: samples}
	if len(resp.Samples) > maxSamplesReturned {
		resp.Samples = resp.Samples[:maxSamplesReturned]
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListCheckpoints handles GET /api/rl/model/checkpoints?version=&limit=.
func (h *RLHandlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if name := q.Get("model_name"); name != "" && name != h.training.ModelName() {
		respondJSON(w, http.StatusOK, ListResponse{Data: []*types.PolicyCheckpoint{}, Total: 0})
		return
	}
	cps, err := h.training.Checkpoints(r.Context(), q.Get("version"), parseInt(q.Get("limit"), services.DefaultCheckpointList))
	if err != nil {
		respondServiceError(w, h.logger, "failed to list checkpoints", err)
		return
	}
	respondJSON(w, http.StatusOK, ListResponse{Data: cps, Total: len(cps)})
}

// DownloadCheckpoint handles GET /api/rl/model/checkpoint/{id}/download.
func (h *RLHandlers) DownloadCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.training.Checkpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		respondServiceError(w, h.logger, "failed to get checkpoint", err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+cp.ModelName+"-"+cp.Version+`.json"`)
	respondJSON(w, http.StatusOK, cp)
}

// ModelStatistics handles GET /api/rl/model/statistics?days=.
func (h *RLHandlers) ModelStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.training.Statistics(r.Context(), parseInt(r.URL.Query().Get("days"), services.DefaultTrainingDays))
	if err != nil {
		respondServiceError(w, h.logger, "failed to get model statistics", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// SaveCheckpoint handles POST /api/rl/model/save.
func (h *RLHandlers) SaveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req SaveCheckpointRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	cp, err := h.training.SaveCheckpoint(r.Context(), req.Metrics)
	if err != nil {
		respondServiceError(w, h.logger, "failed to save checkpoint", err)
		return
	}
	respondJSON(w, http.StatusOK, SaveCheckpointResponse{
		CheckpointID: cp.ID,
		Version:      cp.Version,
		Message:      "Model checkpoint saved",
	})
}

// LoadModel handles POST /api/rl/model/load.
func (h *RLHandlers) LoadModel(w http.ResponseWriter, r *http.Request) {
	cp, err := h.training.LoadLatest(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, "failed to load model", err)
		return
	}
	if cp == nil {
		respondError(w, http.StatusNotFound, "no model found", nil)
		return
	}
	respondJSON(w, http.StatusOK, LoadModelResponse{Message: "Model loaded successfully", Model: cp})
}

// Feedback handles POST /api/rl/extractor/feedback.
func (h *RLHandlers) Feedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	res, err := h.training.Feedback(r.Context(), req.MemoryID, req.ActualOutcome)
	if err != nil {
		respondServiceError(w, h.logger, "failed to process feedback", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ExtractorStatistics handles GET /api/rl/extractor/statistics.
func (h *RLHandlers) ExtractorStatistics(w http.ResponseWriter, r *http.Request) {
	if !h.training.Enabled() {
		respondServiceError(w, h.logger, "policy arbitration is not enabled", services.ErrDisabled)
		return
	}
	respondJSON(w, http.StatusOK, h.training.ExtractorStatistics())
}

// RunPipeline handles GET /api/rl/pipeline/run?days=&train=.
func (h *RLHandlers) RunPipeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.training.RunPipeline(r.Context(),
		parseInt(q.Get("days"), services.DefaultRewardWindowDays), parseBool(q.Get("train"), true))
	if err != nil {
		respondServiceError(w, h.logger, "failed to run pipeline", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Health handles GET /api/rl/health.
func (h *RLHandlers) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.training.Statistics(r.Context(), 1)
	if err != nil {
		respondServiceError(w, h.logger, "failed to get model statistics", err)
		return
	}
	resp := RLHealthResponse{Status: "healthy", ModelVersion: stats.ModelVersion}
	resp.ModelLoaded = stats.ModelVersion != ""
	if !resp.ModelLoaded {
		resp.ModelVersion = "not loaded"
	}
	respondJSON(w, http.StatusOK, resp)
}
