package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bossandy123/z-memory/internal/services"
	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

// LogHandlers serves read access to the action log.
type LogHandlers struct {
	rewards *services.RewardService
	logger  *slog.Logger
}

// NewLogHandlers creates LogHandlers.
func NewLogHandlers(rewards *services.RewardService, logger *slog.Logger) *LogHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandlers{rewards: rewards, logger: logger}
}

// ListLogs handles GET /api/logs?memory_id=&layer=&action=&limit=.
func (h *LogHandlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.LogFilter{
		MemoryID: q.Get("memory_id"),
		Tier:     types.Tier(q.Get("layer")),
		Action:   types.Action(q.Get("action")),
		Limit:    parseInt(q.Get("limit"), 20),
	}
	if filter.Tier != "" && !filter.Tier.IsValid() {
		respondError(w, http.StatusBadRequest, "invalid memory layer", nil)
		return
	}
	if filter.Action != "" && !filter.Action.IsValid() {
		respondError(w, http.StatusBadRequest, "invalid action", nil)
		return
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}

	logs, err := h.rewards.Logs(r.Context(), filter)
	if err != nil {
		respondServiceError(w, h.logger, "failed to list logs", err)
		return
	}
	respondJSON(w, http.StatusOK, ListResponse{Data: logs, Total: len(logs)})
}

// LogStatistics handles GET /api/logs/stats?days=.
func (h *LogHandlers) LogStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.rewards.LogStatistics(r.Context(), parseInt(r.URL.Query().Get("days"), services.DefaultStatisticsDays))
	if err != nil {
		respondServiceError(w, h.logger, "failed to get log statistics", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetLog handles GET /api/logs/{id}.
func (h *LogHandlers) GetLog(w http.ResponseWriter, r *http.Request) {
	l, err := h.rewards.Log(r.Context(), r.PathValue("id"))
	if err != nil {
		respondServiceError(w, h.logger, "failed to get log", err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}
