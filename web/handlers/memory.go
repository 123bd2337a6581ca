package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bossandy123/z-memory/internal/services"
	"github.com/bossandy123/z-memory/pkg/types"
)

// MemoryHandlers serves the entity-scoped memory API and fused queries.
type MemoryHandlers struct {
	memories    *services.MemoryService
	query       *services.QueryService
	defaultMode types.ExtractionMode
	logger      *slog.Logger
}

// NewMemoryHandlers creates MemoryHandlers. defaultMode is used when an
// extraction request names no mode.
func NewMemoryHandlers(memories *services.MemoryService, query *services.QueryService, defaultMode types.ExtractionMode, logger *slog.Logger) *MemoryHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultMode == "" {
		defaultMode = types.ModeLLM
	}
	return &MemoryHandlers{memories: memories, query: query, defaultMode: defaultMode, logger: logger}
}

// entity reads and checks the {kind} and {entity_id} path values.
func (h *MemoryHandlers) entity(w http.ResponseWriter, r *http.Request) (types.EntityKind, string, bool) {
	kind, err := types.ParseEntityKind(r.PathValue("kind"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entity kind", err)
		return "", "", false
	}
	if !h.memories.KindEnabled(kind) {
		respondError(w, http.StatusServiceUnavailable, string(kind)+" memory is not enabled", nil)
		return "", "", false
	}
	return kind, r.PathValue("entity_id"), true
}

// StoreMemory handles POST /api/memory/{kind}/{entity_id}.
func (h *MemoryHandlers) StoreMemory(w http.ResponseWriter, r *http.Request) {
	kind, entityID, ok := h.entity(w, r)
	if !ok {
		return
	}
	var req StoreMemoryRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}

	m, err := h.memories.Store(r.Context(), services.StoreRequest{
		Kind:        kind,
		EntityID:    entityID,
		Content:     req.Content,
		Tier:        types.Tier(req.MemoryLayer),
		Metadata:    req.Metadata,
		IsPermanent: req.IsPermanent,
		ExpiresAt:   req.ExpiryDate,
	})
	if err != nil {
		respondServiceError(w, h.logger, "failed to store memory", err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// ExtractMemories handles POST /api/memory/{kind}/{entity_id}/extract.
func (h *MemoryHandlers) ExtractMemories(w http.ResponseWriter, r *http.Request) {
	kind, entityID, ok := h.entity(w, r)
	if !ok {
		return
	}
	var req ExtractRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	mode := types.ExtractionMode(req.Mode)
	if mode == "" {
		mode = h.defaultMode
	}

	res, err := h.memories.ExtractAndStore(r.Context(), kind, entityID, req.Content, mode)
	if err != nil {
		respondServiceError(w, h.logger, "failed to extract memories", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GetProfile handles GET /api/memory/{kind}/{entity_id}/profile.
func (h *MemoryHandlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	kind, entityID, ok := h.entity(w, r)
	if !ok {
		return
	}
	mems, err := h.memories.ListProfile(r.Context(), kind, entityID)
	if err != nil {
		respondServiceError(w, h.logger, "failed to list profile", err)
		return
	}
	respondJSON(w, http.StatusOK, ListResponse{Data: mems, Total: len(mems)})
}

// GetEvents handles GET /api/memory/{kind}/{entity_id}/events?limit=N.
func (h *MemoryHandlers) GetEvents(w http.ResponseWriter, r *http.Request) {
	kind, entityID, ok := h.entity(w, r)
	if !ok {
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 10)
	if limit > 1000 {
		limit = 1000
	}
	mems, err := h.memories.ListEvents(r.Context(), kind, entityID, limit)
	if err != nil {
		respondServiceError(w, h.logger, "failed to list events", err)
		return
	}
	respondJSON(w, http.StatusOK, ListResponse{Data: mems, Total: len(mems)})
}

// UpdateMemory handles PUT /api/memory/{kind}/{entity_id}/{memory_id}.
func (h *MemoryHandlers) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	kind, entityID, ok := h.entity(w, r)
	if !ok {
		return
	}
	var req UpdateMemoryRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}

	ctx := r.Context()
	m, err := h.memories.GetOwned(ctx, kind, entityID, r.PathValue("memory_id"))
	if err != nil {
		respondServiceError(w, h.logger, "failed to load memory", err)
		return
	}
	updated, err := h.memories.Update(ctx, m.ID, services.UpdateRequest{
		Content:  req.Content,
		Metadata: req.Metadata,
		Reason:   req.Reason,
	})
	if err != nil {
		respondServiceError(w, h.logger, "failed to update memory", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// DeleteMemory handles DELETE /api/memory/{kind}/{entity_id}/{memory_id}?reason=.
func (h *MemoryHandlers) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	kind, entityID, ok := h.entity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	m, err := h.memories.GetOwned(ctx, kind, entityID, r.PathValue("memory_id"))
	if err != nil {
		respondServiceError(w, h.logger, "failed to load memory", err)
		return
	}
	if err := h.memories.Delete(ctx, m.ID, r.URL.Query().Get("reason")); err != nil {
		respondServiceError(w, h.logger, "failed to delete memory", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": m.ID})
}

// GetMemory handles GET /api/memory/{memory_id}.
func (h *MemoryHandlers) GetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := h.memories.Get(r.Context(), r.PathValue("memory_id"))
	if err != nil {
		respondServiceError(w, h.logger, "failed to get memory", err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// GetMemoryLogs handles GET /api/memory/{memory_id}/logs?layer=&limit=.
func (h *MemoryHandlers) GetMemoryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tier := types.Tier(q.Get("layer"))
	if tier != "" && !tier.IsValid() {
		respondError(w, http.StatusBadRequest, "invalid memory layer", nil)
		return
	}
	logs, err := h.memories.Logs(r.Context(), r.PathValue("memory_id"), tier, parseInt(q.Get("limit"), 10))
	if err != nil {
		respondServiceError(w, h.logger, "failed to list logs", err)
		return
	}
	respondJSON(w, http.StatusOK, ListResponse{Data: logs, Total: len(logs)})
}

// Query handles POST /api/memory/query.
func (h *MemoryHandlers) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	res, err := h.query.Query(r.Context(), req.Query, req.UserID, req.AgentID, req.TopK)
	if err != nil {
		respondServiceError(w, h.logger, "failed to query memories", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
