// Package handlers provides the HTTP handlers and middleware for the z-memory API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bossandy123/z-memory/internal/config"
	"github.com/bossandy123/z-memory/internal/llm"
	"github.com/bossandy123/z-memory/internal/rl"
	"github.com/bossandy123/z-memory/internal/services"
	"github.com/bossandy123/z-memory/internal/storage"
)

// maxBodyBytes bounds request bodies; extraction input is the largest.
const maxBodyBytes = 1 << 20

var validate = validator.New()

// SystemHandlers serves health and configuration endpoints.
type SystemHandlers struct {
	config *config.Config
}

// NewSystemHandlers creates SystemHandlers.
func NewSystemHandlers(cfg *config.Config) *SystemHandlers {
	return &SystemHandlers{config: cfg}
}

// Health handles GET /health.
func (h *SystemHandlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Features: FeaturesResponse{
			UserMemoryEnabled:  h.config.Features.EnableUserMemory,
			AgentMemoryEnabled: h.config.Features.EnableAgentMemory,
			RLFlywheelEnabled:  h.config.Features.EnableRL,
		},
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetConfig handles GET /api/config. Secrets are masked.
func (h *SystemHandlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ToConfigResponse(h.config))
}

// decodeAndValidate decodes a JSON body into dst and runs struct validation.
// An empty body leaves dst at its zero value.
func decodeAndValidate(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", storage.ErrInvalidInput, err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q validation", storage.ErrInvalidInput, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	return nil
}

// parseInt parses an integer query parameter with a default value.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// parseBool parses a boolean query parameter with a default value.
func parseBool(s string, defaultValue bool) bool {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		slog.Default().Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}

// respondServiceError maps a service error onto its HTTP status.
func respondServiceError(w http.ResponseWriter, logger *slog.Logger, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.Error(message, "error", err)
	}
	respondError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidInput), errors.Is(err, rl.ErrNotEvaluable):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrDisabled), errors.Is(err, llm.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
