// Package server provides HTTP server initialization and lifecycle management
// for the z-memory API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bossandy123/z-memory/internal/config"
	"github.com/bossandy123/z-memory/internal/metrics"
	"github.com/bossandy123/z-memory/internal/services"
	"github.com/bossandy123/z-memory/pkg/types"
	"github.com/bossandy123/z-memory/web/handlers"
)

// Deps are the services the HTTP surface is built on. Hub and Metrics are
// optional.
type Deps struct {
	Memories *services.MemoryService
	Query    *services.QueryService
	Rewards  *services.RewardService
	Training *services.TrainingService
	Hub      *handlers.WebSocketHub
	Metrics  *metrics.Manager
}

// NewHandler builds the full HTTP handler: routes, auth, rate limiting,
// security headers and request metrics.
func NewHandler(cfg *config.Config, deps Deps, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	system := handlers.NewSystemHandlers(cfg)
	mem := handlers.NewMemoryHandlers(deps.Memories, deps.Query, types.ExtractionMode(cfg.RL.DefaultMode), logger)
	rl := handlers.NewRLHandlers(deps.Rewards, deps.Training, logger)
	logs := handlers.NewLogHandlers(deps.Rewards, logger)

	// API routes (require auth in production mode)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/config", system.GetConfig)

	apiMux.HandleFunc("POST /api/memory/query", mem.Query)
	apiMux.HandleFunc("POST /api/memory/{kind}/{entity_id}", mem.StoreMemory)
	apiMux.HandleFunc("POST /api/memory/{kind}/{entity_id}/extract", mem.ExtractMemories)
	apiMux.HandleFunc("GET /api/memory/{kind}/{entity_id}/profile", mem.GetProfile)
	apiMux.HandleFunc("GET /api/memory/{kind}/{entity_id}/events", mem.GetEvents)
	apiMux.HandleFunc("PUT /api/memory/{kind}/{entity_id}/{memory_id}", mem.UpdateMemory)
	apiMux.HandleFunc("DELETE /api/memory/{kind}/{entity_id}/{memory_id}", mem.DeleteMemory)
	apiMux.HandleFunc("GET /api/memory/{memory_id}", mem.GetMemory)
	apiMux.HandleFunc("GET /api/memory/{memory_id}/logs", mem.GetMemoryLogs)

	apiMux.HandleFunc("GET /api/logs", logs.ListLogs)
	apiMux.HandleFunc("GET /api/logs/stats", logs.LogStatistics)
	apiMux.HandleFunc("GET /api/logs/{id}", logs.GetLog)

	apiMux.HandleFunc("POST /api/rl/reward/calculate", rl.CalculateReward)
	apiMux.HandleFunc("POST /api/rl/reward/evaluate", rl.BatchEvaluate)
	apiMux.HandleFunc("GET /api/rl/reward/statistics", rl.RewardStatistics)
	apiMux.HandleFunc("POST /api/rl/train", rl.Train)
	apiMux.HandleFunc("GET /api/rl/training/samples", rl.TrainingSamples)
	apiMux.HandleFunc("GET /api/rl/model/checkpoints", rl.ListCheckpoints)
	apiMux.HandleFunc("GET /api/rl/model/checkpoint/{id}/download", rl.DownloadCheckpoint)
	apiMux.HandleFunc("GET /api/rl/model/statistics", rl.ModelStatistics)
	apiMux.HandleFunc("POST /api/rl/model/save", rl.SaveCheckpoint)
	apiMux.HandleFunc("POST /api/rl/model/load", rl.LoadModel)
	apiMux.HandleFunc("POST /api/rl/extractor/feedback", rl.Feedback)
	apiMux.HandleFunc("GET /api/rl/extractor/statistics", rl.ExtractorStatistics)
	apiMux.HandleFunc("GET /api/rl/pipeline/run", rl.RunPipeline)
	apiMux.HandleFunc("GET /api/rl/health", rl.Health)

	mux := http.NewServeMux()

	// Health and metrics need no auth; they are scraped by monitoring.
	mux.HandleFunc("GET /health", system.Health)
	if deps.Metrics != nil && deps.Metrics.Enabled() {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}
	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg))

	// WebSocket endpoint (origin validation handles security)
	if deps.Hub != nil {
		mux.Handle("GET /ws/logs", deps.Hub)
	}

	handler := http.Handler(mux)
	if deps.Metrics != nil {
		handler = handlers.MetricsMiddleware(handler, deps.Metrics)
	}
	handler = handlers.SecurityHeaders(handler)
	if cfg.Server.RateLimit > 0 {
		handler = handlers.RateLimitMiddleware(handler, handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	return handler
}

// Start listens on the configured address and serves until ctx is cancelled.
// It returns the actual address being listened on (useful for testing with
// port 0). The hub, when present, is run alongside the server and stopped on
// shutdown.
func Start(ctx context.Context, cfg *config.Config, deps Deps, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	// Create server with security timeouts
	server := &http.Server{
		Handler:      NewHandler(cfg, deps, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // extraction and training can be slow
		IdleTimeout:  60 * time.Second,
	}

	if deps.Hub != nil {
		go deps.Hub.Run()
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		if deps.Hub != nil {
			deps.Hub.Stop()
		}
	}()

	actual := listener.Addr().String()
	logger.Info("http server listening", "addr", actual)
	return actual, nil
}
