// Package server_test exercises the HTTP surface end to end against an
// in-memory SQLite store and vector index.
package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bossandy123/z-memory/internal/config"
	"github.com/bossandy123/z-memory/internal/logging"
	"github.com/bossandy123/z-memory/internal/metrics"
	"github.com/bossandy123/z-memory/internal/rl"
	"github.com/bossandy123/z-memory/internal/server"
	"github.com/bossandy123/z-memory/internal/services"
	"github.com/bossandy123/z-memory/internal/storage/sqlite"
	"github.com/bossandy123/z-memory/internal/storage/sqlstore"
	"github.com/bossandy123/z-memory/internal/vector"
	"github.com/bossandy123/z-memory/pkg/types"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "tea") {
		return []float32{1, 0.1, 0}, nil
	}
	return []float32{0, 0.1, 1}, nil
}

func (stubEmbedder) GetModel() string { return "stub" }

type stubSource struct {
	candidates []types.ExtractedMemory
}

func (s *stubSource) Extract(ctx context.Context, mode types.ExtractionMode, content, entityID string, kind types.EntityKind, existing []*types.Memory) ([]types.ExtractedMemory, error) {
	return s.candidates, nil
}

type noCandidates struct{}

func (noCandidates) Extract(ctx context.Context, content, entityID string, kind types.EntityKind, existing []*types.Memory) ([]types.ExtractedMemory, error) {
	return nil, nil
}

type testAPI struct {
	url   string
	store *sqlstore.Store
	src   *stubSource
}

// newTestAPI serves the full handler stack over httptest. mutate may adjust
// the configuration before services are built.
func newTestAPI(t *testing.T, mutate func(*config.Config)) *testAPI {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.RateLimit = 0
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	store, err := sqlite.Open(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx, err := vector.NewChromem("", logging.Discard())
	require.NoError(t, err)

	m := metrics.NewManager(metrics.DefaultConfig())
	src := &stubSource{}
	memories := services.NewMemoryService(store, idx, stubEmbedder{}, src, logging.Discard(),
		services.WithMemoryMetrics(m),
		services.WithEnabledKinds(cfg.Features.EnableUserMemory, cfg.Features.EnableAgentMemory))

	calc := rl.NewRewardCalculator(store, store, rl.DefaultRewardConfig(), logging.Discard())
	trainer := rl.NewTrainer(store, rl.NewPolicy(), cfg.RL.ModelName, logging.Discard())
	extractor := rl.NewEnhancedExtractor(ctx, noCandidates{}, trainer, store, calc,
		rl.ExtractorConfig{Enabled: cfg.Features.EnableRL}, logging.Discard())
	rewards := services.NewRewardService(calc, store, cfg.Features.EnableRL)

	handler := server.NewHandler(cfg, server.Deps{
		Memories: memories,
		Query:    services.NewQueryService(memories),
		Rewards:  rewards,
		Training: services.NewTrainingService(trainer, extractor, rewards, cfg.Training.LearningRate, cfg.Features.EnableRL),
		Metrics:  m,
	}, logging.Discard())

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testAPI{url: srv.URL, store: store, src: src}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.url+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v), string(data))
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, body := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var health struct {
		Status   string          `json:"status"`
		Features map[string]bool `json:"features"`
	}
	decode(t, body, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Features["rl_flywheel_enabled"])
}

func TestMemoryLifecycle(t *testing.T) {
	api := newTestAPI(t, nil)

	resp, body := api.do(t, http.MethodPost, "/api/memory/user/alice", map[string]interface{}{
		"content":      "likes green tea",
		"memory_layer": "profile",
		"metadata":     map[string]interface{}{"importance": 4},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var m types.Memory
	decode(t, body, &m)
	require.NotEmpty(t, m.ID)

	resp, body = api.do(t, http.MethodGet, "/api/memory/"+m.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "likes green tea")

	resp, body = api.do(t, http.MethodGet, "/api/memory/user/alice/profile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Total int `json:"total"`
	}
	decode(t, body, &list)
	assert.Equal(t, 1, list.Total)

	resp, body = api.do(t, http.MethodPut, "/api/memory/user/alice/"+m.ID, map[string]interface{}{
		"content": "likes oolong tea",
		"reason":  "corrected",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "oolong")

	// Another entity cannot touch alice's memory.
	resp, _ = api.do(t, http.MethodPut, "/api/memory/user/bob/"+m.ID, map[string]interface{}{"content": "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = api.do(t, http.MethodDelete, "/api/memory/user/alice/"+m.ID+"?reason=stale", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/memory/"+m.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/api/memory/"+m.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs struct {
		Data []*types.ActionLog `json:"data"`
	}
	decode(t, body, &logs)
	require.Len(t, logs.Data, 3)
	assert.Equal(t, types.ActionDelete, logs.Data[0].Action)
	assert.Equal(t, types.ActionInsert, logs.Data[2].Action)
}

func TestMemoryRoutes_Errors(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.Config) { cfg.Features.EnableAgentMemory = false })

	resp, _ := api.do(t, http.MethodPost, "/api/memory/robot/r1", map[string]interface{}{"content": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/memory/agent/bot", map[string]interface{}{"content": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/memory/user/alice", map[string]interface{}{"content": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/memory/user/alice", map[string]interface{}{"content": "x", "memory_layer": "forever"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/memory/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/memory/missing/logs?layer=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/memory/query", map[string]interface{}{"query": "tea"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/memory/user/alice", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestExtractAndQuery(t *testing.T) {
	api := newTestAPI(t, nil)
	api.src.candidates = []types.ExtractedMemory{
		{Content: "prefers green tea", Action: types.ActionInsert, Tier: types.TierProfile, Importance: 4, Reason: "preference"},
		{Content: "booked a flight", Action: types.ActionInsert, Tier: types.TierEvent, Importance: 3, Reason: "event"},
	}

	resp, body := api.do(t, http.MethodPost, "/api/memory/user/alice/extract", map[string]interface{}{
		"content": "I prefer green tea. I booked a flight.",
		"mode":    "llm",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res services.ExtractionResult
	decode(t, body, &res)
	assert.Equal(t, types.ModeLLM, res.Mode)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.ProfileCount)
	assert.Equal(t, 1, res.EventCount)

	resp, body = api.do(t, http.MethodGet, "/api/memory/user/alice/events?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "booked a flight")

	resp, body = api.do(t, http.MethodPost, "/api/memory/query", map[string]interface{}{
		"query":   "what tea",
		"user_id": "alice",
		"top_k":   1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var q services.QueryResult
	decode(t, body, &q)
	require.Len(t, q.UserMemories, 1)
	assert.Equal(t, "prefers green tea", q.UserMemories[0].Content)
	assert.Empty(t, q.AgentMemories)
	require.NotEmpty(t, q.Recommendations)

	resp, _ = api.do(t, http.MethodPost, "/api/memory/user/alice/extract", map[string]interface{}{
		"content": "x", "mode": "magic",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogRoutes(t *testing.T) {
	api := newTestAPI(t, nil)
	resp, _ := api.do(t, http.MethodPost, "/api/memory/agent/bot", map[string]interface{}{"content": "uses tools carefully"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := api.do(t, http.MethodGet, "/api/logs?action=insert&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs struct {
		Data  []*types.ActionLog `json:"data"`
		Total int                `json:"total"`
	}
	decode(t, body, &logs)
	require.Equal(t, 1, logs.Total)

	resp, body = api.do(t, http.MethodGet, "/api/logs/"+logs.Data[0].ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"action":"insert"`)

	resp, _ = api.do(t, http.MethodGet, "/api/logs/stats?days=7", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/logs?action=promote", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/logs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRLRoutes(t *testing.T) {
	api := newTestAPI(t, nil)
	ctx := context.Background()

	// One matured insert with a later hit gives the trainer something to learn.
	created := time.Now().UTC().Add(-10 * 24 * time.Hour)
	meta := map[string]interface{}{"entity_id": "alice", "entity_kind": "user", "importance": 4}
	require.NoError(t, api.store.AppendLog(ctx, &types.ActionLog{
		ID: "ins-1", MemoryID: "m-1", Tier: types.TierProfile, Action: types.ActionInsert,
		Reason: "seed", Metadata: meta, CreatedAt: created,
	}))
	require.NoError(t, api.store.AppendLog(ctx, &types.ActionLog{
		ID: "q-1", MemoryID: "m-1", Tier: types.TierProfile, Action: types.ActionQuery,
		Reason: "seed", Metadata: meta, CreatedAt: created.Add(time.Hour),
	}))

	resp, body := api.do(t, http.MethodPost, "/api/rl/reward/calculate", map[string]interface{}{"log_id": "q-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, _ = api.do(t, http.MethodPost, "/api/rl/reward/calculate", map[string]interface{}{"log_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = api.do(t, http.MethodPost, "/api/rl/reward/calculate", map[string]interface{}{"log_id": "ins-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var calc struct {
		Reward float64 `json:"reward"`
	}
	decode(t, body, &calc)
	assert.Greater(t, calc.Reward, 0.0)

	resp, body = api.do(t, http.MethodPost, "/api/rl/reward/evaluate", map[string]interface{}{"limit": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = api.do(t, http.MethodGet, "/api/rl/reward/statistics?action=query", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/rl/model/load", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = api.do(t, http.MethodPost, "/api/rl/train", map[string]interface{}{"days": 30, "epochs": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var train rl.PipelineResult
	decode(t, body, &train)
	require.True(t, train.Success, string(body))

	resp, body = api.do(t, http.MethodGet, "/api/rl/model/checkpoints", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cps struct {
		Data  []*types.PolicyCheckpoint `json:"data"`
		Total int                       `json:"total"`
	}
	decode(t, body, &cps)
	require.Equal(t, 1, cps.Total)

	resp, body = api.do(t, http.MethodGet, "/api/rl/model/checkpoints?model_name=other", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"total":0`)

	resp, _ = api.do(t, http.MethodGet, fmt.Sprintf("/api/rl/model/checkpoint/%s/download", cps.Data[0].ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "memory_policy-")

	resp, body = api.do(t, http.MethodPost, "/api/rl/model/load", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "Model loaded successfully")

	resp, body = api.do(t, http.MethodGet, "/api/rl/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"model_loaded":true`)

	resp, _ = api.do(t, http.MethodGet, "/api/rl/extractor/statistics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/rl/training/samples?days=30", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/rl/pipeline/run?train=false", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRLRoutes_Disabled(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.Config) { cfg.Features.EnableRL = false })

	resp, _ := api.do(t, http.MethodPost, "/api/rl/train", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/api/rl/extractor/statistics", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// The log surface keeps working without the flywheel.
	resp, _ = api.do(t, http.MethodGet, "/api/logs/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProductionModeRequiresToken(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.Config) {
		cfg.Security.Mode = "production"
		cfg.Security.APIToken = "s3cret"
	})

	resp, _ := api.do(t, http.MethodGet, "/api/logs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, api.url+"/api/logs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	// Health and metrics stay open for monitoring.
	resp, _ = api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := api.do(t, http.MethodGet, "/api/config", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, string(body))
}

func TestConfigIsMasked(t *testing.T) {
	api := newTestAPI(t, func(cfg *config.Config) { cfg.LLM.OpenAIAPIKey = "sk-abcdefghijklmnop" })

	resp, body := api.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "sk-abcdefghijklmnop")
	assert.Contains(t, string(body), `"model_name":"memory_policy"`)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	api.do(t, http.MethodGet, "/api/memory/missing", nil)

	resp, body := api.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `route="GET /api/memory/{memory_id}",status="404"`)
}

func TestStart_ServesAndShutsDown(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	addr, err := server.Start(ctx, cfg, server.Deps{}, logging.Discard())
	require.NoError(t, err)
	assert.NotContains(t, addr, ":0")

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.Eventually(t, func() bool {
		_, err := http.Get("http://" + addr + "/health")
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}
