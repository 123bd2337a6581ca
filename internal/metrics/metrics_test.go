package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	require.NotNil(t, m)
	assert.False(t, m.Enabled())
	assert.Nil(t, m.Registry())

	// Recording on a disabled manager must not panic.
	m.RecordReward("insert", 1)
	m.RecordArbitration("ensemble", "llm_wins")
	m.RecordTraining(true, time.Second)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNilManagerIsNoOp(t *testing.T) {
	var m *Manager
	assert.False(t, m.Enabled())
	m.RecordMemoryOperation("insert", "profile")
}

func TestRecordersUpdateCollectors(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.True(t, m.Enabled())

	m.RecordReward("insert", 2.7)
	m.RecordReward("insert", 0.5)
	m.RecordRewardFailure("delete")
	m.RecordArbitration("rl", "overridden")
	m.RecordMemoryOperation("query", "event")
	m.SetPolicyPreferences(map[string]float64{"insert": 0.6})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rewardsEvaluated.WithLabelValues("insert", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rewardsEvaluated.WithLabelValues("delete", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.arbitrations.WithLabelValues("rl", "overridden")))
	assert.Equal(t, 0.6, testutil.ToFloat64(m.policyPreference.WithLabelValues("insert")))
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordTraining(false, 50*time.Millisecond)
	m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `zmemory_training_runs_total{result="failed"} 1`))
	assert.Contains(t, body, "zmemory_http_requests_total")
}
