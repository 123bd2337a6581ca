package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bossandy123/z-memory/internal/config"
	"github.com/bossandy123/z-memory/internal/metrics"
	"github.com/bossandy123/z-memory/web/handlers"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequireAuth_SkipInDevelopmentMode(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{
			Mode:     "development",
			APIToken: "secret",
		},
	}

	handler := handlers.RequireAuth(okHandler, cfg)

	req := httptest.NewRequest("GET", "/api/logs", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAuth_RejectMissingToken(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{
			Mode:     "production",
			APIToken: "secret",
		},
	}

	handler := handlers.RequireAuth(okHandler, cfg)

	req := httptest.NewRequest("GET", "/api/logs", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")
}

func TestRequireAuth_RejectWrongToken(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{
			Mode:     "production",
			APIToken: "secret",
		},
	}

	handler := handlers.RequireAuth(okHandler, cfg)

	req := httptest.NewRequest("GET", "/api/logs", nil)
	req.Header.Set("Authorization", "Bearer secreT")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_ProductionWithoutTokenRejectsAll(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{Mode: "production"}}

	handler := handlers.RequireAuth(okHandler, cfg)

	req := httptest.NewRequest("GET", "/api/logs", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_AcceptValidToken(t *testing.T) {
	cfg := &config.Config{
		Security: config.SecurityConfig{
			Mode:     "production",
			APIToken: "secret-token",
		},
	}

	handler := handlers.RequireAuth(okHandler, cfg)

	req := httptest.NewRequest("GET", "/api/logs", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware_AllowsNormalRate(t *testing.T) {
	limiter := handlers.NewRateLimiter(10, 20) // 10 req/s, burst 20
	handler := handlers.RateLimitMiddleware(okHandler, limiter)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("POST", "/api/memory/query", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimitMiddleware_RejectsExcessiveRate(t *testing.T) {
	limiter := handlers.NewRateLimiter(1, 2) // 1 req/s, burst 2
	handler := handlers.RateLimitMiddleware(okHandler, limiter)

	// First 2 should succeed (burst)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/memory/query", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	// Third should be rate limited
	req := httptest.NewRequest("POST", "/api/memory/query", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	handlers.SecurityHeaders(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
}

func TestMetricsMiddleware_RecordsMatchedRoute(t *testing.T) {
	m := metrics.NewManager(metrics.DefaultConfig())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/logs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	handler := handlers.MetricsMiddleware(mux, m)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/logs/abc", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nowhere", nil))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `zmemory_http_requests_total{method="GET",route="GET /api/logs/{id}",status="404"} 1`)
	assert.Contains(t, body, `route="unmatched"`)
}

func TestMetricsMiddleware_DisabledPassesThrough(t *testing.T) {
	handler := handlers.MetricsMiddleware(okHandler, metrics.NoOpManager())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
