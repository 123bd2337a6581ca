// Package metrics provides Prometheus instrumentation for the memory service
// and the reward/training loop. A disabled Manager is a safe no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns a private registry and every collector the service exports.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	memoryOps        *prometheus.CounterVec
	rewardsEvaluated *prometheus.CounterVec
	rewardValues     *prometheus.HistogramVec
	arbitrations     *prometheus.CounterVec
	trainingRuns     *prometheus.CounterVec
	trainingDuration prometheus.Histogram
	policyPreference *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled   bool
	Namespace string

	RewardBuckets       []float64
	TrainingBuckets     []float64
	HTTPDurationBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Namespace:           "zmemory",
		RewardBuckets:       []float64{-1, -0.3, 0, 0.5, 1, 2, 3, 5, 10},
		TrainingBuckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		HTTPDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}
	def := DefaultConfig()
	if cfg.RewardBuckets == nil {
		cfg.RewardBuckets = def.RewardBuckets
	}
	if cfg.TrainingBuckets == nil {
		cfg.TrainingBuckets = def.TrainingBuckets
	}
	if cfg.HTTPDurationBuckets == nil {
		cfg.HTTPDurationBuckets = def.HTTPDurationBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ns := cfg.Namespace
	m := &Manager{registry: registry, enabled: true}

	m.memoryOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "memory_operations_total",
		Help:      "Memory operations applied, by action and tier",
	}, []string{"action", "tier"})

	m.rewardsEvaluated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "rewards_evaluated_total",
		Help:      "Reward evaluations by action and result",
	}, []string{"action", "result"})

	m.rewardValues = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "reward_value",
		Help:      "Distribution of computed rewards",
		Buckets:   cfg.RewardBuckets,
	}, []string{"action"})

	m.arbitrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "arbitration_decisions_total",
		Help:      "Extraction arbitration outcomes by mode",
	}, []string{"mode", "outcome"})

	m.trainingRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "training_runs_total",
		Help:      "Training pipeline runs by result",
	}, []string{"result"})

	m.trainingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "training_duration_seconds",
		Help:      "Training pipeline duration in seconds",
		Buckets:   cfg.TrainingBuckets,
	})

	m.policyPreference = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "policy_action_preference",
		Help:      "Current policy preference per action",
	}, []string{"action"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   cfg.HTTPDurationBuckets,
	}, []string{"method", "route"})

	registry.MustRegister(
		m.memoryOps, m.rewardsEvaluated, m.rewardValues, m.arbitrations,
		m.trainingRuns, m.trainingDuration, m.policyPreference,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// NoOpManager returns a disabled manager.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m != nil && m.enabled
}

// Registry exposes the private registry, nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	if !m.Enabled() {
		return nil
	}
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordMemoryOperation counts one applied memory action.
func (m *Manager) RecordMemoryOperation(action, tier string) {
	if !m.Enabled() {
		return
	}
	m.memoryOps.WithLabelValues(action, tier).Inc()
}

// RecordReward records a successful evaluation and its value.
func (m *Manager) RecordReward(action string, reward float64) {
	if !m.Enabled() {
		return
	}
	m.rewardsEvaluated.WithLabelValues(action, "success").Inc()
	m.rewardValues.WithLabelValues(action).Observe(reward)
}

// RecordRewardFailure records an evaluation that produced no reward.
func (m *Manager) RecordRewardFailure(action string) {
	if !m.Enabled() {
		return
	}
	m.rewardsEvaluated.WithLabelValues(action, "failed").Inc()
}

// RecordArbitration counts one arbitration outcome (kept, overridden, llm_wins,
// policy_wins, low_confidence).
func (m *Manager) RecordArbitration(mode, outcome string) {
	if !m.Enabled() {
		return
	}
	m.arbitrations.WithLabelValues(mode, outcome).Inc()
}

// RecordTraining records one pipeline run.
func (m *Manager) RecordTraining(success bool, d time.Duration) {
	if !m.Enabled() {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	m.trainingRuns.WithLabelValues(result).Inc()
	m.trainingDuration.Observe(d.Seconds())
}

// SetPolicyPreferences publishes the current policy distribution.
func (m *Manager) SetPolicyPreferences(prefs map[string]float64) {
	if !m.Enabled() {
		return
	}
	for action, v := range prefs {
		m.policyPreference.WithLabelValues(action).Set(v)
	}
}

// RecordHTTPRequest records one served request.
func (m *Manager) RecordHTTPRequest(method, route, status string, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
