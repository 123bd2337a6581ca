// Package config provides configuration management for z-memory.
// Settings come from built-in defaults, optionally overlaid by a YAML file,
// and finally by environment variables with the ZMEMORY_ prefix. Environment
// variables always win so container deployments can override a checked-in file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the z-memory application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Vector    VectorConfig    `yaml:"vector"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Features  FeaturesConfig  `yaml:"features"`
	RL        RLConfig        `yaml:"rl"`
	Reward    RewardConfig    `yaml:"reward"`
	Training  TrainingConfig  `yaml:"training"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port      int     `yaml:"port"`       // Server port (default: 8000)
	Host      string  `yaml:"host"`       // Server host (default: 127.0.0.1)
	RateLimit float64 `yaml:"rate_limit"` // Requests per second per client (default: 20)
	RateBurst int     `yaml:"rate_burst"` // Burst size (default: 40)

	// AllowedOrigins are extra host patterns accepted on /ws/logs.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig contains relational storage configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Data directory (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Connection string when engine is postgres
}

// SQLitePath returns the database file used by the sqlite engine.
func (s StorageConfig) SQLitePath() string {
	return filepath.Join(s.DataPath, "zmemory.db")
}

// VectorConfig contains vector index configuration.
type VectorConfig struct {
	Backend     string `yaml:"backend"`      // chromem or pgvector (default: chromem)
	PersistPath string `yaml:"persist_path"` // chromem directory; empty keeps vectors in memory
}

// LLMConfig contains extraction LLM provider configuration.
type LLMConfig struct {
	Provider        string  `yaml:"provider"` // openai, anthropic or ollama (default: openai)
	Temperature     float64 `yaml:"temperature"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	OllamaURL       string  `yaml:"ollama_url"`
	OllamaModel     string  `yaml:"ollama_model"`
	OpenAIAPIKey    string  `yaml:"openai_api_key"`
	OpenAIBaseURL   string  `yaml:"openai_base_url"` // OpenAI-compatible endpoints such as DashScope
	OpenAIModel     string  `yaml:"openai_model"`
	AnthropicAPIKey string  `yaml:"anthropic_api_key"`
	AnthropicModel  string  `yaml:"anthropic_model"`
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // openai or ollama (default: openai)
	Model     string `yaml:"model"`
	CacheSize int64  `yaml:"cache_size"` // Max cached embeddings; 0 disables the cache
}

// FeaturesConfig contains feature flags.
type FeaturesConfig struct {
	EnableUserMemory  bool `yaml:"enable_user_memory"`  // default: true
	EnableAgentMemory bool `yaml:"enable_agent_memory"` // default: true
	EnableRL          bool `yaml:"enable_rl_flywheel"`  // default: true
}

// RLConfig contains policy serving configuration.
type RLConfig struct {
	ModelName         string  `yaml:"model_name"`         // default: memory_policy
	Temperature       float64 `yaml:"temperature"`        // default: 0.5
	EnsembleThreshold float64 `yaml:"ensemble_threshold"` // default: 0.7
	DefaultMode       string  `yaml:"default_mode"`       // llm, rl or ensemble (default: ensemble)
}

// RewardConfig contains reward shaping configuration.
type RewardConfig struct {
	HitWeight               float64       `yaml:"hit_weight"`                // default: 1.0
	QualityWeight           float64       `yaml:"quality_weight"`            // default: 0.5
	TimeDecayFactor         float64       `yaml:"time_decay_factor"`         // default: 0.95
	EvaluationDaysThreshold int           `yaml:"evaluation_days_threshold"` // default: 7
	BatchSize               int           `yaml:"batch_size"`                // default: 100
	SweepInterval           time.Duration `yaml:"sweep_interval"`            // 0 disables the sweeper (default: 1h)
}

// TrainingConfig contains policy training configuration.
type TrainingConfig struct {
	Days           int           `yaml:"days"`             // default: 30
	Epochs         int           `yaml:"epochs"`           // default: 10
	LearningRate   float64       `yaml:"learning_rate"`    // default: 0.01
	AutoTrainEvery time.Duration `yaml:"auto_train_every"` // 0 disables scheduled training (default: 0)
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	Mode     string `yaml:"mode"`      // development or production (default: development)
	APIToken string `yaml:"api_token"` // Bearer token required in production mode
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json or text (default: text)
	Output string `yaml:"output"` // stdout, stderr or a file path (default: stderr)
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`   // default: true
	Namespace string `yaml:"namespace"` // default: zmemory
}

// LoadConfig loads configuration from defaults, the optional YAML file at
// path (or ZMEMORY_CONFIG when path is empty), and environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("ZMEMORY_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a Config populated with built-in defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8000,
			Host:      "127.0.0.1",
			RateLimit: 20,
			RateBurst: 40,
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Vector: VectorConfig{
			Backend: "chromem",
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Temperature:    0.7,
			TimeoutSeconds: 60,
			OllamaURL:      "http://localhost:11434",
			OllamaModel:    "qwen2.5:7b",
			OpenAIModel:    "gpt-4o-mini",
			AnthropicModel: "claude-3-5-sonnet-20241022",
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			CacheSize: 10000,
		},
		Features: FeaturesConfig{
			EnableUserMemory:  true,
			EnableAgentMemory: true,
			EnableRL:          true,
		},
		RL: RLConfig{
			ModelName:         "memory_policy",
			Temperature:       0.5,
			EnsembleThreshold: 0.7,
			DefaultMode:       "ensemble",
		},
		Reward: RewardConfig{
			HitWeight:               1.0,
			QualityWeight:           0.5,
			TimeDecayFactor:         0.95,
			EvaluationDaysThreshold: 7,
			BatchSize:               100,
			SweepInterval:           time.Hour,
		},
		Training: TrainingConfig{
			Days:         30,
			Epochs:       10,
			LearningRate: 0.01,
		},
		Security: SecurityConfig{
			Mode: "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "zmemory",
		},
	}
}

// loadFile overlays the YAML file at path onto c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides c with any ZMEMORY_ environment variables that are set.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("ZMEMORY_PORT", c.Server.Port)
	c.Server.Host = getEnv("ZMEMORY_HOST", c.Server.Host)
	c.Server.RateLimit = getEnvFloat("ZMEMORY_RATE_LIMIT", c.Server.RateLimit)
	c.Server.RateBurst = getEnvInt("ZMEMORY_RATE_BURST", c.Server.RateBurst)
	if v := os.Getenv("ZMEMORY_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	c.Storage.Engine = getEnv("ZMEMORY_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataPath = getEnv("ZMEMORY_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("ZMEMORY_POSTGRES_DSN", c.Storage.PostgresDSN)

	c.Vector.Backend = getEnv("ZMEMORY_VECTOR_BACKEND", c.Vector.Backend)
	c.Vector.PersistPath = getEnv("ZMEMORY_VECTOR_PATH", c.Vector.PersistPath)

	c.LLM.Provider = getEnv("ZMEMORY_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Temperature = getEnvFloat("ZMEMORY_LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.TimeoutSeconds = getEnvInt("ZMEMORY_LLM_TIMEOUT_SECONDS", c.LLM.TimeoutSeconds)
	c.LLM.OllamaURL = getEnv("ZMEMORY_OLLAMA_URL", c.LLM.OllamaURL)
	c.LLM.OllamaModel = getEnv("ZMEMORY_OLLAMA_MODEL", c.LLM.OllamaModel)
	c.LLM.OpenAIAPIKey = getEnv("ZMEMORY_OPENAI_API_KEY", c.LLM.OpenAIAPIKey)
	c.LLM.OpenAIBaseURL = getEnv("ZMEMORY_OPENAI_BASE_URL", c.LLM.OpenAIBaseURL)
	c.LLM.OpenAIModel = getEnv("ZMEMORY_OPENAI_MODEL", c.LLM.OpenAIModel)
	c.LLM.AnthropicAPIKey = getEnv("ZMEMORY_ANTHROPIC_API_KEY", c.LLM.AnthropicAPIKey)
	c.LLM.AnthropicModel = getEnv("ZMEMORY_ANTHROPIC_MODEL", c.LLM.AnthropicModel)

	c.Embedding.Provider = getEnv("ZMEMORY_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("ZMEMORY_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.CacheSize = int64(getEnvInt("ZMEMORY_EMBEDDING_CACHE_SIZE", int(c.Embedding.CacheSize)))

	c.Features.EnableUserMemory = getEnvBool("ZMEMORY_ENABLE_USER_MEMORY", c.Features.EnableUserMemory)
	c.Features.EnableAgentMemory = getEnvBool("ZMEMORY_ENABLE_AGENT_MEMORY", c.Features.EnableAgentMemory)
	c.Features.EnableRL = getEnvBool("ZMEMORY_ENABLE_RL_FLYWHEEL", c.Features.EnableRL)

	c.RL.ModelName = getEnv("ZMEMORY_RL_MODEL_NAME", c.RL.ModelName)
	c.RL.Temperature = getEnvFloat("ZMEMORY_RL_TEMPERATURE", c.RL.Temperature)
	c.RL.EnsembleThreshold = getEnvFloat("ZMEMORY_RL_ENSEMBLE_THRESHOLD", c.RL.EnsembleThreshold)
	c.RL.DefaultMode = getEnv("ZMEMORY_RL_DEFAULT_MODE", c.RL.DefaultMode)

	c.Reward.HitWeight = getEnvFloat("ZMEMORY_REWARD_HIT_WEIGHT", c.Reward.HitWeight)
	c.Reward.QualityWeight = getEnvFloat("ZMEMORY_REWARD_QUALITY_WEIGHT", c.Reward.QualityWeight)
	c.Reward.TimeDecayFactor = getEnvFloat("ZMEMORY_REWARD_TIME_DECAY_FACTOR", c.Reward.TimeDecayFactor)
	c.Reward.EvaluationDaysThreshold = getEnvInt("ZMEMORY_REWARD_EVALUATION_DAYS_THRESHOLD", c.Reward.EvaluationDaysThreshold)
	c.Reward.BatchSize = getEnvInt("ZMEMORY_REWARD_EVALUATION_BATCH_SIZE", c.Reward.BatchSize)
	c.Reward.SweepInterval = getEnvDuration("ZMEMORY_REWARD_SWEEP_INTERVAL", c.Reward.SweepInterval)

	c.Training.Days = getEnvInt("ZMEMORY_RL_TRAINING_DAYS", c.Training.Days)
	c.Training.Epochs = getEnvInt("ZMEMORY_RL_TRAINING_EPOCHS", c.Training.Epochs)
	c.Training.LearningRate = getEnvFloat("ZMEMORY_RL_TRAINING_LEARNING_RATE", c.Training.LearningRate)
	c.Training.AutoTrainEvery = getEnvDuration("ZMEMORY_RL_AUTO_TRAIN_EVERY", c.Training.AutoTrainEvery)

	c.Security.Mode = getEnv("ZMEMORY_SECURITY_MODE", c.Security.Mode)
	c.Security.APIToken = getEnv("ZMEMORY_API_TOKEN", c.Security.APIToken)

	c.Logging.Level = getEnv("ZMEMORY_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("ZMEMORY_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("ZMEMORY_LOG_OUTPUT", c.Logging.Output)

	c.Metrics.Enabled = getEnvBool("ZMEMORY_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = getEnv("ZMEMORY_METRICS_NAMESPACE", c.Metrics.Namespace)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if !c.Features.EnableUserMemory && !c.Features.EnableAgentMemory {
		return errors.New("config: at least one of user memory or agent memory must be enabled")
	}
	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: postgres engine requires ZMEMORY_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Vector.Backend == "pgvector" && c.Storage.Engine != "postgres" {
		return errors.New("config: pgvector backend requires the postgres storage engine")
	}
	if c.Security.Mode == "production" && c.Security.APIToken == "" {
		return errors.New("config: production mode requires ZMEMORY_API_TOKEN")
	}
	if c.RL.EnsembleThreshold < 0 || c.RL.EnsembleThreshold > 1 {
		return fmt.Errorf("config: ensemble threshold %.2f outside [0, 1]", c.RL.EnsembleThreshold)
	}
	return nil
}

// Masked returns a copy of c with secrets replaced, for display.
func (c *Config) Masked() Config {
	out := *c
	out.LLM.OpenAIAPIKey = mask(c.LLM.OpenAIAPIKey)
	out.LLM.AnthropicAPIKey = mask(c.LLM.AnthropicAPIKey)
	out.Security.APIToken = mask(c.Security.APIToken)
	out.Storage.PostgresDSN = mask(c.Storage.PostgresDSN)
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("90s", "1h") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
