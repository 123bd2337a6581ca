package handlers

import (
	"time"

	"github.com/bossandy123/z-memory/internal/config"
	"github.com/bossandy123/z-memory/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse is the response format for GET /health.
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Features  FeaturesResponse `json:"features"`
}

// FeaturesResponse reports which subsystems are switched on.
type FeaturesResponse struct {
	UserMemoryEnabled  bool `json:"user_memory_enabled"`
	AgentMemoryEnabled bool `json:"agent_memory_enabled"`
	RLFlywheelEnabled  bool `json:"rl_flywheel_enabled"`
}

// ConfigResponse is the response format for GET /api/config.
// API keys are masked for security.
type ConfigResponse struct {
	LLM      LLMConfigResponse `json:"llm"`
	Storage  StorageResponse   `json:"storage"`
	Features FeaturesResponse  `json:"features"`
	RL       RLConfigResponse  `json:"rl"`
	Security string            `json:"security_mode"`
}

// LLMConfigResponse contains LLM configuration with masked API keys.
type LLMConfigResponse struct {
	Provider          string `json:"provider"`
	OpenAIAPIKey      string `json:"openai_api_key"` // Masked
	OpenAIModel       string `json:"openai_model"`
	AnthropicAPIKey   string `json:"anthropic_api_key"` // Masked
	AnthropicModel    string `json:"anthropic_model"`
	OllamaURL         string `json:"ollama_url"`
	OllamaModel       string `json:"ollama_model"`
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model"`
}

// StorageResponse describes the storage backends.
type StorageResponse struct {
	Engine        string `json:"engine"`
	VectorBackend string `json:"vector_backend"`
	PostgresDSN   string `json:"postgres_dsn,omitempty"` // Masked
}

// RLConfigResponse describes the flywheel settings.
type RLConfigResponse struct {
	ModelName         string        `json:"model_name"`
	Temperature       float64       `json:"temperature"`
	EnsembleThreshold float64       `json:"ensemble_threshold"`
	DefaultMode       string        `json:"default_mode"`
	HitWeight         float64       `json:"hit_weight"`
	QualityWeight     float64       `json:"quality_weight"`
	TimeDecayFactor   float64       `json:"time_decay_factor"`
	SweepInterval     time.Duration `json:"sweep_interval_ns"`
	LearningRate      float64       `json:"learning_rate"`
}

// ToConfigResponse converts a config.Config to ConfigResponse with masked keys.
func ToConfigResponse(cfg *config.Config) ConfigResponse {
	m := cfg.Masked()
	return ConfigResponse{
		LLM: LLMConfigResponse{
			Provider:          m.LLM.Provider,
			OpenAIAPIKey:      m.LLM.OpenAIAPIKey,
			OpenAIModel:       m.LLM.OpenAIModel,
			AnthropicAPIKey:   m.LLM.AnthropicAPIKey,
			AnthropicModel:    m.LLM.AnthropicModel,
			OllamaURL:         m.LLM.OllamaURL,
			OllamaModel:       m.LLM.OllamaModel,
			EmbeddingProvider: m.Embedding.Provider,
			EmbeddingModel:    m.Embedding.Model,
		},
		Storage: StorageResponse{
			Engine:        m.Storage.Engine,
			VectorBackend: m.Vector.Backend,
			PostgresDSN:   m.Storage.PostgresDSN,
		},
		Features: FeaturesResponse{
			UserMemoryEnabled:  m.Features.EnableUserMemory,
			AgentMemoryEnabled: m.Features.EnableAgentMemory,
			RLFlywheelEnabled:  m.Features.EnableRL,
		},
		RL: RLConfigResponse{
			ModelName:         m.RL.ModelName,
			Temperature:       m.RL.Temperature,
			EnsembleThreshold: m.RL.EnsembleThreshold,
			DefaultMode:       m.RL.DefaultMode,
			HitWeight:         m.Reward.HitWeight,
			QualityWeight:     m.Reward.QualityWeight,
			TimeDecayFactor:   m.Reward.TimeDecayFactor,
			SweepInterval:     m.Reward.SweepInterval,
			LearningRate:      m.Training.LearningRate,
		},
		Security: m.Security.Mode,
	}
}

// ListResponse wraps list results.
type ListResponse struct {
	Data  interface{} `json:"data"`
	Total int         `json:"total"`
}

// StoreMemoryRequest is the body of POST /api/memory/{kind}/{entity_id}.
type StoreMemoryRequest struct {
	Content     string                 `json:"content" validate:"required"`
	MemoryLayer string                 `json:"memory_layer" validate:"omitempty,oneof=profile event"`
	Metadata    map[string]interface{} `json:"metadata"`
	IsPermanent bool                   `json:"is_permanent"`
	ExpiryDate  *time.Time             `json:"expiry_date"`
}

// ExtractRequest is the body of POST /api/memory/{kind}/{entity_id}/extract.
type ExtractRequest struct {
	Content string `json:"content" validate:"required"`
	Mode    string `json:"mode" validate:"omitempty,oneof=llm rl ensemble"`
}

// UpdateMemoryRequest is the body of PUT /api/memory/{kind}/{entity_id}/{memory_id}.
type UpdateMemoryRequest struct {
	Content  *string                `json:"content" validate:"omitempty,min=1"`
	Metadata map[string]interface{} `json:"metadata"`
	Reason   string                 `json:"reason"`
}

// QueryRequest is the body of POST /api/memory/query.
type QueryRequest struct {
	Query   string `json:"query" validate:"required"`
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
	TopK    int    `json:"top_k" validate:"omitempty,min=1,max=100"`
}

// RewardCalculateRequest is the body of POST /api/rl/reward/calculate.
type RewardCalculateRequest struct {
	LogID             string `json:"log_id" validate:"required"`
	DaysSinceCreation int    `json:"days_since_creation" validate:"omitempty,min=1,max=365"`
}

// RewardCalculateResponse reports one reward evaluation.
type RewardCalculateResponse struct {
	LogID        string               `json:"log_id"`
	Reward       float64              `json:"reward"`
	Outcome      *types.RewardOutcome `json:"outcome"`
	CalculatedAt time.Time            `json:"calculated_at"`
}

// BatchEvaluateRequest is the body of POST /api/rl/reward/evaluate.
type BatchEvaluateRequest struct {
	Limit         int `json:"limit" validate:"omitempty,min=1,max=1000"`
	DaysThreshold int `json:"days_threshold" validate:"omitempty,min=1,max=365"`
}

// TrainRequest is the body of POST /api/rl/train.
type TrainRequest struct {
	Days           int   `json:"days" validate:"omitempty,min=1,max=365"`
	Epochs         int   `json:"epochs" validate:"omitempty,min=1,max=1000"`
	SaveCheckpoint *bool `json:"save_checkpoint"`
}

// SaveCheckpointRequest is the body of POST /api/rl/model/save.
type SaveCheckpointRequest struct {
	Metrics map[string]interface{} `json:"metrics"`
}

// SaveCheckpointResponse reports a saved checkpoint.
type SaveCheckpointResponse struct {
	CheckpointID string `json:"checkpoint_id"`
	Version      string `json:"version"`
	Message      string `json:"message"`
}

// LoadModelResponse reports a loaded checkpoint.
type LoadModelResponse struct {
	Message string                  `json:"message"`
	Model   *types.PolicyCheckpoint `json:"model"`
}

// FeedbackRequest is the body of POST /api/rl/extractor/feedback.
type FeedbackRequest struct {
	MemoryID      string                 `json:"memory_id" validate:"required"`
	ActualOutcome map[string]interface{} `json:"actual_outcome"`
}

// TrainingSamplesResponse is the response of GET /api/rl/training/samples.
type TrainingSamplesResponse struct {
	Count   int                     `json:"count"`
	Samples []*types.TrainingSample `json:"samples"`
}

// RLHealthResponse is the response of GET /api/rl/health.
type RLHealthResponse struct {
	Status       string `json:"status"`
	ModelLoaded  bool   `json:"model_loaded"`
	ModelVersion string `json:"model_version"`
}
