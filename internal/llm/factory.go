package llm

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bossandy123/z-memory/internal/config"
)

// NewTextGenerator creates the extraction model selected by cfg.Provider.
func NewTextGenerator(cfg config.LLMConfig, logger *slog.Logger) (TextGenerator, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Provider {
	case "openai", "dashscope":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.OpenAIModel,
			BaseURL:     cfg.OpenAIBaseURL,
			Temperature: float32(cfg.Temperature),
			Timeout:     timeout,
			Logger:      logger,
		}), nil
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:  cfg.AnthropicAPIKey,
			Model:   cfg.AnthropicModel,
			Timeout: timeout,
			Logger:  logger,
		}), nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaModel,
			Timeout: timeout,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

// NewEmbeddingGenerator creates the embedding model selected by emb.Provider,
// wrapped in a cache when emb.CacheSize is positive. Connection settings
// (keys, base URLs) are shared with the LLM section.
func NewEmbeddingGenerator(emb config.EmbeddingConfig, llmCfg config.LLMConfig, logger *slog.Logger) (EmbeddingGenerator, error) {
	var gen EmbeddingGenerator
	switch emb.Provider {
	case "openai", "dashscope":
		gen = NewOpenAIEmbeddingClient(OpenAIConfig{
			APIKey:  llmCfg.OpenAIAPIKey,
			Model:   emb.Model,
			BaseURL: llmCfg.OpenAIBaseURL,
			Logger:  logger,
		})
	case "ollama":
		model := emb.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		gen = NewOllamaClient(OllamaConfig{BaseURL: llmCfg.OllamaURL, Model: model, Logger: logger})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", emb.Provider)
	}
	return NewCachedEmbedder(gen, emb.CacheSize)
}
