// Package llm integrates the text-generation and embedding providers used to
// extract memories from conversation text and to index them for retrieval.
package llm

import "context"

// TextGenerator is the interface for LLM text completion.
// Extraction prompts use single-string completion style (not chat).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator is the interface for generating vector embeddings.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}
