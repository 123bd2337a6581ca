package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bossandy123/z-memory/pkg/types"
)

// Extractor turns conversation text into candidate memory operations using a
// TextGenerator.
type Extractor struct {
	gen    TextGenerator
	logger *slog.Logger
}

// NewExtractor creates an extractor backed by gen.
func NewExtractor(gen TextGenerator, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{gen: gen, logger: logger}
}

// Extract asks the model for memory operations on content. Provider errors
// are returned; an unparseable response yields no candidates.
//
// Candidates come back in model order. Update, ignore and delete candidates
// whose existing_content matches an existing memory exactly get its ID.
func (e *Extractor) Extract(ctx context.Context, content, entityID string, kind types.EntityKind, existing []*types.Memory) ([]types.ExtractedMemory, error) {
	resp, err := e.gen.Complete(ctx, ExtractionPrompt(content, kind, existing))
	if err != nil {
		return nil, fmt.Errorf("memory extraction: %w", err)
	}

	candidates, err := ParseExtractionResponse(resp)
	if err != nil {
		e.logger.Warn("discarding unparseable extraction response",
			"entity_id", entityID, "model", e.gen.GetModel(), "error", err)
		return []types.ExtractedMemory{}, nil
	}

	byContent := make(map[string]*types.Memory, len(existing))
	for _, m := range existing {
		byContent[strings.TrimSpace(m.Content)] = m
	}

	for i := range candidates {
		c := &candidates[i]

		meta := types.CloneMetadata(c.Metadata)
		meta["source"] = "auto_extraction"
		meta["entity_id"] = entityID
		meta["auto_extracted"] = true
		meta["importance"] = c.Importance
		meta["memory_type"] = c.MemoryType
		c.Metadata = meta

		if c.Action == types.ActionInsert || c.ExistingContent == "" {
			continue
		}
		if m, ok := byContent[c.ExistingContent]; ok {
			c.MemoryID = m.ID
			c.Tier = m.Tier
		}
	}
	return candidates, nil
}
