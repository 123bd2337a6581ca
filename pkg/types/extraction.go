package types

// ExtractedMemory is one candidate produced by the extractor, carrying the
// proposed action and, after arbitration, the fields that explain how the
// final action was chosen.
type ExtractedMemory struct {
	Content         string                 `json:"content"`
	Action          Action                 `json:"action"`
	Reason          string                 `json:"reason"`
	ExistingContent string                 `json:"existing_content,omitempty"`
	MemoryID        string                 `json:"memory_id,omitempty"`
	Tier            Tier                   `json:"memory_layer"`
	MemoryType      string                 `json:"memory_type"`
	Importance      int                    `json:"importance"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`

	// Arbitration
	LLMAction    Action   `json:"llm_action,omitempty"`
	PolicyAction Action   `json:"rl_action,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
	Enhanced     bool     `json:"rl_enhanced,omitempty"`
	Overridden   bool     `json:"overridden,omitempty"`
}

// ExtractionMode selects how extracted candidates are arbitrated.
type ExtractionMode string

const (
	// ModeLLM uses the LLM's proposed actions unchanged.
	ModeLLM ExtractionMode = "llm"

	// ModeOverride lets the policy override the LLM whenever they disagree.
	ModeOverride ExtractionMode = "rl"

	// ModeEnsemble arbitrates by confidence.
	ModeEnsemble ExtractionMode = "ensemble"
)

// IsValid reports whether m is a known extraction mode.
func (m ExtractionMode) IsValid() bool {
	return m == ModeLLM || m == ModeOverride || m == ModeEnsemble
}
