package types

import "time"

// State is the feature descriptor the policy reads when predicting an action.
// It is built either from a historical log (training) or from an extraction
// candidate (serving); fields that do not apply are left at their zero value.
type State struct {
	Tier            Tier             `json:"memory_layer"`
	PreviousActions []Action         `json:"previous_actions,omitempty"`
	ActionFrequency map[Action]int   `json:"action_frequency,omitempty"`
	ContentFeatures ContentFeatures  `json:"content_features"`
	Temporal        TemporalFeatures `json:"temporal_features"`
	ImportanceScore int              `json:"importance_score"`
	MemoryType      string           `json:"memory_type"`

	// Serving-time only.
	ContentLength int    `json:"content_length,omitempty"`
	LLMAction     Action `json:"llm_action,omitempty"`
}

// ContentFeatures describes tags present on the memory's metadata.
type ContentFeatures struct {
	HasCategory     bool   `json:"has_category"`
	HasSource       bool   `json:"has_source"`
	Category        string `json:"category,omitempty"`
	Source          string `json:"source,omitempty"`
	IsAutoExtracted bool   `json:"is_auto_extracted"`
}

// TemporalFeatures describes the age of the logged action.
type TemporalFeatures struct {
	DaysAgo    int  `json:"days_ago"`
	IsRecent   bool `json:"is_recent"`
	IsMonthOld bool `json:"is_month_old"`
}

// TrainingSample is an immutable (state, action, reward) tuple derived from
// an evaluated action log.
type TrainingSample struct {
	ID         string    `json:"id"`
	LogID      string    `json:"log_id"`
	EntityID   string    `json:"entity_id"`
	EntityKind string    `json:"entity_kind"`
	State      State     `json:"state"`
	Action     Action    `json:"action"`
	Reward     float64   `json:"reward"`
	NextState  *State    `json:"next_state,omitempty"`
	Done       bool      `json:"done"`
	CreatedAt  time.Time `json:"created_at"`
}

// PolicyWeights is the persisted state of the action policy.
type PolicyWeights struct {
	ActionPreferences map[Action]float64 `json:"action_preferences"`
	FeatureWeights    map[string]float64 `json:"feature_weights"`
	Version           string             `json:"version"`
	TrainedAt         *time.Time         `json:"trained_at,omitempty"`
}

// Clone returns a deep copy of w.
func (w PolicyWeights) Clone() PolicyWeights {
	out := PolicyWeights{
		ActionPreferences: make(map[Action]float64, len(w.ActionPreferences)),
		FeatureWeights:    make(map[string]float64, len(w.FeatureWeights)),
		Version:           w.Version,
	}
	for k, v := range w.ActionPreferences {
		out.ActionPreferences[k] = v
	}
	for k, v := range w.FeatureWeights {
		out.FeatureWeights[k] = v
	}
	if w.TrainedAt != nil {
		t := *w.TrainedAt
		out.TrainedAt = &t
	}
	return out
}

// PolicyCheckpoint is an immutable versioned snapshot of the policy.
// The current model for a name is the checkpoint with the latest CreatedAt.
type PolicyCheckpoint struct {
	ID        string                 `json:"id"`
	ModelName string                 `json:"model_name"`
	Version   string                 `json:"version"`
	Weights   PolicyWeights          `json:"model_weights"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
