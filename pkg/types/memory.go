package types

import (
	"math"
	"strconv"
	"time"
)

// Memory is a stored fact owned by a user or an agent.
// The tier is fixed at creation; every memory has exactly one vector point.
type Memory struct {
	ID         string                 `json:"id"`
	EntityID   string                 `json:"entity_id"`
	EntityKind EntityKind             `json:"entity_kind"`
	Tier       Tier                   `json:"memory_layer"`
	Content    string                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata"`

	// Event tier only.
	IsPermanent bool       `json:"is_permanent,omitempty"`
	ExpiresAt   *time.Time `json:"expiry_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// VectorID references the point in the vector index.
	VectorID string `json:"embedding_id"`

	// Score is populated by similarity queries only.
	Score float64 `json:"score,omitempty"`
}

// IsExpired reports whether an event memory has passed its expiry date.
func (m *Memory) IsExpired(now time.Time) bool {
	if m.Tier != TierEvent || m.IsPermanent || m.ExpiresAt == nil {
		return false
	}
	return now.After(*m.ExpiresAt)
}

// MetaFloat reads a numeric metadata value. JSON round-trips turn every
// number into float64, but values set in-process may still be ints or strings.
func MetaFloat(meta map[string]interface{}, key string, def float64) float64 {
	if meta == nil {
		return def
	}
	switch v := meta[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// MetaInt reads an integer metadata value, rounding floats.
func MetaInt(meta map[string]interface{}, key string, def int) int {
	f := MetaFloat(meta, key, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return int(math.Round(f))
}

// MetaString reads a string metadata value.
func MetaString(meta map[string]interface{}, key, def string) string {
	if meta == nil {
		return def
	}
	if s, ok := meta[key].(string); ok && s != "" {
		return s
	}
	return def
}

// MetaBool reads a boolean metadata value.
func MetaBool(meta map[string]interface{}, key string) bool {
	if meta == nil {
		return false
	}
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// CloneMetadata returns a shallow copy of meta that is safe to mutate.
func CloneMetadata(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
