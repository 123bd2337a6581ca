package llm

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/bossandy123/z-memory/pkg/types"
)

// ErrNoJSONArray is returned when a response contains no "[...]" span.
var ErrNoJSONArray = errors.New("no JSON array in response")

// rawExtraction mirrors one element of the extraction array. Importance is
// decoded loosely because models emit 4, 4.0 and "4".
type rawExtraction struct {
	Content         string                 `json:"content"`
	Action          string                 `json:"action"`
	Reason          string                 `json:"reason"`
	ExistingContent string                 `json:"existing_content"`
	MemoryLayer     string                 `json:"memory_layer"`
	MemoryType      string                 `json:"memory_type"`
	Importance      interface{}            `json:"importance"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// extractJSONArray returns the text between the first '[' and the last ']'.
// Models often wrap the array in prose or code fences.
func extractJSONArray(text string) (string, error) {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end <= start {
		return "", ErrNoJSONArray
	}
	return text[start : end+1], nil
}

// ParseExtractionResponse decodes the model's array into candidates with
// defaults applied. Elements without content are dropped.
func ParseExtractionResponse(text string) ([]types.ExtractedMemory, error) {
	raw, err := extractJSONArray(text)
	if err != nil {
		return nil, err
	}

	var items []rawExtraction
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}

	out := make([]types.ExtractedMemory, 0, len(items))
	for _, it := range items {
		content := strings.TrimSpace(it.Content)
		if content == "" {
			continue
		}

		action, err := types.ParseAction(strings.ToLower(strings.TrimSpace(it.Action)))
		if err != nil || action == types.ActionQuery {
			action = types.ActionInsert
		}
		tier, err := types.ParseTier(strings.ToLower(strings.TrimSpace(it.MemoryLayer)))
		if err != nil {
			tier = types.TierEvent
		}

		out = append(out, types.ExtractedMemory{
			Content:         content,
			Action:          action,
			Reason:          it.Reason,
			ExistingContent: strings.TrimSpace(it.ExistingContent),
			Tier:            tier,
			MemoryType:      string(types.NormalizeCategory(strings.ToLower(it.MemoryType))),
			Importance:      parseImportance(it.Importance),
			Metadata:        it.Metadata,
		})
	}
	return out, nil
}

func parseImportance(v interface{}) int {
	i := types.MetaInt(map[string]interface{}{"importance": v}, "importance", 3)
	if i < 1 {
		return 1
	}
	if i > 5 {
		return 5
	}
	return i
}
