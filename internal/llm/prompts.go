package llm

import (
	"fmt"
	"strings"

	"github.com/bossandy123/z-memory/pkg/types"
)

// ExtractionPrompt builds the prompt asking the model to turn content into
// memory operations against the entity's existing memories.
func ExtractionPrompt(content string, kind types.EntityKind, existing []*types.Memory) string {
	var known strings.Builder
	if len(existing) == 0 {
		known.WriteString("(none)\n")
	}
	for _, m := range existing {
		fmt.Fprintf(&known, "- [%s] (%s) %s\n", m.ID, m.Tier, m.Content)
	}

	return fmt.Sprintf(`TASK: Extract long-term memories about a %s from the conversation below.
OUTPUT: ONLY a valid JSON array. NO markdown. NO code blocks. NO explanations.

For every distinct fact decide one action relative to the EXISTING MEMORIES:
- insert: new information not covered by any existing memory
- update: refines or corrects an existing memory (copy its text into existing_content)
- ignore: already captured by an existing memory (copy its text into existing_content)
- delete: explicitly contradicts or retracts an existing memory (copy its text into existing_content)

memory_layer is "profile" for stable facts (preferences, abilities, career, education, personality)
and "event" for time-bound occurrences.
memory_type is one of: preference, ability, career, education, personality, event, decision, relationship, other.
importance is an integer from 1 (trivial) to 5 (critical).

EXISTING MEMORIES:
%s
CONVERSATION:
%s

REQUIRED JSON STRUCTURE:
[
  {
    "content": "standalone statement of the fact",
    "action": "insert",
    "reason": "why this action was chosen",
    "existing_content": "",
    "memory_layer": "event",
    "memory_type": "other",
    "importance": 3,
    "metadata": {}
  }
]

Return [] if there is nothing worth remembering.`, kind, known.String(), content)
}
