package types

import "time"

// ActionLog is an immutable record of one decision applied against a memory.
// Reward, Outcome and EvaluatedAt are written together exactly once by the
// reward pipeline; they are either all nil or all set.
type ActionLog struct {
	ID       string                 `json:"id"`
	MemoryID string                 `json:"memory_id"`
	Tier     Tier                   `json:"memory_layer"`
	Action   Action                 `json:"action"`
	Reason   string                 `json:"reason"`
	Metadata map[string]interface{} `json:"metadata"`

	Reward      *float64       `json:"reward"`
	Outcome     *RewardOutcome `json:"outcome"`
	EvaluatedAt *time.Time     `json:"evaluated_at"`

	CreatedAt time.Time `json:"created_at"`
}

// IsEvaluated reports whether the reward pipeline has already judged this log.
func (l *ActionLog) IsEvaluated() bool {
	return l.EvaluatedAt != nil
}

// RewardOutcome describes how a reward was computed.
type RewardOutcome struct {
	EvaluationType Action                 `json:"evaluation_type"`
	WindowDays     int                    `json:"time_window_days"`
	CalculatedAt   time.Time              `json:"calculated_at"`
	QueryHits      int                    `json:"query_hits"`
	DecayFactor    float64                `json:"decay,omitempty"`
	Feedback       map[string]interface{} `json:"feedback,omitempty"`
}

// RewardStatistics aggregates evaluated rewards over a time window.
type RewardStatistics struct {
	Action        string  `json:"action"`
	Count         int     `json:"count"`
	AverageReward float64 `json:"average_reward"`
	StddevReward  float64 `json:"stddev_reward"`
	WindowDays    int     `json:"time_window_days"`
}

// LogStatistics summarises the action log over a time window.
type LogStatistics struct {
	WindowDays     int            `json:"time_window_days"`
	Total          int            `json:"total"`
	ByAction       map[Action]int `json:"by_action"`
	Evaluated      int            `json:"evaluated"`
	AverageReward  float64        `json:"average_reward"`
	PendingRewards int            `json:"pending_rewards"`
}
