// Package storage provides composable storage interfaces for the z-memory system.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. Memories, the action log,
// training samples and policy checkpoints each get their own interface so the
// reward and training pipelines depend only on what they read and write.
package storage

import (
	"context"
	"time"

	"github.com/bossandy123/z-memory/pkg/types"
)

// MemoryStore provides CRUD operations for tiered memories.
type MemoryStore interface {
	// CreateMemory inserts a new memory. The ID must be unique.
	CreateMemory(ctx context.Context, memory *types.Memory) error

	// GetMemory retrieves a memory by ID.
	// Returns ErrNotFound if the memory doesn't exist.
	GetMemory(ctx context.Context, id string) (*types.Memory, error)

	// ListMemories returns memories for one entity, newest first.
	ListMemories(ctx context.Context, filter MemoryFilter) ([]*types.Memory, error)

	// UpdateMemory rewrites content, metadata and expiry of an existing memory.
	// The tier is never changed. Returns ErrNotFound if the memory doesn't exist.
	UpdateMemory(ctx context.Context, memory *types.Memory) error

	// DeleteMemory permanently removes a memory row. Logs referencing it are kept.
	// Returns ErrNotFound if the memory doesn't exist.
	DeleteMemory(ctx context.Context, id string) error
}

// ActionLogStore is the append-only log of decisions taken against memories.
// Rows are never deleted; the only mutation is RecordEvaluation.
type ActionLogStore interface {
	// AppendLog writes a new log entry.
	AppendLog(ctx context.Context, log *types.ActionLog) error

	// GetLog retrieves a log by ID.
	// Returns ErrNotFound if the log doesn't exist.
	GetLog(ctx context.Context, id string) (*types.ActionLog, error)

	// ListLogs returns logs matching filter, newest first.
	ListLogs(ctx context.Context, filter LogFilter) ([]*types.ActionLog, error)

	// LatestDecisionLog returns the most recent non-query log recorded against
	// memoryID, or ErrNotFound.
	LatestDecisionLog(ctx context.Context, memoryID string) (*types.ActionLog, error)

	// PreviousLog returns the most recent log on memoryID created strictly
	// before the given log, or ErrNotFound.
	PreviousLog(ctx context.Context, memoryID string, before time.Time, excludeID string) (*types.ActionLog, error)

	// CountActions counts logs of one action on memoryID with created_at in [from, to].
	CountActions(ctx context.Context, memoryID string, action types.Action, from, to time.Time) (int, error)

	// ActionHistory returns up to limit actions on memoryID created strictly
	// before the given time, oldest first.
	ActionHistory(ctx context.Context, memoryID string, before time.Time, limit int) ([]types.Action, error)

	// ActionFrequency counts every action ever logged against memoryID.
	ActionFrequency(ctx context.Context, memoryID string) (map[types.Action]int, error)

	// PendingLogs returns up to limit unevaluated logs with an evaluable action
	// created strictly before createdBefore.
	PendingLogs(ctx context.Context, createdBefore time.Time, limit int) ([]*types.ActionLog, error)

	// RecordEvaluation stamps reward, outcome and evaluated_at on a log in one
	// single-row update. Returns ErrNotFound if the log doesn't exist.
	RecordEvaluation(ctx context.Context, logID string, reward float64, outcome *types.RewardOutcome, evaluatedAt time.Time) error

	// RewardValues returns the rewards of logs evaluated at or after since.
	// An empty action matches every action.
	RewardValues(ctx context.Context, since time.Time, action types.Action) ([]float64, error)

	// EvaluatedLogs returns evaluated logs created at or after since whose
	// reward lies in [minReward, maxReward], oldest first.
	EvaluatedLogs(ctx context.Context, since time.Time, minReward, maxReward float64) ([]*types.ActionLog, error)

	// LogStatistics summarises logs created at or after since.
	LogStatistics(ctx context.Context, since time.Time) (*types.LogStatistics, error)
}

// TrainingStore persists training samples.
type TrainingStore interface {
	// SaveSample writes one immutable training sample.
	SaveSample(ctx context.Context, sample *types.TrainingSample) error

	// ListSamples returns samples created at or after since, newest first.
	ListSamples(ctx context.Context, since time.Time, limit int) ([]*types.TrainingSample, error)

	// SampleStatistics returns the count and mean reward of samples created at or after since.
	SampleStatistics(ctx context.Context, since time.Time) (count int, avgReward float64, err error)
}

// CheckpointStore persists versioned policy snapshots.
type CheckpointStore interface {
	// SaveCheckpoint writes one immutable checkpoint.
	SaveCheckpoint(ctx context.Context, cp *types.PolicyCheckpoint) error

	// LatestCheckpoint returns the checkpoint with the newest created_at for
	// modelName, or ErrNotFound.
	LatestCheckpoint(ctx context.Context, modelName string) (*types.PolicyCheckpoint, error)

	// GetCheckpoint retrieves a checkpoint by ID.
	GetCheckpoint(ctx context.Context, id string) (*types.PolicyCheckpoint, error)

	// ListCheckpoints returns checkpoints for modelName, newest first.
	ListCheckpoints(ctx context.Context, modelName string, limit int) ([]*types.PolicyCheckpoint, error)

	// CountCheckpoints counts checkpoints for modelName.
	CountCheckpoints(ctx context.Context, modelName string) (int, error)
}

// Store composes every relational concern behind one handle.
type Store interface {
	MemoryStore
	ActionLogStore
	TrainingStore
	CheckpointStore

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
