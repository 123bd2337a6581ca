package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

// SaveSample writes one training sample.
func (s *Store) SaveSample(ctx context.Context, sample *types.TrainingSample) error {
	if sample == nil || sample.ID == "" || sample.LogID == "" {
		return fmt.Errorf("%w: sample id and log id are required", storage.ErrInvalidInput)
	}

	state, err := json.Marshal(sample.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	next, err := marshalJSON(sample.NextState)
	if err != nil {
		return fmt.Errorf("failed to marshal next state: %w", err)
	}
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now()
	}

	_, err = s.exec(ctx, `
		INSERT INTO rl_training_samples
			(id, log_id, entity_id, entity_kind, state, action, reward, next_state, done, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.ID, sample.LogID, sample.EntityID, sample.EntityKind, string(state),
		string(sample.Action), sample.Reward, next, sample.Done, utc(sample.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert training sample: %w", err)
	}
	return nil
}

// ListSamples returns samples created at or after since, newest first.
func (s *Store) ListSamples(ctx context.Context, since time.Time, limit int) ([]*types.TrainingSample, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.query(ctx, `
		SELECT id, log_id, entity_id, entity_kind, state, action, reward, next_state, done, created_at
		FROM rl_training_samples
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?`, utc(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query training samples: %w", err)
	}
	defer rows.Close()

	var out []*types.TrainingSample
	for rows.Next() {
		var (
			sm       types.TrainingSample
			entityID sql.NullString
			kind     sql.NullString
			state    string
			action   string
			next     sql.NullString
			done     sql.NullBool
		)
		if err := rows.Scan(&sm.ID, &sm.LogID, &entityID, &kind, &state, &action,
			&sm.Reward, &next, &done, &sm.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan training sample: %w", err)
		}
		sm.EntityID = entityID.String
		sm.EntityKind = kind.String
		sm.Action = types.Action(action)
		sm.Done = done.Valid && done.Bool
		if err := json.Unmarshal([]byte(state), &sm.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample state: %w", err)
		}
		if next.Valid && next.String != "" {
			var ns types.State
			if err := json.Unmarshal([]byte(next.String), &ns); err != nil {
				return nil, fmt.Errorf("failed to unmarshal next state: %w", err)
			}
			sm.NextState = &ns
		}
		out = append(out, &sm)
	}
	return out, rows.Err()
}

// SampleStatistics returns the count and mean reward of samples created at or after since.
func (s *Store) SampleStatistics(ctx context.Context, since time.Time) (int, float64, error) {
	var count int
	var avg sql.NullFloat64
	err := s.queryRow(ctx, `
		SELECT COUNT(*), AVG(reward) FROM rl_training_samples
		WHERE created_at >= ?`, utc(since)).Scan(&count, &avg)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query sample statistics: %w", err)
	}
	return count, avg.Float64, nil
}

const checkpointColumns = `id, model_name, version, model_weights, metrics, created_at`

// SaveCheckpoint writes one policy checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *types.PolicyCheckpoint) error {
	if cp == nil || cp.ID == "" || cp.ModelName == "" {
		return fmt.Errorf("%w: checkpoint id and model name are required", storage.ErrInvalidInput)
	}
	weights, err := json.Marshal(cp.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	metrics, err := marshalJSON(cp.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	_, err = s.exec(ctx, `
		INSERT INTO rl_model_checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ModelName, cp.Version, string(weights), metrics, utc(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the newest checkpoint by created_at for modelName.
func (s *Store) LatestCheckpoint(ctx context.Context, modelName string) (*types.PolicyCheckpoint, error) {
	cp, err := scanCheckpoint(s.queryRow(ctx, `
		SELECT `+checkpointColumns+` FROM rl_model_checkpoints
		WHERE model_name = ?
		ORDER BY created_at DESC
		LIMIT 1`, modelName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no checkpoint for model %s", storage.ErrNotFound, modelName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

// GetCheckpoint retrieves a checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*types.PolicyCheckpoint, error) {
	cp, err := scanCheckpoint(s.queryRow(ctx, `SELECT `+checkpointColumns+` FROM rl_model_checkpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns checkpoints for modelName, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, modelName string, limit int) ([]*types.PolicyCheckpoint, error) {
	if limit < 1 {
		limit = 10
	}
	rows, err := s.query(ctx, `
		SELECT `+checkpointColumns+` FROM rl_model_checkpoints
		WHERE model_name = ?
		ORDER BY created_at DESC
		LIMIT ?`, modelName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*types.PolicyCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// CountCheckpoints counts checkpoints for modelName.
func (s *Store) CountCheckpoints(ctx context.Context, modelName string) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM rl_model_checkpoints WHERE model_name = ?`, modelName).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	return n, nil
}

func scanCheckpoint(r rowScanner) (*types.PolicyCheckpoint, error) {
	var (
		cp      types.PolicyCheckpoint
		weights string
		metrics sql.NullString
	)
	if err := r.Scan(&cp.ID, &cp.ModelName, &cp.Version, &weights, &metrics, &cp.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(weights), &cp.Weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &cp.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	return &cp, nil
}
