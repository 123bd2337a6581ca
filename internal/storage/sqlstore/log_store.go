package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/pkg/types"
)

const logColumns = `id, memory_id, tier, action, reason, metadata, reward, outcome, evaluated_at, created_at`

// AppendLog writes a new action log entry.
func (s *Store) AppendLog(ctx context.Context, l *types.ActionLog) error {
	if l == nil || l.ID == "" || l.MemoryID == "" {
		return fmt.Errorf("%w: log id and memory id are required", storage.ErrInvalidInput)
	}
	if !l.Action.IsValid() {
		return fmt.Errorf("%w: unknown action %q", storage.ErrInvalidInput, l.Action)
	}

	meta, err := marshalJSON(l.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal log metadata: %w", err)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	l.CreatedAt = utc(l.CreatedAt)

	_, err = s.exec(ctx, `
		INSERT INTO memory_logs (id, memory_id, tier, action, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.MemoryID, string(l.Tier), string(l.Action), l.Reason, meta, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// GetLog retrieves a log by ID.
func (s *Store) GetLog(ctx context.Context, id string) (*types.ActionLog, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: log ID is required", storage.ErrInvalidInput)
	}
	l, err := scanLog(s.queryRow(ctx, `SELECT `+logColumns+` FROM memory_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: log %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get log: %w", err)
	}
	return l, nil
}

// ListLogs returns logs matching filter, newest first.
func (s *Store) ListLogs(ctx context.Context, filter storage.LogFilter) ([]*types.ActionLog, error) {
	filter.Normalize()

	var where []string
	var args []interface{}
	if filter.MemoryID != "" {
		where = append(where, "memory_id = ?")
		args = append(args, filter.MemoryID)
	}
	if filter.Tier != "" {
		where = append(where, "tier = ?")
		args = append(args, string(filter.Tier))
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}

	q := `SELECT ` + logColumns + ` FROM memory_logs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, filter.Limit)

	return s.listLogs(ctx, q, args...)
}

// LatestDecisionLog returns the most recent log for memoryID that is not a
// query hit.
func (s *Store) LatestDecisionLog(ctx context.Context, memoryID string) (*types.ActionLog, error) {
	l, err := scanLog(s.queryRow(ctx, `
		SELECT `+logColumns+` FROM memory_logs
		WHERE memory_id = ? AND action <> ?
		ORDER BY created_at DESC
		LIMIT 1`, memoryID, string(types.ActionQuery)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no decision log for memory %s", storage.ErrNotFound, memoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest decision log: %w", err)
	}
	return l, nil
}

// PreviousLog returns the most recent log on memoryID created before the given time.
func (s *Store) PreviousLog(ctx context.Context, memoryID string, before time.Time, excludeID string) (*types.ActionLog, error) {
	l, err := scanLog(s.queryRow(ctx, `
		SELECT `+logColumns+` FROM memory_logs
		WHERE memory_id = ? AND created_at < ? AND id <> ?
		ORDER BY created_at DESC
		LIMIT 1`, memoryID, utc(before), excludeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no prior log for memory %s", storage.ErrNotFound, memoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get previous log: %w", err)
	}
	return l, nil
}

// CountActions counts logs of one action on memoryID with created_at in [from, to].
func (s *Store) CountActions(ctx context.Context, memoryID string, action types.Action, from, to time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM memory_logs
		WHERE memory_id = ? AND action = ? AND created_at >= ? AND created_at <= ?`,
		memoryID, string(action), utc(from), utc(to)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s logs: %w", action, err)
	}
	return n, nil
}

// ActionHistory returns up to limit actions before the given time, oldest first.
func (s *Store) ActionHistory(ctx context.Context, memoryID string, before time.Time, limit int) ([]types.Action, error) {
	rows, err := s.query(ctx, `
		SELECT action FROM memory_logs
		WHERE memory_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, memoryID, utc(before), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query action history: %w", err)
	}
	defer rows.Close()

	var actions []types.Action
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		actions = append(actions, types.Action(a))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(actions)-1; i < j; i, j = i+1, j-1 {
		actions[i], actions[j] = actions[j], actions[i]
	}
	return actions, nil
}

// ActionFrequency counts every action logged against memoryID.
func (s *Store) ActionFrequency(ctx context.Context, memoryID string) (map[types.Action]int, error) {
	rows, err := s.query(ctx, `
		SELECT action, COUNT(*) FROM memory_logs
		WHERE memory_id = ?
		GROUP BY action`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query action frequency: %w", err)
	}
	defer rows.Close()

	freq := make(map[types.Action]int)
	for rows.Next() {
		var a string
		var n int
		if err := rows.Scan(&a, &n); err != nil {
			return nil, err
		}
		freq[types.Action(a)] = n
	}
	return freq, rows.Err()
}

// PendingLogs returns unevaluated logs with an evaluable action created before createdBefore.
func (s *Store) PendingLogs(ctx context.Context, createdBefore time.Time, limit int) ([]*types.ActionLog, error) {
	return s.listLogs(ctx, `
		SELECT `+logColumns+` FROM memory_logs
		WHERE evaluated_at IS NULL
		  AND created_at < ?
		  AND action IN (?, ?, ?, ?)
		ORDER BY created_at ASC
		LIMIT ?`,
		utc(createdBefore),
		string(types.ActionInsert), string(types.ActionUpdate), string(types.ActionIgnore), string(types.ActionDelete),
		limit)
}

// RecordEvaluation stamps reward, outcome and evaluated_at in one row update.
func (s *Store) RecordEvaluation(ctx context.Context, logID string, reward float64, outcome *types.RewardOutcome, evaluatedAt time.Time) error {
	if outcome == nil {
		return fmt.Errorf("%w: outcome is required", storage.ErrInvalidInput)
	}
	b, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	res, err := s.exec(ctx, `
		UPDATE memory_logs
		SET reward = ?, outcome = ?, evaluated_at = ?
		WHERE id = ?`, reward, string(b), utc(evaluatedAt), logID)
	if err != nil {
		return fmt.Errorf("failed to record evaluation: %w", err)
	}
	return affectedOrNotFound(res, "log", logID)
}

// RewardValues returns rewards of logs evaluated at or after since.
func (s *Store) RewardValues(ctx context.Context, since time.Time, action types.Action) ([]float64, error) {
	q := `SELECT reward FROM memory_logs WHERE reward IS NOT NULL AND evaluated_at >= ?`
	args := []interface{}{utc(since)}
	if action != "" {
		q += ` AND action = ?`
		args = append(args, string(action))
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EvaluatedLogs returns evaluated logs created at or after since with reward in [minReward, maxReward].
func (s *Store) EvaluatedLogs(ctx context.Context, since time.Time, minReward, maxReward float64) ([]*types.ActionLog, error) {
	return s.listLogs(ctx, `
		SELECT `+logColumns+` FROM memory_logs
		WHERE reward IS NOT NULL
		  AND created_at >= ?
		  AND reward >= ? AND reward <= ?
		ORDER BY created_at ASC`, utc(since), minReward, maxReward)
}

// LogStatistics summarises logs created at or after since.
func (s *Store) LogStatistics(ctx context.Context, since time.Time) (*types.LogStatistics, error) {
	stats := &types.LogStatistics{ByAction: make(map[types.Action]int)}

	rows, err := s.query(ctx, `
		SELECT action, COUNT(*) FROM memory_logs
		WHERE created_at >= ?
		GROUP BY action`, utc(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query log statistics: %w", err)
	}
	for rows.Next() {
		var a string
		var n int
		if err := rows.Scan(&a, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByAction[types.Action(a)] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.queryRow(ctx, `
		SELECT COUNT(*), AVG(reward) FROM memory_logs
		WHERE created_at >= ? AND evaluated_at IS NOT NULL`, utc(since)).Scan(&stats.Evaluated, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluated logs: %w", err)
	}
	stats.AverageReward = avg.Float64

	err = s.queryRow(ctx, `
		SELECT COUNT(*) FROM memory_logs
		WHERE created_at >= ? AND evaluated_at IS NULL AND action <> ?`,
		utc(since), string(types.ActionQuery)).Scan(&stats.PendingRewards)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending logs: %w", err)
	}

	return stats, nil
}

func (s *Store) listLogs(ctx context.Context, q string, args ...interface{}) ([]*types.ActionLog, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var out []*types.ActionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLog(r rowScanner) (*types.ActionLog, error) {
	var (
		l           types.ActionLog
		tier        sql.NullString
		action      string
		reason      sql.NullString
		meta        sql.NullString
		reward      sql.NullFloat64
		outcome     sql.NullString
		evaluatedAt sql.NullTime
	)
	if err := r.Scan(&l.ID, &l.MemoryID, &tier, &action, &reason, &meta,
		&reward, &outcome, &evaluatedAt, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Tier = types.Tier(tier.String)
	l.Action = types.Action(action)
	l.Reason = reason.String

	md, err := unmarshalMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal log metadata: %w", err)
	}
	l.Metadata = md

	if reward.Valid {
		v := reward.Float64
		l.Reward = &v
	}
	if outcome.Valid && outcome.String != "" {
		var o types.RewardOutcome
		if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
		}
		l.Outcome = &o
	}
	if evaluatedAt.Valid {
		t := evaluatedAt.Time
		l.EvaluatedAt = &t
	}
	return &l, nil
}
