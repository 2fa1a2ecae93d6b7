package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const actionColumns = `
	seq,
	id,
	owner_id,
	action_type,
	payload,
	status,
	attempts,
	next_attempt_at,
	last_error,
	created_at`

// InsertAction persists a new queued action and returns it with its id and
// sequence number assigned.
func (s *Store) InsertAction(ctx context.Context, action Action) (Action, error) {
	if err := s.ready(ctx); err != nil {
		return Action{}, err
	}

	action.OwnerID = strings.TrimSpace(action.OwnerID)
	action.ActionType = strings.TrimSpace(action.ActionType)
	if action.OwnerID == "" {
		return Action{}, fmt.Errorf("owner id is required")
	}
	if action.ActionType == "" {
		return Action{}, fmt.Errorf("action type is required")
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.Status == "" {
		action.Status = ActionQueued
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	payload := action.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return Action{}, fmt.Errorf("payload must be valid JSON")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
INSERT INTO queued_actions (
	id,
	owner_id,
	action_type,
	payload,
	status,
	attempts,
	next_attempt_at,
	last_error,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING `+actionColumns,
		action.ID,
		action.OwnerID,
		action.ActionType,
		string(payload),
		string(action.Status),
		action.Attempts,
		formatNullableTime(action.NextAttemptAt),
		action.LastError,
		formatTime(action.CreatedAt),
	)

	stored, err := scanAction(row)
	if err != nil {
		return Action{}, fmt.Errorf("insert action: %w", err)
	}
	return stored, nil
}

// QueuedActions returns queued actions in insertion order. limit <= 0 means all.
func (s *Store) QueuedActions(ctx context.Context, limit int) ([]Action, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	query := `
SELECT` + actionColumns + `
FROM queued_actions
WHERE status = ?
ORDER BY seq ASC`
	args := []any{string(ActionQueued)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queued actions: %w", err)
	}
	defer rows.Close()

	actions := make([]Action, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

// GetAction returns the action with id or ErrNotFound.
func (s *Store) GetAction(ctx context.Context, id string) (Action, error) {
	if err := s.ready(ctx); err != nil {
		return Action{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT`+actionColumns+`
FROM queued_actions
WHERE id = ?
`, id)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, ErrNotFound
	}
	if err != nil {
		return Action{}, fmt.Errorf("get action: %w", err)
	}
	return action, nil
}

// RecordAttempt stores a failed delivery attempt and when to try next.
func (s *Store) RecordAttempt(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE queued_actions
SET attempts = ?, next_attempt_at = ?, last_error = ?
WHERE id = ?
`, attempts, formatNullableTime(nextAttemptAt), lastError, id)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return requireAffected(res)
}

// SetActionStatus changes the status of an action.
func (s *Store) SetActionStatus(ctx context.Context, id string, status ActionStatus) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE queued_actions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set action status: %w", err)
	}
	return requireAffected(res)
}

// DeleteAction removes an action. Absent actions are not an error.
func (s *Store) DeleteAction(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM queued_actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	return nil
}

// PurgeSent deletes actions already confirmed as sent whose row removal
// previously failed.
func (s *Store) PurgeSent(ctx context.Context) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM queued_actions WHERE status = ?`, string(ActionSent))
	if err != nil {
		return 0, fmt.Errorf("purge sent actions: %w", err)
	}
	return res.RowsAffected()
}

// CountActions counts an owner's actions with status. An empty owner counts
// across all owners.
func (s *Store) CountActions(ctx context.Context, ownerID string, status ActionStatus) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	query := `SELECT COUNT(1) FROM queued_actions WHERE status = ?`
	args := []any{string(status)}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}

	var n int
	if err := s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

func scanAction(row rowScanner) (Action, error) {
	var (
		action        Action
		payload       string
		status        string
		nextAttemptAt sql.NullString
		createdAt     string
	)
	if err := row.Scan(
		&action.Seq,
		&action.ID,
		&action.OwnerID,
		&action.ActionType,
		&payload,
		&status,
		&action.Attempts,
		&nextAttemptAt,
		&action.LastError,
		&createdAt,
	); err != nil {
		return Action{}, err
	}

	action.Payload = json.RawMessage(payload)
	action.Status = ActionStatus(status)

	var err error
	if action.NextAttemptAt, err = parseNullableTime(nextAttemptAt); err != nil {
		return Action{}, err
	}
	if action.CreatedAt, err = parseTime(createdAt); err != nil {
		return Action{}, err
	}
	return action, nil
}
