package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/botmesh/botmesh/internal/db/dialect"
	"github.com/botmesh/botmesh/internal/task/models"
)

// ErrExecutionNotFound is returned for missing background executions.
var ErrExecutionNotFound = errors.New("background execution not found")

const executionColumns = `id, subscription_id, user_id, task_id, trigger_type,
	trigger_reason, prompt, status, error_message, retry_attempt,
	started_at, completed_at, created_at, updated_at`

// CreateExecution inserts a new PENDING background execution.
func (r *Repository) CreateExecution(ctx context.Context, exec *models.BackgroundExecution) error {
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	if exec.Status == "" {
		exec.Status = models.ExecutionPending
	}

	id, err := dialect.InsertReturningID(ctx, r.pool.Writer(),
		`INSERT INTO background_executions (subscription_id, user_id, task_id,
			trigger_type, trigger_reason, prompt, status, error_message,
			retry_attempt, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.SubscriptionID, exec.UserID, exec.TaskID, exec.TriggerType,
		exec.TriggerReason, exec.Prompt, exec.Status, exec.ErrorMessage,
		exec.RetryAttempt, exec.StartedAt, exec.CompletedAt,
		exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create background execution: %w", err)
	}
	exec.ID = id
	return nil
}

// GetExecution returns a background execution by id.
func (r *Repository) GetExecution(ctx context.Context, id int64) (*models.BackgroundExecution, error) {
	var exec models.BackgroundExecution
	reader := r.pool.Reader()
	err := reader.GetContext(ctx, &exec, reader.Rebind(
		`SELECT `+executionColumns+` FROM background_executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get background execution: %w", err)
	}
	return &exec, nil
}

// LinkExecutionTask binds the execution to its task and marks it RUNNING.
func (r *Repository) LinkExecutionTask(ctx context.Context, id, taskID int64) error {
	now := time.Now().UTC()
	writer := r.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(
		`UPDATE background_executions
		 SET task_id = ?, status = ?, started_at = ?, updated_at = ?
		 WHERE id = ?`),
		taskID, models.ExecutionRunning, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to link execution task: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrExecutionNotFound, id)
	}
	return nil
}

// SetExecutionStatus transitions an execution, stamping completed_at on
// terminal states.
func (r *Repository) SetExecutionStatus(ctx context.Context, id int64, status models.ExecutionStatus, errorMessage string) error {
	now := time.Now().UTC()
	query := `UPDATE background_executions SET status = ?, error_message = ?, updated_at = ?`
	args := []any{status, errorMessage, now}
	switch status {
	case models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled:
		query += `, completed_at = ?`
		args = append(args, now)
	case models.ExecutionRunning:
		query += `, started_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	writer := r.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to set execution status: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrExecutionNotFound, id)
	}
	return nil
}

// IncrementExecutionRetry bumps retry_attempt.
func (r *Repository) IncrementExecutionRetry(ctx context.Context, id int64) error {
	writer := r.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(
		`UPDATE background_executions
		 SET retry_attempt = retry_attempt + 1, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	return nil
}

// ListStalePending returns PENDING executions older than the given number
// of hours that were never linked to a task. Orphan recovery input.
func (r *Repository) ListStalePending(ctx context.Context, hours int) ([]*models.BackgroundExecution, error) {
	var execs []*models.BackgroundExecution
	reader := r.pool.Reader()
	query := `SELECT ` + executionColumns + ` FROM background_executions
		 WHERE status = ? AND task_id = 0 AND created_at < ` + dialect.NowMinusHours(r.driver, "?") + `
		 ORDER BY created_at ASC`
	err := reader.SelectContext(ctx, &execs, reader.Rebind(query), models.ExecutionPending, hours)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending executions: %w", err)
	}
	return execs, nil
}

// ListStuckRunning returns RUNNING executions whose started_at is older
// than the given number of hours. Stuck-run cleanup input.
func (r *Repository) ListStuckRunning(ctx context.Context, hours int) ([]*models.BackgroundExecution, error) {
	var execs []*models.BackgroundExecution
	reader := r.pool.Reader()
	query := `SELECT ` + executionColumns + ` FROM background_executions
		 WHERE status = ? AND started_at IS NOT NULL
		 AND started_at < ` + dialect.NowMinusHours(r.driver, "?") + `
		 ORDER BY started_at ASC`
	err := reader.SelectContext(ctx, &execs, reader.Rebind(query), models.ExecutionRunning, hours)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck running executions: %w", err)
	}
	return execs, nil
}

// AddDeadLetter records a permanently failed unit of background work.
func (r *Repository) AddDeadLetter(ctx context.Context, source string, payload []byte, errorMessage string) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := dialect.InsertReturningID(ctx, r.pool.Writer(),
		`INSERT INTO dead_letters (source, payload, error, created_at) VALUES (?, ?, ?, ?)`,
		source, string(payload), errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the newest dead letters, capped by limit.
func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var letters []*models.DeadLetter
	reader := r.pool.Reader()
	err := reader.SelectContext(ctx, &letters, reader.Rebind(
		`SELECT id, source, payload, error, created_at FROM dead_letters
		 ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}
