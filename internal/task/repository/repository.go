// Package repository persists the operational task tables: subtasks,
// background executions and dead letters. Configuration-like entities live
// in the resource container; these tables exist for predicate indexing on
// status, message_id and scan timestamps.
package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/db"
	"github.com/botmesh/botmesh/internal/db/dialect"
	"github.com/botmesh/botmesh/internal/task/models"
)

// Sentinel errors surfaced to callers.
var (
	ErrNotFound   = errors.New("subtask not found")
	ErrNotPending = errors.New("subtask is not pending")
)

// resultJSON adapts a result document for writes. models.Result cannot
// implement driver.Valuer itself without the method shadowing its promoted
// Value field.
type resultJSON struct {
	models.Result
}

// Value implements driver.Valuer.
func (r resultJSON) Value() (driver.Value, error) {
	data, err := json.Marshal(r.SubtaskResult)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Repository provides subtask and execution storage over the shared pool.
type Repository struct {
	pool   *db.Pool
	driver string
	logger *logger.Logger
}

// NewRepository creates a repository over the given pool.
func NewRepository(pool *db.Pool, log *logger.Logger) *Repository {
	return &Repository{
		pool:   pool,
		driver: pool.Writer().DriverName(),
		logger: log.WithFields(zap.String("component", "task-repository")),
	}
}

// InitSchema creates the operational tables. Idempotent.
func (r *Repository) InitSchema(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(r.driver) {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS subtasks (
			id %s,
			task_id INTEGER NOT NULL,
			team_id INTEGER NOT NULL DEFAULT 0,
			role TEXT NOT NULL,
			bot_ids TEXT NOT NULL DEFAULT '[]',
			title TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'PENDING',
			progress INTEGER NOT NULL DEFAULT 0,
			message_id INTEGER NOT NULL,
			parent_id INTEGER NOT NULL DEFAULT 0,
			executor_name TEXT NOT NULL DEFAULT '',
			executor_namespace TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			new_session INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subtasks_task_message
			ON subtasks(task_id, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_status ON subtasks(status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS background_executions (
			id %s,
			subscription_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			task_id INTEGER NOT NULL DEFAULT 0,
			trigger_type TEXT NOT NULL DEFAULT '',
			trigger_reason TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING',
			error_message TEXT NOT NULL DEFAULT '',
			retry_attempt INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_executions_status
			ON background_executions(status, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS dead_letters (
			id %s,
			source TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`, serial),
	}

	for _, stmt := range statements {
		if _, err := r.pool.Writer().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize task schema: %w", err)
		}
	}
	return nil
}

const subtaskColumns = `id, task_id, team_id, role, bot_ids, title, prompt, result,
	status, progress, message_id, parent_id, executor_name, executor_namespace,
	error_message, new_session, created_at, updated_at`

// nextMessageID allocates the next message_id for a task inside tx.
func nextMessageID(ctx context.Context, tx *sqlxTx, taskID int64) (int64, error) {
	var max sql.NullInt64
	err := tx.tx.GetContext(ctx, &max, tx.rebind(
		`SELECT MAX(message_id) FROM subtasks WHERE task_id = ?`), taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to read max message_id: %w", err)
	}
	return max.Int64 + 1, nil
}

func (r *Repository) insertSubtask(ctx context.Context, tx *sqlxTx, sub *models.Subtask) error {
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = models.SubtaskPending
	}

	id, err := dialect.InsertReturningIDTx(ctx, tx.tx, r.driver,
		`INSERT INTO subtasks (task_id, team_id, role, bot_ids, title, prompt, result,
			status, progress, message_id, parent_id, executor_name, executor_namespace,
			error_message, new_session, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.TaskID, sub.TeamID, sub.Role, sub.BotIDs, sub.Title, sub.Prompt, resultJSON{sub.Result},
		sub.Status, sub.Progress, sub.MessageID, sub.ParentID,
		sub.ExecutorName, sub.ExecutorNamespace, sub.ErrorMessage,
		dialect.BoolToInt(sub.NewSession), sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subtask: %w", err)
	}
	sub.ID = id
	return nil
}

// CreateTurn inserts a USER subtask and its answering ASSISTANT subtask in
// one transaction, allocating consecutive message ids. The ASSISTANT's
// parent_id is the USER's message_id.
func (r *Repository) CreateTurn(ctx context.Context, user, assistant *models.Subtask) error {
	return r.withTx(ctx, func(tx *sqlxTx) error {
		next, err := nextMessageID(ctx, tx, user.TaskID)
		if err != nil {
			return err
		}
		user.Role = models.RoleUser
		user.Status = models.SubtaskCompleted
		user.MessageID = next
		if err := r.insertSubtask(ctx, tx, user); err != nil {
			return err
		}

		assistant.Role = models.RoleAssistant
		assistant.TaskID = user.TaskID
		assistant.TeamID = user.TeamID
		assistant.Status = models.SubtaskPending
		assistant.MessageID = next + 1
		assistant.ParentID = next
		return r.insertSubtask(ctx, tx, assistant)
	})
}

// CreateSubtask inserts a single subtask. When MessageID is zero, the next
// id for the task is allocated; otherwise the given id is used (next-stage
// creation by the reducer passes last.message_id + 1 explicitly).
func (r *Repository) CreateSubtask(ctx context.Context, sub *models.Subtask) error {
	return r.withTx(ctx, func(tx *sqlxTx) error {
		if sub.MessageID == 0 {
			next, err := nextMessageID(ctx, tx, sub.TaskID)
			if err != nil {
				return err
			}
			sub.MessageID = next
		}
		return r.insertSubtask(ctx, tx, sub)
	})
}

// Get returns a subtask by id.
func (r *Repository) Get(ctx context.Context, id int64) (*models.Subtask, error) {
	var sub models.Subtask
	reader := r.pool.Reader()
	err := reader.GetContext(ctx, &sub, reader.Rebind(
		`SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subtask: %w", err)
	}
	return &sub, nil
}

// ListByTask returns all subtasks of a task in canonical order.
func (r *Repository) ListByTask(ctx context.Context, taskID int64) ([]*models.Subtask, error) {
	var subs []*models.Subtask
	reader := r.pool.Reader()
	err := reader.SelectContext(ctx, &subs, reader.Rebind(
		`SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ?
		 ORDER BY message_id ASC, created_at ASC`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	return subs, nil
}

// ListAfter returns subtasks with message_id greater than the cursor,
// ascending. Used by history:sync.
func (r *Repository) ListAfter(ctx context.Context, taskID, afterMessageID int64) ([]*models.Subtask, error) {
	var subs []*models.Subtask
	reader := r.pool.Reader()
	err := reader.SelectContext(ctx, &subs, reader.Rebind(
		`SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? AND message_id > ?
		 ORDER BY message_id ASC, created_at ASC`), taskID, afterMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	return subs, nil
}

// FirstPendingAssistant returns the earliest PENDING ASSISTANT subtask of a
// task. A task with nothing pending returns nil, nil: callers poll this
// after terminal transitions, where an empty queue is the normal case.
func (r *Repository) FirstPendingAssistant(ctx context.Context, taskID int64) (*models.Subtask, error) {
	var sub models.Subtask
	reader := r.pool.Reader()
	err := reader.GetContext(ctx, &sub, reader.Rebind(
		`SELECT `+subtaskColumns+` FROM subtasks
		 WHERE task_id = ? AND role = ? AND status = ?
		 ORDER BY message_id ASC, created_at ASC LIMIT 1`),
		taskID, models.RoleAssistant, models.SubtaskPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending assistant: %w", err)
	}
	return &sub, nil
}

// HasRunningAssistant reports whether any ASSISTANT subtask of the task is
// RUNNING. The dispatcher uses this to enforce one running turn per task.
func (r *Repository) HasRunningAssistant(ctx context.Context, taskID int64) (bool, error) {
	var count int
	reader := r.pool.Reader()
	err := reader.GetContext(ctx, &count, reader.Rebind(
		`SELECT COUNT(1) FROM subtasks WHERE task_id = ? AND role = ? AND status = ?`),
		taskID, models.RoleAssistant, models.SubtaskRunning)
	if err != nil {
		return false, fmt.Errorf("failed to count running assistants: %w", err)
	}
	return count > 0, nil
}

// MarkRunning attempts the PENDING→RUNNING transition with a conditional
// update. Returns false when another worker won the race.
func (r *Repository) MarkRunning(ctx context.Context, id int64) (bool, error) {
	writer := r.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(
		`UPDATE subtasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		models.SubtaskRunning, time.Now().UTC(), id, models.SubtaskPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark subtask running: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

// ResetToPending rewinds a terminal subtask for a same-id retry. The
// message_id, prompt and parent linkage are preserved; result and error are
// cleared.
func (r *Repository) ResetToPending(ctx context.Context, id int64) error {
	writer := r.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(
		`UPDATE subtasks
		 SET status = ?, progress = 0, result = '{}', error_message = '', updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`),
		models.SubtaskPending, time.Now().UTC(), id,
		models.SubtaskFailed, models.SubtaskCompleted, models.SubtaskCancelled)
	if err != nil {
		return fmt.Errorf("failed to reset subtask: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: subtask %d not in a terminal state", ErrNotPending, id)
	}
	return nil
}

// ReleaseClaim rewinds a RUNNING subtask back to PENDING so another worker
// can claim it. Used when a claim is abandoned before any work happened.
func (r *Repository) ReleaseClaim(ctx context.Context, id int64) error {
	writer := r.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(
		`UPDATE subtasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		models.SubtaskPending, time.Now().UTC(), id, models.SubtaskRunning)
	if err != nil {
		return fmt.Errorf("failed to release subtask claim: %w", err)
	}
	return nil
}

// SubtaskUpdate is a partial update applied by UpdateSubtask. Nil fields
// are left untouched.
type SubtaskUpdate struct {
	Status       *models.SubtaskStatus
	Progress     *int
	Result       *models.Result
	ErrorMessage *string
	Title        *string
}

// UpdateSubtask applies a partial update and bumps updated_at.
func (r *Repository) UpdateSubtask(ctx context.Context, id int64, upd SubtaskUpdate) error {
	query := `UPDATE subtasks SET updated_at = ?`
	args := []any{time.Now().UTC()}

	if upd.Status != nil {
		query += `, status = ?`
		args = append(args, *upd.Status)
	}
	if upd.Progress != nil {
		query += `, progress = ?`
		args = append(args, *upd.Progress)
	}
	if upd.Result != nil {
		query += `, result = ?`
		args = append(args, resultJSON{*upd.Result})
	}
	if upd.ErrorMessage != nil {
		query += `, error_message = ?`
		args = append(args, *upd.ErrorMessage)
	}
	if upd.Title != nil {
		query += `, title = ?`
		args = append(args, *upd.Title)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	writer := r.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update subtask: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// SetExecutor binds the executor identity once; it is immutable after the
// first non-empty write.
func (r *Repository) SetExecutor(ctx context.Context, id int64, name, namespace string) error {
	writer := r.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(
		`UPDATE subtasks SET executor_name = ?, executor_namespace = ?, updated_at = ?
		 WHERE id = ? AND executor_name = ''`),
		name, namespace, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set executor: %w", err)
	}
	return nil
}
