// Package models defines the operational task entities: subtasks (one row
// per conversation turn), background executions (one row per subscription
// firing) and dead letters.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// SubtaskRole says who authored a turn.
type SubtaskRole string

const (
	RoleUser      SubtaskRole = "USER"
	RoleAssistant SubtaskRole = "ASSISTANT"
)

// SubtaskStatus is the lifecycle state of a subtask.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "PENDING"
	SubtaskRunning   SubtaskStatus = "RUNNING"
	SubtaskCompleted SubtaskStatus = "COMPLETED"
	SubtaskFailed    SubtaskStatus = "FAILED"
	SubtaskCancelled SubtaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are expected.
func (s SubtaskStatus) IsTerminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed || s == SubtaskCancelled
}

// TaskStatus is the aggregate state of a task, computed by the reducer.
type TaskStatus string

const (
	TaskPending             TaskStatus = "PENDING"
	TaskRunning             TaskStatus = "RUNNING"
	TaskCompleted           TaskStatus = "COMPLETED"
	TaskFailed              TaskStatus = "FAILED"
	TaskCancelled           TaskStatus = "CANCELLED"
	TaskCancelling          TaskStatus = "CANCELLING"
	TaskPendingConfirmation TaskStatus = "PENDING_CONFIRMATION"
)

// IsTerminal reports whether the task reached a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Int64List stores an ordered id list as a JSON column.
type Int64List []int64

// Value implements driver.Valuer.
func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *Int64List) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into Int64List", src)
	}
}

// Result wraps v1.SubtaskResult for JSON column storage. It deliberately
// has no Valuer: a Value() method would shadow the promoted Value field.
// The repository wraps writes instead.
type Result struct {
	v1.SubtaskResult
}

// Scan implements sql.Scanner.
func (r *Result) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = Result{}
		return nil
	case []byte:
		if len(v) == 0 {
			*r = Result{}
			return nil
		}
		return json.Unmarshal(v, &r.SubtaskResult)
	case string:
		if v == "" {
			*r = Result{}
			return nil
		}
		return json.Unmarshal([]byte(v), &r.SubtaskResult)
	default:
		return fmt.Errorf("cannot scan %T into Result", src)
	}
}

// Subtask is one turn under a task. message_id is the per-task monotonic
// ordering key; ASSISTANT rows carry the message_id of the USER turn they
// answer in parent_id.
type Subtask struct {
	ID                int64         `db:"id" json:"id"`
	TaskID            int64         `db:"task_id" json:"task_id"`
	TeamID            int64         `db:"team_id" json:"team_id"`
	Role              SubtaskRole   `db:"role" json:"role"`
	BotIDs            Int64List     `db:"bot_ids" json:"bot_ids,omitempty"`
	Title             string        `db:"title" json:"title,omitempty"`
	Prompt            string        `db:"prompt" json:"prompt,omitempty"`
	Result            Result        `db:"result" json:"result"`
	Status            SubtaskStatus `db:"status" json:"status"`
	Progress          int           `db:"progress" json:"progress"`
	MessageID         int64         `db:"message_id" json:"message_id"`
	ParentID          int64         `db:"parent_id" json:"parent_id,omitempty"`
	ExecutorName      string        `db:"executor_name" json:"executor_name,omitempty"`
	ExecutorNamespace string        `db:"executor_namespace" json:"executor_namespace,omitempty"`
	ErrorMessage      string        `db:"error_message" json:"error_message,omitempty"`
	NewSession        bool          `db:"new_session" json:"new_session,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// ToAPI converts a subtask to its wire view.
func (s *Subtask) ToAPI() *v1.Subtask {
	out := &v1.Subtask{
		ID:                s.ID,
		TaskID:            s.TaskID,
		Role:              string(s.Role),
		BotIDs:            s.BotIDs,
		Title:             s.Title,
		Prompt:            s.Prompt,
		Status:            string(s.Status),
		Progress:          s.Progress,
		MessageID:         s.MessageID,
		ParentID:          s.ParentID,
		ExecutorName:      s.ExecutorName,
		ExecutorNamespace: s.ExecutorNamespace,
		ErrorMessage:      s.ErrorMessage,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	if s.Role == RoleAssistant {
		result := s.Result.SubtaskResult
		out.Result = &result
	}
	return out
}

// ExecutionStatus is the lifecycle state of a background execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// BackgroundExecution records one firing of a subscription. TaskID stays 0
// until the execution is linked to a task.
type BackgroundExecution struct {
	ID             int64           `db:"id" json:"id"`
	SubscriptionID int64           `db:"subscription_id" json:"subscription_id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	TaskID         int64           `db:"task_id" json:"task_id"`
	TriggerType    string          `db:"trigger_type" json:"trigger_type"`
	TriggerReason  string          `db:"trigger_reason" json:"trigger_reason,omitempty"`
	Prompt         string          `db:"prompt" json:"prompt"`
	Status         ExecutionStatus `db:"status" json:"status"`
	ErrorMessage   string          `db:"error_message" json:"error_message,omitempty"`
	RetryAttempt   int             `db:"retry_attempt" json:"retry_attempt"`
	StartedAt      *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// DeadLetter is a background execution failure that exhausted its retries.
type DeadLetter struct {
	ID        int64     `db:"id" json:"id"`
	Source    string    `db:"source" json:"source"`
	Payload   []byte    `db:"payload" json:"payload"`
	Error     string    `db:"error" json:"error"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
