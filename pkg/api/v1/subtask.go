package v1

import "time"

// ThinkingDetails describes one tool lifecycle step inside a thinking entry.
type ThinkingDetails struct {
	Type     string `json:"type,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	Status   string `json:"status,omitempty"` // started, completed, failed
	Input    string `json:"input,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ThinkingStep is one entry of the assistant's running thinking list.
type ThinkingStep struct {
	Title   string          `json:"title"`
	RunID   string          `json:"run_id,omitempty"`
	Details ThinkingDetails `json:"details"`
}

// Source is one knowledge-base citation attached to a response.
type Source struct {
	KBID    string `json:"kb_id"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// SubtaskResult is the structured result document of an ASSISTANT subtask.
type SubtaskResult struct {
	Value            string         `json:"value,omitempty"`
	Thinking         []ThinkingStep `json:"thinking,omitempty"`
	Workbench        map[string]any `json:"workbench,omitempty"`
	Sources          []Source       `json:"sources,omitempty"`
	Cancelled        bool           `json:"cancelled,omitempty"`
	ShellType        string         `json:"shell_type,omitempty"`
	SilentExit       bool           `json:"silent_exit,omitempty"`
	SilentExitReason string         `json:"silent_exit_reason,omitempty"`
}

// Subtask is the wire view of one conversation turn, returned by
// history:sync and task queries.
type Subtask struct {
	ID                int64          `json:"id"`
	TaskID            int64          `json:"task_id"`
	Role              string         `json:"role"`
	BotIDs            []int64        `json:"bot_ids,omitempty"`
	Title             string         `json:"title,omitempty"`
	Prompt            string         `json:"prompt,omitempty"`
	Result            *SubtaskResult `json:"result,omitempty"`
	Status            string         `json:"status"`
	Progress          int            `json:"progress"`
	MessageID         int64          `json:"message_id"`
	ParentID          int64          `json:"parent_id,omitempty"`
	ExecutorName      string         `json:"executor_name,omitempty"`
	ExecutorNamespace string         `json:"executor_namespace,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// SubtaskDelta is the executor callback body: a partial update applied to a
// subtask which then drives the task-state reducer.
type SubtaskDelta struct {
	SubtaskID         int64          `json:"subtask_id"`
	SubtaskTitle      string         `json:"subtask_title,omitempty"`
	TaskTitle         string         `json:"task_title,omitempty"`
	Status            string         `json:"status"`
	Progress          int            `json:"progress"`
	Result            *SubtaskResult `json:"result,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ExecutorName      string         `json:"executor_name,omitempty"`
	ExecutorNamespace string         `json:"executor_namespace,omitempty"`
}
