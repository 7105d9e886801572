package v1

// ChatSendRequest is the chat:send payload.
type ChatSendRequest struct {
	TaskID        int64             `json:"task_id,omitempty"` // 0 creates a new task
	TeamName      string            `json:"team_name"`
	TeamNamespace string            `json:"team_namespace,omitempty"`
	Message       string            `json:"message"`
	Title         string            `json:"title,omitempty"`
	WorkspaceName string            `json:"workspace_name,omitempty"`
	Attachments   []Attachment      `json:"attachments,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// ChatSendAck is the chat:send acknowledgement.
type ChatSendAck struct {
	TaskID    int64 `json:"task_id"`
	SubtaskID int64 `json:"subtask_id"`
	MessageID int64 `json:"message_id"`
}

// ChatCancelRequest is the chat:cancel payload.
type ChatCancelRequest struct {
	SubtaskID      int64  `json:"subtask_id"`
	PartialContent string `json:"partial_content,omitempty"`
	ShellType      string `json:"shell_type,omitempty"`
}

// ChatRetryRequest is the chat:retry payload (same-id retry).
type ChatRetryRequest struct {
	TaskID                    int64  `json:"task_id"`
	SubtaskID                 int64  `json:"subtask_id"`
	UseModelOverride          bool   `json:"use_model_override,omitempty"`
	ForceOverrideBotModel     string `json:"force_override_bot_model,omitempty"`
	ForceOverrideBotModelType string `json:"force_override_bot_model_type,omitempty"`
}

// ChatResumeRequest is the chat:resume payload.
type ChatResumeRequest struct {
	TaskID    int64 `json:"task_id"`
	SubtaskID int64 `json:"subtask_id"`
	Offset    int   `json:"offset"`
}

// TaskJoinRequest is the task:join payload.
type TaskJoinRequest struct {
	TaskID int64 `json:"task_id"`
}

// StreamingSnapshot describes the in-flight assistant stream of a task, if
// any, returned from task:join so the client can render current state.
type StreamingSnapshot struct {
	SubtaskID     int64  `json:"subtask_id"`
	Offset        int    `json:"offset"`
	CachedContent string `json:"cached_content"`
}

// TaskJoinAck is the task:join acknowledgement.
type TaskJoinAck struct {
	Streaming *StreamingSnapshot `json:"streaming"`
}

// HistorySyncRequest is the history:sync payload.
type HistorySyncRequest struct {
	TaskID         int64 `json:"task_id"`
	AfterMessageID int64 `json:"after_message_id"`
}

// HistorySyncAck carries the subtasks newer than the requested cursor.
type HistorySyncAck struct {
	Subtasks []*Subtask `json:"subtasks"`
}

// ConfirmRequest resolves a task in PENDING_CONFIRMATION.
type ConfirmRequest struct {
	TaskID          int64  `json:"task_id"`
	ConfirmedPrompt string `json:"confirmed_prompt"`
	Action          string `json:"action"` // continue or retry
}

// SkillResponseRequest is the skill:response payload resolving an
// outstanding skill request from the streaming engine.
type SkillResponseRequest struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}
