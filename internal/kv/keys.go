package kv

import "strconv"

// Key builders for the ephemeral keys shared between workers.

// StreamingContentKey holds the full assistant text emitted so far for a
// subtask; reconnecting clients resume from it.
func StreamingContentKey(subtaskID int64) string {
	return "streaming.content." + strconv.FormatInt(subtaskID, 10)
}

// StreamingCancelKey is the cross-worker cancel flag for a subtask stream.
func StreamingCancelKey(subtaskID int64) string {
	return "streaming.cancel." + strconv.FormatInt(subtaskID, 10)
}

// TaskStreamingKey registers the in-flight assistant stream of a task.
// The value is a JSON StreamRegistration.
func TaskStreamingKey(taskID int64) string {
	return "task.streaming." + strconv.FormatInt(taskID, 10)
}

// SkillRequestKey tracks an outstanding skill request so any worker can
// resolve it.
func SkillRequestKey(requestID string) string {
	return "skill.request." + requestID
}
