// Package reducer computes a task's aggregate status from its subtasks. It
// is a pure function: the service layer applies the outcome (status write,
// next-stage creation, event emission).
package reducer

import (
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/task/models"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// TaskView is the slice of task state the reducer needs.
type TaskView struct {
	ID     int64
	Status models.TaskStatus
}

// NextStage describes the pipeline stage subtask the service must create.
type NextStage struct {
	MemberIndex       int
	MessageID         int64
	ParentID          int64
	ExecutorName      string
	ExecutorNamespace string
	NewSession        bool
}

// Outcome is the reducer's verdict on the task.
type Outcome struct {
	Status       models.TaskStatus
	Progress     int
	ErrorMessage string
	Result       *v1.SubtaskResult
	Completed    bool // stamp completedAt
	NextStage    *NextStage
	// LastSettled is the newest non-PENDING subtask; on terminal outcomes
	// the service mirrors a chat:done for it so late subscribers see the
	// final message.
	LastSettled *models.Subtask
}

// Terminal reports whether the outcome is a final task state.
func (o Outcome) Terminal() bool {
	return o.Status.IsTerminal()
}

// lastSettled returns the newest subtask that is not PENDING. Subtasks are
// expected in canonical (message_id asc) order.
func lastSettled(subtasks []*models.Subtask) *models.Subtask {
	for i := len(subtasks) - 1; i >= 0; i-- {
		if subtasks[i].Status != models.SubtaskPending {
			return subtasks[i]
		}
	}
	return nil
}

// currentRound returns the ASSISTANT subtasks created after the last USER
// subtask. In pipeline mode these are the stages of the round in progress.
func currentRound(subtasks []*models.Subtask) []*models.Subtask {
	start := 0
	for i, sub := range subtasks {
		if sub.Role == models.RoleUser {
			start = i + 1
		}
	}
	var round []*models.Subtask
	for _, sub := range subtasks[start:] {
		if sub.Role == models.RoleAssistant {
			round = append(round, sub)
		}
	}
	return round
}

// Reduce evaluates the rule table in order; the first matching rule wins.
// team may be nil when the task's team was deleted; pipeline staging is
// then skipped.
func Reduce(task TaskView, subtasks []*models.Subtask, team *resource.TeamSpec) Outcome {
	settled := lastSettled(subtasks)

	// Rule 1: cancel requested and acknowledged by any subtask.
	if task.Status == models.TaskCancelling {
		for _, sub := range subtasks {
			if sub.Status == models.SubtaskCancelled {
				return Outcome{Status: models.TaskCancelled, Progress: 100, Completed: true, LastSettled: settled}
			}
		}
	}

	if settled == nil {
		return Outcome{Status: models.TaskRunning, LastSettled: nil}
	}

	// Rule 2: latest settled subtask was cancelled.
	if settled.Status == models.SubtaskCancelled {
		return Outcome{Status: models.TaskCancelled, Progress: 100, Completed: true, LastSettled: settled}
	}

	// Rule 3: latest settled subtask failed.
	if settled.Status == models.SubtaskFailed {
		result := settled.Result.SubtaskResult
		return Outcome{
			Status:       models.TaskFailed,
			Progress:     settled.Progress,
			ErrorMessage: settled.ErrorMessage,
			Result:       &result,
			Completed:    true,
			LastSettled:  settled,
		}
	}

	// Rule 4: latest settled subtask completed. Only ASSISTANT completions
	// can finish a task; a settled USER turn means the answer is pending.
	if settled.Status == models.SubtaskCompleted && settled.Role == models.RoleAssistant {
		if team != nil && team.CollaborationModel == resource.CollabPipeline {
			round := currentRound(subtasks)
			stage := stageIndex(round, settled.ID)
			if stage >= 0 && stage+1 < len(team.Members) {
				// 4a: stage needs user confirmation before the next one runs.
				if team.Members[stage].RequireConfirmation {
					return Outcome{Status: models.TaskPendingConfirmation, Progress: settled.Progress, LastSettled: settled}
				}
				// 4b: advance the pipeline. Executor identity is reused from
				// the first stage of this round.
				next := &NextStage{
					MemberIndex: stage + 1,
					MessageID:   settled.MessageID + 1,
					ParentID:    settled.MessageID,
				}
				if len(round) > 0 {
					next.ExecutorName = round[0].ExecutorName
					next.ExecutorNamespace = round[0].ExecutorNamespace
				}
				return Outcome{Status: models.TaskRunning, Progress: settled.Progress, NextStage: next, LastSettled: settled}
			}
		}
		// 4c: nothing left to run.
		result := settled.Result.SubtaskResult
		return Outcome{
			Status:      models.TaskCompleted,
			Progress:    100,
			Result:      &result,
			Completed:   true,
			LastSettled: settled,
		}
	}

	// Rule 5: still in flight. Single-subtask tasks mirror that subtask.
	out := Outcome{Status: models.TaskRunning, LastSettled: settled}
	if len(subtasks) == 1 {
		only := subtasks[0]
		result := only.Result.SubtaskResult
		out.Progress = only.Progress
		out.Result = &result
		out.ErrorMessage = only.ErrorMessage
	}
	return out
}

// stageIndex returns the position of the settled subtask among the round's
// ASSISTANT stages, or -1 when it is not part of the round.
func stageIndex(round []*models.Subtask, subtaskID int64) int {
	for i, sub := range round {
		if sub.ID == subtaskID {
			return i
		}
	}
	return -1
}
