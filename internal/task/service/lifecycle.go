package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/events"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/reducer"
	"github.com/botmesh/botmesh/internal/task/repository"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// ApplyDelta persists an executor callback (or streaming engine update) on
// a subtask, then re-reduces the owning task. Cancel deltas arriving after
// a terminal state are absorbed.
func (s *Service) ApplyDelta(ctx context.Context, delta *v1.SubtaskDelta) error {
	sub, err := s.repo.Get(ctx, delta.SubtaskID)
	if err != nil {
		return err
	}

	newStatus := models.SubtaskStatus(delta.Status)
	if sub.Status.IsTerminal() && newStatus == models.SubtaskCancelled {
		// Cancel after terminal is a no-op and reports success.
		return nil
	}

	upd := repository.SubtaskUpdate{}
	if delta.Status != "" {
		upd.Status = &newStatus
	}
	if delta.Progress != 0 || newStatus.IsTerminal() {
		upd.Progress = &delta.Progress
	}
	if delta.Result != nil {
		result := models.Result{SubtaskResult: *delta.Result}
		upd.Result = &result
	}
	if delta.ErrorMessage != "" {
		upd.ErrorMessage = &delta.ErrorMessage
	}
	if delta.SubtaskTitle != "" {
		upd.Title = &delta.SubtaskTitle
	}
	if err := s.repo.UpdateSubtask(ctx, sub.ID, upd); err != nil {
		return err
	}
	if delta.ExecutorName != "" {
		if err := s.repo.SetExecutor(ctx, sub.ID, delta.ExecutorName, delta.ExecutorNamespace); err != nil {
			return err
		}
	}
	if delta.TaskTitle != "" {
		if _, err := s.patchStatus(ctx, sub.TaskID, func(spec *resource.TaskSpec) {
			spec.Title = delta.TaskTitle
		}); err != nil {
			s.logger.WithError(err).Warn("failed to update task title", zap.Int64("task_id", sub.TaskID))
		}
	}

	return s.ReduceTask(ctx, sub.TaskID)
}

// ReduceTask recomputes the task status from its subtasks and applies the
// outcome: status write, next pipeline stage, event emission.
func (s *Service) ReduceTask(ctx context.Context, taskID int64) error {
	taskRes, spec, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	subtasks, err := s.repo.ListByTask(ctx, taskID)
	if err != nil {
		return err
	}

	var team *resource.TeamSpec
	if teamRes, err := s.resources.ResolveRef(ctx, taskRes.OwnerID, resource.KindTeam, spec.TeamRef); err == nil {
		var decoded resource.TeamSpec
		if err := teamRes.DecodeSpec(&decoded); err == nil {
			team = &decoded
		}
	}

	out := reducer.Reduce(reducer.TaskView{
		ID:     taskID,
		Status: models.TaskStatus(spec.Status.Status),
	}, subtasks, team)

	updated, err := s.patchStatus(ctx, taskID, func(spec *resource.TaskSpec) {
		spec.Status.Status = string(out.Status)
		spec.Status.Progress = out.Progress
		spec.Status.ErrorMessage = out.ErrorMessage
		if out.Result != nil {
			spec.Status.Result = out.Result.Value
		}
		if out.Completed {
			now := time.Now().UTC()
			spec.Status.CompletedAt = &now
		}
	})
	if err != nil {
		return err
	}

	if out.NextStage != nil && team != nil {
		if err := s.createNextStage(ctx, taskRes, team, subtasks, out.NextStage, ""); err != nil {
			return err
		}
	}

	s.emitTaskStatus(ctx, taskRes.OwnerID, taskID, updated)
	if out.Terminal() {
		s.finishExecution(ctx, spec.Labels, out)
		if out.LastSettled != nil {
			s.emitDoneMirror(ctx, taskID, out.LastSettled)
		}
	}
	return nil
}

// finishExecution mirrors a terminal task status onto the background
// execution that spawned it, if the task carries an execution label. Tasks
// finished by executor callbacks have no other path back to the execution
// row.
func (s *Service) finishExecution(ctx context.Context, labels map[string]string, out reducer.Outcome) {
	execID, err := strconv.ParseInt(labels[resource.LabelExecutionID], 10, 64)
	if err != nil || execID == 0 {
		return
	}
	var status models.ExecutionStatus
	switch out.Status {
	case models.TaskCompleted:
		status = models.ExecutionCompleted
	case models.TaskFailed:
		status = models.ExecutionFailed
	case models.TaskCancelled:
		status = models.ExecutionCancelled
	default:
		return
	}
	if err := s.repo.SetExecutionStatus(ctx, execID, status, out.ErrorMessage); err != nil {
		s.logger.WithError(err).Warn("failed to finish background execution",
			zap.Int64("execution_id", execID), zap.String("status", string(status)))
	}
}

// createNextStage persists the pipeline stage subtask the reducer asked
// for. prompt is non-empty only on the confirmation path; it then becomes
// the stage's user turn with no inherited history.
func (s *Service) createNextStage(ctx context.Context, taskRes *resource.Resource, team *resource.TeamSpec, subtasks []*models.Subtask, stage *reducer.NextStage, prompt string) error {
	if stage.MemberIndex >= len(team.Members) {
		return fmt.Errorf("pipeline stage %d out of range", stage.MemberIndex)
	}
	member := team.Members[stage.MemberIndex]
	botRes, err := s.resources.ResolveRef(ctx, taskRes.OwnerID, resource.KindBot, member.BotRef)
	if err != nil {
		return fmt.Errorf("failed to resolve next-stage bot: %w", err)
	}

	teamID := int64(0)
	if len(subtasks) > 0 {
		teamID = subtasks[0].TeamID
	}
	next := &models.Subtask{
		TaskID:            taskRes.ID,
		TeamID:            teamID,
		Role:              models.RoleAssistant,
		BotIDs:            models.Int64List{botRes.ID},
		Prompt:            prompt,
		MessageID:         stage.MessageID,
		ParentID:          stage.ParentID,
		ExecutorName:      stage.ExecutorName,
		ExecutorNamespace: stage.ExecutorNamespace,
		NewSession:        stage.NewSession,
	}
	if err := s.repo.CreateSubtask(ctx, next); err != nil {
		return fmt.Errorf("failed to create next stage subtask: %w", err)
	}
	s.logger.Info("created pipeline stage",
		zap.Int64("task_id", taskRes.ID),
		zap.Int64("subtask_id", next.ID),
		zap.Int("member_index", stage.MemberIndex))
	return nil
}

// Confirm resolves a PENDING_CONFIRMATION task. continue creates the next
// stage with the confirmed prompt as a fresh session; retry rewinds the
// current stage for a same-id re-run.
func (s *Service) Confirm(ctx context.Context, userID int64, req *v1.ConfirmRequest) error {
	taskRes, spec, err := s.GetTask(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if taskRes.OwnerID != userID {
		return fmt.Errorf("%w: task %d", ErrNotOwner, req.TaskID)
	}
	if spec.Status.Status != string(models.TaskPendingConfirmation) {
		return fmt.Errorf("%w: task %d is %s", ErrNotConfirmable, req.TaskID, spec.Status.Status)
	}

	teamRes, err := s.resources.ResolveRef(ctx, taskRes.OwnerID, resource.KindTeam, spec.TeamRef)
	if err != nil {
		return err
	}
	var team resource.TeamSpec
	if err := teamRes.DecodeSpec(&team); err != nil {
		return err
	}
	subtasks, err := s.repo.ListByTask(ctx, req.TaskID)
	if err != nil {
		return err
	}
	settled := latestSettledAssistant(subtasks)
	if settled == nil {
		return fmt.Errorf("%w: no completed stage on task %d", ErrNotConfirmable, req.TaskID)
	}

	switch req.Action {
	case "continue":
		round := assistantsAfterLastUser(subtasks)
		stageIdx := 0
		for i, stage := range round {
			if stage.ID == settled.ID {
				stageIdx = i
			}
		}
		next := &reducer.NextStage{
			MemberIndex: stageIdx + 1,
			MessageID:   settled.MessageID + 1,
			ParentID:    settled.MessageID,
			NewSession:  true,
		}
		if len(round) > 0 {
			next.ExecutorName = round[0].ExecutorName
			next.ExecutorNamespace = round[0].ExecutorNamespace
		}
		if err := s.createNextStage(ctx, taskRes, &team, subtasks, next, req.ConfirmedPrompt); err != nil {
			return err
		}
	case "retry":
		if err := s.repo.ResetToPending(ctx, settled.ID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}

	updated, err := s.patchStatus(ctx, req.TaskID, func(spec *resource.TaskSpec) {
		spec.Status.Status = string(models.TaskRunning)
	})
	if err != nil {
		return err
	}
	s.emitTaskStatus(ctx, taskRes.OwnerID, req.TaskID, updated)
	return nil
}

// Retry implements chat:retry: same-id retry of a terminal ASSISTANT
// subtask. Model overrides are written into the task labels; a nil
// override with use_model_override set falls through to the task's
// existing metadata.
func (s *Service) Retry(ctx context.Context, userID int64, req *v1.ChatRetryRequest) (*models.Subtask, error) {
	taskRes, _, err := s.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if taskRes.OwnerID != userID {
		return nil, fmt.Errorf("%w: task %d", ErrNotOwner, req.TaskID)
	}
	sub, err := s.repo.Get(ctx, req.SubtaskID)
	if err != nil {
		return nil, err
	}
	if sub.TaskID != req.TaskID || sub.Role != models.RoleAssistant {
		return nil, fmt.Errorf("%w: subtask %d", ErrSubtaskNotRetried, req.SubtaskID)
	}
	if err := s.repo.ResetToPending(ctx, sub.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubtaskNotRetried, err)
	}

	updated, err := s.patchStatus(ctx, req.TaskID, func(spec *resource.TaskSpec) {
		spec.Status.Status = string(models.TaskRunning)
		spec.Status.ErrorMessage = ""
		spec.Status.CompletedAt = nil
		if req.UseModelOverride && req.ForceOverrideBotModel != "" {
			if spec.Labels == nil {
				spec.Labels = map[string]string{}
			}
			spec.Labels[resource.LabelForceOverrideModel] = "true"
			spec.Labels[resource.LabelModelID] = req.ForceOverrideBotModel
			if req.ForceOverrideBotModelType != "" {
				spec.Labels[resource.LabelModelNamespaceType] = req.ForceOverrideBotModelType
			}
		}
	})
	if err != nil {
		return nil, err
	}
	s.emitTaskStatus(ctx, taskRes.OwnerID, req.TaskID, updated)

	return s.repo.Get(ctx, sub.ID)
}

// Cancel moves a task to CANCELLING. Cancelling an already-terminal task
// is a no-op that reports success; the authoritative CANCELLED transition
// arrives through ApplyDelta.
func (s *Service) Cancel(ctx context.Context, taskID int64) error {
	taskRes, spec, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	status := models.TaskStatus(spec.Status.Status)
	if status.IsTerminal() {
		return nil
	}
	updated, err := s.patchStatus(ctx, taskID, func(spec *resource.TaskSpec) {
		spec.Status.Status = string(models.TaskCancelling)
	})
	if err != nil {
		return err
	}
	s.emitTaskStatus(ctx, taskRes.OwnerID, taskID, updated)
	return nil
}

func (s *Service) emitTaskStatus(ctx context.Context, ownerID, taskID int64, spec *resource.TaskSpec) {
	payload := map[string]any{
		"task_id":  taskID,
		"status":   spec.Status.Status,
		"progress": spec.Status.Progress,
	}
	if spec.Status.ErrorMessage != "" {
		payload["error_message"] = spec.Status.ErrorMessage
	}
	event := &bus.Event{
		ID:        uuid.New().String(),
		Type:      events.TaskStatus,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	s.publish(ctx, events.UserRoom(ownerID), event)
	// Fresh event value per room; the memory bus hands pointers to
	// subscribers directly.
	clone := *event
	s.publish(ctx, events.TaskRoom(taskID), &clone)
}

// emitDoneMirror publishes a chat:done for the final subtask so late
// subscribers see the last message without a history:sync round trip.
func (s *Service) emitDoneMirror(ctx context.Context, taskID int64, settled *models.Subtask) {
	resultJSON, err := json.Marshal(settled.Result.SubtaskResult)
	if err != nil {
		return
	}
	var result map[string]any
	_ = json.Unmarshal(resultJSON, &result)

	s.publish(ctx, events.TaskRoom(taskID), &bus.Event{
		ID:        uuid.New().String(),
		Type:      events.ChatDone,
		TaskID:    taskID,
		SubtaskID: settled.ID,
		MessageID: settled.MessageID,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"subtask_id": settled.ID,
			"message_id": settled.MessageID,
			"status":     string(settled.Status),
			"result":     result,
			"mirror":     true,
		},
	})
}

func latestSettledAssistant(subtasks []*models.Subtask) *models.Subtask {
	for i := len(subtasks) - 1; i >= 0; i-- {
		sub := subtasks[i]
		if sub.Role == models.RoleAssistant && sub.Status == models.SubtaskCompleted {
			return sub
		}
	}
	return nil
}

func assistantsAfterLastUser(subtasks []*models.Subtask) []*models.Subtask {
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
