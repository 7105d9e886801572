// Package service implements the task lifecycle: turn creation for chat,
// executor callback deltas, the reducer application, confirmation, retry
// and cancellation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/events"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/repository"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// Sentinel errors surfaced to the gateway.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrNotOwner          = errors.New("task does not belong to user")
	ErrNotConfirmable    = errors.New("task is not awaiting confirmation")
	ErrInvalidAction     = errors.New("invalid confirmation action")
	ErrSubtaskNotRetried = errors.New("subtask cannot be retried")
)

// Service coordinates task state across the resource store, the subtask
// repository and the event bus.
type Service struct {
	resources *resource.Store
	repo      *repository.Repository
	bus       bus.EventBus
	logger    *logger.Logger
}

// NewService wires a task service.
func NewService(resources *resource.Store, repo *repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		resources: resources,
		repo:      repo,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "task-service")),
	}
}

// Repo exposes the underlying repository for read paths (history, dispatch).
func (s *Service) Repo() *repository.Repository { return s.repo }

// Resources exposes the resource store.
func (s *Service) Resources() *resource.Store { return s.resources }

// TurnInfo is what CreateChatTurn hands back to the gateway: enough to
// acknowledge the client and decide between in-process streaming and the
// dispatcher path.
type TurnInfo struct {
	Task      *resource.Resource
	Spec      resource.TaskSpec
	Team      *resource.TeamSpec
	TeamID    int64
	ShellType string
	User      *models.Subtask
	Assistant *models.Subtask
}

// GetTask loads a task resource and its decoded spec.
func (s *Service) GetTask(ctx context.Context, taskID int64) (*resource.Resource, *resource.TaskSpec, error) {
	res, err := s.resources.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		return nil, nil, err
	}
	if res.Kind != resource.KindTask {
		return nil, nil, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	var spec resource.TaskSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, nil, err
	}
	return res, &spec, nil
}

// CheckOwner verifies the task belongs to the user.
func (s *Service) CheckOwner(ctx context.Context, userID, taskID int64) error {
	res, _, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if res.OwnerID != userID && res.OwnerID != resource.PublicOwner {
		return fmt.Errorf("%w: task %d", ErrNotOwner, taskID)
	}
	return nil
}

// CreateChatTurn implements the chat:send write path: resolve the team,
// create or load the task, and persist the USER/ASSISTANT turn pair. The
// assistant subtask is left PENDING; the caller routes it to the streaming
// engine or leaves it for the dispatcher based on ShellType.
func (s *Service) CreateChatTurn(ctx context.Context, userID int64, userName string, req *v1.ChatSendRequest) (*TurnInfo, error) {
	teamRes, err := s.resources.GetWithFallback(ctx, userID, resource.KindTeam, req.TeamName, req.TeamNamespace)
	if err != nil {
		return nil, err
	}
	var team resource.TeamSpec
	if err := teamRes.DecodeSpec(&team); err != nil {
		return nil, err
	}
	if len(team.Members) == 0 {
		return nil, fmt.Errorf("team %s has no members", req.TeamName)
	}

	botIDs, shellType, err := s.resolveMembers(ctx, userID, &team)
	if err != nil {
		return nil, err
	}

	var taskRes *resource.Resource
	var spec resource.TaskSpec
	if req.TaskID != 0 {
		res, specPtr, err := s.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		if res.OwnerID != userID {
			return nil, fmt.Errorf("%w: task %d", ErrNotOwner, req.TaskID)
		}
		taskRes = res
		spec = *specPtr
	} else {
		taskRes, spec, err = s.createTask(ctx, userID, userName, teamRes, shellType, req)
		if err != nil {
			return nil, err
		}
	}

	user := &models.Subtask{
		TaskID: taskRes.ID,
		TeamID: teamRes.ID,
		BotIDs: botIDs,
		Title:  truncateTitle(req.Message),
		Prompt: req.Message,
	}
	assistant := &models.Subtask{BotIDs: botIDs}
	if err := s.repo.CreateTurn(ctx, user, assistant); err != nil {
		return nil, err
	}

	s.publish(ctx, events.UserRoom(userID), &bus.Event{
		ID:        uuid.New().String(),
		Type:      events.TaskCreated,
		TaskID:    taskRes.ID,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"task_id": taskRes.ID,
			"title":   spec.Title,
			"status":  spec.Status.Status,
		},
	})

	return &TurnInfo{
		Task:      taskRes,
		Spec:      spec,
		Team:      &team,
		TeamID:    teamRes.ID,
		ShellType: shellType,
		User:      user,
		Assistant: assistant,
	}, nil
}

// resolveMembers maps team members to bot resource ids and picks the shell
// type of the first member's bot, which decides the execution path.
func (s *Service) resolveMembers(ctx context.Context, userID int64, team *resource.TeamSpec) (models.Int64List, string, error) {
	var botIDs models.Int64List
	shellType := ""
	for i, member := range team.Members {
		botRes, err := s.resources.ResolveRef(ctx, userID, resource.KindBot, member.BotRef)
		if err != nil {
			return nil, "", fmt.Errorf("failed to resolve bot %s: %w", member.BotRef.Name, err)
		}
		botIDs = append(botIDs, botRes.ID)
		if i == 0 {
			var botSpec resource.BotSpec
			if err := botRes.DecodeSpec(&botSpec); err != nil {
				return nil, "", err
			}
			shellRes, err := s.resources.ResolveRef(ctx, userID, resource.KindShell, botSpec.ShellRef)
			if err != nil {
				return nil, "", fmt.Errorf("failed to resolve shell: %w", err)
			}
			var shellSpec resource.ShellSpec
			if err := shellRes.DecodeSpec(&shellSpec); err != nil {
				return nil, "", err
			}
			shellType = shellSpec.ShellType
		}
	}
	return botIDs, shellType, nil
}

func (s *Service) createTask(ctx context.Context, userID int64, userName string, teamRes *resource.Resource, shellType string, req *v1.ChatSendRequest) (*resource.Resource, resource.TaskSpec, error) {
	labels := map[string]string{
		resource.LabelType:           resource.TaskTypeOnline,
		resource.LabelUserInteracted: "true",
	}
	if shellType == resource.ShellTypeChat {
		// Streamed in-process; the dispatcher's filter skips these.
		labels[resource.LabelSource] = resource.SourceChatShell
	}
	for k, v := range req.Labels {
		labels[k] = v
	}
	title := req.Title
	if title == "" {
		title = truncateTitle(req.Message)
	}
	spec := resource.TaskSpec{
		Title:   title,
		TeamRef: resource.Ref{Name: teamRes.Name, Namespace: teamRes.Namespace},
		Labels:  labels,
		Status: resource.TaskStatusBlock{
			Status:    string(models.TaskPending),
			UpdatedAt: time.Now().UTC(),
		},
	}
	if req.WorkspaceName != "" {
		spec.WorkspaceRef = resource.Ref{Name: req.WorkspaceName}
	}
	// The dispatcher rebuilds the executor payload from the task document
	// alone, so the creating user and any attachments ride along in appData.
	spec.AppData = map[string]any{"user_name": userName}
	if len(req.Attachments) > 0 {
		spec.AppData["attachments"] = req.Attachments
	}

	res := &resource.Resource{
		OwnerID: userID,
		Kind:    resource.KindTask,
		Name:    uuid.New().String(),
	}
	if err := res.EncodeSpec(spec); err != nil {
		return nil, spec, err
	}
	if err := s.resources.Create(ctx, res); err != nil {
		return nil, spec, err
	}
	return res, spec, nil
}

// History returns the wire view of subtasks newer than the cursor.
func (s *Service) History(ctx context.Context, taskID, afterMessageID int64) ([]*v1.Subtask, error) {
	subs, err := s.repo.ListAfter(ctx, taskID, afterMessageID)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Subtask, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.ToAPI())
	}
	return out, nil
}

// publish sends fire-and-forget; bus losses are reconciled by history:sync.
func (s *Service) publish(ctx context.Context, subject string, event *bus.Event) {
	event.Room = subject
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.WithError(err).Warn("failed to publish event",
			zap.String("subject", subject), zap.String("type", event.Type))
	}
}

// patchStatus rewrites the task's status block inside its JSON document.
func (s *Service) patchStatus(ctx context.Context, taskID int64, mutate func(*resource.TaskSpec)) (*resource.TaskSpec, error) {
	var updated resource.TaskSpec
	err := s.resources.UpdateJSON(ctx, taskID, func(doc []byte) ([]byte, error) {
		var spec resource.TaskSpec
		if err := json.Unmarshal(doc, &spec); err != nil {
			return nil, err
		}
		mutate(&spec)
		spec.Status.UpdatedAt = time.Now().UTC()
		updated = spec
		return json.Marshal(spec)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func truncateTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= 50 {
		return message
	}
	return string(runes[:50])
}
