package streaming

import (
	"context"

	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/events"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/repository"
)

// Emitter delivers stream lifecycle events. Interactive streams publish to
// the user and task rooms; subscription executions record progress on the
// BackgroundExecution row instead.
type Emitter interface {
	Emit(ctx context.Context, ev *bus.Event)
}

// RoomEmitter publishes to the task room, and for lifecycle events also to
// the owning user's room. Chunks stay task-room only to avoid duplicate
// delivery to clients that joined the task.
type RoomEmitter struct {
	bus    bus.EventBus
	userID int64
	taskID int64
	logger *logger.Logger
}

// NewRoomEmitter creates the interactive-chat emitter.
func NewRoomEmitter(eventBus bus.EventBus, userID, taskID int64, log *logger.Logger) *RoomEmitter {
	return &RoomEmitter{bus: eventBus, userID: userID, taskID: taskID, logger: log}
}

// Emit publishes the event. Bus losses are tolerated; clients reconcile
// via history:sync.
func (e *RoomEmitter) Emit(ctx context.Context, ev *bus.Event) {
	e.publish(ctx, events.TaskRoom(e.taskID), ev)
	if ev.Type == events.ChatChunk {
		return
	}
	// Fresh event value per room; the memory bus hands pointers to
	// subscribers directly.
	clone := *ev
	e.publish(ctx, events.UserRoom(e.userID), &clone)
}

func (e *RoomEmitter) publish(ctx context.Context, subject string, ev *bus.Event) {
	ev.Room = subject
	if err := e.bus.Publish(ctx, subject, ev); err != nil {
		e.logger.WithError(err).Warn("failed to publish stream event",
			zap.String("subject", subject), zap.String("type", ev.Type))
	}
}

// ExecutionEmitter records terminal stream events on a BackgroundExecution
// row. Chunks are dropped: nobody is watching a subscription run live.
type ExecutionEmitter struct {
	repo        *repository.Repository
	executionID int64
	logger      *logger.Logger
}

// NewExecutionEmitter creates the subscription-run emitter.
func NewExecutionEmitter(repo *repository.Repository, executionID int64, log *logger.Logger) *ExecutionEmitter {
	return &ExecutionEmitter{repo: repo, executionID: executionID, logger: log}
}

// Emit maps terminal chat events onto the execution status.
func (e *ExecutionEmitter) Emit(ctx context.Context, ev *bus.Event) {
	var status models.ExecutionStatus
	errMsg := ""
	switch ev.Type {
	case events.ChatDone:
		status = models.ExecutionCompleted
	case events.ChatCancelled:
		status = models.ExecutionCancelled
	case events.ChatError:
		status = models.ExecutionFailed
		if msg, ok := ev.Payload["error"].(string); ok {
			errMsg = msg
		}
	default:
		return
	}
	if err := e.repo.SetExecutionStatus(ctx, e.executionID, status, errMsg); err != nil {
		e.logger.WithError(err).Error("failed to record execution status",
			zap.Int64("execution_id", e.executionID), zap.String("status", string(status)))
	}
}
