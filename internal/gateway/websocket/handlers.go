package websocket

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/appctx"
	"github.com/botmesh/botmesh/internal/dispatch"
	"github.com/botmesh/botmesh/internal/events"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/streaming"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/service"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
	ws "github.com/botmesh/botmesh/pkg/websocket"
)

// streamRunTimeout bounds a background stream started from a handler. The
// run context is detached from the connection so a disconnect does not kill
// the stream.
const streamRunTimeout = 30 * time.Minute

func (g *Gateway) handleHealth(ctx context.Context, c *Client, msg *ws.Message) {
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"status":  "ok",
		"service": "botmesh",
	})
	c.sendMessage(resp)
}

func (g *Gateway) handleTaskJoin(ctx context.Context, c *Client, msg *ws.Message) {
	var req v1.TaskJoinRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TaskID == 0 {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		return
	}
	if err := g.svc.CheckOwner(ctx, c.UserID, req.TaskID); err != nil {
		g.replyServiceError(c, msg, err)
		return
	}

	g.Hub.JoinTask(c, req.TaskID)

	// A live stream on the task is returned so the client can render
	// current state before chunks resume.
	snap, err := g.engine.Snapshot(ctx, req.TaskID)
	if err != nil {
		g.logger.WithError(err).Warn("streaming snapshot failed", zap.Int64("task_id", req.TaskID))
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, v1.TaskJoinAck{Streaming: snap})
	c.sendMessage(resp)
}

func (g *Gateway) handleTaskLeave(ctx context.Context, c *Client, msg *ws.Message) {
	var req v1.TaskJoinRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TaskID == 0 {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		return
	}
	g.Hub.LeaveTask(c, req.TaskID)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"success": true,
		"task_id": req.TaskID,
	})
	c.sendMessage(resp)
}

func (g *Gateway) handleChatSend(ctx context.Context, c *Client, msg *ws.Message) {
	var req v1.ChatSendRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.Message == "" || (req.TaskID == 0 && req.TeamName == "") {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "message and team_name are required", nil)
		return
	}

	info, err := g.svc.CreateChatTurn(ctx, c.UserID, c.UserName, &req)
	if err != nil {
		g.replyServiceError(c, msg, err)
		return
	}

	g.Hub.JoinTask(c, info.Task.ID)
	g.broadcastUserMessage(ctx, c, info)

	if info.ShellType == resource.ShellTypeChat {
		g.startStream(ctx, &streaming.StartInput{
			Task:             info.Task,
			Spec:             &info.Spec,
			Subtask:          info.Assistant,
			Prompt:           info.User.Prompt,
			UserID:           c.UserID,
			UserName:         c.UserName,
			ShellType:        info.ShellType,
			ExcludeMessageID: info.User.MessageID,
		})
	}
	// Executor-backed shells stay PENDING; the dispatcher picks them up on
	// its next cycle.

	resp, _ := ws.NewResponse(msg.ID, msg.Action, v1.ChatSendAck{
		TaskID:    info.Task.ID,
		SubtaskID: info.Assistant.ID,
		MessageID: info.Assistant.MessageID,
	})
	c.sendMessage(resp)
}

// broadcastUserMessage mirrors the user turn to task-room peers so group
// chat members see it immediately. The sender is excluded by client id.
func (g *Gateway) broadcastUserMessage(ctx context.Context, c *Client, info *service.TurnInfo) {
	ev := bus.NewEvent(events.ChatMessage, map[string]any{
		"message":          info.User.Prompt,
		"user_name":        c.UserName,
		"sender_client_id": c.ID,
	})
	ev.TaskID = info.Task.ID
	ev.SubtaskID = info.User.ID
	ev.MessageID = info.User.MessageID
	ev.Room = events.TaskRoom(info.Task.ID)
	if err := g.bus.Publish(ctx, ev.Room, ev); err != nil {
		g.logger.WithError(err).Warn("failed to broadcast user message",
			zap.Int64("task_id", info.Task.ID))
	}
}

func (g *Gateway) handleChatCancel(ctx context.Context, c *Client, msg *ws.Message) {
	var req v1.ChatCancelRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.SubtaskID == 0 {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "subtask_id is required", nil)
		return
	}
	sub, err := g.svc.Repo().Get(ctx, req.SubtaskID)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "subtask not found", nil)
		return
	}
	if err := g.svc.CheckOwner(ctx, c.UserID, sub.TaskID); err != nil {
		g.replyServiceError(c, msg, err)
		return
	}

	if req.ShellType != "" && req.ShellType != resource.ShellTypeChat && g.dispatcher != nil {
		// Executor cancel is fire-and-forget; the authoritative CANCELLED
		// transition arrives through the executor callback.
		if err := g.dispatcher.Cancel(ctx, sub.TaskID); err != nil {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
			return
		}
	} else {
		// In-process stream: cross-worker flag plus local signal; the
		// engine settles the subtask with the partial content and emits
		// chat:cancelled and chat:done.
		if err := g.engine.Cancel(ctx, sub.ID); err != nil {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
			return
		}
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"success":    true,
		"subtask_id": sub.ID,
	})
	c.sendMessage(resp)
}

func (g *Gateway) handleChatRetry(ctx context.Context, c *Client, msg *ws.Message) {
	var req v1.ChatRetryRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TaskID == 0 || req.SubtaskID == 0 {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id and subtask_id are required", nil)
		return
	}

	sub, err := g.svc.Retry(ctx, c.UserID, &req)
	if err != nil {
		g.replyServiceError(c, msg, err)
		return
	}
	if err := g.kickPending(ctx, req.TaskID, sub); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"success":    true,
		"subtask_id": sub.ID,
	})
	c.sendMessage(resp)
}

func (g *Gateway) handleTaskConfirm(ctx context.Context, c *Client, msg *ws.Message) {
	var req v1.ConfirmRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TaskID == 0 {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		return
	}

	if err := g.svc.Confirm(ctx, c.UserID, &req); err != nil {
		g.replyServiceError(c, msg, err)
		return
	}
	if pending, err := g.svc.Repo().FirstPendingAssistant(ctx, req.TaskID); err == nil && pending != nil {
		if err := g.kickPending(ctx, req.TaskID, pending); err != nil {
			g.logger.WithError(err).Error("failed to start confirmed stage",
				zap.Int64("task_id", req.TaskID))
		}
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"success": true,
		"task_id": req.TaskID,
	})
	c.sendMessage(resp)
}

func (g *Gateway) handleChatResume(ctx context.Context, c *Client, msg *ws.Message) {
	var req v1.ChatResumeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TaskID == 0 || req.SubtaskID == 0 {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id and subtask_id are required", nil)
		return
	}
	if err := g.svc.CheckOwner(ctx, c.UserID, req.TaskID); err != nil {
		g.replyServiceError(c, msg, err)
		return
	}

	g.Hub.JoinTask(c, req.TaskID)

	content, offset, _, err := g.engine.Resume(ctx, req.SubtaskID, req.Offset)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"subtask_id": req.SubtaskID,
		"content":    content,
		"offset":     offset,
	})
	c.sendMessage(resp)
}

func (g *Gateway) handleHistorySync(ctx context.Context, c *Client, msg *ws.Message) {
	var req v1.HistorySyncRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.TaskID == 0 {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required", nil)
		return
	}
	if err := g.svc.CheckOwner(ctx, c.UserID, req.TaskID); err != nil {
		g.replyServiceError(c, msg, err)
		return
	}

	subtasks, err := g.svc.History(ctx, req.TaskID, req.AfterMessageID)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, v1.HistorySyncAck{Subtasks: subtasks})
	c.sendMessage(resp)
}

func (g *Gateway) handleSkillResponse(ctx context.Context, c *Client, msg *ws.Message) {
	var req v1.SkillResponseRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.RequestID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "request_id is required", nil)
		return
	}

	if err := g.skills.Resolve(ctx, &req); err != nil {
		if errors.Is(err, streaming.ErrUnknownSkillRequest) {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		} else {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"success":    true,
		"request_id": req.RequestID,
	})
	c.sendMessage(resp)
}

// startStream runs the assistant on a detached context so it survives the
// connection. The gateway stop channel still aborts it on shutdown.
func (g *Gateway) startStream(ctx context.Context, in *streaming.StartInput) {
	runCtx, cancel := appctx.Detached(ctx, g.stopCh, streamRunTimeout)
	go func() {
		defer cancel()
		if err := g.engine.Run(runCtx, in); err != nil {
			g.logger.WithContext(runCtx).WithError(err).Error("chat stream failed",
				zap.Int64("task_id", in.Task.ID),
				zap.Int64("subtask_id", in.Subtask.ID))
		}
	}()
}

// kickPending routes a freshly rewound PENDING assistant to the streaming
// engine or the dispatcher, matching the team's shell type.
func (g *Gateway) kickPending(ctx context.Context, taskID int64, sub *models.Subtask) error {
	taskRes, spec, err := g.svc.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	shellType, err := g.resolveShellType(ctx, taskRes.OwnerID, spec)
	if err != nil {
		return err
	}
	if shellType == resource.ShellTypeChat {
		g.startStream(ctx, &streaming.StartInput{
			Task:      taskRes,
			Spec:      spec,
			Subtask:   sub,
			UserID:    taskRes.OwnerID,
			UserName:  appctx.UserName(ctx),
			ShellType: shellType,
		})
		return nil
	}
	if g.dispatcher == nil {
		return errors.New("no dispatcher configured for executor-backed shells")
	}
	_, err = g.dispatcher.Dispatch(ctx, dispatch.Options{TaskIDs: []int64{taskID}})
	return err
}

// resolveShellType walks team -> first bot -> shell, the same binding the
// dispatcher uses to pick the execution path.
func (g *Gateway) resolveShellType(ctx context.Context, ownerID int64, spec *resource.TaskSpec) (string, error) {
	resources := g.svc.Resources()
	teamRes, err := resources.ResolveRef(ctx, ownerID, resource.KindTeam, spec.TeamRef)
	if err != nil {
		return "", err
	}
	var team resource.TeamSpec
	if err := teamRes.DecodeSpec(&team); err != nil {
		return "", err
	}
	if len(team.Members) == 0 {
		return "", errors.New("team has no members")
	}
	botRes, err := resources.ResolveRef(ctx, ownerID, resource.KindBot, team.Members[0].BotRef)
	if err != nil {
		return "", err
	}
	var bot resource.BotSpec
	if err := botRes.DecodeSpec(&bot); err != nil {
		return "", err
	}
	shellRes, err := resources.ResolveRef(ctx, ownerID, resource.KindShell, bot.ShellRef)
	if err != nil {
		return "", err
	}
	var sh resource.ShellSpec
	if err := shellRes.DecodeSpec(&sh); err != nil {
		return "", err
	}
	return sh.ShellType, nil
}

// replyServiceError maps task-service errors onto WS error codes.
func (g *Gateway) replyServiceError(c *Client, msg *ws.Message, err error) {
	switch {
	case errors.Is(err, service.ErrTaskNotFound) || errors.Is(err, resource.ErrNotFound):
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	case errors.Is(err, service.ErrNotOwner):
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeForbidden, err.Error(), nil)
	case errors.Is(err, service.ErrNotConfirmable) || errors.Is(err, service.ErrInvalidAction) ||
		errors.Is(err, service.ErrSubtaskNotRetried):
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
	default:
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}
}
