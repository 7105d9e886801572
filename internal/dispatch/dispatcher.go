package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/events"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/service"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// TokenIssuer mints the callback tokens carried in dispatch units; the
// gateway's token manager satisfies it.
type TokenIssuer interface {
	Issue(userID int64, userName string) (string, error)
}

// Dispatcher polls for dispatchable tasks, claims their pending ASSISTANT
// subtasks and pushes executor payloads. At most one ASSISTANT per task
// runs at a time; claims use the conditional PENDING→RUNNING update so
// concurrent dispatchers never double-send a subtask.
type Dispatcher struct {
	svc    *service.Service
	exec   *ExecutorClient
	bus    bus.EventBus
	cipher *resource.Cipher
	tokens TokenIssuer
	cfg    config.DispatchConfig
	logger *logger.Logger
}

// NewDispatcher wires the dispatcher. tokens may be nil when callback auth
// is disabled; units then carry no auth_token.
func NewDispatcher(svc *service.Service, exec *ExecutorClient, eventBus bus.EventBus,
	cipher *resource.Cipher, tokens TokenIssuer, cfg config.DispatchConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		svc:    svc,
		exec:   exec,
		bus:    eventBus,
		cipher: cipher,
		tokens: tokens,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Run polls on the configured fetch interval until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.cfg.FetchIntervalDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.Dispatch(ctx, Options{Limit: d.cfg.MaxConcurrentTasks}); err != nil {
				d.logger.WithError(err).Error("dispatch cycle failed")
			}
		}
	}
}

// Options selects the tasks a Dispatch call considers. TaskIDs, when set,
// overrides Limit and label filtering: each named task contributes at most
// one subtask.
type Options struct {
	TaskIDs []int64
	Labels  map[string]string
	Limit   int
}

// Dispatch runs one selection cycle and returns the number of subtasks
// pushed to the executor.
func (d *Dispatcher) Dispatch(ctx context.Context, opts Options) (int, error) {
	candidates, err := d.selectTasks(ctx, opts)
	if err != nil {
		return 0, err
	}

	repo := d.svc.Repo()
	var units []v1.DispatchUnit
	for _, taskRes := range candidates {
		running, err := repo.HasRunningAssistant(ctx, taskRes.ID)
		if err != nil {
			return len(units), err
		}
		if running {
			continue
		}
		sub, err := repo.FirstPendingAssistant(ctx, taskRes.ID)
		if err != nil {
			return len(units), err
		}
		if sub == nil {
			continue
		}
		won, err := repo.MarkRunning(ctx, sub.ID)
		if err != nil {
			return len(units), err
		}
		if !won {
			continue
		}

		unit, shellType, err := d.buildUnit(ctx, taskRes, sub)
		if err != nil {
			d.logger.WithError(err).Error("failed to build dispatch unit",
				zap.Int64("task_id", taskRes.ID), zap.Int64("subtask_id", sub.ID))
			_ = repo.ReleaseClaim(ctx, sub.ID)
			continue
		}

		// RUNNING through the service so the reducer promotes the task
		// (never regressing) and emits task:status.
		if err := d.svc.ApplyDelta(ctx, &v1.SubtaskDelta{
			SubtaskID: sub.ID,
			Status:    string(models.SubtaskRunning),
		}); err != nil {
			d.logger.WithError(err).Error("failed to promote task",
				zap.Int64("task_id", taskRes.ID))
			_ = repo.ReleaseClaim(ctx, sub.ID)
			continue
		}

		d.emitStart(ctx, taskRes, sub, shellType)
		units = append(units, *unit)
	}

	if len(units) == 0 {
		return 0, nil
	}
	if err := d.exec.Dispatch(ctx, units); err != nil {
		// Rewind every claim so the next cycle retries; the executor saw
		// either nothing or an atomic batch it rejected.
		for _, unit := range units {
			_ = repo.ReleaseClaim(ctx, unit.SubtaskID)
		}
		return 0, fmt.Errorf("executor dispatch failed: %w", err)
	}
	d.logger.Info("dispatched subtasks", zap.Int("count", len(units)))
	return len(units), nil
}

// Cancel moves the task to CANCELLING and tells the executor to stop the
// job out-of-band. The authoritative CANCELLED transition arrives later
// through the executor callback.
func (d *Dispatcher) Cancel(ctx context.Context, taskID int64) error {
	if err := d.svc.Cancel(ctx, taskID); err != nil {
		return err
	}
	if err := d.exec.Cancel(ctx, taskID); err != nil {
		d.logger.WithError(err).Warn("executor cancel failed",
			zap.Int64("task_id", taskID))
	}
	return nil
}

func (d *Dispatcher) selectTasks(ctx context.Context, opts Options) ([]*resource.Resource, error) {
	if len(opts.TaskIDs) > 0 {
		out := make([]*resource.Resource, 0, len(opts.TaskIDs))
		for _, id := range opts.TaskIDs {
			taskRes, spec, err := d.svc.GetTask(ctx, id)
			if err != nil {
				d.logger.WithError(err).Warn("skipping unknown task", zap.Int64("task_id", id))
				continue
			}
			switch models.TaskStatus(spec.Status.Status) {
			case models.TaskPending, models.TaskRunning:
				out = append(out, taskRes)
			}
		}
		return out, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = d.cfg.MaxConcurrentTasks
	}
	return d.svc.Resources().ListTasks(ctx, resource.TaskFilter{
		Statuses:      []string{string(models.TaskPending), string(models.TaskRunning)},
		Labels:        opts.Labels,
		ExcludeSource: resource.SourceChatShell,
		Limit:         limit,
	})
}

// buildUnit assembles the executor payload for one claimed subtask: the
// bot/ghost/shell/model join, the stage prompt, the git binding and the
// callback token. Model API keys are decrypted here and nowhere earlier.
func (d *Dispatcher) buildUnit(ctx context.Context, taskRes *resource.Resource, sub *models.Subtask) (*v1.DispatchUnit, string, error) {
	tracer := otel.Tracer("botmesh/dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.build_unit")
	span.SetAttributes(
		attribute.Int64("task.id", taskRes.ID),
		attribute.Int64("subtask.id", sub.ID),
	)
	defer span.End()

	var spec resource.TaskSpec
	if err := taskRes.DecodeSpec(&spec); err != nil {
		return nil, "", err
	}
	resources := d.svc.Resources()

	teamRes, err := resources.ResolveRef(ctx, taskRes.OwnerID, resource.KindTeam, spec.TeamRef)
	if err != nil {
		return nil, "", fmt.Errorf("resolve team: %w", err)
	}
	var team resource.TeamSpec
	if err := teamRes.DecodeSpec(&team); err != nil {
		return nil, "", err
	}

	prompt, err := d.svc.StagePrompt(ctx, sub)
	if err != nil {
		return nil, "", err
	}

	bots, shellType, err := d.resolveBots(ctx, taskRes, &spec, &team, sub)
	if err != nil {
		return nil, "", err
	}

	userName, attachments := taskAppData(spec.AppData)

	unit := &v1.DispatchUnit{
		SubtaskID:     sub.ID,
		SubtaskNextID: d.nextAssistantID(ctx, sub),
		TaskID:        taskRes.ID,
		Type:          spec.Labels[resource.LabelType],
		SubtaskTitle:  sub.Title,
		TaskTitle:     spec.Title,
		User: v1.DispatchUser{
			ID:       taskRes.OwnerID,
			Name:     userName,
			UserName: userName,
		},
		Bots:          bots,
		TeamID:        teamRes.ID,
		TeamNamespace: teamRes.Namespace,
		Mode:          team.CollaborationModel,
		Prompt:        prompt,
		Attachments:   attachments,
		Status:        string(models.SubtaskRunning),
		Progress:      sub.Progress,
		CreatedAt:     sub.CreatedAt,
		UpdatedAt:     sub.UpdatedAt,
		NewSession:    sub.NewSession,
	}

	// The executor identity binds on first dispatch and never changes, so
	// retries land on the same sandbox.
	unit.ExecutorName = sub.ExecutorName
	unit.ExecutorNamespace = sub.ExecutorNamespace
	if unit.ExecutorName == "" {
		unit.ExecutorName = fmt.Sprintf("executor-%d-%d", taskRes.ID, sub.ID)
		unit.ExecutorNamespace = taskRes.Namespace
		if err := d.svc.Repo().SetExecutor(ctx, sub.ID, unit.ExecutorName, unit.ExecutorNamespace); err != nil {
			return nil, "", err
		}
	}

	if !spec.WorkspaceRef.IsZero() {
		wsRes, err := resources.ResolveRef(ctx, taskRes.OwnerID, resource.KindWorkspace, spec.WorkspaceRef)
		if err != nil {
			return nil, "", fmt.Errorf("resolve workspace: %w", err)
		}
		var ws resource.WorkspaceSpec
		if err := wsRes.DecodeSpec(&ws); err != nil {
			return nil, "", err
		}
		unit.GitDomain = ws.GitDomain
		unit.GitRepo = ws.GitRepo
		unit.GitRepoID = ws.GitRepoID
		unit.BranchName = ws.BranchName
		if ws.GitDomain != "" && ws.GitRepo != "" {
			unit.GitURL = fmt.Sprintf("https://%s/%s.git", ws.GitDomain, ws.GitRepo)
		}
	}

	if d.tokens != nil {
		token, err := d.tokens.Issue(taskRes.OwnerID, userName)
		if err != nil {
			return nil, "", fmt.Errorf("issue callback token: %w", err)
		}
		unit.AuthToken = token
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		unit.TraceContext = carrier
	}
	return unit, shellType, nil
}

// resolveBots flattens each of the subtask's bots into the executor view.
// The first bot's shell type decides what the chat:start event reports.
func (d *Dispatcher) resolveBots(ctx context.Context, taskRes *resource.Resource,
	spec *resource.TaskSpec, team *resource.TeamSpec, sub *models.Subtask) ([]v1.DispatchBot, string, error) {

	resources := d.svc.Resources()
	shellType := ""
	bots := make([]v1.DispatchBot, 0, len(sub.BotIDs))
	for i, botID := range sub.BotIDs {
		botRes, err := resources.GetByID(ctx, botID)
		if err != nil {
			return nil, "", fmt.Errorf("load bot %d: %w", botID, err)
		}
		var botSpec resource.BotSpec
		if err := botRes.DecodeSpec(&botSpec); err != nil {
			return nil, "", err
		}

		out := v1.DispatchBot{
			ID:          botRes.ID,
			Name:        botRes.Name,
			AgentConfig: botSpec.AgentConfig,
		}
		if i < len(team.Members) {
			out.Role = team.Members[i].Role
		}

		if !botSpec.GhostRef.IsZero() {
			ghostRes, err := resources.ResolveRef(ctx, taskRes.OwnerID, resource.KindGhost, botSpec.GhostRef)
			if err != nil {
				return nil, "", fmt.Errorf("resolve ghost: %w", err)
			}
			var ghost resource.GhostSpec
			if err := ghostRes.DecodeSpec(&ghost); err != nil {
				return nil, "", err
			}
			out.SystemPrompt = ghost.SystemPrompt
			out.Skills = ghost.Skills
			for _, srv := range ghost.MCPServers {
				out.MCPServers = append(out.MCPServers, v1.MCPServer{
					Name:    srv.Name,
					URL:     srv.URL,
					Headers: srv.Headers,
				})
			}
		}

		shellRes, err := resources.ResolveRef(ctx, taskRes.OwnerID, resource.KindShell, botSpec.ShellRef)
		if err != nil {
			return nil, "", fmt.Errorf("resolve shell: %w", err)
		}
		var shellSpec resource.ShellSpec
		if err := shellRes.DecodeSpec(&shellSpec); err != nil {
			return nil, "", err
		}
		out.ShellType = shellSpec.ShellType
		out.BaseImage = shellSpec.BaseImage
		if i == 0 {
			shellType = shellSpec.ShellType
		}

		model, err := resources.ResolveModel(ctx, d.cipher, taskRes.OwnerID, spec.Labels, &botSpec)
		if err != nil {
			return nil, "", err
		}
		if model != nil {
			out.Model = &v1.DispatchModel{
				Provider:  model.Provider,
				ModelName: model.ModelName,
				APIKey:    model.APIKey,
				BaseURL:   model.BaseURL,
			}
		}
		bots = append(bots, out)
	}
	return bots, shellType, nil
}

// nextAssistantID returns the id of the ASSISTANT stage queued after this
// one, so the executor can prefetch pipeline context. Zero when none.
func (d *Dispatcher) nextAssistantID(ctx context.Context, sub *models.Subtask) int64 {
	subtasks, err := d.svc.Repo().ListByTask(ctx, sub.TaskID)
	if err != nil {
		return 0
	}
	for _, s := range subtasks {
		if s.Role == models.RoleAssistant && s.MessageID > sub.MessageID && s.Status == models.SubtaskPending {
			return s.ID
		}
	}
	return 0
}

func (d *Dispatcher) emitStart(ctx context.Context, taskRes *resource.Resource, sub *models.Subtask, shellType string) {
	event := &bus.Event{
		ID:        uuid.New().String(),
		Type:      events.ChatStart,
		TaskID:    taskRes.ID,
		SubtaskID: sub.ID,
		MessageID: sub.MessageID,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"subtask_id": sub.ID,
			"message_id": sub.MessageID,
			"task_id":    taskRes.ID,
			"shell_type": shellType,
		},
	}
	d.publish(ctx, events.TaskRoom(taskRes.ID), event)
	// Fresh event value per room; the memory bus hands pointers to
	// subscribers directly.
	clone := *event
	d.publish(ctx, events.UserRoom(taskRes.OwnerID), &clone)
}

func (d *Dispatcher) publish(ctx context.Context, subject string, event *bus.Event) {
	event.Room = subject
	if err := d.bus.Publish(ctx, subject, event); err != nil {
		d.logger.WithError(err).Warn("failed to publish dispatch event",
			zap.String("subject", subject), zap.String("type", event.Type))
	}
}

// taskAppData pulls the creating user's name and any attachment descriptors
// back out of the task document.
func taskAppData(appData map[string]any) (string, []v1.Attachment) {
	if appData == nil {
		return "", nil
	}
	userName, _ := appData["user_name"].(string)

	raw, ok := appData["attachments"]
	if !ok {
		return userName, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return userName, nil
	}
	var attachments []v1.Attachment
	if err := json.Unmarshal(data, &attachments); err != nil {
		return userName, nil
	}
	return userName, attachments
}
