// Package subscription executes one firing of a time-triggered
// subscription: it materializes the task and conversation turn, then runs
// the assistant through the streaming engine (Chat shells) or hands the
// task to the dispatcher (executor shells).
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/dispatch"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/streaming"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/service"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

const deadLetterSource = "subscription_execution"

// Runner drives individual background executions.
type Runner struct {
	svc        *service.Service
	engine     *streaming.Engine
	dispatcher *dispatch.Dispatcher
	breaker    *gobreaker.CircuitBreaker
	cfg        config.FlowConfig
	logger     *logger.Logger
}

// NewRunner wires the execution runner. The breaker trips after repeated
// consecutive AI failures so a broken model binding doesn't burn through
// every due subscription.
func NewRunner(svc *service.Service, engine *streaming.Engine, dispatcher *dispatch.Dispatcher,
	cfg config.FlowConfig, log *logger.Logger) *Runner {
	return &Runner{
		svc:        svc,
		engine:     engine,
		dispatcher: dispatcher,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "subscription-ai",
			Timeout: 2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "subscription-runner")),
	}
}

// Execute runs one background execution end to end: breaker-guarded,
// retried with exponential backoff, dead-lettered when retries exhaust.
func (r *Runner) Execute(ctx context.Context, subscriptionID, executionID int64) error {
	repo := r.svc.Repo()
	exec, err := repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled:
		return nil
	}

	subRes, err := r.svc.Resources().GetByID(ctx, subscriptionID)
	if err != nil || !subRes.IsActive {
		return repo.SetExecutionStatus(ctx, executionID, models.ExecutionCancelled, "subscription was deleted")
	}
	var doc resource.SubscriptionDoc
	if err := subRes.DecodeSpec(&doc); err != nil {
		return err
	}
	if !doc.RentalOf.IsZero() {
		if err := r.overlayRental(ctx, subRes.OwnerID, &doc); err != nil {
			return repo.SetExecutionStatus(ctx, executionID, models.ExecutionFailed, err.Error())
		}
		// The rental runs the source's prompt, not whatever was captured
		// when the execution row was created.
		exec.Prompt = doc.PromptTemplate
	}

	operation := func() error {
		_, err := r.breaker.Execute(func() (any, error) {
			return nil, r.runOnce(ctx, subRes, &doc, exec)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		r.logger.WithError(err).Warn("execution attempt failed",
			zap.Int64("execution_id", executionID), zap.Int64("subscription_id", subscriptionID))
		if rerr := repo.IncrementExecutionRetry(ctx, executionID); rerr != nil {
			r.logger.WithError(rerr).Warn("failed to record retry attempt")
		}
		return err
	}

	retries := r.cfg.DefaultRetryCount
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)

	err = backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		_ = repo.SetExecutionStatus(ctx, executionID, models.ExecutionFailed,
			"ai circuit breaker open, execution suspended")
		return err
	}

	payload, _ := json.Marshal(map[string]any{
		"subscription_id": subscriptionID,
		"execution_id":    executionID,
		"prompt":          exec.Prompt,
	})
	if dlErr := repo.AddDeadLetter(ctx, deadLetterSource, payload, err.Error()); dlErr != nil {
		r.logger.WithError(dlErr).Error("failed to write dead letter",
			zap.Int64("execution_id", executionID))
	}
	_ = repo.SetExecutionStatus(ctx, executionID, models.ExecutionFailed, err.Error())
	return err
}

// overlayRental replaces team, prompt and workspace with the source
// subscription's while keeping this instance's trigger and model binding.
// Rentals never inherit preserveHistory: each renter gets fresh sessions.
func (r *Runner) overlayRental(ctx context.Context, owner int64, doc *resource.SubscriptionDoc) error {
	srcRes, err := r.svc.Resources().ResolveRef(ctx, owner, resource.KindSubscription, doc.RentalOf)
	if err != nil {
		return err
	}
	var src resource.SubscriptionDoc
	if err := srcRes.DecodeSpec(&src); err != nil {
		return err
	}
	doc.TeamRef = src.TeamRef
	doc.PromptTemplate = src.PromptTemplate
	doc.WorkspaceRef = src.WorkspaceRef
	return nil
}

// runOnce performs a single execution attempt: create or reuse the task,
// persist the turn, link the execution, and drive the assistant.
func (r *Runner) runOnce(ctx context.Context, subRes *resource.Resource,
	doc *resource.SubscriptionDoc, exec *models.BackgroundExecution) error {

	prompt := exec.Prompt
	if prompt == "" {
		prompt = doc.PromptTemplate
	}
	subLabel := strconv.FormatInt(subRes.ID, 10)
	execLabel := strconv.FormatInt(exec.ID, 10)

	req := &v1.ChatSendRequest{
		TeamName:      doc.TeamRef.Name,
		TeamNamespace: doc.TeamRef.Namespace,
		Message:       prompt,
		WorkspaceName: doc.WorkspaceRef.Name,
		Labels: map[string]string{
			resource.LabelType:           resource.TaskTypeSubscription,
			resource.LabelUserInteracted: "false",
			resource.LabelSubscriptionID: subLabel,
			resource.LabelExecutionID:    execLabel,
		},
	}
	switch {
	case exec.TaskID != 0:
		// A retry after the task already materialized reuses it.
		req.TaskID = exec.TaskID
	case doc.PreserveHistory && doc.Internal.BoundTaskID != 0:
		if taskRes, _, err := r.svc.GetTask(ctx, doc.Internal.BoundTaskID); err == nil && taskRes.IsActive {
			req.TaskID = taskRes.ID
		}
	}

	info, err := r.svc.CreateChatTurn(ctx, subRes.OwnerID, "", req)
	if err != nil {
		return err
	}

	// Reused tasks keep labels from the previous run; point them at the
	// current execution so the reducer settles the right row.
	if err := r.relabelTask(ctx, info, subLabel, execLabel); err != nil {
		return err
	}

	if doc.PreserveHistory && doc.Internal.BoundTaskID != info.Task.ID {
		if err := r.bindTask(ctx, subRes.ID, info.Task.ID); err != nil {
			return err
		}
		doc.Internal.BoundTaskID = info.Task.ID
	}

	if err := r.svc.Repo().LinkExecutionTask(ctx, exec.ID, info.Task.ID); err != nil {
		return err
	}
	exec.TaskID = info.Task.ID

	if info.ShellType != resource.ShellTypeChat {
		// Executor-backed shell: push immediately; the executor callback
		// and the reducer finish both the task and the execution.
		if r.dispatcher == nil {
			return errors.New("no dispatcher configured for executor-backed subscription")
		}
		_, err := r.dispatcher.Dispatch(ctx, dispatch.Options{TaskIDs: []int64{info.Task.ID}})
		return err
	}

	in := &streaming.StartInput{
		Task:             info.Task,
		Spec:             &info.Spec,
		Subtask:          info.Assistant,
		Prompt:           info.User.Prompt,
		UserID:           subRes.OwnerID,
		ShellType:        info.ShellType,
		ExcludeMessageID: info.User.MessageID,
		HistoryLimit:     doc.HistoryMessageCount,
		Emitter:          streaming.NewExecutionEmitter(r.svc.Repo(), exec.ID, r.logger),
	}
	return r.engine.Run(ctx, in)
}

func (r *Runner) relabelTask(ctx context.Context, info *service.TurnInfo, subLabel, execLabel string) error {
	err := r.svc.Resources().UpdateJSON(ctx, info.Task.ID, func(data []byte) ([]byte, error) {
		var spec resource.TaskSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, err
		}
		if spec.Labels == nil {
			spec.Labels = map[string]string{}
		}
		spec.Labels[resource.LabelType] = resource.TaskTypeSubscription
		spec.Labels[resource.LabelUserInteracted] = "false"
		spec.Labels[resource.LabelSubscriptionID] = subLabel
		spec.Labels[resource.LabelExecutionID] = execLabel
		return json.Marshal(spec)
	})
	if err != nil {
		return err
	}
	if info.Spec.Labels == nil {
		info.Spec.Labels = map[string]string{}
	}
	info.Spec.Labels[resource.LabelType] = resource.TaskTypeSubscription
	info.Spec.Labels[resource.LabelUserInteracted] = "false"
	info.Spec.Labels[resource.LabelSubscriptionID] = subLabel
	info.Spec.Labels[resource.LabelExecutionID] = execLabel
	return nil
}

// bindTask records the preserved-history task on the subscription document.
func (r *Runner) bindTask(ctx context.Context, subscriptionID, taskID int64) error {
	return r.svc.Resources().UpdateJSON(ctx, subscriptionID, func(data []byte) ([]byte, error) {
		var doc resource.SubscriptionDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		doc.Internal.BoundTaskID = taskID
		return json.Marshal(doc)
	})
}
