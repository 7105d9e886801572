package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/db"
	"github.com/botmesh/botmesh/internal/dispatch"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/kv"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/shell"
	"github.com/botmesh/botmesh/internal/shutdown"
	"github.com/botmesh/botmesh/internal/streaming"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/repository"
	"github.com/botmesh/botmesh/internal/task/service"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

type fixture struct {
	runner    *Runner
	svc       *service.Service
	resources *resource.Store
	repo      *repository.Repository

	mu      sync.Mutex
	prompts []string
}

func newFixture(t *testing.T, fn shell.StreamFunc) *fixture {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "subscription.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store := resource.NewStore(pool, log)
	require.NoError(t, store.InitSchema(context.Background()))
	repo := repository.NewRepository(pool, log)
	require.NoError(t, repo.InitSchema(context.Background()))

	eventBus := bus.NewMemoryEventBus(log)
	svc := service.NewService(store, repo, eventBus, log)
	cipher, err := resource.NewCipher("")
	require.NoError(t, err)

	f := &fixture{svc: svc, resources: store, repo: repo}
	wrapped := func(ctx context.Context, req *shell.Request, emit shell.EmitFunc) error {
		f.mu.Lock()
		f.prompts = append(f.prompts, req.Prompt)
		f.mu.Unlock()
		return fn(ctx, req, emit)
	}
	engine := streaming.NewEngine(shell.NewBridge(wrapped), svc, kv.NewMemoryStore(), eventBus,
		shutdown.NewCoordinator(log), cipher, config.ChatConfig{
			ToolMaxRequests: 3,
			MaxConcurrent:   2,
		}, log)

	f.runner = NewRunner(svc, engine, nil, config.FlowConfig{DefaultRetryCount: 1}, log)
	return f
}

func succeedWith(text string) shell.StreamFunc {
	return func(ctx context.Context, req *shell.Request, emit shell.EmitFunc) error {
		if err := emit(&shell.Event{Type: shell.EventContentDelta, Delta: text}); err != nil {
			return err
		}
		return emit(&shell.Event{Type: shell.EventDone})
	}
}

func seedChatTeam(t *testing.T, store *resource.Store, teamName string) {
	t.Helper()
	ctx := context.Background()

	shellRes := &resource.Resource{OwnerID: 1, Kind: resource.KindShell, Name: "chat"}
	require.NoError(t, shellRes.EncodeSpec(resource.ShellSpec{ShellType: resource.ShellTypeChat}))
	require.NoError(t, store.Create(ctx, shellRes))

	bot := &resource.Resource{OwnerID: 1, Kind: resource.KindBot, Name: "digest-bot"}
	require.NoError(t, bot.EncodeSpec(resource.BotSpec{ShellRef: resource.Ref{Name: "chat"}}))
	require.NoError(t, store.Create(ctx, bot))

	team := &resource.Resource{OwnerID: 1, Kind: resource.KindTeam, Name: teamName}
	require.NoError(t, team.EncodeSpec(resource.TeamSpec{
		Members:            []resource.TeamMember{{BotRef: resource.Ref{Name: "digest-bot"}}},
		CollaborationModel: resource.CollabSolo,
	}))
	require.NoError(t, store.Create(ctx, team))
}

func createSubscription(t *testing.T, store *resource.Store, name string, doc resource.SubscriptionDoc) *resource.Resource {
	t.Helper()
	res := &resource.Resource{OwnerID: 1, Kind: resource.KindSubscription, Name: name}
	require.NoError(t, res.EncodeSpec(doc))
	require.NoError(t, store.Create(context.Background(), res))
	return res
}

func newExecution(t *testing.T, repo *repository.Repository, subscriptionID int64, prompt string) *models.BackgroundExecution {
	t.Helper()
	exec := &models.BackgroundExecution{
		SubscriptionID: subscriptionID,
		UserID:         1,
		TriggerType:    resource.TriggerInterval,
		TriggerReason:  "scheduled",
		Prompt:         prompt,
	}
	require.NoError(t, repo.CreateExecution(context.Background(), exec))
	return exec
}

func TestExecute_ChatShellCompletesExecution(t *testing.T) {
	f := newFixture(t, succeedWith("digest ready"))
	seedChatTeam(t, f.resources, "digest-team")
	sub := createSubscription(t, f.resources, "daily", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger:         resource.TriggerInterval,
			IntervalSeconds: 3600,
			TeamRef:         resource.Ref{Name: "digest-team"},
			PromptTemplate:  "summarize the day",
			Enabled:         true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true},
	})
	exec := newExecution(t, f.repo, sub.ID, "summarize the day")

	require.NoError(t, f.runner.Execute(context.Background(), sub.ID, exec.ID))

	got, err := f.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)
	require.NotZero(t, got.TaskID)

	_, spec, err := f.svc.GetTask(context.Background(), got.TaskID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskCompleted), spec.Status.Status)
	assert.Equal(t, resource.TaskTypeSubscription, spec.Labels[resource.LabelType])
	assert.Equal(t, "false", spec.Labels[resource.LabelUserInteracted])
	assert.Equal(t, strconv.FormatInt(exec.ID, 10), spec.Labels[resource.LabelExecutionID])

	sub2, err := f.repo.FirstPendingAssistant(context.Background(), got.TaskID)
	require.NoError(t, err)
	assert.Nil(t, sub2)
}

func TestExecute_PreserveHistoryReusesTask(t *testing.T) {
	f := newFixture(t, succeedWith("done"))
	seedChatTeam(t, f.resources, "digest-team")
	sub := createSubscription(t, f.resources, "daily", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger:         resource.TriggerInterval,
			IntervalSeconds: 3600,
			TeamRef:         resource.Ref{Name: "digest-team"},
			PromptTemplate:  "summarize",
			PreserveHistory: true,
			Enabled:         true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true},
	})

	first := newExecution(t, f.repo, sub.ID, "summarize")
	require.NoError(t, f.runner.Execute(context.Background(), sub.ID, first.ID))
	firstDone, err := f.repo.GetExecution(context.Background(), first.ID)
	require.NoError(t, err)

	// The bound task id landed on the subscription document.
	subRes, err := f.resources.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	var doc resource.SubscriptionDoc
	require.NoError(t, subRes.DecodeSpec(&doc))
	assert.Equal(t, firstDone.TaskID, doc.Internal.BoundTaskID)

	second := newExecution(t, f.repo, sub.ID, "summarize")
	require.NoError(t, f.runner.Execute(context.Background(), sub.ID, second.ID))
	secondDone, err := f.repo.GetExecution(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, firstDone.TaskID, secondDone.TaskID)

	// The reused task now points at the newest execution.
	_, spec, err := f.svc.GetTask(context.Background(), secondDone.TaskID)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(second.ID, 10), spec.Labels[resource.LabelExecutionID])
}

func TestExecute_RentalRunsSourcePrompt(t *testing.T) {
	f := newFixture(t, succeedWith("ok"))
	seedChatTeam(t, f.resources, "source-team")
	createSubscription(t, f.resources, "source", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger:        resource.TriggerCron,
			CronExpression: "0 9 * * *",
			TeamRef:        resource.Ref{Name: "source-team"},
			PromptTemplate: "the source prompt",
			Enabled:        true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true},
	})
	rental := createSubscription(t, f.resources, "rental", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger:         resource.TriggerInterval,
			IntervalSeconds: 600,
			PromptTemplate:  "the rental's own prompt",
			RentalOf:        resource.Ref{Name: "source"},
			Enabled:         true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true},
	})
	exec := newExecution(t, f.repo, rental.ID, "the rental's own prompt")

	require.NoError(t, f.runner.Execute(context.Background(), rental.ID, exec.ID))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.prompts, 1)
	assert.Equal(t, "the source prompt", f.prompts[0])
}

func TestExecute_DeletedSubscriptionCancels(t *testing.T) {
	f := newFixture(t, succeedWith("ok"))
	seedChatTeam(t, f.resources, "digest-team")
	sub := createSubscription(t, f.resources, "daily", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger: resource.TriggerInterval, IntervalSeconds: 60,
			TeamRef: resource.Ref{Name: "digest-team"}, PromptTemplate: "x", Enabled: true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true},
	})
	exec := newExecution(t, f.repo, sub.ID, "x")
	require.NoError(t, f.resources.SoftDelete(context.Background(), sub.ID))

	require.NoError(t, f.runner.Execute(context.Background(), sub.ID, exec.ID))

	got, err := f.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, got.Status)
	assert.Equal(t, "subscription was deleted", got.ErrorMessage)
}

func TestExecute_RetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *shell.Request, emit shell.EmitFunc) error {
		return errors.New("model unavailable")
	})
	seedChatTeam(t, f.resources, "digest-team")
	sub := createSubscription(t, f.resources, "daily", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger: resource.TriggerInterval, IntervalSeconds: 60,
			TeamRef: resource.Ref{Name: "digest-team"}, PromptTemplate: "x", Enabled: true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true},
	})
	exec := newExecution(t, f.repo, sub.ID, "x")

	err := f.runner.Execute(context.Background(), sub.ID, exec.ID)
	require.Error(t, err)

	got, err := f.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.Status)
	assert.Equal(t, 2, got.RetryAttempt) // initial attempt + one retry, both failed

	letters, err := f.repo.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, deadLetterSource, letters[0].Source)
	assert.Contains(t, letters[0].Error, "model unavailable")
}

func TestExecute_ExecutorShellHandsOffToDispatcher(t *testing.T) {
	f := newFixture(t, succeedWith("unused"))
	ctx := context.Background()

	// Executor-backed team: the runner must not stream it in-process.
	shellRes := &resource.Resource{OwnerID: 1, Kind: resource.KindShell, Name: "coder"}
	require.NoError(t, shellRes.EncodeSpec(resource.ShellSpec{ShellType: resource.ShellTypeClaudeCode}))
	require.NoError(t, f.resources.Create(ctx, shellRes))
	bot := &resource.Resource{OwnerID: 1, Kind: resource.KindBot, Name: "coder-bot"}
	require.NoError(t, bot.EncodeSpec(resource.BotSpec{ShellRef: resource.Ref{Name: "coder"}}))
	require.NoError(t, f.resources.Create(ctx, bot))
	team := &resource.Resource{OwnerID: 1, Kind: resource.KindTeam, Name: "coder-team"}
	require.NoError(t, team.EncodeSpec(resource.TeamSpec{
		Members:            []resource.TeamMember{{BotRef: resource.Ref{Name: "coder-bot"}}},
		CollaborationModel: resource.CollabSolo,
	}))
	require.NoError(t, f.resources.Create(ctx, team))

	var mu sync.Mutex
	var dispatched []v1.DispatchUnit
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dispatch" {
			var units []v1.DispatchUnit
			require.NoError(t, json.NewDecoder(r.Body).Decode(&units))
			mu.Lock()
			dispatched = append(dispatched, units...)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	cipher, err := resource.NewCipher("")
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	f.runner.dispatcher = dispatch.NewDispatcher(f.svc,
		dispatch.NewExecutorClient(server.URL, 5*time.Second, log),
		eventBus, cipher, nil, config.DispatchConfig{MaxConcurrentTasks: 4}, log)

	sub := createSubscription(t, f.resources, "nightly", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger: resource.TriggerInterval, IntervalSeconds: 60,
			TeamRef: resource.Ref{Name: "coder-team"}, PromptTemplate: "run the audit", Enabled: true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true},
	})
	exec := newExecution(t, f.repo, sub.ID, "run the audit")

	require.NoError(t, f.runner.Execute(ctx, sub.ID, exec.ID))

	mu.Lock()
	require.Len(t, dispatched, 1)
	unit := dispatched[0]
	mu.Unlock()
	assert.Equal(t, resource.TaskTypeSubscription, unit.Type)
	assert.Equal(t, "run the audit", unit.Prompt)

	// The execution stays RUNNING until the executor callback settles the
	// task; the reducer then mirrors the terminal state.
	got, err := f.repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, got.Status)

	require.NoError(t, f.svc.ApplyDelta(ctx, &v1.SubtaskDelta{
		SubtaskID: unit.SubtaskID,
		Status:    string(models.SubtaskCompleted),
		Progress:  100,
		Result:    &v1.SubtaskResult{Value: "audit clean"},
	}))
	got, err = f.repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)
}
