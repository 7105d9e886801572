package trigger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/db"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/kv"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/shell"
	"github.com/botmesh/botmesh/internal/shutdown"
	"github.com/botmesh/botmesh/internal/streaming"
	"github.com/botmesh/botmesh/internal/subscription"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/repository"
	"github.com/botmesh/botmesh/internal/task/service"
)

type fixture struct {
	scheduler *Scheduler
	resources *resource.Store
	repo      *repository.Repository
	svc       *service.Service
	pool      *db.Pool
	locker    kv.Locker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "trigger.db"),
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

	engine := streaming.NewEngine(shell.NewBridge(
		func(ctx context.Context, req *shell.Request, emit shell.EmitFunc) error {
			if err := emit(&shell.Event{Type: shell.EventContentDelta, Delta: "done"}); err != nil {
				return err
			}
			return emit(&shell.Event{Type: shell.EventDone})
		}), svc, kv.NewMemoryStore(), eventBus, shutdown.NewCoordinator(log), cipher,
		config.ChatConfig{ToolMaxRequests: 3, MaxConcurrent: 2}, log)

	runner := subscription.NewRunner(svc, engine, nil, config.FlowConfig{}, log)
	locker := kv.NewMemoryStore()
	scheduler := NewScheduler(store, repo, runner, locker, config.FlowConfig{
		LockTTL:           120,
		StalePendingHours: 1,
		StaleRunningHours: 3,
		BatchSize:         100,
	}, log)

	return &fixture{
		scheduler: scheduler,
		resources: store,
		repo:      repo,
		svc:       svc,
		pool:      pool,
		locker:    locker,
	}
}

func seedChatTeam(t *testing.T, store *resource.Store) {
	t.Helper()
	ctx := context.Background()

	shellRes := &resource.Resource{OwnerID: 1, Kind: resource.KindShell, Name: "chat"}
	require.NoError(t, shellRes.EncodeSpec(resource.ShellSpec{ShellType: resource.ShellTypeChat}))
	require.NoError(t, store.Create(ctx, shellRes))

	bot := &resource.Resource{OwnerID: 1, Kind: resource.KindBot, Name: "digest-bot"}
	require.NoError(t, bot.EncodeSpec(resource.BotSpec{ShellRef: resource.Ref{Name: "chat"}}))
	require.NoError(t, store.Create(ctx, bot))

	team := &resource.Resource{OwnerID: 1, Kind: resource.KindTeam, Name: "digest-team"}
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

func decodeDoc(t *testing.T, store *resource.Store, id int64) resource.SubscriptionDoc {
	t.Helper()
	res, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	var doc resource.SubscriptionDoc
	require.NoError(t, res.DecodeSpec(&doc))
	return doc
}

func TestScan_FiresDueIntervalSubscription(t *testing.T) {
	f := newFixture(t)
	seedChatTeam(t, f.resources)
	past := time.Now().UTC().Add(-time.Minute)
	sub := createSubscription(t, f.resources, "daily", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger:         resource.TriggerInterval,
			IntervalSeconds: 3600,
			TeamRef:         resource.Ref{Name: "digest-team"},
			PromptTemplate:  "summarize the day",
			Enabled:         true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true, NextExecutionTime: &past},
	})

	require.NoError(t, f.scheduler.Scan(context.Background()))

	exec, err := f.repo.GetExecution(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, exec.SubscriptionID)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, "summarize the day", exec.Prompt)
	require.NotZero(t, exec.TaskID)

	_, spec, err := f.svc.GetTask(context.Background(), exec.TaskID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskCompleted), spec.Status.Status)

	// The schedule advanced roughly one interval into the future.
	doc := decodeDoc(t, f.resources, sub.ID)
	assert.True(t, doc.Internal.Enabled)
	require.NotNil(t, doc.Internal.NextExecutionTime)
	assert.True(t, doc.Internal.NextExecutionTime.After(time.Now().UTC().Add(50*time.Minute)))
}

func TestScan_OneTimeFiresOnceAndDisables(t *testing.T) {
	f := newFixture(t)
	seedChatTeam(t, f.resources)
	past := time.Now().UTC().Add(-time.Minute)
	sub := createSubscription(t, f.resources, "once", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger:        resource.TriggerOneTime,
			TeamRef:        resource.Ref{Name: "digest-team"},
			PromptTemplate: "single shot",
			Enabled:        true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true, NextExecutionTime: &past},
	})

	require.NoError(t, f.scheduler.Scan(context.Background()))

	doc := decodeDoc(t, f.resources, sub.ID)
	assert.False(t, doc.Internal.Enabled)
	assert.Nil(t, doc.Internal.NextExecutionTime)

	// A second pass fires nothing.
	require.NoError(t, f.scheduler.Scan(context.Background()))
	_, err := f.repo.GetExecution(context.Background(), 2)
	assert.Error(t, err)
}

func TestScan_AdvancesCronSchedule(t *testing.T) {
	f := newFixture(t)
	seedChatTeam(t, f.resources)
	past := time.Now().UTC().Add(-time.Minute)
	sub := createSubscription(t, f.resources, "cron", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger:        resource.TriggerCron,
			CronExpression: "0 9 * * *",
			TeamRef:        resource.Ref{Name: "digest-team"},
			PromptTemplate: "morning digest",
			Enabled:        true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true, NextExecutionTime: &past},
	})

	require.NoError(t, f.scheduler.Scan(context.Background()))

	doc := decodeDoc(t, f.resources, sub.ID)
	require.NotNil(t, doc.Internal.NextExecutionTime)
	next := *doc.Internal.NextExecutionTime
	assert.True(t, next.After(time.Now().UTC()))
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestScan_SkipsFutureAndDisabled(t *testing.T) {
	f := newFixture(t)
	seedChatTeam(t, f.resources)
	future := time.Now().UTC().Add(time.Hour)
	past := time.Now().UTC().Add(-time.Minute)
	createSubscription(t, f.resources, "future", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger: resource.TriggerInterval, IntervalSeconds: 60,
			TeamRef: resource.Ref{Name: "digest-team"}, PromptTemplate: "x", Enabled: true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true, NextExecutionTime: &future},
	})
	createSubscription(t, f.resources, "disabled", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger: resource.TriggerInterval, IntervalSeconds: 60,
			TeamRef: resource.Ref{Name: "digest-team"}, PromptTemplate: "x",
		},
		Internal: resource.SubscriptionInternal{Enabled: false, NextExecutionTime: &past},
	})

	require.NoError(t, f.scheduler.Scan(context.Background()))

	_, err := f.repo.GetExecution(context.Background(), 1)
	assert.Error(t, err)
}

func TestScan_CancelsOrphanOfDeletedSubscription(t *testing.T) {
	f := newFixture(t)
	seedChatTeam(t, f.resources)
	sub := createSubscription(t, f.resources, "doomed", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger: resource.TriggerInterval, IntervalSeconds: 60,
			TeamRef: resource.Ref{Name: "digest-team"}, PromptTemplate: "x", Enabled: true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true},
	})
	exec := &models.BackgroundExecution{
		SubscriptionID: sub.ID, UserID: 1,
		TriggerType: resource.TriggerInterval, Prompt: "x",
	}
	require.NoError(t, f.repo.CreateExecution(context.Background(), exec))

	// Age the row past H1 and delete the subscription.
	writer := f.pool.Writer()
	_, err := writer.ExecContext(context.Background(), writer.Rebind(
		`UPDATE background_executions SET created_at = ? WHERE id = ?`),
		time.Now().UTC().Add(-2*time.Hour), exec.ID)
	require.NoError(t, err)
	require.NoError(t, f.resources.SoftDelete(context.Background(), sub.ID))

	require.NoError(t, f.scheduler.Scan(context.Background()))

	got, err := f.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, got.Status)
	assert.Equal(t, "subscription was deleted", got.ErrorMessage)
}

func TestScan_RedispatchesLiveOrphan(t *testing.T) {
	f := newFixture(t)
	seedChatTeam(t, f.resources)
	sub := createSubscription(t, f.resources, "orphaned", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger: resource.TriggerInterval, IntervalSeconds: 60,
			TeamRef: resource.Ref{Name: "digest-team"}, PromptTemplate: "pick me up", Enabled: true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true},
	})
	exec := &models.BackgroundExecution{
		SubscriptionID: sub.ID, UserID: 1,
		TriggerType: resource.TriggerInterval, Prompt: "pick me up",
	}
	require.NoError(t, f.repo.CreateExecution(context.Background(), exec))
	writer := f.pool.Writer()
	_, err := writer.ExecContext(context.Background(), writer.Rebind(
		`UPDATE background_executions SET created_at = ? WHERE id = ?`),
		time.Now().UTC().Add(-2*time.Hour), exec.ID)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Scan(context.Background()))

	got, err := f.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)
	assert.NotZero(t, got.TaskID)
}

func TestScan_FailsStuckRunning(t *testing.T) {
	f := newFixture(t)
	seedChatTeam(t, f.resources)
	sub := createSubscription(t, f.resources, "stuck", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger: resource.TriggerInterval, IntervalSeconds: 60,
			TeamRef: resource.Ref{Name: "digest-team"}, PromptTemplate: "x", Enabled: true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true},
	})
	exec := &models.BackgroundExecution{
		SubscriptionID: sub.ID, UserID: 1,
		TriggerType: resource.TriggerInterval, Prompt: "x",
	}
	require.NoError(t, f.repo.CreateExecution(context.Background(), exec))
	require.NoError(t, f.repo.LinkExecutionTask(context.Background(), exec.ID, 99))
	writer := f.pool.Writer()
	_, err := writer.ExecContext(context.Background(), writer.Rebind(
		`UPDATE background_executions SET started_at = ? WHERE id = ?`),
		time.Now().UTC().Add(-4*time.Hour), exec.ID)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Scan(context.Background()))

	got, err := f.repo.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timed out")
}

func TestScan_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	seedChatTeam(t, f.resources)
	past := time.Now().UTC().Add(-time.Minute)
	createSubscription(t, f.resources, "due", resource.SubscriptionDoc{
		SubscriptionSpec: resource.SubscriptionSpec{
			Trigger: resource.TriggerInterval, IntervalSeconds: 60,
			TeamRef: resource.Ref{Name: "digest-team"}, PromptTemplate: "x", Enabled: true,
		},
		Internal: resource.SubscriptionInternal{Enabled: true, NextExecutionTime: &past},
	})

	_, ok, err := f.locker.Acquire(context.Background(), kv.LockCheckDueSubscriptions, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.scheduler.Scan(context.Background()))
	_, err = f.repo.GetExecution(context.Background(), 1)
	assert.Error(t, err)
}
