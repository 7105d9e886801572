package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmesh/botmesh/internal/auth"
	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/db"
	"github.com/botmesh/botmesh/internal/events"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/repository"
	"github.com/botmesh/botmesh/internal/task/service"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	d         *Dispatcher
	handler   *CallbackHandler
	svc       *service.Service
	resources *resource.Store
	repo      *repository.Repository

	mu         sync.Mutex
	batches    [][]v1.DispatchUnit
	cancels    []int64
	execStatus int
	events     []*bus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "dispatch.db"),
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

	f := &fixture{
		svc:        svc,
		resources:  store,
		repo:       repo,
		execStatus: http.StatusOK,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.URL.Path {
		case "/dispatch":
			var units []v1.DispatchUnit
			require.NoError(t, json.NewDecoder(r.Body).Decode(&units))
			f.batches = append(f.batches, units)
		case "/cancel":
			var req v1.CancelRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			f.cancels = append(f.cancels, req.TaskID)
		}
		w.WriteHeader(f.execStatus)
	}))
	t.Cleanup(server.Close)

	exec := NewExecutorClient(server.URL, 5*time.Second, log)
	tokens := auth.NewManager("dispatch-test", time.Hour)
	f.d = NewDispatcher(svc, exec, eventBus, cipher, tokens, config.DispatchConfig{
		MaxConcurrentTasks: 4,
		FetchInterval:      1,
	}, log)
	f.handler = NewCallbackHandler(svc, nil, log)

	_, err = eventBus.Subscribe(events.AllRoomsWildcard(), func(ctx context.Context, event *bus.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, event)
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) units() []v1.DispatchUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []v1.DispatchUnit
	for _, batch := range f.batches {
		out = append(out, batch...)
	}
	return out
}

func (f *fixture) eventsOfType(eventType string) []*bus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bus.Event
	for _, ev := range f.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// seedExecTeam creates a team whose bots run on an executor-backed shell,
// one member per name.
func seedExecTeam(t *testing.T, store *resource.Store, teamName, collab string, botNames ...string) {
	t.Helper()
	ctx := context.Background()

	shellRes := &resource.Resource{OwnerID: 1, Kind: resource.KindShell, Name: "coder"}
	require.NoError(t, shellRes.EncodeSpec(resource.ShellSpec{
		ShellType: resource.ShellTypeClaudeCode,
		BaseImage: "executor-base:latest",
	}))
	require.NoError(t, store.Create(ctx, shellRes))

	ghost := &resource.Resource{OwnerID: 1, Kind: resource.KindGhost, Name: "builder"}
	require.NoError(t, ghost.EncodeSpec(resource.GhostSpec{
		SystemPrompt: "build carefully",
		Skills:       []string{"git"},
	}))
	require.NoError(t, store.Create(ctx, ghost))

	model := &resource.Resource{OwnerID: 1, Kind: resource.KindModel, Name: "gpt"}
	require.NoError(t, model.EncodeSpec(resource.ModelSpec{
		Provider:  "openai",
		ModelName: "gpt-4o",
		APIKey:    "sk-test",
	}))
	require.NoError(t, store.Create(ctx, model))

	members := make([]resource.TeamMember, 0, len(botNames))
	for _, name := range botNames {
		bot := &resource.Resource{OwnerID: 1, Kind: resource.KindBot, Name: name}
		require.NoError(t, bot.EncodeSpec(resource.BotSpec{
			GhostRef: resource.Ref{Name: "builder"},
			ShellRef: resource.Ref{Name: "coder"},
			ModelRef: resource.Ref{Name: "gpt"},
		}))
		require.NoError(t, store.Create(ctx, bot))
		members = append(members, resource.TeamMember{BotRef: resource.Ref{Name: name}, Role: "member"})
	}

	team := &resource.Resource{OwnerID: 1, Kind: resource.KindTeam, Name: teamName}
	require.NoError(t, team.EncodeSpec(resource.TeamSpec{
		Members:            members,
		CollaborationModel: collab,
	}))
	require.NoError(t, store.Create(ctx, team))
}

func (f *fixture) postDelta(t *testing.T, delta *v1.SubtaskDelta) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	f.handler.RegisterRoutes(router.Group("/api/v1"))

	body, err := json.Marshal(delta)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callback/subtask", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestDispatch_HappyPath(t *testing.T) {
	f := newFixture(t)
	seedExecTeam(t, f.resources, "exec-team", resource.CollabSolo, "bot-a")

	info, err := f.svc.CreateChatTurn(context.Background(), 1, "alice", &v1.ChatSendRequest{
		TeamName: "exec-team",
		Message:  "fix the build",
	})
	require.NoError(t, err)

	count, err := f.d.Dispatch(context.Background(), Options{Limit: 5})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	units := f.units()
	require.Len(t, units, 1)
	unit := units[0]
	assert.Equal(t, info.Assistant.ID, unit.SubtaskID)
	assert.Equal(t, info.Task.ID, unit.TaskID)
	assert.Equal(t, resource.TaskTypeOnline, unit.Type)
	assert.Equal(t, "fix the build", unit.Prompt)
	assert.Equal(t, string(models.SubtaskRunning), unit.Status)
	assert.NotEmpty(t, unit.ExecutorName)
	assert.NotEmpty(t, unit.AuthToken)
	assert.Equal(t, "alice", unit.User.Name)
	assert.EqualValues(t, 1, unit.User.ID)
	assert.Equal(t, resource.CollabSolo, unit.Mode)

	require.Len(t, unit.Bots, 1)
	bot := unit.Bots[0]
	assert.Equal(t, "bot-a", bot.Name)
	assert.Equal(t, resource.ShellTypeClaudeCode, bot.ShellType)
	assert.Equal(t, "executor-base:latest", bot.BaseImage)
	assert.Equal(t, "build carefully", bot.SystemPrompt)
	assert.Equal(t, []string{"git"}, bot.Skills)
	require.NotNil(t, bot.Model)
	assert.Equal(t, "gpt-4o", bot.Model.ModelName)
	assert.Equal(t, "sk-test", bot.Model.APIKey)

	// Claim and promotion persisted.
	sub, err := f.repo.Get(context.Background(), info.Assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubtaskRunning, sub.Status)
	assert.Equal(t, unit.ExecutorName, sub.ExecutorName)

	_, spec, err := f.svc.GetTask(context.Background(), info.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskRunning), spec.Status.Status)

	starts := f.eventsOfType(events.ChatStart)
	require.NotEmpty(t, starts)
	assert.Equal(t, resource.ShellTypeClaudeCode, starts[0].Payload["shell_type"])
}

func TestDispatch_SkipsTaskWithRunningAssistant(t *testing.T) {
	f := newFixture(t)
	seedExecTeam(t, f.resources, "exec-team", resource.CollabSolo, "bot-a")
	_, err := f.svc.CreateChatTurn(context.Background(), 1, "alice", &v1.ChatSendRequest{
		TeamName: "exec-team",
		Message:  "first",
	})
	require.NoError(t, err)

	count, err := f.d.Dispatch(context.Background(), Options{Limit: 5})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// The assistant is RUNNING now; a second cycle must not re-send it.
	count, err = f.d.Dispatch(context.Background(), Options{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Len(t, f.units(), 1)
}

func TestDispatch_SkipsChatShellTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chatShell := &resource.Resource{OwnerID: 1, Kind: resource.KindShell, Name: "chat"}
	require.NoError(t, chatShell.EncodeSpec(resource.ShellSpec{ShellType: resource.ShellTypeChat}))
	require.NoError(t, f.resources.Create(ctx, chatShell))
	bot := &resource.Resource{OwnerID: 1, Kind: resource.KindBot, Name: "chat-bot"}
	require.NoError(t, bot.EncodeSpec(resource.BotSpec{ShellRef: resource.Ref{Name: "chat"}}))
	require.NoError(t, f.resources.Create(ctx, bot))
	team := &resource.Resource{OwnerID: 1, Kind: resource.KindTeam, Name: "chat-team"}
	require.NoError(t, team.EncodeSpec(resource.TeamSpec{
		Members:            []resource.TeamMember{{BotRef: resource.Ref{Name: "chat-bot"}}},
		CollaborationModel: resource.CollabSolo,
	}))
	require.NoError(t, f.resources.Create(ctx, team))

	_, err := f.svc.CreateChatTurn(ctx, 1, "alice", &v1.ChatSendRequest{
		TeamName: "chat-team",
		Message:  "hi",
	})
	require.NoError(t, err)

	count, err := f.d.Dispatch(ctx, Options{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Empty(t, f.units())
}

func TestDispatch_PipelineCarriesPreviousResult(t *testing.T) {
	f := newFixture(t)
	seedExecTeam(t, f.resources, "pipe-team", resource.CollabPipeline, "bot-a", "bot-b")
	ctx := context.Background()

	info, err := f.svc.CreateChatTurn(ctx, 1, "alice", &v1.ChatSendRequest{
		TeamName: "pipe-team",
		Message:  "write a post",
	})
	require.NoError(t, err)

	count, err := f.d.Dispatch(ctx, Options{Limit: 5})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Executor reports the first stage done; the reducer queues stage two.
	rec := f.postDelta(t, &v1.SubtaskDelta{
		SubtaskID: info.Assistant.ID,
		Status:    string(models.SubtaskCompleted),
		Progress:  100,
		Result:    &v1.SubtaskResult{Value: "draft one"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	count, err = f.d.Dispatch(ctx, Options{Limit: 5})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	units := f.units()
	require.Len(t, units, 2)
	second := units[1]
	assert.NotEqual(t, info.Assistant.ID, second.SubtaskID)
	assert.Equal(t, "write a post\nPrevious execution result: draft one", second.Prompt)
}

func TestDispatch_ExecutorFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	seedExecTeam(t, f.resources, "exec-team", resource.CollabSolo, "bot-a")
	info, err := f.svc.CreateChatTurn(context.Background(), 1, "alice", &v1.ChatSendRequest{
		TeamName: "exec-team",
		Message:  "try me",
	})
	require.NoError(t, err)

	f.mu.Lock()
	f.execStatus = http.StatusServiceUnavailable
	f.mu.Unlock()

	_, err = f.d.Dispatch(context.Background(), Options{Limit: 5})
	require.Error(t, err)

	sub, err := f.repo.Get(context.Background(), info.Assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubtaskPending, sub.Status)

	// Next cycle picks the subtask up again once the executor recovers.
	f.mu.Lock()
	f.execStatus = http.StatusOK
	f.mu.Unlock()
	count, err := f.d.Dispatch(context.Background(), Options{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDispatch_TaskIDsOverride(t *testing.T) {
	f := newFixture(t)
	seedExecTeam(t, f.resources, "exec-team", resource.CollabSolo, "bot-a")
	ctx := context.Background()

	first, err := f.svc.CreateChatTurn(ctx, 1, "alice", &v1.ChatSendRequest{
		TeamName: "exec-team",
		Message:  "task one",
	})
	require.NoError(t, err)
	second, err := f.svc.CreateChatTurn(ctx, 1, "alice", &v1.ChatSendRequest{
		TeamName: "exec-team",
		Message:  "task two",
	})
	require.NoError(t, err)

	count, err := f.d.Dispatch(ctx, Options{TaskIDs: []int64{second.Task.ID}, Limit: 0})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	units := f.units()
	require.Len(t, units, 1)
	assert.Equal(t, second.Task.ID, units[0].TaskID)
	assert.NotEqual(t, first.Task.ID, units[0].TaskID)
}

func TestCancel_MarksCancellingAndNotifiesExecutor(t *testing.T) {
	f := newFixture(t)
	seedExecTeam(t, f.resources, "exec-team", resource.CollabSolo, "bot-a")
	ctx := context.Background()

	info, err := f.svc.CreateChatTurn(ctx, 1, "alice", &v1.ChatSendRequest{
		TeamName: "exec-team",
		Message:  "long job",
	})
	require.NoError(t, err)
	_, err = f.d.Dispatch(ctx, Options{Limit: 5})
	require.NoError(t, err)

	require.NoError(t, f.d.Cancel(ctx, info.Task.ID))

	_, spec, err := f.svc.GetTask(ctx, info.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskCancelling), spec.Status.Status)

	f.mu.Lock()
	cancels := append([]int64(nil), f.cancels...)
	f.mu.Unlock()
	require.Len(t, cancels, 1)
	assert.Equal(t, info.Task.ID, cancels[0])

	// The executor reports the terminal transition through the callback.
	rec := f.postDelta(t, &v1.SubtaskDelta{
		SubtaskID: info.Assistant.ID,
		Status:    string(models.SubtaskCancelled),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	_, spec, err = f.svc.GetTask(ctx, info.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskCancelled), spec.Status.Status)
}

func TestCallback_RejectsBadToken(t *testing.T) {
	f := newFixture(t)
	handler := NewCallbackHandler(f.svc, auth.NewManager("callback-secret", time.Hour), f.handler.logger)

	router := gin.New()
	handler.RegisterRoutes(router.Group("/api/v1"))

	body := strings.NewReader(`{"subtask_id": 1, "status": "COMPLETED"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callback/subtask", body)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallback_RejectsMissingFields(t *testing.T) {
	f := newFixture(t)
	rec := f.postDelta(t, &v1.SubtaskDelta{Status: string(models.SubtaskCompleted)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
