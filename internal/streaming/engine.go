// Package streaming drives in-process agent execution for Chat-type
// shells: context assembly, token streaming with chunk offsets, tool-loop
// bookkeeping, cross-worker cancellation and resumable content snapshots.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/events"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/kv"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/shell"
	"github.com/botmesh/botmesh/internal/shutdown"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/service"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// ErrToolLimit marks a stream that exceeded its tool-iteration bound.
var ErrToolLimit = errors.New("tool request limit reached")

// KV lifetimes. All three keys are deleted when the stream settles
// (reconnecting clients then reconcile from history); the TTLs only bound
// leakage when a worker dies before cleanup runs.
const (
	contentTTL      = time.Hour
	registrationTTL = 2 * time.Hour
	cancelFlagTTL   = 10 * time.Minute
)

// Engine runs chat streams. One Engine per process; concurrency is bounded
// by a weighted semaphore sized from config.
type Engine struct {
	shell   shell.Shell
	tasks   *service.Service
	store   kv.Store
	bus     bus.EventBus
	coord   *shutdown.Coordinator
	cipher  *resource.Cipher
	logger  *logger.Logger
	sem     *semaphore.Weighted
	streams *streamTable

	toolMax       int
	snapshotEvery time.Duration
	historyLimit  int
	mcpEnabled    bool
}

// NewEngine wires a streaming engine from the chat configuration.
func NewEngine(sh shell.Shell, tasks *service.Service, store kv.Store, eventBus bus.EventBus,
	coord *shutdown.Coordinator, cipher *resource.Cipher, cfg config.ChatConfig, log *logger.Logger) *Engine {
	return &Engine{
		shell:         sh,
		tasks:         tasks,
		store:         store,
		bus:           eventBus,
		coord:         coord,
		cipher:        cipher,
		logger:        log.WithFields(zap.String("component", "streaming-engine")),
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		streams:       newStreamTable(),
		toolMax:       cfg.ToolMaxRequests,
		snapshotEvery: time.Duration(cfg.SnapshotSeconds) * time.Second,
		historyLimit:  cfg.HistoryLimit,
		mcpEnabled:    cfg.MCPEnabled,
	}
}

// StartInput describes one stream to run.
type StartInput struct {
	Task    *resource.Resource
	Spec    *resource.TaskSpec
	Subtask *models.Subtask
	// Prompt is the user turn. Empty falls back to the subtask's stored
	// prompt (pipeline stages, retries).
	Prompt    string
	UserID    int64
	UserName  string
	ShellType string
	// ExcludeMessageID drops the current user message from history; it is
	// already carried as Prompt.
	ExcludeMessageID int64
	// HistoryLimit overrides the engine default when positive.
	HistoryLimit int
	// Emitter overrides event delivery; nil publishes to the user and task
	// rooms.
	Emitter Emitter
}

// Run executes a stream to completion, then keeps going while the reducer
// queues further pipeline stages on the task. Callers run it on its own
// goroutine.
func (e *Engine) Run(ctx context.Context, in *StartInput) error {
	for {
		if err := e.runOne(ctx, in); err != nil {
			return err
		}
		next, err := e.nextStageInput(ctx, in)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		in = next
	}
}

// nextStageInput returns the input for a pipeline stage the reducer created
// during the previous run, or nil when the task has nothing pending.
func (e *Engine) nextStageInput(ctx context.Context, prev *StartInput) (*StartInput, error) {
	if e.coord.Draining() {
		return nil, nil
	}
	next, err := e.tasks.Repo().FirstPendingAssistant(ctx, prev.Task.ID)
	if err != nil {
		return nil, err
	}
	if next == nil || next.ID == prev.Subtask.ID {
		return nil, nil
	}
	prompt, err := e.tasks.StagePrompt(ctx, next)
	if err != nil {
		return nil, err
	}
	in := *prev
	in.Subtask = next
	in.Prompt = prompt
	in.ExcludeMessageID = 0
	return &in, nil
}

// runOne claims the PENDING subtask, streams the response, persists the
// terminal state through the task service and cleans up its ephemeral
// keys.
func (e *Engine) runOne(ctx context.Context, in *StartInput) error {
	if e.coord.Draining() {
		return shutdown.ErrDraining
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	sub := in.Subtask
	won, err := e.tasks.Repo().MarkRunning(ctx, sub.ID)
	if err != nil {
		return err
	}
	if !won {
		e.logger.Debug("subtask already claimed", zap.Int64("subtask_id", sub.ID))
		return nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.coord.Register(sub.ID, cancel); err != nil {
		// Drain started after the claim; rewind so the dispatcher or the
		// next worker picks the subtask up again.
		_ = e.tasks.Repo().ReleaseClaim(ctx, sub.ID)
		return err
	}
	defer e.coord.Unregister(sub.ID)

	st := &stream{
		taskID:    in.Task.ID,
		subtaskID: sub.ID,
		messageID: sub.MessageID,
		userID:    in.UserID,
		userName:  in.UserName,
		shellType: in.ShellType,
		requestID: uuid.New().String(),
	}
	e.streams.put(st)
	defer e.streams.remove(sub.ID)
	defer e.cleanupKeys(sub.ID, in.Task.ID)

	e.registerStream(ctx, st)

	emitter := in.Emitter
	if emitter == nil {
		emitter = NewRoomEmitter(e.bus, in.UserID, in.Task.ID, e.logger)
	}

	// RUNNING through the service so the reducer promotes the task and
	// emits task:status.
	if err := e.tasks.ApplyDelta(ctx, &v1.SubtaskDelta{
		SubtaskID: sub.ID,
		Status:    string(models.SubtaskRunning),
	}); err != nil {
		return err
	}

	emitter.Emit(ctx, e.newEvent(st, events.ChatStart, map[string]any{
		"subtask_id": sub.ID,
		"message_id": sub.MessageID,
		"task_id":    in.Task.ID,
		"shell_type": in.ShellType,
	}))

	req, err := e.buildRequest(streamCtx, in, st)
	if err != nil {
		return e.finishFailed(ctx, st, emitter, fmt.Errorf("context build failed: %w", err))
	}

	streamErr := e.shell.Stream(streamCtx, req, e.emitFunc(streamCtx, st, emitter))

	// The shutdown coordinator or a cancel flag may have torn the context
	// down mid-token; both are clean cancels, not failures.
	cancelled := errors.Is(streamErr, shell.ErrCancelled) ||
		(streamErr != nil && streamCtx.Err() != nil)

	switch {
	case cancelled:
		return e.finishCancelled(ctx, st, emitter)
	case streamErr != nil:
		return e.finishFailed(ctx, st, emitter, streamErr)
	default:
		return e.finishCompleted(ctx, st, emitter)
	}
}

// emitFunc adapts shell events into stream state updates and chunk
// publications. Cancellation is checked before every token and tool call,
// against both the local signal and the cross-worker KV flag.
func (e *Engine) emitFunc(ctx context.Context, st *stream, emitter Emitter) shell.EmitFunc {
	lastSnapshot := time.Time{}
	return func(ev *shell.Event) error {
		switch ev.Type {
		case shell.EventStart:
			return nil

		case shell.EventContentDelta:
			if e.cancelRequested(ctx, st) {
				return shell.ErrCancelled
			}
			offset, _ := st.appendContent(ev.Delta)
			emitter.Emit(ctx, e.newEvent(st, events.ChatChunk, map[string]any{
				"subtask_id": st.subtaskID,
				"message_id": st.messageID,
				"content":    ev.Delta,
				"offset":     offset,
			}))
			if e.snapshotEvery <= 0 || time.Since(lastSnapshot) >= e.snapshotEvery {
				lastSnapshot = time.Now()
				e.snapshotContent(ctx, st)
			}
			return nil

		case shell.EventReasoningDelta:
			emitter.Emit(ctx, e.newEvent(st, events.ChatChunk, map[string]any{
				"subtask_id": st.subtaskID,
				"message_id": st.messageID,
				"reasoning":  ev.Delta,
				"offset":     len(st.content()),
			}))
			return nil

		case shell.EventToolStart:
			if e.cancelRequested(ctx, st) {
				return shell.ErrCancelled
			}
			if ev.Tool == nil {
				return nil
			}
			calls := st.startToolStep(ev.Tool.RunID, ev.Tool.Name, ev.Tool.Input)
			if calls > e.toolMax {
				return fmt.Errorf("%w (%d)", ErrToolLimit, e.toolMax)
			}
			e.emitThinking(ctx, st, emitter)
			return nil

		case shell.EventToolDone:
			if ev.Tool == nil {
				return nil
			}
			st.finishToolStep(ev.Tool.RunID, ev.Tool.Name, ev.Tool.Output, ev.Tool.Error)
			if len(ev.Tool.Sources) > 0 {
				st.addSources(ev.Tool.Sources)
			}
			e.emitThinking(ctx, st, emitter)
			return nil

		case shell.EventDone:
			if ev.Value != "" && st.content() == "" {
				st.setContent(ev.Value)
			}
			st.mu.Lock()
			st.silentExit = ev.SilentExit
			st.silentExitReason = ev.SilentExitReason
			st.mu.Unlock()
			return nil

		case shell.EventCancelled:
			return shell.ErrCancelled

		case shell.EventError:
			return nil // the shell returns the error from Stream

		default:
			return nil
		}
	}
}

// emitThinking publishes a chunk whose result carries the running thinking
// list in slim form.
func (e *Engine) emitThinking(ctx context.Context, st *stream, emitter Emitter) {
	thinking, _ := st.snapshot()
	emitter.Emit(ctx, e.newEvent(st, events.ChatChunk, map[string]any{
		"subtask_id": st.subtaskID,
		"message_id": st.messageID,
		"offset":     len(st.content()),
		"result": map[string]any{
			"thinking": slimThinking(thinking),
		},
	}))
}

func (e *Engine) newEvent(st *stream, eventType string, payload map[string]any) *bus.Event {
	return &bus.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TaskID:    st.taskID,
		SubtaskID: st.subtaskID,
		MessageID: st.messageID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// cancelRequested checks the local signal and the cross-worker flag.
func (e *Engine) cancelRequested(ctx context.Context, st *stream) bool {
	if st.isCancelled() {
		return true
	}
	_, found, err := e.store.Get(ctx, kv.StreamingCancelKey(st.subtaskID))
	if err != nil {
		e.logger.WithError(err).Warn("cancel flag check failed", zap.Int64("subtask_id", st.subtaskID))
		return false
	}
	if found {
		st.markCancelled()
	}
	return found
}

// registerStream records the live stream in KV for task:join snapshots.
func (e *Engine) registerStream(ctx context.Context, st *stream) {
	reg, err := json.Marshal(Registration{SubtaskID: st.subtaskID, UserID: st.userID, UserName: st.userName})
	if err != nil {
		return
	}
	if err := e.store.Set(ctx, kv.TaskStreamingKey(st.taskID), reg, registrationTTL); err != nil {
		e.logger.WithError(err).Warn("failed to register stream", zap.Int64("task_id", st.taskID))
	}
}

// snapshotContent persists the accumulated text for resume.
func (e *Engine) snapshotContent(ctx context.Context, st *stream) {
	if err := e.store.Set(ctx, kv.StreamingContentKey(st.subtaskID), []byte(st.content()), contentTTL); err != nil {
		e.logger.WithError(err).Warn("content snapshot failed", zap.Int64("subtask_id", st.subtaskID))
	}
}

func (e *Engine) cleanupKeys(subtaskID, taskID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.store.Delete(ctx, kv.TaskStreamingKey(taskID))
	_ = e.store.Delete(ctx, kv.StreamingCancelKey(subtaskID))
	_ = e.store.Delete(ctx, kv.StreamingContentKey(subtaskID))
}

func (e *Engine) buildResult(st *stream, cancelled bool) v1.SubtaskResult {
	thinking, sources := st.snapshot()
	st.mu.Lock()
	silentExit, silentReason := st.silentExit, st.silentExitReason
	st.mu.Unlock()
	return v1.SubtaskResult{
		Value:            st.content(),
		Thinking:         thinking,
		Sources:          sources,
		Cancelled:        cancelled,
		ShellType:        st.shellType,
		SilentExit:       silentExit,
		SilentExitReason: silentReason,
	}
}

func resultToMap(result v1.SubtaskResult) map[string]any {
	data, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func (e *Engine) finishCompleted(ctx context.Context, st *stream, emitter Emitter) error {
	result := e.buildResult(st, false)
	if err := e.tasks.ApplyDelta(ctx, &v1.SubtaskDelta{
		SubtaskID: st.subtaskID,
		Status:    string(models.SubtaskCompleted),
		Progress:  100,
		Result:    &result,
	}); err != nil {
		return err
	}
	emitter.Emit(ctx, e.newEvent(st, events.ChatDone, map[string]any{
		"subtask_id": st.subtaskID,
		"message_id": st.messageID,
		"offset":     len(st.content()),
		"result":     resultToMap(result),
	}))
	e.logger.Info("stream completed",
		zap.Int64("subtask_id", st.subtaskID),
		zap.Int("length", len(st.content())),
		zap.Int("tool_calls", st.toolCalls))
	return nil
}

// finishCancelled persists the partial response as a clean completion with
// the cancelled marker; a user cancel is not a failure.
func (e *Engine) finishCancelled(ctx context.Context, st *stream, emitter Emitter) error {
	result := e.buildResult(st, true)
	if err := e.tasks.ApplyDelta(ctx, &v1.SubtaskDelta{
		SubtaskID: st.subtaskID,
		Status:    string(models.SubtaskCompleted),
		Progress:  100,
		Result:    &result,
	}); err != nil {
		return err
	}
	emitter.Emit(ctx, e.newEvent(st, events.ChatCancelled, map[string]any{
		"subtask_id": st.subtaskID,
		"message_id": st.messageID,
		"offset":     len(st.content()),
		"content":    st.content(),
	}))
	e.logger.Info("stream cancelled",
		zap.Int64("subtask_id", st.subtaskID),
		zap.Int("partial_length", len(st.content())))
	return nil
}

func (e *Engine) finishFailed(ctx context.Context, st *stream, emitter Emitter, streamErr error) error {
	result := e.buildResult(st, false)
	if err := e.tasks.ApplyDelta(ctx, &v1.SubtaskDelta{
		SubtaskID:    st.subtaskID,
		Status:       string(models.SubtaskFailed),
		Result:       &result,
		ErrorMessage: streamErr.Error(),
	}); err != nil {
		return err
	}
	emitter.Emit(ctx, e.newEvent(st, events.ChatError, map[string]any{
		"subtask_id": st.subtaskID,
		"message_id": st.messageID,
		"error":      streamErr.Error(),
	}))
	e.logger.WithError(streamErr).Error("stream failed", zap.Int64("subtask_id", st.subtaskID))
	return streamErr
}

// Cancel requests cancellation of a subtask's stream: sets the
// cross-worker flag, flips the local signal if the stream runs here, and
// tells the shell to stop generating.
func (e *Engine) Cancel(ctx context.Context, subtaskID int64) error {
	if err := e.store.Set(ctx, kv.StreamingCancelKey(subtaskID), []byte("1"), cancelFlagTTL); err != nil {
		return err
	}
	if st, ok := e.streams.get(subtaskID); ok {
		st.markCancelled()
		if err := e.shell.Cancel(ctx, st.requestID); err != nil {
			e.logger.WithError(err).Warn("shell cancel failed", zap.Int64("subtask_id", subtaskID))
		}
	}
	return nil
}

// Resume returns the cached content past the client's offset. ok is false
// when there is nothing newer; the client just stays subscribed for live
// chunks.
func (e *Engine) Resume(ctx context.Context, subtaskID int64, offset int) (content string, newOffset int, ok bool, err error) {
	full := ""
	if st, found := e.streams.get(subtaskID); found {
		full = st.content()
	} else {
		data, found, gerr := e.store.Get(ctx, kv.StreamingContentKey(subtaskID))
		if gerr != nil {
			return "", offset, false, gerr
		}
		if !found {
			return "", offset, false, nil
		}
		full = string(data)
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(full) {
		return "", offset, false, nil
	}
	return full[offset:], len(full), true, nil
}

// Snapshot builds the task:join streaming snapshot: the live subtask and
// everything emitted so far. Nil means no stream is active on the task.
func (e *Engine) Snapshot(ctx context.Context, taskID int64) (*v1.StreamingSnapshot, error) {
	data, found, err := e.store.Get(ctx, kv.TaskStreamingKey(taskID))
	if err != nil || !found {
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, err
	}

	cached := ""
	if st, ok := e.streams.get(reg.SubtaskID); ok {
		cached = st.content()
	} else if content, found, err := e.store.Get(ctx, kv.StreamingContentKey(reg.SubtaskID)); err == nil && found {
		cached = string(content)
	}
	return &v1.StreamingSnapshot{
		SubtaskID:     reg.SubtaskID,
		Offset:        len(cached),
		CachedContent: cached,
	}, nil
}

// buildRequest assembles the shell request: persona, model, history and
// tools are resolved in parallel.
func (e *Engine) buildRequest(ctx context.Context, in *StartInput, st *stream) (*shell.Request, error) {
	sub := in.Subtask
	resources := e.tasks.Resources()

	if len(sub.BotIDs) == 0 {
		return nil, errors.New("subtask has no bots")
	}
	botRes, err := resources.GetByID(ctx, sub.BotIDs[0])
	if err != nil {
		return nil, fmt.Errorf("load bot: %w", err)
	}
	var bot resource.BotSpec
	if err := botRes.DecodeSpec(&bot); err != nil {
		return nil, err
	}

	prompt := in.Prompt
	if prompt == "" {
		prompt = sub.Prompt
	}
	req := &shell.Request{
		RequestID:    st.requestID,
		TaskID:       in.Task.ID,
		SubtaskID:    sub.ID,
		MessageID:    sub.MessageID,
		UserID:       in.UserID,
		UserName:     in.UserName,
		ShellType:    in.ShellType,
		Prompt:       prompt,
		MaxToolCalls: e.toolMax,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if bot.GhostRef.IsZero() {
			return nil
		}
		ghostRes, err := resources.ResolveRef(gctx, in.Task.OwnerID, resource.KindGhost, bot.GhostRef)
		if err != nil {
			return fmt.Errorf("resolve ghost: %w", err)
		}
		var ghost resource.GhostSpec
		if err := ghostRes.DecodeSpec(&ghost); err != nil {
			return err
		}
		req.SystemPrompt = ghost.SystemPrompt
		req.Skills = ghost.Skills
		if e.mcpEnabled && len(ghost.MCPServers) > 0 {
			vars := map[string]string{"user.name": in.UserName}
			req.Tools, req.MCPServers = collectMCPTools(gctx, ghost.MCPServers, vars, e.logger)
		}
		return nil
	})

	g.Go(func() error {
		model, err := resources.ResolveModel(gctx, e.cipher, in.Task.OwnerID, in.Spec.Labels, &bot)
		if err != nil {
			return err
		}
		if model != nil {
			req.Model = &shell.Model{
				Provider:  model.Provider,
				ModelName: model.ModelName,
				APIKey:    model.APIKey,
				BaseURL:   model.BaseURL,
			}
		}
		return nil
	})

	g.Go(func() error {
		if sub.NewSession {
			// Confirmed pipeline stages start from a clean context.
			return nil
		}
		history, err := e.loadHistory(gctx, in)
		if err != nil {
			return err
		}
		req.History = history
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return req, nil
}

// loadHistory converts prior settled turns into shell messages, newest
// last, capped by the history limit.
func (e *Engine) loadHistory(ctx context.Context, in *StartInput) ([]shell.Message, error) {
	subtasks, err := e.tasks.Repo().ListByTask(ctx, in.Task.ID)
	if err != nil {
		return nil, err
	}

	var history []shell.Message
	for _, sub := range subtasks {
		if sub.MessageID >= in.Subtask.MessageID {
			continue
		}
		if in.ExcludeMessageID != 0 && sub.MessageID == in.ExcludeMessageID {
			continue
		}
		switch {
		case sub.Role == models.RoleUser && sub.Prompt != "":
			history = append(history, shell.Message{Role: shell.RoleUser, Content: sub.Prompt})
		case sub.Role == models.RoleAssistant && sub.Status == models.SubtaskCompleted && sub.Result.Value != "":
			history = append(history, shell.Message{Role: shell.RoleAssistant, Content: sub.Result.Value})
		}
	}

	limit := in.HistoryLimit
	if limit <= 0 {
		limit = e.historyLimit
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}
