package streaming

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
	"github.com/botmesh/botmesh/internal/kv"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// ErrUnknownSkillRequest is returned when a skill:response references a
// request that is not outstanding (expired, resolved, or never existed).
var ErrUnknownSkillRequest = errors.New("unknown skill request")

const skillRequestTTL = 5 * time.Minute

// SkillResult is what a resolved skill request yields.
type SkillResult struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// skillRecord is the KV value at skill.request.<id>; any worker can verify
// and resolve the request from it.
type skillRecord struct {
	UserID    int64  `json:"user_id"`
	SubtaskID int64  `json:"subtask_id"`
	Skill     string `json:"skill"`
}

// SkillBroker routes skill invocations from the engine to the owning
// user's client and back, across workers: the request is parked in KV,
// announced on the user room, and resolved over the skill.resolve subject
// by whichever worker receives the client's skill:response.
type SkillBroker struct {
	bus    bus.EventBus
	store  kv.Store
	logger *logger.Logger
}

// NewSkillBroker wires a broker.
func NewSkillBroker(eventBus bus.EventBus, store kv.Store, log *logger.Logger) *SkillBroker {
	return &SkillBroker{
		bus:    eventBus,
		store:  store,
		logger: log.WithFields(zap.String("component", "skill-broker")),
	}
}

// Request asks the user's client to run a skill and blocks until the
// response arrives or ctx expires.
func (b *SkillBroker) Request(ctx context.Context, userID, subtaskID int64, skill string, input map[string]any) (*SkillResult, error) {
	requestID := uuid.New().String()
	record, err := json.Marshal(skillRecord{UserID: userID, SubtaskID: subtaskID, Skill: skill})
	if err != nil {
		return nil, err
	}
	if err := b.store.Set(ctx, kv.SkillRequestKey(requestID), record, skillRequestTTL); err != nil {
		return nil, fmt.Errorf("register skill request: %w", err)
	}
	defer func() {
		_ = b.store.Delete(context.WithoutCancel(ctx), kv.SkillRequestKey(requestID))
	}()

	resultCh := make(chan *SkillResult, 1)
	sub, err := b.bus.Subscribe(events.SkillResolveSubject(requestID), func(_ context.Context, ev *bus.Event) error {
		result := &SkillResult{}
		if ok, has := ev.Payload["success"].(bool); has {
			result.Success = ok
		}
		if res, has := ev.Payload["result"].(map[string]any); has {
			result.Result = res
		}
		if msg, has := ev.Payload["error"].(string); has {
			result.Error = msg
		}
		select {
		case resultCh <- result:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe skill resolution: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ev := bus.NewEvent(events.SkillRequest, map[string]any{
		"request_id": requestID,
		"skill":      skill,
		"input":      input,
		"subtask_id": subtaskID,
	})
	ev.SubtaskID = subtaskID
	ev.Room = events.UserRoom(userID)
	if err := b.bus.Publish(ctx, events.UserRoom(userID), ev); err != nil {
		return nil, fmt.Errorf("announce skill request: %w", err)
	}

	select {
	case result := <-resultCh:
		return result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("skill %s timed out: %w", skill, ctx.Err())
	}
}

// Resolve completes an outstanding request with the client's response. It
// is called by whichever WS worker receives the skill:response frame.
func (b *SkillBroker) Resolve(ctx context.Context, req *v1.SkillResponseRequest) error {
	_, found, err := b.store.Get(ctx, kv.SkillRequestKey(req.RequestID))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownSkillRequest, req.RequestID)
	}

	ev := bus.NewEvent(events.SkillResponse, map[string]any{
		"success": req.Success,
		"result":  req.Result,
		"error":   req.Error,
	})
	if err := b.bus.Publish(ctx, events.SkillResolveSubject(req.RequestID), ev); err != nil {
		return fmt.Errorf("publish skill resolution: %w", err)
	}
	return b.store.Delete(ctx, kv.SkillRequestKey(req.RequestID))
}
