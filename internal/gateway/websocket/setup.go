package websocket

import (
	"context"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/auth"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/dispatch"
	"github.com/botmesh/botmesh/internal/events"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/shutdown"
	"github.com/botmesh/botmesh/internal/streaming"
	"github.com/botmesh/botmesh/internal/task/service"
	ws "github.com/botmesh/botmesh/pkg/websocket"
)

// triggerFunc handles one client action. Colon-separated action names map
// onto these through the gateway's trigger table.
type triggerFunc func(ctx context.Context, c *Client, msg *ws.Message)

// Gateway is the chat WebSocket surface: it owns the hub, the connection
// handler and the action handlers bridging clients to the task service,
// streaming engine and dispatcher.
type Gateway struct {
	Hub     *Hub
	Handler *Handler

	svc        *service.Service
	engine     *streaming.Engine
	dispatcher *dispatch.Dispatcher
	skills     *streaming.SkillBroker
	bus        bus.EventBus
	coord      *shutdown.Coordinator

	triggers map[string]triggerFunc
	roomSub  bus.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *logger.Logger
}

// NewGateway wires the gateway. dispatcher may be nil in chat-only
// deployments; executor-backed actions then report an error.
func NewGateway(svc *service.Service, engine *streaming.Engine, dispatcher *dispatch.Dispatcher,
	skills *streaming.SkillBroker, eventBus bus.EventBus, tokens *auth.Manager,
	coord *shutdown.Coordinator, log *logger.Logger) *Gateway {

	g := &Gateway{
		Hub:        NewHub(log),
		svc:        svc,
		engine:     engine,
		dispatcher: dispatcher,
		skills:     skills,
		bus:        eventBus,
		coord:      coord,
		stopCh:     make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "ws_gateway")),
	}
	g.Handler = NewHandler(g, tokens, coord, log)
	g.triggers = map[string]triggerFunc{
		ws.ActionHealthCheck:   g.handleHealth,
		ws.ActionTaskJoin:      g.handleTaskJoin,
		ws.ActionTaskLeave:     g.handleTaskLeave,
		ws.ActionTaskConfirm:   g.handleTaskConfirm,
		ws.ActionChatSend:      g.handleChatSend,
		ws.ActionChatCancel:    g.handleChatCancel,
		ws.ActionChatRetry:     g.handleChatRetry,
		ws.ActionChatResume:    g.handleChatResume,
		ws.ActionHistorySync:   g.handleHistorySync,
		ws.ActionSkillResponse: g.handleSkillResponse,
	}
	return g
}

// Start runs the hub and bridges the room subjects onto local clients. One
// wildcard subscription per worker; the hub fans events out to members.
func (g *Gateway) Start(ctx context.Context) error {
	go g.Hub.Run(ctx)

	sub, err := g.bus.Subscribe(events.AllRoomsWildcard(), func(ctx context.Context, ev *bus.Event) error {
		g.Hub.Deliver(ev)
		return nil
	})
	if err != nil {
		return err
	}
	g.roomSub = sub
	return nil
}

// Stop tears down the room bridge and aborts background streams started
// from handlers. Safe to call more than once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		if g.roomSub != nil {
			_ = g.roomSub.Unsubscribe()
		}
	})
}

// trigger routes a client message to its action handler.
func (g *Gateway) trigger(ctx context.Context, c *Client, msg *ws.Message) {
	fn, ok := g.triggers[msg.Action]
	if !ok {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeUnknownAction, "Unknown action: "+msg.Action, nil)
		return
	}
	fn(ctx, c, msg)
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws/chat", g.Handler.HandleConnection)
}
