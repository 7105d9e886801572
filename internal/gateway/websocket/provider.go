package websocket

import (
	"time"

	"github.com/botmesh/botmesh/internal/auth"
	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/dispatch"
	"github.com/botmesh/botmesh/internal/events/bus"
	"github.com/botmesh/botmesh/internal/shutdown"
	"github.com/botmesh/botmesh/internal/streaming"
	"github.com/botmesh/botmesh/internal/task/service"
)

// Provide creates the chat gateway from configuration.
func Provide(cfg *config.Config, svc *service.Service, engine *streaming.Engine,
	dispatcher *dispatch.Dispatcher, skills *streaming.SkillBroker, eventBus bus.EventBus,
	coord *shutdown.Coordinator, log *logger.Logger) *Gateway {

	tokens := auth.NewManager(cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenDuration)*time.Second)
	return NewGateway(svc, engine, dispatcher, skills, eventBus, tokens, coord, log)
}
