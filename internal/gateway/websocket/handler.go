package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/auth"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/shutdown"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler authenticates and upgrades incoming connections.
type Handler struct {
	gw     *Gateway
	tokens *auth.Manager
	coord  *shutdown.Coordinator
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(gw *Gateway, tokens *auth.Manager, coord *shutdown.Coordinator, log *logger.Logger) *Handler {
	return &Handler{
		gw:     gw,
		tokens: tokens,
		coord:  coord,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and runs the session pumps.
// Connections are refused while the shutdown coordinator is draining.
func (h *Handler) HandleConnection(c *gin.Context) {
	if h.coord.Draining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	claims, err := h.tokens.Parse(bearerToken(c))
	if err != nil || claims.ExpiresAt == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.Int64("user_id", claims.UserID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.gw, claims.UserID, claims.UserName,
		claims.ExpiresAt.Time, h.logger)
	h.gw.Hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// bearerToken pulls the handshake token from the query string or the
// Authorization header.
func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}
