package dispatch

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/auth"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/task/service"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// CallbackHandler receives subtask deltas from executors and feeds them to
// the task-state reducer.
type CallbackHandler struct {
	svc    *service.Service
	tokens *auth.Manager
	logger *logger.Logger
}

// NewCallbackHandler creates the handler. tokens may be nil to disable
// bearer verification (local development).
func NewCallbackHandler(svc *service.Service, tokens *auth.Manager, log *logger.Logger) *CallbackHandler {
	return &CallbackHandler{
		svc:    svc,
		tokens: tokens,
		logger: log.WithFields(zap.String("component", "executor-callback")),
	}
}

// RegisterRoutes mounts the callback endpoint on the given group.
func (h *CallbackHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/callback/subtask", h.HandleDelta)
}

// HandleDelta applies one executor-reported subtask delta.
func (h *CallbackHandler) HandleDelta(c *gin.Context) {
	if h.tokens != nil {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if _, err := h.tokens.Parse(token); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid callback token"})
			return
		}
	}

	var delta v1.SubtaskDelta
	if err := c.ShouldBindJSON(&delta); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if delta.SubtaskID == 0 || delta.Status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subtask_id and status are required"})
		return
	}

	// Late executor binding: a unit dispatched before the executor existed
	// reports its identity on the first callback. First write wins.
	if delta.ExecutorName != "" {
		if err := h.svc.Repo().SetExecutor(c.Request.Context(), delta.SubtaskID,
			delta.ExecutorName, delta.ExecutorNamespace); err != nil {
			h.logger.WithError(err).Warn("failed to bind executor",
				zap.Int64("subtask_id", delta.SubtaskID))
		}
	}

	if err := h.svc.ApplyDelta(c.Request.Context(), &delta); err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("failed to apply subtask delta",
			zap.Int64("subtask_id", delta.SubtaskID), zap.String("status", delta.Status))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
