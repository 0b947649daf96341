package pushtoken

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify/internal/handler"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/pkg/httputil"
)

type Handler struct {
	tokens repository.PushTokenRepository
}

func NewHandler(tokens repository.PushTokenRepository) *Handler {
	return &Handler{tokens: tokens}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	tokens := r.Group("/push-tokens")
	{
		tokens.GET("", h.ListTokens)
		tokens.POST("", h.RegisterToken)
		tokens.DELETE("/:token", h.UnregisterToken)
	}
}

type registerRequest struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform" binding:"omitempty,oneof=ios android web"`
}

func (h *Handler) RegisterToken(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, err)
		return
	}

	token := &model.PushToken{
		UserID:    handler.UserID(c),
		Token:     req.Token,
		Platform:  req.Platform,
		CreatedAt: time.Now(),
	}
	if err := h.tokens.Register(c.Request.Context(), token); err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, token)
}

func (h *Handler) ListTokens(c *gin.Context) {
	tokens, err := h.tokens.ListByUser(c.Request.Context(), handler.UserID(c))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, tokens)
}

func (h *Handler) UnregisterToken(c *gin.Context) {
	if err := h.tokens.Unregister(c.Request.Context(), handler.UserID(c), c.Param("token")); err != nil {
		handler.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
