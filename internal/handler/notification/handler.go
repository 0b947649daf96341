package notification

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify/internal/handler"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/service/bulk"
	notificationService "github.com/jwalitptl/notify/internal/service/notification"
	"github.com/jwalitptl/notify/pkg/httputil"
)

type Handler struct {
	service notificationService.Service
	bulk    bulk.Service
}

func NewHandler(service notificationService.Service, bulk bulk.Service) *Handler {
	return &Handler{service: service, bulk: bulk}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.GET("", h.ListNotifications)
		notifications.POST("/bulk", h.ApplyBulk)
		notifications.GET("/bulk/:id", h.GetBulk)
		notifications.GET("/:id", h.GetNotification)
		notifications.POST("/:id/read", h.MarkRead)
		notifications.POST("/:id/click", h.Click)
		notifications.POST("/:id/dismiss", h.Dismiss)
		notifications.DELETE("/:id", h.DeleteNotification)
	}
}

func (h *Handler) ListNotifications(c *gin.Context) {
	page, pageSize := handler.Page(c)
	filter := model.NotificationFilter{
		UserID:     handler.UserID(c),
		UnreadOnly: c.Query("unread") == "true",
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	}
	if types := c.Query("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, model.EventType(strings.TrimSpace(t)))
		}
	}
	if before := c.Query("before"); before != "" {
		ts, err := time.Parse(time.RFC3339, before)
		if err != nil {
			handler.BadRequest(c, err)
			return
		}
		filter.Before = &ts
	}

	items, total, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithPagination(c, items, page, pageSize, total)
}

func (h *Handler) GetNotification(c *gin.Context) {
	n, err := h.service.Get(c.Request.Context(), handler.UserID(c), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, n)
}

func (h *Handler) MarkRead(c *gin.Context) {
	n, err := h.service.MarkRead(c.Request.Context(), handler.UserID(c), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, n)
}

func (h *Handler) Click(c *gin.Context) {
	n, err := h.service.Click(c.Request.Context(), handler.UserID(c), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, n)
}

func (h *Handler) Dismiss(c *gin.Context) {
	n, err := h.service.Dismiss(c.Request.Context(), handler.UserID(c), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, n)
}

func (h *Handler) DeleteNotification(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), handler.UserID(c), c.Param("id")); err != nil {
		handler.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type bulkRequest struct {
	Type            model.BulkActionType      `json:"type" binding:"required,oneof=mark_read delete archive"`
	Filter          *model.NotificationFilter `json:"filter"`
	NotificationIDs []string                  `json:"notification_ids"`
}

func (h *Handler) ApplyBulk(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, err)
		return
	}

	action, err := h.bulk.Apply(c.Request.Context(), &model.BulkAction{
		UserID:          handler.UserID(c),
		Type:            req.Type,
		Filter:          req.Filter,
		NotificationIDs: req.NotificationIDs,
	})
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, action)
}

func (h *Handler) GetBulk(c *gin.Context) {
	action, err := h.bulk.Get(c.Request.Context(), handler.UserID(c), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, action)
}
