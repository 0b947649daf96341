package event

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify/internal/handler"
	"github.com/jwalitptl/notify/internal/model"
	apperrors "github.com/jwalitptl/notify/pkg/errors"
	"github.com/jwalitptl/notify/pkg/httputil"
	"github.com/jwalitptl/notify/pkg/validator"
)

// Intake is the part of the pipeline the HTTP surface feeds.
type Intake interface {
	Emit(ev *model.NotificationEvent) bool
	CancelEntity(ctx context.Context, entityType, entityID string) (int, error)
}

type Handler struct {
	intake    Intake
	validator validator.Validator
}

func NewHandler(intake Intake, v validator.Validator) *Handler {
	return &Handler{intake: intake, validator: v}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/events", h.EmitEvent)
	r.DELETE("/entities/:type/:id", h.CancelEntity)
}

// EmitEvent validates the event up front since processing happens after the
// response is written.
func (h *Handler) EmitEvent(c *gin.Context) {
	var ev model.NotificationEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		handler.BadRequest(c, err)
		return
	}
	if err := h.validator.Validate(&ev); err != nil {
		handler.BadRequest(c, err)
		return
	}
	if !ev.Type.IsValid() {
		httputil.RespondWithError(c, apperrors.BadRequest("unknown event type "+string(ev.Type), nil))
		return
	}
	if ev.ActorID == "" {
		ev.ActorID = handler.UserID(c)
	}

	if !h.intake.Emit(&ev) {
		httputil.RespondWithError(c, apperrors.Unavailable("event intake is saturated, retry later"))
		return
	}
	httputil.RespondWithStatus(c, http.StatusAccepted, gin.H{"id": ev.ID, "type": ev.Type})
}

func (h *Handler) CancelEntity(c *gin.Context) {
	cancelled, err := h.intake.CancelEntity(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"cancelled": cancelled})
}
