package preference

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify/internal/handler"
	"github.com/jwalitptl/notify/internal/model"
	preferenceService "github.com/jwalitptl/notify/internal/service/preference"
	"github.com/jwalitptl/notify/pkg/httputil"
)

type Handler struct {
	service preferenceService.Service
}

func NewHandler(service preferenceService.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/preferences", h.ListPreferences)
	r.PUT("/preferences", h.UpdatePreferences)
}

// RegisterAdminRoutes mounts routes that need workspace administration rights.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/workspaces/:id/policies", h.SetWorkspacePolicy)
}

func (h *Handler) ListPreferences(c *gin.Context) {
	prefs, err := h.service.ListPreferences(c.Request.Context(), handler.UserID(c))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, prefs)
}

type preferenceUpdate struct {
	Channel   model.Channel   `json:"channel" binding:"required"`
	Type      model.EventType `json:"type" binding:"required"`
	Enabled   bool            `json:"enabled"`
	Frequency model.Frequency `json:"frequency"`
}

type updatePreferencesRequest struct {
	Preferences []preferenceUpdate `json:"preferences" binding:"required,min=1,dive"`
}

// UpdatePreferences stores each entry in order and stops at the first
// invalid one.
func (h *Handler) UpdatePreferences(c *gin.Context) {
	var req updatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, err)
		return
	}

	userID := handler.UserID(c)
	saved := make([]*model.Preference, 0, len(req.Preferences))
	for _, u := range req.Preferences {
		p := &model.Preference{
			UserID:    userID,
			Channel:   u.Channel,
			Type:      u.Type,
			Enabled:   u.Enabled,
			Frequency: u.Frequency,
		}
		if err := h.service.SetPreference(c.Request.Context(), p); err != nil {
			handler.RespondError(c, err)
			return
		}
		saved = append(saved, p)
	}
	httputil.RespondWithSuccess(c, saved)
}

type policyRequest struct {
	Type             model.EventType `json:"type" binding:"required"`
	Suppressed       bool            `json:"suppressed"`
	DisabledChannels []model.Channel `json:"disabled_channels"`
}

func (h *Handler) SetWorkspacePolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, err)
		return
	}

	policy := &model.WorkspacePolicy{
		WorkspaceID:      c.Param("id"),
		Type:             req.Type,
		Suppressed:       req.Suppressed,
		DisabledChannels: req.DisabledChannels,
	}
	if err := h.service.SetWorkspacePolicy(c.Request.Context(), policy); err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, policy)
}
