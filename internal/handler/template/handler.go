package template

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify/internal/handler"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/service/abtest"
	templateService "github.com/jwalitptl/notify/internal/service/template"
	"github.com/jwalitptl/notify/pkg/httputil"
)

// Handler serves template authoring and the A/B test lifecycle.
type Handler struct {
	templates templateService.Service
	tests     abtest.Service
}

func NewHandler(templates templateService.Service, tests abtest.Service) *Handler {
	return &Handler{templates: templates, tests: tests}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	templates := r.Group("/templates")
	{
		templates.POST("", h.SaveTemplate)
		templates.GET("/:id", h.GetTemplate)
		templates.POST("/:id/preview", h.Preview)
	}

	tests := r.Group("/tests")
	{
		tests.POST("", h.CreateTest)
		tests.GET("/:id", h.GetTest)
		tests.POST("/:id/start", h.StartTest)
		tests.POST("/:id/complete", h.CompleteTest)
	}
}

func (h *Handler) SaveTemplate(c *gin.Context) {
	var t model.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		handler.BadRequest(c, err)
		return
	}
	if err := h.templates.SaveTemplate(c.Request.Context(), &t); err != nil {
		handler.RespondError(c, err)
		return
	}
	status := http.StatusOK
	if t.Version == 1 {
		status = http.StatusCreated
	}
	httputil.RespondWithStatus(c, status, t)
}

func (h *Handler) GetTemplate(c *gin.Context) {
	t, err := h.templates.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, t)
}

type previewRequest struct {
	VariantID string         `json:"variant_id"`
	Bindings  map[string]any `json:"bindings"`
}

// Preview renders a variant against caller supplied bindings.
func (h *Handler) Preview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BadRequest(c, err)
		return
	}
	payload, err := h.templates.Render(c.Request.Context(), c.Param("id"), req.VariantID, req.Bindings)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, payload)
}

func (h *Handler) CreateTest(c *gin.Context) {
	var test model.ABTest
	if err := c.ShouldBindJSON(&test); err != nil {
		handler.BadRequest(c, err)
		return
	}
	if err := h.tests.CreateTest(c.Request.Context(), &test); err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, test)
}

func (h *Handler) GetTest(c *gin.Context) {
	test, err := h.tests.GetTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, test)
}

func (h *Handler) StartTest(c *gin.Context) {
	test, err := h.tests.StartTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, test)
}

func (h *Handler) CompleteTest(c *gin.Context) {
	test, err := h.tests.CompleteTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, test)
}
