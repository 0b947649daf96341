package analytics

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify/internal/handler"
	analyticsService "github.com/jwalitptl/notify/internal/service/analytics"
	"github.com/jwalitptl/notify/pkg/httputil"
)

const defaultRange = 7 * 24 * time.Hour

type Handler struct {
	service analyticsService.Service
	now     func() time.Time
}

func NewHandler(service analyticsService.Service) *Handler {
	return &Handler{service: service, now: time.Now}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	analytics := r.Group("/analytics")
	{
		analytics.GET("/templates/:id", h.TemplateMetrics)
		analytics.GET("/tests/:id", h.TestMetrics)
		analytics.GET("/tests/:id/compare", h.CompareVariants)
	}
}

func (h *Handler) TemplateMetrics(c *gin.Context) {
	q, err := h.query(c)
	if err != nil {
		handler.BadRequest(c, err)
		return
	}
	q.TemplateID = c.Param("id")
	h.aggregate(c, q)
}

func (h *Handler) TestMetrics(c *gin.Context) {
	q, err := h.query(c)
	if err != nil {
		handler.BadRequest(c, err)
		return
	}
	q.TestID = c.Param("id")
	h.aggregate(c, q)
}

func (h *Handler) aggregate(c *gin.Context, q analyticsService.Query) {
	rows, err := h.service.Aggregate(c.Request.Context(), q)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, rows)
}

func (h *Handler) CompareVariants(c *gin.Context) {
	rows, err := h.service.CompareVariants(c.Request.Context(), c.Param("id"))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, rows)
}

// query reads from, to (RFC3339) and bucket (Go duration). The range
// defaults to the last seven days.
func (h *Handler) query(c *gin.Context) (analyticsService.Query, error) {
	q := analyticsService.Query{To: h.now()}
	if v := c.Query("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, err
		}
		q.To = to
	}
	q.From = q.To.Add(-defaultRange)
	if v := c.Query("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, err
		}
		q.From = from
	}
	if v := c.Query("bucket"); v != "" {
		bucket, err := time.ParseDuration(v)
		if err != nil {
			return q, err
		}
		q.Bucket = bucket
	}
	return q, nil
}
