package template

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository/memory"
	"github.com/jwalitptl/notify/internal/service/abtest"
	templateService "github.com/jwalitptl/notify/internal/service/template"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/validator"
)

const commentTemplate = `{
	"id": "comment",
	"name": "Comment posted",
	"type": "comment",
	"default_variant_id": "a",
	"variants": [
		{"id": "a", "weight": 1, "content": {"title": "New comment on {{.TaskTitle}}", "body": "{{.AuthorName}} commented"}},
		{"id": "b", "weight": 1, "content": {"title": "{{.AuthorName}} replied", "body": "On {{.TaskTitle}}"}}
	]
}`

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	templates := memory.NewTemplateRepository()
	tests := memory.NewABTestRepository()
	h := NewHandler(
		templateService.NewService(templates, tests, validator.New(), templateService.Config{}),
		abtest.NewService(tests, templates, logger.Nop()),
	)
	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func send(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSaveTemplateVersions(t *testing.T) {
	r := setupRouter()

	w := send(r, http.MethodPost, "/api/v1/templates", commentTemplate)
	require.Equal(t, http.StatusCreated, w.Code)

	w = send(r, http.MethodPost, "/api/v1/templates", commentTemplate)
	require.Equal(t, http.StatusOK, w.Code)

	w = send(r, http.MethodGet, "/api/v1/templates/comment", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data model.Template `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Version)
}

func TestSaveTemplateRejectsBadSyntax(t *testing.T) {
	r := setupRouter()
	body := strings.Replace(commentTemplate, "{{.TaskTitle}}\", \"body\"", "{{.TaskTitle\", \"body\"", 1)
	w := send(r, http.MethodPost, "/api/v1/templates", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreview(t *testing.T) {
	r := setupRouter()
	require.Equal(t, http.StatusCreated, send(r, http.MethodPost, "/api/v1/templates", commentTemplate).Code)

	w := send(r, http.MethodPost, "/api/v1/templates/comment/preview",
		`{"variant_id":"b","bindings":{"TaskTitle":"Launch","AuthorName":"Sam"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"title":"Sam replied"`)

	w = send(r, http.MethodPost, "/api/v1/templates/comment/preview", `{"bindings":{"TaskTitle":"Launch"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = send(r, http.MethodGet, "/api/v1/templates/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTestLifecycle(t *testing.T) {
	r := setupRouter()
	require.Equal(t, http.StatusCreated, send(r, http.MethodPost, "/api/v1/templates", commentTemplate).Code)

	w := send(r, http.MethodPost, "/api/v1/tests", `{"template_id":"comment"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		Data model.ABTest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id := resp.Data.ID
	assert.Equal(t, model.ABTestStatusDraft, resp.Data.Status)

	assert.Equal(t, http.StatusConflict, send(r, http.MethodPost, "/api/v1/tests/"+id+"/complete", "").Code)
	assert.Equal(t, http.StatusOK, send(r, http.MethodPost, "/api/v1/tests/"+id+"/start", "").Code)
	assert.Equal(t, http.StatusConflict, send(r, http.MethodPost, "/api/v1/tests/"+id+"/start", "").Code)
	assert.Equal(t, http.StatusOK, send(r, http.MethodPost, "/api/v1/tests/"+id+"/complete", "").Code)

	w = send(r, http.MethodGet, "/api/v1/tests/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	assert.Equal(t, http.StatusNotFound, send(r, http.MethodGet, "/api/v1/tests/nope", "").Code)
}
