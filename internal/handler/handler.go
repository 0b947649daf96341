// Package handler holds helpers shared by the HTTP handlers.
package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	apperrors "github.com/jwalitptl/notify/pkg/errors"
	"github.com/jwalitptl/notify/pkg/httputil"
)

const (
	ContextUserID    = "user_id"
	ContextUserEmail = "user_email"
)

// UserID returns the authenticated user set by the auth middleware.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// RespondError maps service errors onto API errors and writes the response.
func RespondError(c *gin.Context, err error) {
	httputil.RespondWithError(c, ToAppError(err))
}

func ToAppError(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	var verr *model.ValidationError
	var tnf *model.TemplateNotFoundError
	switch {
	case errors.As(err, &verr):
		return apperrors.BadRequest(verr.Error(), err)
	case errors.As(err, &tnf):
		return apperrors.NotFound("template", err)
	case model.IsConfigurationError(err):
		return apperrors.Unprocessable(err.Error(), err)
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NotFound("resource", err)
	case errors.Is(err, repository.ErrConflict):
		return apperrors.Conflict("resource already exists or is locked", err)
	default:
		return apperrors.Internal(err)
	}
}

// BadRequest rejects a request body or parameter the handler could not parse.
func BadRequest(c *gin.Context, err error) {
	httputil.RespondWithError(c, apperrors.BadRequest(err.Error(), err))
}

// Page reads page and page_size query parameters, with page starting at 1.
func Page(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
