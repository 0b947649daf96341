package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/notify/internal/handler"
	"github.com/jwalitptl/notify/pkg/auth"
	apperrors "github.com/jwalitptl/notify/pkg/errors"
	"github.com/jwalitptl/notify/pkg/httputil"
	"github.com/jwalitptl/notify/pkg/logger"
)

const (
	ContextClaims = "claims"
	// RoleWorkspaceAdmin may change workspace policies and author templates.
	RoleWorkspaceAdmin = "workspace_admin"
)

// ContactStore receives the email address carried in the token so the email
// channel can reach the user.
type ContactStore interface {
	SetEmail(ctx context.Context, userID, email string) error
}

type AuthMiddleware struct {
	jwt      auth.JWTService
	contacts ContactStore
	synced   *cache.Cache
	logger   *logger.Logger
}

// NewAuthMiddleware builds the JWT middleware. contacts may be nil.
func NewAuthMiddleware(jwt auth.JWTService, contacts ContactStore, log *logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwt:      jwt,
		contacts: contacts,
		synced:   cache.New(time.Hour, 2*time.Hour),
		logger:   log,
	}
}

// Authenticate verifies the bearer token and sets the user in the context.
// Websocket clients that cannot set headers pass the token as access_token.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			httputil.RespondWithError(c, apperrors.Unauthorized(err))
			return
		}

		claims, err := m.jwt.ValidateToken(token)
		if err != nil {
			httputil.RespondWithError(c, apperrors.Unauthorized(err))
			return
		}

		c.Set(handler.ContextUserID, claims.UserID)
		c.Set(handler.ContextUserEmail, claims.Email)
		c.Set(ContextClaims, claims)
		m.syncContact(c.Request.Context(), claims)
		c.Next()
	}
}

// RequireRole rejects callers whose token lacks the role.
func (m *AuthMiddleware) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get(ContextClaims)
		claims, ok := v.(*auth.TokenClaims)
		if !ok {
			httputil.RespondWithError(c, apperrors.Unauthorized(errors.New("missing claims")))
			return
		}
		if !claims.HasRole(role) {
			httputil.RespondWithError(c, apperrors.Forbidden("permission denied"))
			return
		}
		c.Next()
	}
}

func (m *AuthMiddleware) syncContact(ctx context.Context, claims *auth.TokenClaims) {
	if m.contacts == nil || claims.Email == "" {
		return
	}
	key := claims.UserID + "|" + claims.Email
	if _, ok := m.synced.Get(key); ok {
		return
	}
	if err := m.contacts.SetEmail(ctx, claims.UserID, claims.Email); err != nil {
		m.logger.Warn("failed to sync contact email", "user_id", claims.UserID, "error", err.Error())
		return
	}
	m.synced.SetDefault(key, struct{}{})
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}
