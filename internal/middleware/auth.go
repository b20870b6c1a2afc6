// Package middleware provides the Gin middleware for the Conpanion API.
//
// Ordering is fixed in api/router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security/CORS → RateLimit → Auth → Session → Handler
//
// Security headers run first so they are present on every response, errors included.
// Rate limiting runs before auth so credential stuffing is throttled before any
// database work. Session reads the user placed on the context by Auth.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/auth"
	"github.com/conpanion/conpanion/internal/db/models"
)

// Context keys set by AuthMiddleware
const (
	UserKey   = "user"
	UserIDKey = "user_id"
)

// UserLoader loads the account a token was issued for
type UserLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// abort writes an error body in the same shape the handlers use
func abort(c *gin.Context, kind apperr.Kind, message string) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), gin.H{"error": message, "code": kind})
}

// bearerToken extracts the token from "Authorization: Bearer <token>"
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// authenticate resolves the bearer JWT to a user. A nil user with a nil error means
// the token is invalid or its user no longer exists.
func authenticate(ctx context.Context, users UserLoader, token string) (*models.User, error) {
	claims, err := auth.ValidateJWT(token)
	if err != nil {
		return nil, nil
	}
	id, err := claims.UserUUID()
	if err != nil {
		return nil, nil
	}
	return users.GetByID(ctx, id)
}

// AuthMiddleware requires a valid session JWT and places the user on the context
func AuthMiddleware(users UserLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abort(c, apperr.AuthRequired, "missing or malformed bearer token")
			return
		}
		user, err := authenticate(c.Request.Context(), users, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to load user", "code": apperr.ProcessingError})
			return
		}
		if user == nil {
			abort(c, apperr.AuthRequired, "invalid or expired token")
			return
		}
		c.Set(UserKey, user)
		c.Set(UserIDKey, user.ID)
		c.Next()
	}
}

// OptionalAuthMiddleware sets the user when a valid token is presented and carries on
// anonymously otherwise. Used by endpoints such as invitation decline that accept both.
func OptionalAuthMiddleware(users UserLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if user, err := authenticate(c.Request.Context(), users, token); err == nil && user != nil {
				c.Set(UserKey, user)
				c.Set(UserIDKey, user.ID)
			}
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user, or nil
func CurrentUser(c *gin.Context) *models.User {
	v, ok := c.Get(UserKey)
	if !ok {
		return nil
	}
	u, _ := v.(*models.User)
	return u
}

// CurrentUserID returns the authenticated user's ID
func CurrentUserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
