package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/membership"
	"github.com/conpanion/conpanion/internal/session"
)

// CurrentKey is the gin.Context key of the resolved *membership.Current
const CurrentKey = "session_current"

// SessionResolver validates the caller's selected organization and project
type SessionResolver interface {
	ResolveSession(ctx context.Context, sc session.Scope, actor uuid.UUID) (*membership.Current, error)
}

// SessionMiddleware parses X-Organization-ID / X-Project-ID onto the request context.
// Malformed IDs are rejected with 400; absent headers leave the scope empty.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, err := session.Parse(c.GetHeader(session.OrganizationHeader), c.GetHeader(session.ProjectHeader))
		if err != nil {
			abort(c, apperr.InvalidInput, err.Error())
			return
		}
		c.Request = c.Request.WithContext(session.WithScope(c.Request.Context(), sc))
		c.Next()
	}
}

// RequireSession resolves the session scope against the caller's memberships. A
// selection the caller has no active membership in is refused.
func RequireSession(resolver SessionResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := CurrentUserID(c)
		if !ok {
			abort(c, apperr.AuthRequired, "authentication required")
			return
		}
		cur, err := resolver.ResolveSession(c.Request.Context(), session.FromContext(c.Request.Context()), actor)
		if err != nil {
			abort(c, apperr.KindOf(err), apperr.Message(err))
			return
		}
		c.Set(CurrentKey, cur)
		c.Next()
	}
}

// CurrentSession returns the scope resolved by RequireSession, or nil
func CurrentSession(c *gin.Context) *membership.Current {
	v, ok := c.Get(CurrentKey)
	if !ok {
		return nil
	}
	cur, _ := v.(*membership.Current)
	return cur
}
