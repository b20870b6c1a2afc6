// auth.go implements registration, password login, email confirmation, OIDC login
// and the caller's own profile.
package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/accounts"
	"github.com/conpanion/conpanion/internal/auth/oidc"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/membership"
	"github.com/conpanion/conpanion/internal/middleware"
)

// oidcStateTTL bounds the time between the login redirect and the callback
const oidcStateTTL = 5 * time.Minute

// AccountService is the account lifecycle used by AuthHandlers
type AccountService interface {
	Register(ctx context.Context, in accounts.RegisterInput) (*models.User, error)
	Login(ctx context.Context, email, password string) (*accounts.Session, error)
	Confirm(ctx context.Context, token string) (*models.User, error)
	ResendConfirmation(ctx context.Context, user *models.User) error
	OIDCLogin(ctx context.Context, id *oidc.Identity) (*accounts.Session, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, name string) (*models.User, error)
}

// OIDCAuthenticator runs the authorization code flow against the identity provider
type OIDCAuthenticator interface {
	AuthURL(state string) string
	Authenticate(ctx context.Context, code string) (*oidc.Identity, error)
}

// MembershipLister lists the caller's memberships for /me
type MembershipLister interface {
	ListUserMemberships(ctx context.Context, userID uuid.UUID) ([]*models.UserMembership, error)
}

// AuthHandlers handles authentication endpoints
type AuthHandlers struct {
	accounts    AccountService
	memberships MembershipLister
	oidc        OIDCAuthenticator // nil when OIDC is disabled
	frontendURL string

	mu     sync.Mutex
	states map[string]time.Time
}

// NewAuthHandlers creates auth handlers. provider may be nil.
func NewAuthHandlers(svc AccountService, memberships MembershipLister, provider OIDCAuthenticator, frontendURL string) *AuthHandlers {
	return &AuthHandlers{
		accounts:    svc,
		memberships: memberships,
		oidc:        provider,
		frontendURL: frontendURL,
		states:      make(map[string]time.Time),
	}
}

// Register creates a password account
// POST /api/v1/auth/register
func (h *AuthHandlers) Register(c *gin.Context) {
	var in accounts.RegisterInput
	if !bindJSON(c, &in) {
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges email and password for a session token
// POST /api/v1/auth/login
func (h *AuthHandlers) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	session, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type confirmRequest struct {
	Token string `json:"token" binding:"required"`
}

// Confirm consumes an email confirmation token
// POST /api/v1/auth/confirm
func (h *AuthHandlers) Confirm(c *gin.Context) {
	var req confirmRequest
	if !bindJSON(c, &req) {
		return
	}
	user, err := h.accounts.Confirm(c.Request.Context(), req.Token)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// ResendConfirmation emails a new confirmation link to the caller
// POST /api/v1/auth/confirm/resend
func (h *AuthHandlers) ResendConfirmation(c *gin.Context) {
	if err := h.accounts.ResendConfirmation(c.Request.Context(), middleware.CurrentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// OIDCLogin redirects to the identity provider
// GET /api/v1/auth/oidc/login
func (h *AuthHandlers) OIDCLogin(c *gin.Context) {
	if h.oidc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "OIDC login is not enabled"})
		return
	}
	state, err := h.newState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate state"})
		return
	}
	c.Redirect(http.StatusFound, h.oidc.AuthURL(state))
}

// OIDCCallback completes the identity provider login and hands the session token to
// the front end callback page
// GET /api/v1/auth/oidc/callback
func (h *AuthHandlers) OIDCCallback(c *gin.Context) {
	callbackError := func(code, description string) {
		if h.frontendURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": description, "code": code})
			return
		}
		c.Redirect(http.StatusFound, fmt.Sprintf("%s/auth/callback?error=%s&error_description=%s",
			h.frontendURL, url.QueryEscape(code), url.QueryEscape(description)))
	}

	if h.oidc == nil {
		callbackError("provider_not_configured", "OIDC login is not enabled.")
		return
	}
	if !h.consumeState(c.Query("state")) {
		callbackError("invalid_state", "Login session expired or invalid. Please try logging in again.")
		return
	}

	identity, err := h.oidc.Authenticate(c.Request.Context(), c.Query("code"))
	if err != nil {
		slog.Warn("OIDC callback failed", "error", err)
		callbackError("authentication_failed", "The identity provider login could not be verified.")
		return
	}
	session, err := h.accounts.OIDCLogin(c.Request.Context(), identity)
	if err != nil {
		slog.Warn("OIDC login refused", "email", identity.Email, "error", err)
		callbackError("login_failed", "Your account could not be signed in.")
		return
	}

	if h.frontendURL == "" {
		c.JSON(http.StatusOK, session)
		return
	}
	c.Redirect(http.StatusFound, h.frontendURL+"/auth/callback?token="+url.QueryEscape(session.Token))
}

// newState returns a single-use CSRF state and drops expired ones
func (h *AuthHandlers) newState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(b)

	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for s, created := range h.states {
		if now.Sub(created) > oidcStateTTL {
			delete(h.states, s)
		}
	}
	h.states[state] = now
	return state, nil
}

func (h *AuthHandlers) consumeState(state string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	created, ok := h.states[state]
	if !ok {
		return false
	}
	delete(h.states, state)
	return time.Since(created) <= oidcStateTTL
}

// Me returns the caller and their active memberships
// GET /api/v1/me
func (h *AuthHandlers) Me(c *gin.Context) {
	user := middleware.CurrentUser(c)
	ms, err := h.memberships.ListUserMemberships(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if ms == nil {
		ms = []*models.UserMembership{}
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "memberships": ms})
}

type profileRequest struct {
	Name string `json:"name"`
}

// UpdateProfile changes the caller's display name
// PUT /api/v1/me
func (h *AuthHandlers) UpdateProfile(c *gin.Context) {
	var req profileRequest
	if !bindJSON(c, &req) {
		return
	}
	user, err := h.accounts.UpdateProfile(c.Request.Context(), actorID(c), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// Session returns the organization and project selected by the session headers
// GET /api/v1/me/session
func (h *AuthHandlers) Session(c *gin.Context) {
	cur := middleware.CurrentSession(c)
	if cur == nil {
		cur = &membership.Current{}
	}
	c.JSON(http.StatusOK, cur)
}
