// Package api wires together all HTTP routes for the Conpanion backend.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes.
//   - /api/v1/auth/* is public and sits behind the stricter auth rate limiter.
//     Invitation preview and decline are public as well so the landing page works
//     before the invitee has an account.
//   - Everything else under /api/v1 requires a session JWT.
//   - /internal/v1/* is called by the external delivery functions and requires the
//     service credential instead of a user session.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/middleware"
)

// Version is the build version reported by /version. Overridden at link time with
// -ldflags "-X github.com/conpanion/conpanion/internal/api.Version=...".
var Version = "0.1.0"

// Pinger checks database reachability for the probes
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the services the router exposes. cmd/server builds them once at startup.
type Deps struct {
	DB            Pinger
	Users         middleware.UserLoader
	Accounts      AccountService
	OIDC          OIDCAuthenticator // nil when OIDC is disabled
	Membership    MembershipService
	Sessions      middleware.SessionResolver
	Invitations   InvitationService
	Inbox         InboxService
	Preferences   PreferenceService
	Subscriptions SubscriptionService
	WorkItems     WorkItemService
	DeliveryQueue DeliveryQueue
	Deliveries    DeliveryRecorder
	ServiceKey    middleware.KeySource
}

// BackgroundServices holds resources owned by the router that must be released
// during graceful shutdown. cmd/server calls Shutdown after the HTTP server has
// drained.
type BackgroundServices struct {
	stops []func()
}

// Shutdown stops the rate limiter cleanup loops and closes their Redis clients
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping router background services")
	for _, stop := range bg.stops {
		stop()
	}
}

// NewRouter creates and configures the Gin router
func NewRouter(ctx context.Context, cfg *config.Config, deps Deps) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	// Order matters; see package middleware for the rationale.
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB))
	router.GET("/version", versionHandler())

	rateLimit := func(limits middleware.RateLimitConfig) gin.HandlerFunc {
		if !cfg.Security.RateLimiting.Enabled {
			return func(c *gin.Context) { c.Next() }
		}
		limiter, stop := middleware.NewLimiter(ctx, cfg.Security.RateLimiting, limits)
		bg.stops = append(bg.stops, stop)
		return middleware.RateLimitMiddleware(limiter)
	}
	authLimit := rateLimit(middleware.AuthRateLimitConfig())
	generalLimit := rateLimit(middleware.FromConfig(cfg.Security.RateLimiting))

	requireAuth := middleware.AuthMiddleware(deps.Users)
	optionalAuth := middleware.OptionalAuthMiddleware(deps.Users)

	authHandlers := NewAuthHandlers(deps.Accounts, deps.Membership, deps.OIDC, cfg.Server.GetPublicURL())
	orgHandlers := NewOrganizationHandlers(deps.Membership)
	invHandlers := NewInvitationHandlers(deps.Invitations)
	notifHandlers := NewNotificationHandlers(deps.Inbox, deps.Preferences, deps.Subscriptions)
	workHandlers := NewWorkItemHandlers(deps.WorkItems)
	deliveryHandlers := NewDeliveryHandlers(deps.DeliveryQueue, deps.Deliveries)

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.SessionMiddleware())
	{
		authGroup := apiV1.Group("/auth")
		authGroup.Use(authLimit)
		{
			authGroup.POST("/register", authHandlers.Register)
			authGroup.POST("/login", authHandlers.Login)
			authGroup.POST("/confirm", authHandlers.Confirm)
			authGroup.POST("/confirm/resend", requireAuth, authHandlers.ResendConfirmation)
			authGroup.GET("/oidc/login", authHandlers.OIDCLogin)
			authGroup.GET("/oidc/callback", authHandlers.OIDCCallback)
		}

		// Public invitation landing page
		publicInvitations := apiV1.Group("/invitations/token/:token")
		publicInvitations.Use(generalLimit)
		{
			publicInvitations.GET("", invHandlers.Preview)
			publicInvitations.POST("/decline", optionalAuth, invHandlers.Decline)
			publicInvitations.POST("/accept", requireAuth, invHandlers.Accept)
		}

		authenticated := apiV1.Group("")
		authenticated.Use(generalLimit, requireAuth)
		{
			authenticated.GET("/me", authHandlers.Me)
			authenticated.PUT("/me", authHandlers.UpdateProfile)
			authenticated.GET("/me/session", middleware.RequireSession(deps.Sessions), authHandlers.Session)

			orgs := authenticated.Group("/organizations")
			{
				orgs.POST("", orgHandlers.CreateOrganization)
				orgs.GET("", orgHandlers.ListOrganizations)
				orgs.POST("/:id/projects", orgHandlers.CreateProject)
				orgs.GET("/:id/projects", orgHandlers.ListProjects)
				orgs.GET("/:id/members", orgHandlers.ListMembers(models.ScopeOrganization))
				orgs.PUT("/:id/members/:user_id", orgHandlers.ChangeRole(models.ScopeOrganization))
				orgs.DELETE("/:id/members/:user_id", orgHandlers.RemoveMember(models.ScopeOrganization))
				orgs.POST("/:id/invitations", invHandlers.Invite(models.ScopeOrganization))
				orgs.GET("/:id/invitations", invHandlers.ListPending(models.ScopeOrganization))
			}

			projects := authenticated.Group("/projects/:id")
			{
				projects.GET("", orgHandlers.GetProject)
				projects.GET("/members", orgHandlers.ListMembers(models.ScopeProject))
				projects.PUT("/members/:user_id", orgHandlers.ChangeRole(models.ScopeProject))
				projects.DELETE("/members/:user_id", orgHandlers.RemoveMember(models.ScopeProject))
				projects.POST("/invitations", invHandlers.Invite(models.ScopeProject))
				projects.GET("/invitations", invHandlers.ListPending(models.ScopeProject))

				projects.POST("/tasks", workHandlers.CreateTask)
				projects.GET("/tasks", workHandlers.ListTasks)
				projects.GET("/tasks/:item_id", workHandlers.GetTask)
				projects.PATCH("/tasks/:item_id", workHandlers.UpdateTask)
				projects.GET("/tasks/:item_id/assignees", workHandlers.ListTaskAssignees)
				projects.POST("/tasks/:item_id/assignees", workHandlers.AssignTask)
				projects.DELETE("/tasks/:item_id/assignees/:user_id", workHandlers.UnassignTask)
				projects.GET("/tasks/:item_id/comments", workHandlers.ListTaskComments)
				projects.POST("/tasks/:item_id/comments", workHandlers.CommentOnTask)

				projects.POST("/forms", workHandlers.CreateForm)
				projects.GET("/forms", workHandlers.ListForms)
				projects.POST("/forms/:item_id/assignees", workHandlers.AssignForm)
				projects.DELETE("/forms/:item_id/assignees/:user_id", workHandlers.UnassignForm)

				projects.POST("/site-diaries", workHandlers.CreateSiteDiary)
				projects.GET("/site-diaries", workHandlers.ListSiteDiaries)
				projects.POST("/site-diaries/:item_id/assignees", workHandlers.AssignSiteDiary)

				projects.POST("/approvals", workHandlers.CreateApproval)
				projects.GET("/approvals", workHandlers.ListApprovals)
				projects.GET("/approvals/:item_id", workHandlers.GetApproval)
				projects.POST("/approvals/:item_id/responses", workHandlers.RespondToApproval)
				projects.POST("/approvals/:item_id/comments", workHandlers.CommentOnApproval)
			}

			invitations := authenticated.Group("/invitations")
			{
				invitations.GET("/mine", invHandlers.ListMine)
				invitations.POST("/:id/resend", invHandlers.Resend)
				invitations.DELETE("/:id", invHandlers.Cancel)
			}

			notifications := authenticated.Group("/notifications")
			{
				notifications.GET("", notifHandlers.List)
				notifications.GET("/unread-count", notifHandlers.UnreadCount)
				notifications.POST("/read-all", notifHandlers.MarkAllRead)
				notifications.POST("/:id/read", notifHandlers.MarkRead)
				notifications.POST("/:id/unread", notifHandlers.MarkUnread)
			}

			authenticated.GET("/notification-preferences", notifHandlers.ListPreferences)
			authenticated.PUT("/notification-preferences/:type", notifHandlers.UpdatePreference)

			authenticated.GET("/push-subscriptions", notifHandlers.ListSubscriptions)
			authenticated.POST("/push-subscriptions", notifHandlers.RegisterSubscription)
			authenticated.DELETE("/push-subscriptions/:id", notifHandlers.RemoveSubscription)
		}
	}

	internal := router.Group("/internal/v1")
	internal.Use(middleware.ServiceKeyMiddleware(deps.ServiceKey))
	{
		internal.GET("/deliveries/stats", deliveryHandlers.Stats)
		internal.POST("/deliveries/:channel/claim", deliveryHandlers.Claim)
		internal.POST("/deliveries/:channel/:id/status", deliveryHandlers.ReportStatus)
	}

	return router, bg
}

// healthCheckHandler reports liveness including database reachability
// GET /health
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the instance can take traffic
// GET /ready
func readinessHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build and API version
// GET /version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
