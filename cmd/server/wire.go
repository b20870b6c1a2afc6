package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/conpanion/conpanion/internal/accounts"
	"github.com/conpanion/conpanion/internal/api"
	"github.com/conpanion/conpanion/internal/auth/oidc"
	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db/repositories"
	"github.com/conpanion/conpanion/internal/delivery"
	"github.com/conpanion/conpanion/internal/events"
	"github.com/conpanion/conpanion/internal/invitations"
	"github.com/conpanion/conpanion/internal/jobs"
	"github.com/conpanion/conpanion/internal/membership"
	"github.com/conpanion/conpanion/internal/notifications"
	"github.com/conpanion/conpanion/internal/triggers"
	"github.com/conpanion/conpanion/internal/workitems"
)

// app is the fully wired service graph shared by serve and run-job
type app struct {
	deps   api.Deps
	jobs   []jobs.Job
	bus    *events.Bus
	closer func()
}

// wire builds repositories, services, the event bus with its triggers, the delivery
// client and the job list.
func wire(ctx context.Context, cfg *config.Config, database *sqlx.DB) (*app, error) {
	users := repositories.NewUserRepository(database)
	orgs := repositories.NewOrganizationRepository(database)
	members := repositories.NewMembershipRepository(database)
	invitationRepo := repositories.NewInvitationRepository(database)
	notificationRepo := repositories.NewNotificationRepository(database)
	preferenceRepo := repositories.NewPreferenceRepository(database)
	pushRepo := repositories.NewPushSubscriptionRepository(database)
	queueRepo := repositories.NewQueueRepository(database)
	workItemRepo := repositories.NewWorkItemRepository(database)
	approvalRepo := repositories.NewApprovalRepository(database)

	bus := events.NewBus()

	engine := notifications.NewEngine(notificationRepo, preferenceRepo, queueRepo, pushRepo, users, cfg.Notifications)
	preferences := notifications.NewPreferences(preferenceRepo)

	membershipSvc := membership.NewService(orgs, members, bus)
	invitationSvc := invitations.NewService(invitationRepo, users, orgs, members, membershipSvc, bus, cfg.Invitations)
	workItemSvc := workitems.NewService(workItemRepo, approvalRepo, membershipSvc, members, bus)
	accountSvc := accounts.NewService(users, preferences, invitationSvc, engine, cfg.Auth, cfg.Server.GetPublicURL())

	triggers.Register(bus, triggers.Deps{
		Notifier:      engine,
		Users:         users,
		WorkItems:     workItemRepo,
		Approvals:     approvalRepo,
		Scopes:        orgs,
		InvitationURL: cfg.InvitationURL,
	})

	var (
		serviceKey delivery.KeySource = delivery.StaticKey(cfg.Delivery.ServiceKey)
		closers    []func()
	)
	if cfg.Delivery.ServiceKeyFile != "" {
		fk, err := delivery.NewFileKey(ctx, cfg.Delivery.ServiceKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load service key: %w", err)
		}
		serviceKey = fk
		closers = append(closers, func() { _ = fk.Close() })
	}
	client := delivery.NewClient(cfg.Delivery, serviceKey)
	if !client.Configured() {
		slog.Warn("delivery functions not configured, queued email and push will wait until they are")
	}

	deps := api.Deps{
		DB:            database,
		Users:         users,
		Accounts:      accountSvc,
		Membership:    membershipSvc,
		Sessions:      membershipSvc,
		Invitations:   invitationSvc,
		Inbox:         notifications.NewInbox(notificationRepo),
		Preferences:   preferences,
		Subscriptions: notifications.NewSubscriptions(pushRepo),
		WorkItems:     workItemSvc,
		DeliveryQueue: queueRepo,
		Deliveries:    notificationRepo,
		ServiceKey:    serviceKey,
	}

	if cfg.Auth.OIDC.Enabled {
		oidcCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		provider, err := oidc.NewProvider(oidcCtx, &cfg.Auth.OIDC)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to initialise OIDC provider: %w", err)
		}
		deps.OIDC = provider
		slog.Info("OIDC login enabled", "issuer", cfg.Auth.OIDC.IssuerURL)
	}

	jobList := jobs.Build(jobs.Deps{
		Queue:         queueRepo,
		Trigger:       client,
		Invitations:   invitationSvc,
		Notifications: engine,
	}, cfg.Jobs, cfg.Notifications)

	return &app{
		deps: deps,
		jobs: jobList,
		bus:  bus,
		closer: func() {
			for _, c := range closers {
				c()
			}
		},
	}, nil
}

// drainEvents waits for in-flight trigger handlers so their notifications are written
// before the process exits.
func (a *app) drainEvents(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.bus.Wait(ctx); err != nil {
		slog.Warn("event handlers still running at shutdown", "error", err)
	}
}
