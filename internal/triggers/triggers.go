// Package triggers turns domain events into notifications. Each handler decides who
// hears about a change, excludes the person who made it, and hands one request per
// recipient to the notification engine.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/events"
	"github.com/conpanion/conpanion/internal/notifications"
)

// Notifier is the notification engine
type Notifier interface {
	CreateNotification(ctx context.Context, req notifications.Request) (uuid.UUID, error)
	SendTransactional(ctx context.Context, t notifications.Transactional) error
}

// Users resolves recipients and display names
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetNames(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

// WorkItems reads the entities the work item events refer to
type WorkItems interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetForm(ctx context.Context, id uuid.UUID) (*models.Form, error)
	GetSiteDiary(ctx context.Context, id uuid.UUID) (*models.SiteDiary, error)
	ListAssignees(ctx context.Context, ref models.EntityRef) ([]uuid.UUID, error)
}

// Approvals reads an approval with its approvers
type Approvals interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Approval, error)
}

// Scopes resolves organization and project names
type Scopes interface {
	ScopeName(ctx context.Context, scope models.Scope) (string, error)
}

// Deps are the collaborators the handlers need
type Deps struct {
	Notifier  Notifier
	Users     Users
	WorkItems WorkItems
	Approvals Approvals
	Scopes    Scopes
	// InvitationURL builds the acceptance link for an invitation token
	InvitationURL func(scopeType, token string) string
}

type handlers struct {
	Deps
}

// Register subscribes every notification trigger to the bus
func Register(bus *events.Bus, deps Deps) {
	h := &handlers{Deps: deps}

	bus.Subscribe(events.NameTaskAssigned, h.taskAssigned)
	bus.Subscribe(events.NameTaskUnassigned, h.taskUnassigned)
	bus.Subscribe(events.NameTaskUpdated, h.taskUpdated)
	bus.Subscribe(events.NameCommentAdded, h.commentAdded)
	bus.Subscribe(events.NameFormAssigned, h.formAssigned)
	bus.Subscribe(events.NameFormUnassigned, h.formUnassigned)
	bus.Subscribe(events.NameEntityAssigned, h.entityAssigned)

	bus.Subscribe(events.NameApprovalRequested, h.approvalRequested)
	bus.Subscribe(events.NameApprovalResponded, h.approvalResponded)
	bus.Subscribe(events.NameApprovalStatusChanged, h.approvalStatusChanged)
	bus.Subscribe(events.NameApprovalCommented, h.approvalCommented)

	bus.Subscribe(events.NameOrganizationMemberAdded, h.organizationMemberAdded)
	bus.Subscribe(events.NameProjectMemberAdded, h.projectMemberAdded)
	bus.Subscribe(events.NameInvitationIssued, h.invitationIssued)
}

// notifyAll sends req to every recipient, skipping excluded users and duplicates.
// ErrSuppressed is not an error here; other failures are collected.
func (h *handlers) notifyAll(ctx context.Context, recipients []uuid.UUID, exclude []uuid.UUID, req notifications.Request) error {
	skip := make(map[uuid.UUID]bool, len(exclude)+len(recipients))
	for _, id := range exclude {
		skip[id] = true
	}

	var errs []error
	for _, id := range recipients {
		if skip[id] {
			continue
		}
		skip[id] = true

		r := req
		r.UserID = id
		if _, err := h.Notifier.CreateNotification(ctx, r); err != nil && !errors.Is(err, notifications.ErrSuppressed) {
			errs = append(errs, fmt.Errorf("notify %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// names resolves display names in one query. Unknown ids map to "Someone".
func (h *handlers) names(ctx context.Context, ids ...uuid.UUID) map[uuid.UUID]string {
	names, err := h.Users.GetNames(ctx, ids)
	if err != nil {
		slog.Warn("failed to resolve user names", "error", err)
		names = map[uuid.UUID]string{}
	}
	for _, id := range ids {
		if names[id] == "" {
			names[id] = "Someone"
		}
	}
	return names
}

func (h *handlers) name(ctx context.Context, id uuid.UUID) string {
	return h.names(ctx, id)[id]
}

func (h *handlers) scopeName(ctx context.Context, scope models.Scope) string {
	name, err := h.Scopes.ScopeName(ctx, scope)
	if err != nil || name == "" {
		if err != nil {
			slog.Warn("failed to resolve scope name", "scope", scope.String(), "error", err)
		}
		return "a " + string(scope.Kind)
	}
	return name
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }
