// Package models - invitation.go defines the Invitation model shared by organization
// and project invitations, and its status lifecycle.
package models

import (
	"time"

	"github.com/google/uuid"
)

// InvitationStatus is the lifecycle state of an invitation
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

// Invitation is an offer of membership in an organization or project
type Invitation struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	ScopeType      ScopeKind        `db:"scope_type" json:"scope_type"`
	OrganizationID uuid.UUID        `db:"organization_id" json:"organization_id"`
	ProjectID      *uuid.UUID       `db:"project_id" json:"project_id,omitempty"`
	Email          string           `db:"email" json:"email"`
	UserID         *uuid.UUID       `db:"user_id" json:"user_id,omitempty"`
	Role           Role             `db:"role" json:"role"`
	Token          string           `db:"token" json:"-"`
	InvitedBy      uuid.UUID        `db:"invited_by" json:"invited_by"`
	Status         InvitationStatus `db:"status" json:"status"`
	IssuedAt       time.Time        `db:"issued_at" json:"issued_at"`
	ExpiresAt      time.Time        `db:"expires_at" json:"expires_at"`
	ResendCount    int              `db:"resend_count" json:"resend_count"`
	LastResendAt   *time.Time       `db:"last_resend_at" json:"last_resend_at,omitempty"`
	AcceptedAt     *time.Time       `db:"accepted_at" json:"accepted_at,omitempty"`
	DeclinedAt     *time.Time       `db:"declined_at" json:"declined_at,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// Scope returns the organization or project the invitation grants access to
func (i *Invitation) Scope() Scope {
	if i.ScopeType == ScopeProject && i.ProjectID != nil {
		return ProjectScope(*i.ProjectID)
	}
	return OrganizationScope(i.OrganizationID)
}

// IsExpired checks if the invitation is past its expiry at the given time
func (i *Invitation) IsExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// InvitationPreview is the public view of an invitation shown on the landing page
type InvitationPreview struct {
	ScopeType        ScopeKind        `json:"scope_type"`
	ScopeName        string           `json:"scope_name"`
	OrganizationName string           `json:"organization_name"`
	InviterName      string           `json:"inviter_name"`
	Email            string           `json:"email"`
	Role             Role             `json:"role"`
	Status           InvitationStatus `json:"status"`
	ExpiresAt        time.Time        `json:"expires_at"`
	Expired          bool             `json:"expired"`
}
