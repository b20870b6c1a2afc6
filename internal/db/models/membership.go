// Package models - membership.go defines organization and project memberships, the
// roles each scope accepts, and the Scope value used to address either kind.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScopeKind distinguishes organization-level from project-level membership
type ScopeKind string

const (
	ScopeOrganization ScopeKind = "organization"
	ScopeProject      ScopeKind = "project"
)

// Scope addresses a single organization or project
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// OrganizationScope returns the scope for an organization
func OrganizationScope(id uuid.UUID) Scope { return Scope{Kind: ScopeOrganization, ID: id} }

// ProjectScope returns the scope for a project
func ProjectScope(id uuid.UUID) Scope { return Scope{Kind: ScopeProject, ID: id} }

func (s Scope) String() string { return fmt.Sprintf("%s:%s", s.Kind, s.ID) }

// Role is a membership role
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleGuest  Role = "guest" // organizations only
)

// ValidRole reports whether role is accepted for the given scope kind.
func ValidRole(kind ScopeKind, role Role) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleMember:
		return kind == ScopeOrganization || kind == ScopeProject
	case RoleGuest:
		return kind == ScopeOrganization
	}
	return false
}

// MembershipStatus is the lifecycle state of a membership row
type MembershipStatus string

const (
	MembershipPending     MembershipStatus = "pending"
	MembershipActive      MembershipStatus = "active"
	MembershipDeactivated MembershipStatus = "deactivated"
)

// Membership is a user's membership in an organization or project. ScopeID holds
// the organization_id or project_id depending on the table it was read from.
type Membership struct {
	ID        uuid.UUID        `db:"id" json:"id"`
	ScopeID   uuid.UUID        `db:"scope_id" json:"scope_id"`
	UserID    uuid.UUID        `db:"user_id" json:"user_id"`
	Role      Role             `db:"role" json:"role"`
	Status    MembershipStatus `db:"status" json:"status"`
	JoinedAt  *time.Time       `db:"joined_at" json:"joined_at,omitempty"`
	LeftAt    *time.Time       `db:"left_at" json:"left_at,omitempty"`
	InvitedBy *uuid.UUID       `db:"invited_by" json:"invited_by,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt time.Time        `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the membership grants access
func (m *Membership) IsActive() bool {
	return m != nil && m.Status == MembershipActive
}

// MemberWithUser is a membership joined with the member's account details for listings
type MemberWithUser struct {
	Membership
	UserEmail string `db:"user_email" json:"user_email"`
	UserName  string `db:"user_name" json:"user_name"`
}

// UserMembership is one of the caller's memberships with the scope's display name
type UserMembership struct {
	ScopeKind      ScopeKind  `db:"scope_kind" json:"scope_kind"`
	ScopeID        uuid.UUID  `db:"scope_id" json:"scope_id"`
	ScopeName      string     `db:"scope_name" json:"scope_name"`
	OrganizationID uuid.UUID  `db:"organization_id" json:"organization_id"`
	Role           Role       `db:"role" json:"role"`
	JoinedAt       *time.Time `db:"joined_at" json:"joined_at,omitempty"`
}
