// Package models - workitem.go defines the project work items that drive notifications:
// tasks, forms, site diaries, comments and approvals.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work inside a project
type Task struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	ProjectID   uuid.UUID  `db:"project_id" json:"project_id"`
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	Status      string     `db:"status" json:"status"`
	Priority    string     `db:"priority" json:"priority"`
	DueDate     *time.Time `db:"due_date" json:"due_date,omitempty"`
	CreatedBy   uuid.UUID  `db:"created_by" json:"created_by"`
	UpdatedBy   *uuid.UUID `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Form is a form template assigned to project members for completion
type Form struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ProjectID   uuid.UUID `db:"project_id" json:"project_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	CreatedBy   uuid.UUID `db:"created_by" json:"created_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// SiteDiary is a daily site log
type SiteDiary struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ProjectID uuid.UUID `db:"project_id" json:"project_id"`
	Name      string    `db:"name" json:"name"`
	EntryDate time.Time `db:"entry_date" json:"entry_date"`
	CreatedBy uuid.UUID `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Assignee links a user to an entity they are responsible for
type Assignee struct {
	EntityType EntityKind `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID  `db:"entity_id" json:"entity_id"`
	UserID     uuid.UUID  `db:"user_id" json:"user_id"`
	AssignedBy uuid.UUID  `db:"assigned_by" json:"assigned_by"`
	AssignedAt time.Time  `db:"assigned_at" json:"assigned_at"`
}

// Comment is a note left on an entity
type Comment struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	EntityType EntityKind `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID  `db:"entity_id" json:"entity_id"`
	UserID     uuid.UUID  `db:"user_id" json:"user_id"`
	Content    string     `db:"content" json:"content"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// ApprovalStatus represents the status of an approval request
type ApprovalStatus string

const (
	ApprovalStatusPending           ApprovalStatus = "pending"
	ApprovalStatusApproved          ApprovalStatus = "approved"
	ApprovalStatusDeclined          ApprovalStatus = "declined"
	ApprovalStatusRevisionRequested ApprovalStatus = "revision_requested"
)

// IsTerminal reports whether no further responses are accepted
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalStatusPending
}

// ValidResponse reports whether s is a status an approver may respond with
func (s ApprovalStatus) ValidResponse() bool {
	switch s {
	case ApprovalStatusApproved, ApprovalStatusDeclined, ApprovalStatusRevisionRequested:
		return true
	}
	return false
}

// Approval is a request for sign-off from one or more approvers
type Approval struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	ProjectID   uuid.UUID      `db:"project_id" json:"project_id"`
	EntityType  *string        `db:"entity_type" json:"entity_type,omitempty"`
	EntityID    *uuid.UUID     `db:"entity_id" json:"entity_id,omitempty"`
	Title       string         `db:"title" json:"title"`
	RequesterID uuid.UUID      `db:"requester_id" json:"requester_id"`
	Status      ApprovalStatus `db:"status" json:"status"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`

	// Joined fields (not in the approvals table)
	Approvers []uuid.UUID         `db:"-" json:"approvers"`
	Responses []*ApprovalResponse `db:"-" json:"responses,omitempty"`
}

// ApprovalResponse is one approver's decision
type ApprovalResponse struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	ApprovalID uuid.UUID      `db:"approval_id" json:"approval_id"`
	ApproverID uuid.UUID      `db:"approver_id" json:"approver_id"`
	Status     ApprovalStatus `db:"status" json:"status"`
	Comment    string         `db:"comment" json:"comment"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}
