// Package models - entity.go defines EntityRef, the typed reference a notification,
// comment or approval holds to the thing it is about.
package models

import (
	"fmt"

	"github.com/google/uuid"
)

// EntityKind is the storage tag for an entity reference (the entity_type column)
type EntityKind string

const (
	EntityTask         EntityKind = "task"
	EntityForm         EntityKind = "form"
	EntitySiteDiary    EntityKind = "site_diary"
	EntityApproval     EntityKind = "approval"
	EntityOrganization EntityKind = "organization"
	EntityProject      EntityKind = "project"
)

// EntityRef is a reference to one domain entity. The set of implementations is
// closed; consumers switch over it with an EntityVisitor.
type EntityRef interface {
	Kind() EntityKind
	EntityID() uuid.UUID
	Accept(v EntityVisitor)
	entityRef()
}

// EntityVisitor has one method per entity kind
type EntityVisitor interface {
	VisitTask(TaskRef)
	VisitForm(FormRef)
	VisitSiteDiary(SiteDiaryRef)
	VisitApproval(ApprovalRef)
	VisitOrganization(OrganizationRef)
	VisitProject(ProjectRef)
}

type TaskRef struct{ ID uuid.UUID }
type FormRef struct{ ID uuid.UUID }
type SiteDiaryRef struct{ ID uuid.UUID }
type ApprovalRef struct{ ID uuid.UUID }
type OrganizationRef struct{ ID uuid.UUID }
type ProjectRef struct{ ID uuid.UUID }

func (TaskRef) Kind() EntityKind         { return EntityTask }
func (FormRef) Kind() EntityKind         { return EntityForm }
func (SiteDiaryRef) Kind() EntityKind    { return EntitySiteDiary }
func (ApprovalRef) Kind() EntityKind     { return EntityApproval }
func (OrganizationRef) Kind() EntityKind { return EntityOrganization }
func (ProjectRef) Kind() EntityKind      { return EntityProject }

func (r TaskRef) EntityID() uuid.UUID         { return r.ID }
func (r FormRef) EntityID() uuid.UUID         { return r.ID }
func (r SiteDiaryRef) EntityID() uuid.UUID    { return r.ID }
func (r ApprovalRef) EntityID() uuid.UUID     { return r.ID }
func (r OrganizationRef) EntityID() uuid.UUID { return r.ID }
func (r ProjectRef) EntityID() uuid.UUID      { return r.ID }

func (r TaskRef) Accept(v EntityVisitor)         { v.VisitTask(r) }
func (r FormRef) Accept(v EntityVisitor)         { v.VisitForm(r) }
func (r SiteDiaryRef) Accept(v EntityVisitor)    { v.VisitSiteDiary(r) }
func (r ApprovalRef) Accept(v EntityVisitor)     { v.VisitApproval(r) }
func (r OrganizationRef) Accept(v EntityVisitor) { v.VisitOrganization(r) }
func (r ProjectRef) Accept(v EntityVisitor)      { v.VisitProject(r) }

func (TaskRef) entityRef()         {}
func (FormRef) entityRef()         {}
func (SiteDiaryRef) entityRef()    {}
func (ApprovalRef) entityRef()     {}
func (OrganizationRef) entityRef() {}
func (ProjectRef) entityRef()      {}

// ParseEntityRef converts a stored (entity_type, entity_id) pair back into a reference.
func ParseEntityRef(kind EntityKind, id uuid.UUID) (EntityRef, error) {
	switch kind {
	case EntityTask:
		return TaskRef{ID: id}, nil
	case EntityForm:
		return FormRef{ID: id}, nil
	case EntitySiteDiary:
		return SiteDiaryRef{ID: id}, nil
	case EntityApproval:
		return ApprovalRef{ID: id}, nil
	case EntityOrganization:
		return OrganizationRef{ID: id}, nil
	case EntityProject:
		return ProjectRef{ID: id}, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

// EntityColumns returns the nullable (entity_type, entity_id) pair for storage.
func EntityColumns(ref EntityRef) (*string, *uuid.UUID) {
	if ref == nil {
		return nil, nil
	}
	kind := string(ref.Kind())
	id := ref.EntityID()
	return &kind, &id
}
