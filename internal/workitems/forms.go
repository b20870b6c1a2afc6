package workitems

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/events"
)

// FormInput creates a form
type FormInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=10000"`
}

// SiteDiaryInput creates a site diary entry
type SiteDiaryInput struct {
	Name      string    `json:"name" validate:"required,max=200"`
	EntryDate time.Time `json:"entry_date" validate:"required"`
}

func (s *Service) CreateForm(ctx context.Context, projectID uuid.UUID, in FormInput, actor uuid.UUID) (*models.Form, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return nil, s.invalid(err)
	}
	if err := s.requireProjectMember(ctx, projectID, actor); err != nil {
		return nil, err
	}
	f := &models.Form{ProjectID: projectID, Name: in.Name, Description: in.Description, CreatedBy: actor}
	if err := s.store.CreateForm(ctx, f); err != nil {
		return nil, apperr.Wrap(err, "failed to create form")
	}
	return f, nil
}

func (s *Service) ListForms(ctx context.Context, projectID, actor uuid.UUID) ([]*models.Form, error) {
	if err := s.requireProjectMember(ctx, projectID, actor); err != nil {
		return nil, err
	}
	forms, err := s.store.ListForms(ctx, projectID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list forms")
	}
	return forms, nil
}

func (s *Service) getForm(ctx context.Context, id, actor uuid.UUID) (*models.Form, error) {
	f, err := s.store.GetForm(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get form")
	}
	if f == nil {
		return nil, apperr.New(apperr.NotFound, "form not found")
	}
	if err := s.requireProjectMember(ctx, f.ProjectID, actor); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) AssignForm(ctx context.Context, formID, assignee, actor uuid.UUID) error {
	f, err := s.getForm(ctx, formID, actor)
	if err != nil {
		return err
	}
	if err := s.requireAssignable(ctx, f.ProjectID, assignee); err != nil {
		return err
	}
	added, err := s.store.AddAssignee(ctx, models.FormRef{ID: f.ID}, assignee, actor)
	if err != nil {
		return apperr.Wrap(err, "failed to assign form")
	}
	if added {
		s.events.Publish(ctx, events.FormAssigned{FormID: f.ID, ProjectID: f.ProjectID, AssigneeID: assignee, ActorID: actor})
	}
	return nil
}

func (s *Service) UnassignForm(ctx context.Context, formID, assignee, actor uuid.UUID) error {
	f, err := s.getForm(ctx, formID, actor)
	if err != nil {
		return err
	}
	removed, err := s.store.RemoveAssignee(ctx, models.FormRef{ID: f.ID}, assignee)
	if err != nil {
		return apperr.Wrap(err, "failed to unassign form")
	}
	if !removed {
		return apperr.New(apperr.NotFound, "user is not assigned to this form")
	}
	s.events.Publish(ctx, events.FormUnassigned{FormID: f.ID, ProjectID: f.ProjectID, AssigneeID: assignee, ActorID: actor})
	return nil
}

func (s *Service) CreateSiteDiary(ctx context.Context, projectID uuid.UUID, in SiteDiaryInput, actor uuid.UUID) (*models.SiteDiary, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return nil, s.invalid(err)
	}
	if err := s.requireProjectMember(ctx, projectID, actor); err != nil {
		return nil, err
	}
	d := &models.SiteDiary{ProjectID: projectID, Name: in.Name, EntryDate: in.EntryDate, CreatedBy: actor}
	if err := s.store.CreateSiteDiary(ctx, d); err != nil {
		return nil, apperr.Wrap(err, "failed to create site diary")
	}
	return d, nil
}

func (s *Service) ListSiteDiaries(ctx context.Context, projectID, actor uuid.UUID) ([]*models.SiteDiary, error) {
	if err := s.requireProjectMember(ctx, projectID, actor); err != nil {
		return nil, err
	}
	diaries, err := s.store.ListSiteDiaries(ctx, projectID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list site diaries")
	}
	return diaries, nil
}

// AssignSiteDiary assigns a project member to a site diary entry
func (s *Service) AssignSiteDiary(ctx context.Context, diaryID, assignee, actor uuid.UUID) error {
	d, err := s.store.GetSiteDiary(ctx, diaryID)
	if err != nil {
		return apperr.Wrap(err, "failed to get site diary")
	}
	if d == nil {
		return apperr.New(apperr.NotFound, "site diary not found")
	}
	if err := s.requireProjectMember(ctx, d.ProjectID, actor); err != nil {
		return err
	}
	if err := s.requireAssignable(ctx, d.ProjectID, assignee); err != nil {
		return err
	}

	ref := models.SiteDiaryRef{ID: d.ID}
	added, err := s.store.AddAssignee(ctx, ref, assignee, actor)
	if err != nil {
		return apperr.Wrap(err, "failed to assign site diary")
	}
	if added {
		s.events.Publish(ctx, events.EntityAssigned{Entity: ref, EntityName: d.Name, ProjectID: d.ProjectID, AssigneeID: assignee, ActorID: actor})
	}
	return nil
}
