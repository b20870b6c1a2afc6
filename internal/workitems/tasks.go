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

// Task statuses
const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskDone       = "done"
)

// TaskInput creates a task
type TaskInput struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=10000"`
	Status      string     `json:"status" validate:"omitempty,oneof=open in_progress blocked done"`
	Priority    string     `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	DueDate     *time.Time `json:"due_date"`
}

// TaskPatch updates a task. Nil fields are unchanged; ClearDueDate removes the due date.
type TaskPatch struct {
	Title        *string    `json:"title" validate:"omitempty,min=1,max=200"`
	Description  *string    `json:"description" validate:"omitempty,max=10000"`
	Status       *string    `json:"status" validate:"omitempty,oneof=open in_progress blocked done"`
	Priority     *string    `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	DueDate      *time.Time `json:"due_date"`
	ClearDueDate bool       `json:"clear_due_date"`
}

func (s *Service) CreateTask(ctx context.Context, projectID uuid.UUID, in TaskInput, actor uuid.UUID) (*models.Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := s.validate.Struct(in); err != nil {
		return nil, s.invalid(err)
	}
	if err := s.requireProjectMember(ctx, projectID, actor); err != nil {
		return nil, err
	}

	t := &models.Task{
		ProjectID:   projectID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		CreatedBy:   actor,
	}
	if t.Status == "" {
		t.Status = TaskOpen
	}
	if t.Priority == "" {
		t.Priority = string(models.PriorityMedium)
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, apperr.Wrap(err, "failed to create task")
	}
	return t, nil
}

// GetTask returns a task visible to the actor
func (s *Service) GetTask(ctx context.Context, id, actor uuid.UUID) (*models.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get task")
	}
	if t == nil {
		return nil, apperr.New(apperr.NotFound, "task not found")
	}
	if err := s.requireProjectMember(ctx, t.ProjectID, actor); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) ListTasks(ctx context.Context, projectID, actor uuid.UUID) ([]*models.Task, error) {
	if err := s.requireProjectMember(ctx, projectID, actor); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list tasks")
	}
	return tasks, nil
}

// UpdateTask applies a partial update and publishes the before and after snapshots
func (s *Service) UpdateTask(ctx context.Context, id uuid.UUID, patch TaskPatch, actor uuid.UUID) (*models.Task, error) {
	if err := s.validate.Struct(patch); err != nil {
		return nil, s.invalid(err)
	}
	before, err := s.GetTask(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	after := *before
	if patch.Title != nil {
		after.Title = strings.TrimSpace(*patch.Title)
		if after.Title == "" {
			return nil, apperr.New(apperr.InvalidInput, "title cannot be empty")
		}
	}
	if patch.Description != nil {
		after.Description = *patch.Description
	}
	if patch.Status != nil {
		after.Status = *patch.Status
	}
	if patch.Priority != nil {
		after.Priority = *patch.Priority
	}
	if patch.DueDate != nil {
		after.DueDate = patch.DueDate
	}
	if patch.ClearDueDate {
		after.DueDate = nil
	}
	after.UpdatedBy = &actor

	if err := s.store.UpdateTask(ctx, &after); err != nil {
		return nil, apperr.Wrap(err, "failed to update task")
	}
	s.events.Publish(ctx, events.TaskUpdated{Before: *before, After: after, ActorID: actor})
	return &after, nil
}

// AssignTask assigns a project member. Assigning someone already assigned is a no-op.
func (s *Service) AssignTask(ctx context.Context, taskID, assignee, actor uuid.UUID) error {
	t, err := s.GetTask(ctx, taskID, actor)
	if err != nil {
		return err
	}
	if err := s.requireAssignable(ctx, t.ProjectID, assignee); err != nil {
		return err
	}
	added, err := s.store.AddAssignee(ctx, models.TaskRef{ID: t.ID}, assignee, actor)
	if err != nil {
		return apperr.Wrap(err, "failed to assign task")
	}
	if added {
		s.events.Publish(ctx, events.TaskAssigned{TaskID: t.ID, ProjectID: t.ProjectID, AssigneeID: assignee, ActorID: actor})
	}
	return nil
}

func (s *Service) UnassignTask(ctx context.Context, taskID, assignee, actor uuid.UUID) error {
	t, err := s.GetTask(ctx, taskID, actor)
	if err != nil {
		return err
	}
	removed, err := s.store.RemoveAssignee(ctx, models.TaskRef{ID: t.ID}, assignee)
	if err != nil {
		return apperr.Wrap(err, "failed to unassign task")
	}
	if !removed {
		return apperr.New(apperr.NotFound, "user is not assigned to this task")
	}
	s.events.Publish(ctx, events.TaskUnassigned{TaskID: t.ID, ProjectID: t.ProjectID, AssigneeID: assignee, ActorID: actor})
	return nil
}

func (s *Service) ListTaskAssignees(ctx context.Context, taskID, actor uuid.UUID) ([]uuid.UUID, error) {
	t, err := s.GetTask(ctx, taskID, actor)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.ListAssignees(ctx, models.TaskRef{ID: t.ID})
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list assignees")
	}
	return ids, nil
}

// CommentOnTask stores a comment. Mentions of users outside the project are dropped.
func (s *Service) CommentOnTask(ctx context.Context, taskID uuid.UUID, content string, mentions []uuid.UUID, actor uuid.UUID) (*models.Comment, error) {
	content = strings.TrimSpace(content)
	if err := s.validate.Var(content, "required,max=5000"); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "comment must be between 1 and 5000 characters")
	}
	t, err := s.GetTask(ctx, taskID, actor)
	if err != nil {
		return nil, err
	}
	mentioned, err := s.activeMembers(ctx, t.ProjectID, mentions)
	if err != nil {
		return nil, err
	}

	c := &models.Comment{EntityType: models.EntityTask, EntityID: t.ID, UserID: actor, Content: content}
	if err := s.store.CreateComment(ctx, c); err != nil {
		return nil, apperr.Wrap(err, "failed to add comment")
	}
	s.events.Publish(ctx, events.CommentAdded{Comment: *c, ProjectID: t.ProjectID, Mentions: mentioned})
	return c, nil
}

func (s *Service) ListTaskComments(ctx context.Context, taskID, actor uuid.UUID) ([]*models.Comment, error) {
	t, err := s.GetTask(ctx, taskID, actor)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, models.TaskRef{ID: t.ID})
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list comments")
	}
	return comments, nil
}
