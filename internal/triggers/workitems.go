package triggers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/events"
	"github.com/conpanion/conpanion/internal/notifications"
)

func (h *handlers) taskAssigned(ctx context.Context, e events.Event) error {
	ev := e.(events.TaskAssigned)
	return h.taskAssignment(ctx, ev.TaskID, ev.ProjectID, ev.AssigneeID, ev.ActorID, models.NotificationTaskAssigned, models.PriorityHigh)
}

func (h *handlers) taskUnassigned(ctx context.Context, e events.Event) error {
	ev := e.(events.TaskUnassigned)
	return h.taskAssignment(ctx, ev.TaskID, ev.ProjectID, ev.AssigneeID, ev.ActorID, models.NotificationTaskUnassigned, models.PriorityMedium)
}

func (h *handlers) taskAssignment(ctx context.Context, taskID, projectID, assignee, actor uuid.UUID, t models.NotificationType, p models.Priority) error {
	if assignee == actor {
		return nil
	}
	task, err := h.WorkItems.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	return h.notifyAll(ctx, []uuid.UUID{assignee}, nil, notifications.Request{
		Type:         t,
		TemplateArgs: []string{h.name(ctx, actor), task.Title, h.scopeName(ctx, models.ProjectScope(projectID))},
		Data:         map[string]any{"task_id": task.ID, "project_id": projectID},
		Entity:       models.TaskRef{ID: task.ID},
		Priority:     p,
		ActorID:      ptr(actor),
	})
}

func (h *handlers) taskUpdated(ctx context.Context, e events.Event) error {
	ev := e.(events.TaskUpdated)
	changes := DiffTask(ev.Before, ev.After)
	if len(changes) == 0 {
		return nil
	}

	assignees, err := h.WorkItems.ListAssignees(ctx, models.TaskRef{ID: ev.After.ID})
	if err != nil {
		return err
	}
	if len(assignees) == 0 {
		return nil
	}

	fields := make([]string, len(changes))
	for i, c := range changes {
		fields[i] = c.Field
	}
	return h.notifyAll(ctx, assignees, []uuid.UUID{ev.ActorID}, notifications.Request{
		Type:         models.NotificationTaskUpdated,
		TemplateArgs: []string{h.name(ctx, ev.ActorID), ev.After.Title, FormatChanges(changes)},
		Data:         map[string]any{"task_id": ev.After.ID, "project_id": ev.After.ProjectID, "changed_fields": fields},
		Entity:       models.TaskRef{ID: ev.After.ID},
		Priority:     models.PriorityMedium,
		ActorID:      ptr(ev.ActorID),
	})
}

// commentAdded notifies mentioned users with comment_mention, and on tasks, the
// assignees and creator with task_comment. A mentioned user gets only the mention.
func (h *handlers) commentAdded(ctx context.Context, e events.Event) error {
	ev := e.(events.CommentAdded)
	c := ev.Comment
	ref, err := models.ParseEntityRef(c.EntityType, c.EntityID)
	if err != nil {
		return err
	}

	title, err := h.entityTitle(ctx, ref)
	if err != nil {
		return err
	}
	commenter := h.name(ctx, c.UserID)
	data := map[string]any{"comment_id": c.ID, "entity_type": c.EntityType, "entity_id": c.EntityID, "project_id": ev.ProjectID}
	snippet := excerpt(c.Content, 140)

	mentionErr := h.notifyAll(ctx, ev.Mentions, []uuid.UUID{c.UserID}, notifications.Request{
		Type:         models.NotificationCommentMention,
		TemplateArgs: []string{commenter, title, snippet},
		Data:         data,
		Entity:       ref,
		Priority:     models.PriorityHigh,
		ActorID:      ptr(c.UserID),
	})

	task, ok := ref.(models.TaskRef)
	if !ok {
		return mentionErr
	}
	assignees, err := h.WorkItems.ListAssignees(ctx, task)
	if err != nil {
		return errors.Join(mentionErr, err)
	}
	recipients := assignees
	if t, err := h.WorkItems.GetTask(ctx, task.ID); err == nil && t != nil {
		recipients = append(recipients, t.CreatedBy)
	}
	exclude := append([]uuid.UUID{c.UserID}, ev.Mentions...)

	return errors.Join(mentionErr, h.notifyAll(ctx, recipients, exclude, notifications.Request{
		Type:         models.NotificationTaskComment,
		TemplateArgs: []string{commenter, title, snippet},
		Data:         data,
		Entity:       ref,
		Priority:     models.PriorityMedium,
		ActorID:      ptr(c.UserID),
	}))
}

func (h *handlers) formAssigned(ctx context.Context, e events.Event) error {
	ev := e.(events.FormAssigned)
	return h.formAssignment(ctx, ev.FormID, ev.ProjectID, ev.AssigneeID, ev.ActorID, models.NotificationFormAssigned, models.PriorityMedium)
}

func (h *handlers) formUnassigned(ctx context.Context, e events.Event) error {
	ev := e.(events.FormUnassigned)
	return h.formAssignment(ctx, ev.FormID, ev.ProjectID, ev.AssigneeID, ev.ActorID, models.NotificationFormUnassigned, models.PriorityLow)
}

func (h *handlers) formAssignment(ctx context.Context, formID, projectID, assignee, actor uuid.UUID, t models.NotificationType, p models.Priority) error {
	if assignee == actor {
		return nil
	}
	form, err := h.WorkItems.GetForm(ctx, formID)
	if err != nil {
		return err
	}
	if form == nil {
		return fmt.Errorf("form %s not found", formID)
	}

	return h.notifyAll(ctx, []uuid.UUID{assignee}, nil, notifications.Request{
		Type:         t,
		TemplateArgs: []string{h.name(ctx, actor), form.Name, h.scopeName(ctx, models.ProjectScope(projectID))},
		Data:         map[string]any{"form_id": form.ID, "project_id": projectID},
		Entity:       models.FormRef{ID: form.ID},
		Priority:     p,
		ActorID:      ptr(actor),
	})
}

func (h *handlers) entityAssigned(ctx context.Context, e events.Event) error {
	ev := e.(events.EntityAssigned)
	if ev.AssigneeID == ev.ActorID {
		return nil
	}
	label := strings.ReplaceAll(string(ev.Entity.Kind()), "_", " ")

	return h.notifyAll(ctx, []uuid.UUID{ev.AssigneeID}, nil, notifications.Request{
		Type:         models.NotificationEntityAssigned,
		TemplateArgs: []string{h.name(ctx, ev.ActorID), label, ev.EntityName, h.scopeName(ctx, models.ProjectScope(ev.ProjectID))},
		Data:         map[string]any{"entity_type": ev.Entity.Kind(), "entity_id": ev.Entity.EntityID(), "project_id": ev.ProjectID},
		Entity:       ev.Entity,
		Priority:     models.PriorityMedium,
		ActorID:      ptr(ev.ActorID),
	})
}

// FieldChange is one user-visible difference between two task snapshots
type FieldChange struct {
	Field string
	From  string
	To    string
}

// DiffTask compares the fields a person would care about. Audit columns
// (created_at, updated_at, updated_by) are not considered.
func DiffTask(before, after models.Task) []FieldChange {
	var changes []FieldChange
	add := func(field, from, to string) {
		if from != to {
			changes = append(changes, FieldChange{Field: field, From: from, To: to})
		}
	}
	add("title", before.Title, after.Title)
	add("description", before.Description, after.Description)
	add("status", before.Status, after.Status)
	add("priority", before.Priority, after.Priority)
	add("due_date", formatDate(before.DueDate), formatDate(after.DueDate))
	return changes
}

// FormatChanges renders changes for a notification message
func FormatChanges(changes []FieldChange) string {
	parts := make([]string, 0, len(changes))
	for _, c := range changes {
		switch c.Field {
		case "description":
			parts = append(parts, "description updated")
		case "due_date":
			parts = append(parts, fmt.Sprintf("due date %s → %s", c.From, c.To))
		default:
			parts = append(parts, fmt.Sprintf("%s %q → %q", c.Field, c.From, c.To))
		}
	}
	return strings.Join(parts, ", ")
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.Format("2006-01-02")
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
