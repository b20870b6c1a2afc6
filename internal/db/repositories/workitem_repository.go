// workitem_repository.go implements WorkItemRepository for tasks, forms, site diaries,
// their assignees and comments.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/conpanion/conpanion/internal/db/models"
)

const (
	taskColumns      = `id, project_id, title, description, status, priority, due_date, created_by, updated_by, created_at, updated_at`
	formColumns      = `id, project_id, name, description, created_by, created_at, updated_at`
	siteDiaryColumns = `id, project_id, name, entry_date, created_by, created_at, updated_at`
)

// WorkItemRepository handles database operations for project work items
type WorkItemRepository struct {
	db *sqlx.DB
}

// NewWorkItemRepository creates a new work item repository
func NewWorkItemRepository(db *sqlx.DB) *WorkItemRepository {
	return &WorkItemRepository{db: db}
}

// getByID loads one row into dest, returning false when it does not exist
func (r *WorkItemRepository) getByID(ctx context.Context, dest interface{}, columns, table string, id uuid.UUID) (bool, error) {
	err := r.db.GetContext(ctx, dest, `SELECT `+columns+` FROM `+table+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", table, err)
	}
	return true, nil
}

// ============================================================================
// Tasks
// ============================================================================

// CreateTask inserts a task
func (r *WorkItemRepository) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, priority, due_date, created_by, created_at, updated_at)
		VALUES (:id, :project_id, :title, :description, :status, :priority, :due_date, :created_by, :created_at, :updated_at)
	`, t)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (r *WorkItemRepository) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var t models.Task
	found, err := r.getByID(ctx, &t, taskColumns, "tasks", id)
	if !found {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns the tasks of a project, newest first
func (r *WorkItemRepository) ListTasks(ctx context.Context, projectID uuid.UUID) ([]*models.Task, error) {
	tasks := []*models.Task{}
	if err := r.db.SelectContext(ctx, &tasks, `SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY created_at DESC`, projectID); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask writes the task's mutable fields
func (r *WorkItemRepository) UpdateTask(ctx context.Context, t *models.Task) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE tasks
		SET title = :title, description = :description, status = :status, priority = :priority,
			due_date = :due_date, updated_by = :updated_by, updated_at = :updated_at
		WHERE id = :id
	`, t)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// ============================================================================
// Forms and site diaries
// ============================================================================

// CreateForm inserts a form
func (r *WorkItemRepository) CreateForm(ctx context.Context, f *models.Form) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO forms (id, project_id, name, description, created_by, created_at, updated_at)
		VALUES (:id, :project_id, :name, :description, :created_by, :created_at, :updated_at)
	`, f)
	if err != nil {
		return fmt.Errorf("failed to create form: %w", err)
	}
	return nil
}

// GetForm retrieves a form by ID
func (r *WorkItemRepository) GetForm(ctx context.Context, id uuid.UUID) (*models.Form, error) {
	var f models.Form
	found, err := r.getByID(ctx, &f, formColumns, "forms", id)
	if !found {
		return nil, err
	}
	return &f, nil
}

// ListForms returns the forms of a project, newest first
func (r *WorkItemRepository) ListForms(ctx context.Context, projectID uuid.UUID) ([]*models.Form, error) {
	forms := []*models.Form{}
	if err := r.db.SelectContext(ctx, &forms, `SELECT `+formColumns+` FROM forms WHERE project_id = $1 ORDER BY created_at DESC`, projectID); err != nil {
		return nil, fmt.Errorf("failed to list forms: %w", err)
	}
	return forms, nil
}

// CreateSiteDiary inserts a site diary
func (r *WorkItemRepository) CreateSiteDiary(ctx context.Context, d *models.SiteDiary) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO site_diaries (id, project_id, name, entry_date, created_by, created_at, updated_at)
		VALUES (:id, :project_id, :name, :entry_date, :created_by, :created_at, :updated_at)
	`, d)
	if err != nil {
		return fmt.Errorf("failed to create site diary: %w", err)
	}
	return nil
}

// GetSiteDiary retrieves a site diary by ID
func (r *WorkItemRepository) GetSiteDiary(ctx context.Context, id uuid.UUID) (*models.SiteDiary, error) {
	var d models.SiteDiary
	found, err := r.getByID(ctx, &d, siteDiaryColumns, "site_diaries", id)
	if !found {
		return nil, err
	}
	return &d, nil
}

// ListSiteDiaries returns the site diaries of a project, latest entry first
func (r *WorkItemRepository) ListSiteDiaries(ctx context.Context, projectID uuid.UUID) ([]*models.SiteDiary, error) {
	diaries := []*models.SiteDiary{}
	if err := r.db.SelectContext(ctx, &diaries, `SELECT `+siteDiaryColumns+` FROM site_diaries WHERE project_id = $1 ORDER BY entry_date DESC, created_at DESC`, projectID); err != nil {
		return nil, fmt.Errorf("failed to list site diaries: %w", err)
	}
	return diaries, nil
}

// ============================================================================
// Assignees and comments
// ============================================================================

// AddAssignee assigns a user to an entity. It returns false if they were already assigned.
func (r *WorkItemRepository) AddAssignee(ctx context.Context, ref models.EntityRef, userID, assignedBy uuid.UUID) (bool, error) {
	query := `
		INSERT INTO entity_assignees (entity_type, entity_id, user_id, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (entity_type, entity_id, user_id) DO NOTHING
	`
	return execAffected(ctx, r.db, "assign user", query, ref.Kind(), ref.EntityID(), userID, assignedBy)
}

// RemoveAssignee unassigns a user from an entity. It returns false if they were not assigned.
func (r *WorkItemRepository) RemoveAssignee(ctx context.Context, ref models.EntityRef, userID uuid.UUID) (bool, error) {
	query := `DELETE FROM entity_assignees WHERE entity_type = $1 AND entity_id = $2 AND user_id = $3`
	return execAffected(ctx, r.db, "unassign user", query, ref.Kind(), ref.EntityID(), userID)
}

// ListAssignees returns the IDs of users assigned to an entity, in assignment order
func (r *WorkItemRepository) ListAssignees(ctx context.Context, ref models.EntityRef) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	query := `SELECT user_id FROM entity_assignees WHERE entity_type = $1 AND entity_id = $2 ORDER BY assigned_at, user_id`
	if err := r.db.SelectContext(ctx, &ids, query, ref.Kind(), ref.EntityID()); err != nil {
		return nil, fmt.Errorf("failed to list assignees: %w", err)
	}
	return ids, nil
}

// CreateComment inserts a comment on an entity
func (r *WorkItemRepository) CreateComment(ctx context.Context, c *models.Comment) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO comments (id, entity_type, entity_id, user_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.EntityType, c.EntityID, c.UserID, c.Content, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create comment: %w", err)
	}
	return nil
}

// ListComments returns the comments on an entity, oldest first
func (r *WorkItemRepository) ListComments(ctx context.Context, ref models.EntityRef) ([]*models.Comment, error) {
	comments := []*models.Comment{}
	query := `SELECT id, entity_type, entity_id, user_id, content, created_at FROM comments
		WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &comments, query, ref.Kind(), ref.EntityID()); err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return comments, nil
}
