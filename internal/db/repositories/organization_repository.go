// organization_repository.go implements OrganizationRepository, providing database queries
// for organization and project creation and lookup.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/conpanion/conpanion/internal/db"
	"github.com/conpanion/conpanion/internal/db/models"
)

const (
	organizationColumns = `id, name, slug, created_by, created_at, updated_at`
	projectColumns      = `id, organization_id, name, description, created_by, created_at, updated_at`
)

// OrganizationRepository handles database operations for organizations and projects
type OrganizationRepository struct {
	db *sqlx.DB
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *sqlx.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// CreateWithOwner inserts the organization and makes its creator an active owner,
// in one transaction.
func (r *OrganizationRepository) CreateWithOwner(ctx context.Context, org *models.Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now

	return db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO organizations (id, name, slug, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, org.ID, org.Name, org.Slug, org.CreatedBy, org.CreatedAt, org.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}

		if _, err := activateMembership(ctx, tx, models.OrganizationScope(org.ID), org.CreatedBy, models.RoleOwner, nil); err != nil {
			return err
		}
		return nil
	})
}

// GetByID retrieves an organization by ID
func (r *OrganizationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	err := r.db.GetContext(ctx, &org, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// SlugExists reports whether an organization already uses slug
func (r *OrganizationRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM organizations WHERE slug = $1)`, slug); err != nil {
		return false, fmt.Errorf("failed to check organization slug: %w", err)
	}
	return exists, nil
}

// ListForUser returns the organizations where the user holds an active membership
func (r *OrganizationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Organization, error) {
	query := `
		SELECT o.id, o.name, o.slug, o.created_by, o.created_at, o.updated_at
		FROM organizations o
		JOIN organization_memberships m ON m.organization_id = o.id
		WHERE m.user_id = $1 AND m.status = 'active'
		ORDER BY o.name
	`
	orgs := []*models.Organization{}
	if err := r.db.SelectContext(ctx, &orgs, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return orgs, nil
}

// CreateProjectWithOwner inserts the project and makes its creator an active owner,
// in one transaction.
func (r *OrganizationRepository) CreateProjectWithOwner(ctx context.Context, project *models.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now().UTC()
	project.CreatedAt, project.UpdatedAt = now, now

	return db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, organization_id, name, description, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, project.ID, project.OrganizationID, project.Name, project.Description, project.CreatedBy, project.CreatedAt, project.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}

		if _, err := activateMembership(ctx, tx, models.ProjectScope(project.ID), project.CreatedBy, models.RoleOwner, nil); err != nil {
			return err
		}
		return nil
	})
}

// GetProject retrieves a project by ID
func (r *OrganizationRepository) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var project models.Project
	err := r.db.GetContext(ctx, &project, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

// ListProjects returns the projects of an organization, oldest first
func (r *OrganizationRepository) ListProjects(ctx context.Context, orgID uuid.UUID) ([]*models.Project, error) {
	projects := []*models.Project{}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE organization_id = $1 ORDER BY created_at, id`
	if err := r.db.SelectContext(ctx, &projects, query, orgID); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// ScopeName returns the display name of an organization or project, or "" if it does not exist
func (r *OrganizationRepository) ScopeName(ctx context.Context, scope models.Scope) (string, error) {
	table := "organizations"
	if scope.Kind == models.ScopeProject {
		table = "projects"
	}

	var name string
	err := r.db.GetContext(ctx, &name, `SELECT name FROM `+table+` WHERE id = $1`, scope.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s name: %w", scope.Kind, err)
	}
	return name, nil
}

// oldestProject returns the first project created in the organization, or nil
func oldestProject(ctx context.Context, q sqlx.QueryerContext, orgID uuid.UUID) (*uuid.UUID, error) {
	var id uuid.UUID
	err := sqlx.GetContext(ctx, q, &id, `
		SELECT id FROM projects WHERE organization_id = $1 ORDER BY created_at, id LIMIT 1
	`, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find default project: %w", err)
	}
	return &id, nil
}
