// membership_repository.go implements MembershipRepository. Organization and project
// memberships live in separate tables with identical shape; every query here picks the
// table from the scope kind and aliases the scope column to scope_id.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/conpanion/conpanion/internal/db"
	"github.com/conpanion/conpanion/internal/db/models"
)

// MembershipRepository handles database operations for organization and project memberships
type MembershipRepository struct {
	db *sqlx.DB
}

// NewMembershipRepository creates a new membership repository
func NewMembershipRepository(db *sqlx.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// membershipTable returns the table and scope column for a scope kind
func membershipTable(kind models.ScopeKind) (table, column string) {
	if kind == models.ScopeProject {
		return "project_memberships", "project_id"
	}
	return "organization_memberships", "organization_id"
}

func membershipColumns(column string) string {
	return `id, ` + column + ` AS scope_id, user_id, role, status, joined_at, left_at, invited_by, created_at, updated_at`
}

// activateMembership inserts an active membership or reactivates an inactive one.
// It is the only write path that creates membership rows. It returns false when the
// user was already an active member, in which case nothing changed.
func activateMembership(ctx context.Context, q sqlx.QueryerContext, scope models.Scope, userID uuid.UUID, role models.Role, invitedBy *uuid.UUID) (bool, error) {
	table, column := membershipTable(scope.Kind)
	query := `
		INSERT INTO ` + table + ` (id, ` + column + `, user_id, role, status, joined_at, invited_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'active', NOW(), $5, NOW(), NOW())
		ON CONFLICT (` + column + `, user_id) DO UPDATE
		SET role = EXCLUDED.role,
			status = 'active',
			joined_at = NOW(),
			left_at = NULL,
			invited_by = EXCLUDED.invited_by,
			updated_at = NOW()
		WHERE ` + table + `.status <> 'active'
		RETURNING id
	`

	var id uuid.UUID
	err := sqlx.GetContext(ctx, q, &id, query, uuid.New(), scope.ID, userID, role, invitedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to activate %s membership: %w", scope.Kind, err)
	}
	return true, nil
}

// Get retrieves the user's membership in scope regardless of status
func (r *MembershipRepository) Get(ctx context.Context, scope models.Scope, userID uuid.UUID) (*models.Membership, error) {
	table, column := membershipTable(scope.Kind)
	query := `SELECT ` + membershipColumns(column) + ` FROM ` + table + ` WHERE ` + column + ` = $1 AND user_id = $2`

	var m models.Membership
	err := r.db.GetContext(ctx, &m, query, scope.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s membership: %w", scope.Kind, err)
	}
	return &m, nil
}

// ListMembers returns the active members of a scope with their account details
func (r *MembershipRepository) ListMembers(ctx context.Context, scope models.Scope) ([]*models.MemberWithUser, error) {
	table, column := membershipTable(scope.Kind)
	query := `
		SELECT m.id, m.` + column + ` AS scope_id, m.user_id, m.role, m.status, m.joined_at, m.left_at,
			m.invited_by, m.created_at, m.updated_at,
			u.email AS user_email, u.name AS user_name
		FROM ` + table + ` m
		JOIN users u ON u.id = m.user_id
		WHERE m.` + column + ` = $1 AND m.status = 'active'
		ORDER BY u.name, u.email
	`
	members := []*models.MemberWithUser{}
	if err := r.db.SelectContext(ctx, &members, query, scope.ID); err != nil {
		return nil, fmt.Errorf("failed to list %s members: %w", scope.Kind, err)
	}
	return members, nil
}

// ErrLastOwner is returned when a role change or removal would leave a scope without
// an active owner
var ErrLastOwner = errors.New("scope must keep at least one owner")

// guardLastOwner locks the scope row, serializing owner changes within the scope, and
// fails with ErrLastOwner when userID is the only active owner.
func guardLastOwner(ctx context.Context, tx *sqlx.Tx, scope models.Scope, userID uuid.UUID) error {
	parent := "organizations"
	if scope.Kind == models.ScopeProject {
		parent = "projects"
	}
	if _, err := tx.ExecContext(ctx, `SELECT id FROM `+parent+` WHERE id = $1 FOR UPDATE`, scope.ID); err != nil {
		return fmt.Errorf("failed to lock %s: %w", scope.Kind, err)
	}

	table, column := membershipTable(scope.Kind)
	var owners []uuid.UUID
	query := `SELECT user_id FROM ` + table + ` WHERE ` + column + ` = $1 AND role = 'owner' AND status = 'active'`
	if err := tx.SelectContext(ctx, &owners, query, scope.ID); err != nil {
		return fmt.Errorf("failed to list %s owners: %w", scope.Kind, err)
	}
	if len(owners) == 1 && owners[0] == userID {
		return ErrLastOwner
	}
	return nil
}

// UpdateRole changes an active member's role. It returns false if no active membership
// exists, and ErrLastOwner if the member is the scope's only owner and role is not owner.
func (r *MembershipRepository) UpdateRole(ctx context.Context, scope models.Scope, userID uuid.UUID, role models.Role) (bool, error) {
	table, column := membershipTable(scope.Kind)
	var updated bool

	err := db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if role != models.RoleOwner {
			if err := guardLastOwner(ctx, tx, scope, userID); err != nil {
				return err
			}
		}
		query := `UPDATE ` + table + ` SET role = $3, updated_at = NOW() WHERE ` + column + ` = $1 AND user_id = $2 AND status = 'active'`
		res, err := tx.ExecContext(ctx, query, scope.ID, userID, role)
		if err != nil {
			return fmt.Errorf("failed to update %s role: %w", scope.Kind, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update %s role: %w", scope.Kind, err)
		}
		updated = n > 0
		return nil
	})
	return updated, err
}

// Deactivate marks an active membership deactivated. Deactivating an organization
// membership also deactivates the user's memberships in that organization's projects,
// in the same transaction. It returns false if no active membership existed, and
// ErrLastOwner if the member is the scope's only owner.
func (r *MembershipRepository) Deactivate(ctx context.Context, scope models.Scope, userID uuid.UUID) (bool, error) {
	table, column := membershipTable(scope.Kind)
	var deactivated bool

	err := db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := guardLastOwner(ctx, tx, scope, userID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE `+table+`
			SET status = 'deactivated', left_at = NOW(), updated_at = NOW()
			WHERE `+column+` = $1 AND user_id = $2 AND status = 'active'
		`, scope.ID, userID)
		if err != nil {
			return fmt.Errorf("failed to deactivate %s membership: %w", scope.Kind, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to deactivate %s membership: %w", scope.Kind, err)
		}
		deactivated = n > 0
		if !deactivated || scope.Kind != models.ScopeOrganization {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE project_memberships
			SET status = 'deactivated', left_at = NOW(), updated_at = NOW()
			WHERE user_id = $2 AND status = 'active'
			  AND project_id IN (SELECT id FROM projects WHERE organization_id = $1)
		`, scope.ID, userID)
		if err != nil {
			return fmt.Errorf("failed to deactivate project memberships: %w", err)
		}
		return nil
	})
	return deactivated, err
}

// ListForUser returns every active organization and project membership of a user
func (r *MembershipRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.UserMembership, error) {
	query := `
		SELECT 'organization' AS scope_kind, o.id AS scope_id, o.name AS scope_name,
			o.id AS organization_id, m.role, m.joined_at
		FROM organization_memberships m
		JOIN organizations o ON o.id = m.organization_id
		WHERE m.user_id = $1 AND m.status = 'active'
		UNION ALL
		SELECT 'project' AS scope_kind, p.id AS scope_id, p.name AS scope_name,
			p.organization_id, m.role, m.joined_at
		FROM project_memberships m
		JOIN projects p ON p.id = m.project_id
		WHERE m.user_id = $1 AND m.status = 'active'
		ORDER BY scope_kind, scope_name
	`
	memberships := []*models.UserMembership{}
	if err := r.db.SelectContext(ctx, &memberships, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list user memberships: %w", err)
	}
	return memberships, nil
}
