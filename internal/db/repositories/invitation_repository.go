// invitation_repository.go implements InvitationRepository, covering the invitation
// lifecycle: issue, conditional resend, accept (with membership activation), decline,
// cancel, expiry and linking to accounts created after the invitation was sent.
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

const invitationColumns = `id, scope_type, organization_id, project_id, email, user_id, role, token,
	invited_by, status, issued_at, expires_at, resend_count, last_resend_at, accepted_at,
	declined_at, created_at, updated_at`

// InvitationRepository handles database operations for invitations
type InvitationRepository struct {
	db *sqlx.DB
}

// NewInvitationRepository creates a new invitation repository
func NewInvitationRepository(db *sqlx.DB) *InvitationRepository {
	return &InvitationRepository{db: db}
}

// scopeFilter returns the WHERE fragment selecting invitations for a scope, using $1 for the scope ID
func scopeFilter(scope models.Scope) string {
	if scope.Kind == models.ScopeProject {
		return `scope_type = 'project' AND project_id = $1`
	}
	return `scope_type = 'organization' AND organization_id = $1`
}

// Create inserts a new pending invitation
func (r *InvitationRepository) Create(ctx context.Context, inv *models.Invitation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	now := time.Now().UTC()
	if inv.IssuedAt.IsZero() {
		inv.IssuedAt = now
	}
	inv.Status = models.InvitationPending
	inv.CreatedAt, inv.UpdatedAt = now, now

	query := `
		INSERT INTO invitations (id, scope_type, organization_id, project_id, email, user_id, role, token,
			invited_by, status, issued_at, expires_at, resend_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		inv.ID, inv.ScopeType, inv.OrganizationID, inv.ProjectID, inv.Email, inv.UserID, inv.Role, inv.Token,
		inv.InvitedBy, inv.Status, inv.IssuedAt, inv.ExpiresAt, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

func (r *InvitationRepository) getOne(ctx context.Context, where string, args ...interface{}) (*models.Invitation, error) {
	var inv models.Invitation
	err := r.db.GetContext(ctx, &inv, `SELECT `+invitationColumns+` FROM invitations WHERE `+where, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return &inv, nil
}

// GetByID retrieves an invitation by ID
func (r *InvitationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invitation, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByToken retrieves an invitation by its token
func (r *InvitationRepository) GetByToken(ctx context.Context, token string) (*models.Invitation, error) {
	return r.getOne(ctx, "token = $1", token)
}

// FindPending returns the pending invitation for (scope, email), expired or not
func (r *InvitationRepository) FindPending(ctx context.Context, scope models.Scope, email string) (*models.Invitation, error) {
	return r.getOne(ctx, scopeFilter(scope)+` AND LOWER(email) = LOWER($2) AND status = 'pending'`, scope.ID, email)
}

// Resend issues a new token and expiry, subject to the resend rate limit. The limit
// check and the write are one conditional UPDATE: inside the window the count is
// incremented unless it already reached limit; outside the window it restarts at 1.
// It returns nil when the invitation is not pending or the limit was hit.
func (r *InvitationRepository) Resend(ctx context.Context, id uuid.UUID, token string, now, expiresAt time.Time, limit int, window time.Duration) (*models.Invitation, error) {
	query := `
		UPDATE invitations
		SET token = $2,
			issued_at = $3,
			expires_at = $4,
			resend_count = CASE
				WHEN last_resend_at IS NOT NULL AND last_resend_at > $5 THEN resend_count + 1
				ELSE 1
			END,
			last_resend_at = $3,
			updated_at = $3
		WHERE id = $1
		  AND status = 'pending'
		  AND NOT (last_resend_at IS NOT NULL AND last_resend_at > $5 AND resend_count >= $6)
		RETURNING ` + invitationColumns

	var inv models.Invitation
	err := r.db.GetContext(ctx, &inv, query, id, token, now, expiresAt, now.Add(-window), limit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resend invitation: %w", err)
	}
	return &inv, nil
}

// MarkExpired flips a single pending invitation to expired
func (r *InvitationRepository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE invitations SET status = 'expired', updated_at = NOW() WHERE id = $1 AND status = 'pending'`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to expire invitation: %w", err)
	}
	return nil
}

// AcceptResult reports what Accept changed
type AcceptResult struct {
	// Activated is false when the user already held an active membership.
	Activated bool
	// DefaultProjectID is set when a membership in the organization's oldest project was provisioned.
	DefaultProjectID *uuid.UUID
}

// Accept activates the invitee's membership and marks the invitation accepted, in one
// transaction. A project invitation additionally requires an active membership of the
// project's organization, held locked until commit. When provisionDefaultProject is set
// the user also becomes a member of the organization's oldest project, unless already
// a member there.
func (r *InvitationRepository) Accept(ctx context.Context, inv *models.Invitation, userID uuid.UUID, provisionDefaultProject bool) (*AcceptResult, error) {
	result := &AcceptResult{}

	err := db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if inv.ScopeType == models.ScopeProject {
			if err := requireActiveOrgMembership(ctx, tx, inv.OrganizationID, userID); err != nil {
				return err
			}
		}

		invitedBy := inv.InvitedBy
		activated, err := activateMembership(ctx, tx, inv.Scope(), userID, inv.Role, &invitedBy)
		if err != nil {
			return err
		}
		result.Activated = activated

		res, err := tx.ExecContext(ctx, `
			UPDATE invitations
			SET status = 'accepted', accepted_at = NOW(), user_id = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
		`, inv.ID, userID)
		if err != nil {
			return fmt.Errorf("failed to accept invitation: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			// A concurrent accept or cancel got there first.
			return errInvitationChanged
		}

		if !activated || !provisionDefaultProject {
			return nil
		}
		projectID, err := oldestProject(ctx, tx, inv.OrganizationID)
		if err != nil || projectID == nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO project_memberships (id, project_id, user_id, role, status, joined_at, invited_by, created_at, updated_at)
			VALUES ($1, $2, $3, 'member', 'active', NOW(), $4, NOW(), NOW())
			ON CONFLICT (project_id, user_id) DO NOTHING
		`, uuid.New(), *projectID, userID, invitedBy)
		if err != nil {
			return fmt.Errorf("failed to provision default project membership: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.DefaultProjectID = projectID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// requireActiveOrgMembership locks the user's active organization membership so a
// concurrent removal waits for the accepting transaction.
func requireActiveOrgMembership(ctx context.Context, tx *sqlx.Tx, orgID, userID uuid.UUID) error {
	var one int
	err := tx.GetContext(ctx, &one, `
		SELECT 1 FROM organization_memberships
		WHERE organization_id = $1 AND user_id = $2 AND status = 'active'
		FOR SHARE
	`, orgID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotOrganizationMember
	}
	if err != nil {
		return fmt.Errorf("failed to check organization membership: %w", err)
	}
	return nil
}

var errNotOrganizationMember = errors.New("not an active member of the organization")

// IsNotOrganizationMember reports whether Accept refused a project invitation because
// the user has no active membership of the project's organization
func IsNotOrganizationMember(err error) bool {
	return errors.Is(err, errNotOrganizationMember)
}

// errInvitationChanged is returned by Accept when the invitation stopped being pending
// between the caller's read and the transaction.
var errInvitationChanged = errors.New("invitation is no longer pending")

// IsInvitationChanged reports whether err came from a concurrent change to the invitation
func IsInvitationChanged(err error) bool {
	return errors.Is(err, errInvitationChanged)
}

// Decline marks a pending invitation declined. It returns false if it was not pending.
func (r *InvitationRepository) Decline(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE invitations
		SET status = 'declined', declined_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	return execAffected(ctx, r.db, "decline invitation", query, id)
}

// Delete removes an invitation. It returns false if it did not exist.
func (r *InvitationRepository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	return execAffected(ctx, r.db, "delete invitation", `DELETE FROM invitations WHERE id = $1`, id)
}

// ExpirePending flips every pending invitation past its expiry to expired
func (r *InvitationRepository) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE invitations SET status = 'expired', updated_at = $1 WHERE status = 'pending' AND expires_at <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire invitations: %w", err)
	}
	return res.RowsAffected()
}

// LinkUser attaches userID to every pending invitation addressed to email that has no user yet
func (r *InvitationRepository) LinkUser(ctx context.Context, userID uuid.UUID, email string) (int64, error) {
	query := `
		UPDATE invitations
		SET user_id = $1, updated_at = NOW()
		WHERE LOWER(email) = LOWER($2) AND user_id IS NULL AND status = 'pending'
	`
	res, err := r.db.ExecContext(ctx, query, userID, email)
	if err != nil {
		return 0, fmt.Errorf("failed to link invitations: %w", err)
	}
	return res.RowsAffected()
}

// ListPendingForScope returns the unexpired pending invitations of a scope, newest first
func (r *InvitationRepository) ListPendingForScope(ctx context.Context, scope models.Scope, now time.Time) ([]*models.Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations
		WHERE ` + scopeFilter(scope) + ` AND status = 'pending' AND expires_at > $2
		ORDER BY issued_at DESC`
	invitations := []*models.Invitation{}
	if err := r.db.SelectContext(ctx, &invitations, query, scope.ID, now); err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	return invitations, nil
}

// ListPendingForUser returns the unexpired pending invitations addressed to a user,
// matched by user ID or email.
func (r *InvitationRepository) ListPendingForUser(ctx context.Context, userID uuid.UUID, email string, now time.Time) ([]*models.Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations
		WHERE (user_id = $1 OR (user_id IS NULL AND LOWER(email) = LOWER($2)))
		  AND status = 'pending' AND expires_at > $3
		ORDER BY issued_at DESC`
	invitations := []*models.Invitation{}
	if err := r.db.SelectContext(ctx, &invitations, query, userID, email, now); err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	return invitations, nil
}

// execAffected runs a write and reports whether it touched any row
func execAffected(ctx context.Context, e sqlx.ExecerContext, action, query string, args ...interface{}) (bool, error) {
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", action, err)
	}
	return n > 0, nil
}
