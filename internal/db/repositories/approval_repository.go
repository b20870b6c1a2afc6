// approval_repository.go implements ApprovalRepository. Responses are recorded under a
// row lock on the approval so the status transition is decided against a consistent view.
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

// ErrApprovalClosed is returned when responding to an approval that already reached a final status
var ErrApprovalClosed = errors.New("approval is no longer pending")

// ErrNotApprover is returned when the responder is not one of the approval's approvers
var ErrNotApprover = errors.New("user is not an approver")

const approvalColumns = `id, project_id, entity_type, entity_id, title, requester_id, status, created_at, updated_at`

// ApprovalRepository handles database operations for approvals
type ApprovalRepository struct {
	db *sqlx.DB
}

// NewApprovalRepository creates a new approval repository
func NewApprovalRepository(db *sqlx.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create inserts the approval and its approvers in one transaction
func (r *ApprovalRepository) Create(ctx context.Context, a *models.Approval) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	a.Status = models.ApprovalStatusPending

	return db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (id, project_id, entity_type, entity_id, title, requester_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, a.ID, a.ProjectID, a.EntityType, a.EntityID, a.Title, a.RequesterID, a.Status, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create approval: %w", err)
		}
		for _, approverID := range a.Approvers {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO approval_approvers (approval_id, approver_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, a.ID, approverID)
			if err != nil {
				return fmt.Errorf("failed to add approver: %w", err)
			}
		}
		return nil
	})
}

// Get retrieves an approval with its approvers and responses
func (r *ApprovalRepository) Get(ctx context.Context, id uuid.UUID) (*models.Approval, error) {
	var a models.Approval
	err := r.db.GetContext(ctx, &a, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}

	if a.Approvers, err = listApprovers(ctx, r.db, id); err != nil {
		return nil, err
	}

	a.Responses = []*models.ApprovalResponse{}
	err = r.db.SelectContext(ctx, &a.Responses, `
		SELECT id, approval_id, approver_id, status, comment, created_at
		FROM approval_responses WHERE approval_id = $1 ORDER BY created_at
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval responses: %w", err)
	}
	return &a, nil
}

// ListByProject returns a project's approvals, newest first, without approvers or responses
func (r *ApprovalRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Approval, error) {
	approvals := []*models.Approval{}
	if err := r.db.SelectContext(ctx, &approvals, `SELECT `+approvalColumns+` FROM approvals WHERE project_id = $1 ORDER BY created_at DESC`, projectID); err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	return approvals, nil
}

func listApprovers(ctx context.Context, q sqlx.QueryerContext, approvalID uuid.UUID) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	if err := sqlx.SelectContext(ctx, q, &ids, `SELECT approver_id FROM approval_approvers WHERE approval_id = $1 ORDER BY approver_id`, approvalID); err != nil {
		return nil, fmt.Errorf("failed to list approvers: %w", err)
	}
	return ids, nil
}

// RespondResult is the approval state after a response was recorded
type RespondResult struct {
	Previous models.ApprovalStatus
	Current  models.ApprovalStatus
}

// Changed reports whether the response moved the approval to a new status
func (r *RespondResult) Changed() bool { return r.Previous != r.Current }

// Respond records an approver's response and applies the state machine: a declined or
// revision_requested response closes the approval immediately; approved closes it once
// every approver's latest response is approved.
func (r *ApprovalRepository) Respond(ctx context.Context, resp *models.ApprovalResponse) (*RespondResult, error) {
	if resp.ID == uuid.Nil {
		resp.ID = uuid.New()
	}
	resp.CreatedAt = time.Now().UTC()
	result := &RespondResult{}

	err := db.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var status models.ApprovalStatus
		err := tx.GetContext(ctx, &status, `SELECT status FROM approvals WHERE id = $1 FOR UPDATE`, resp.ApprovalID)
		if err != nil {
			return fmt.Errorf("failed to lock approval: %w", err)
		}
		if status.IsTerminal() {
			return ErrApprovalClosed
		}
		result.Previous, result.Current = status, status

		var isApprover bool
		err = tx.GetContext(ctx, &isApprover, `
			SELECT EXISTS(SELECT 1 FROM approval_approvers WHERE approval_id = $1 AND approver_id = $2)
		`, resp.ApprovalID, resp.ApproverID)
		if err != nil {
			return fmt.Errorf("failed to check approver: %w", err)
		}
		if !isApprover {
			return ErrNotApprover
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO approval_responses (id, approval_id, approver_id, status, comment, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, resp.ID, resp.ApprovalID, resp.ApproverID, resp.Status, resp.Comment, resp.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record approval response: %w", err)
		}

		next := status
		switch resp.Status {
		case models.ApprovalStatusDeclined, models.ApprovalStatusRevisionRequested:
			next = resp.Status
		case models.ApprovalStatusApproved:
			var pending int
			err = tx.GetContext(ctx, &pending, `
				SELECT COUNT(*) FROM approval_approvers aa
				WHERE aa.approval_id = $1 AND COALESCE((
					SELECT ar.status FROM approval_responses ar
					WHERE ar.approval_id = aa.approval_id AND ar.approver_id = aa.approver_id
					ORDER BY ar.created_at DESC LIMIT 1
				), '') <> 'approved'
			`, resp.ApprovalID)
			if err != nil {
				return fmt.Errorf("failed to count outstanding approvers: %w", err)
			}
			if pending == 0 {
				next = models.ApprovalStatusApproved
			}
		}

		if next != status {
			_, err = tx.ExecContext(ctx, `UPDATE approvals SET status = $2, updated_at = NOW() WHERE id = $1`, resp.ApprovalID, next)
			if err != nil {
				return fmt.Errorf("failed to update approval status: %w", err)
			}
			result.Current = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
