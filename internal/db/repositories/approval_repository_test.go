package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/db/models"
)

var approvalCols = []string{"id", "project_id", "entity_type", "entity_id", "title", "requester_id", "status", "created_at", "updated_at"}

func newApprovalRepo(t *testing.T) (*ApprovalRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewApprovalRepository(db), mock
}

func TestApprovalCreate_WithApprovers(t *testing.T) {
	repo, mock := newApprovalRepo(t)
	a1, a2 := uuid.New(), uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO approvals").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO approval_approvers").WithArgs(sqlmock.AnyArg(), a1.String()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO approval_approvers").WithArgs(sqlmock.AnyArg(), a2.String()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := &models.Approval{ProjectID: testProjectID, Title: "Concrete spec", RequesterID: testUserID, Approvers: []uuid.UUID{a1, a2}}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if a.Status != models.ApprovalStatusPending {
		t.Errorf("Status = %s, want pending", a.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApprovalCreate_ApproverInsertFailsRollsBack(t *testing.T) {
	repo, mock := newApprovalRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO approvals").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO approval_approvers").WillReturnError(errDB)
	mock.ExpectRollback()

	a := &models.Approval{ProjectID: testProjectID, RequesterID: testUserID, Approvers: []uuid.UUID{uuid.New()}}
	if err := repo.Create(context.Background(), a); !errors.Is(err, errDB) {
		t.Errorf("Create() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApprovalGet_LoadsApproversAndResponses(t *testing.T) {
	repo, mock := newApprovalRepo(t)
	id, approver := uuid.New(), uuid.New()
	now := time.Now()
	mock.ExpectQuery("FROM approvals WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(approvalCols).
			AddRow(id.String(), testProjectID.String(), nil, nil, "Concrete spec", testUserID.String(), "pending", now, now))
	mock.ExpectQuery("SELECT approver_id FROM approval_approvers").
		WillReturnRows(sqlmock.NewRows([]string{"approver_id"}).AddRow(approver.String()))
	mock.ExpectQuery("FROM approval_responses WHERE approval_id = \\$1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "approval_id", "approver_id", "status", "comment", "created_at"}).
			AddRow(uuid.New().String(), id.String(), approver.String(), "revision_requested", "Add rebar detail", now))

	a, err := repo.Get(context.Background(), id)
	if err != nil || a == nil {
		t.Fatalf("Get() = %v, %v", a, err)
	}
	if len(a.Approvers) != 1 || a.Approvers[0] != approver {
		t.Errorf("Approvers = %v", a.Approvers)
	}
	if len(a.Responses) != 1 || a.Responses[0].Status != models.ApprovalStatusRevisionRequested {
		t.Errorf("Responses = %v", a.Responses)
	}
}

func TestApprovalGet_NotFound(t *testing.T) {
	repo, mock := newApprovalRepo(t)
	mock.ExpectQuery("FROM approvals").WillReturnRows(sqlmock.NewRows(approvalCols))

	a, err := repo.Get(context.Background(), uuid.New())
	if err != nil || a != nil {
		t.Errorf("Get() = %v, %v; want nil, nil", a, err)
	}
}

// ---------------------------------------------------------------------------
// Respond
// ---------------------------------------------------------------------------

func expectRespondPrelude(mock sqlmock.Sqlmock, status string, isApprover bool) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM approvals WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(status))
	if status == "pending" {
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(isApprover))
	}
}

func TestRespond_DeclineClosesImmediately(t *testing.T) {
	repo, mock := newApprovalRepo(t)
	expectRespondPrelude(mock, "pending", true)
	mock.ExpectExec("INSERT INTO approval_responses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE approvals SET status = \\$2").
		WithArgs(sqlmock.AnyArg(), "declined").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := repo.Respond(context.Background(), &models.ApprovalResponse{ApprovalID: uuid.New(), ApproverID: testUserID, Status: models.ApprovalStatusDeclined})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if !res.Changed() || res.Current != models.ApprovalStatusDeclined {
		t.Errorf("result = %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRespond_ApprovedWaitsForOtherApprovers(t *testing.T) {
	repo, mock := newApprovalRepo(t)
	expectRespondPrelude(mock, "pending", true)
	mock.ExpectExec("INSERT INTO approval_responses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM approval_approvers aa").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	res, err := repo.Respond(context.Background(), &models.ApprovalResponse{ApprovalID: uuid.New(), ApproverID: testUserID, Status: models.ApprovalStatusApproved})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if res.Changed() || res.Current != models.ApprovalStatusPending {
		t.Errorf("result = %+v, want still pending", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRespond_LastApprovalCloses(t *testing.T) {
	repo, mock := newApprovalRepo(t)
	expectRespondPrelude(mock, "pending", true)
	mock.ExpectExec("INSERT INTO approval_responses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM approval_approvers aa").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE approvals SET status").
		WithArgs(sqlmock.AnyArg(), "approved").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := repo.Respond(context.Background(), &models.ApprovalResponse{ApprovalID: uuid.New(), ApproverID: testUserID, Status: models.ApprovalStatusApproved})
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if res.Previous != models.ApprovalStatusPending || res.Current != models.ApprovalStatusApproved {
		t.Errorf("result = %+v", res)
	}
}

func TestRespond_ClosedApproval(t *testing.T) {
	repo, mock := newApprovalRepo(t)
	expectRespondPrelude(mock, "approved", false)
	mock.ExpectRollback()

	_, err := repo.Respond(context.Background(), &models.ApprovalResponse{ApprovalID: uuid.New(), ApproverID: testUserID, Status: models.ApprovalStatusDeclined})
	if !errors.Is(err, ErrApprovalClosed) {
		t.Errorf("Respond() error = %v, want ErrApprovalClosed", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRespond_NotApprover(t *testing.T) {
	repo, mock := newApprovalRepo(t)
	expectRespondPrelude(mock, "pending", false)
	mock.ExpectRollback()

	_, err := repo.Respond(context.Background(), &models.ApprovalResponse{ApprovalID: uuid.New(), ApproverID: uuid.New(), Status: models.ApprovalStatusApproved})
	if !errors.Is(err, ErrNotApprover) {
		t.Errorf("Respond() error = %v, want ErrNotApprover", err)
	}
}
