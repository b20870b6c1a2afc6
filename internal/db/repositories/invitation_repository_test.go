package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/db/models"
)

var invitationCols = []string{
	"id", "scope_type", "organization_id", "project_id", "email", "user_id", "role", "token",
	"invited_by", "status", "issued_at", "expires_at", "resend_count", "last_resend_at", "accepted_at",
	"declined_at", "created_at", "updated_at",
}

var testInvitationID = uuid.MustParse("44444444-4444-4444-4444-444444444444")
var testInviterID = uuid.MustParse("55555555-5555-5555-5555-555555555555")

func sampleInvitationRow(status string, resendCount int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(invitationCols).
		AddRow(testInvitationID.String(), "organization", testOrgID.String(), nil, "bob@example.com", nil, "member",
			"abcdef0123456789abcdef0123456789", testInviterID.String(), status, now, now.Add(7*24*time.Hour),
			resendCount, nil, nil, nil, now, now)
}

func newInvitationRepo(t *testing.T) (*InvitationRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewInvitationRepository(db), mock
}

func sampleInvitation() *models.Invitation {
	return &models.Invitation{
		ID:             testInvitationID,
		ScopeType:      models.ScopeOrganization,
		OrganizationID: testOrgID,
		Email:          "bob@example.com",
		Role:           models.RoleMember,
		InvitedBy:      testInviterID,
		Status:         models.InvitationPending,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
}

// ---------------------------------------------------------------------------
// Create / lookups
// ---------------------------------------------------------------------------

func TestInvitationCreate_SetsPending(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectExec("INSERT INTO invitations").WillReturnResult(sqlmock.NewResult(0, 1))

	inv := &models.Invitation{ScopeType: models.ScopeOrganization, OrganizationID: testOrgID, Email: "bob@example.com",
		Role: models.RoleMember, Token: "t", InvitedBy: testInviterID, ExpiresAt: time.Now().Add(time.Hour)}
	if err := repo.Create(context.Background(), inv); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if inv.Status != models.InvitationPending || inv.ID == uuid.Nil || inv.IssuedAt.IsZero() {
		t.Errorf("invitation = %+v", inv)
	}
}

func TestInvitationGetByToken(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectQuery("FROM invitations WHERE token = \\$1").
		WithArgs("abcdef0123456789abcdef0123456789").
		WillReturnRows(sampleInvitationRow("pending", 0))

	inv, err := repo.GetByToken(context.Background(), "abcdef0123456789abcdef0123456789")
	if err != nil || inv == nil {
		t.Fatalf("GetByToken() = %v, %v", inv, err)
	}
	if inv.Scope() != models.OrganizationScope(testOrgID) {
		t.Errorf("Scope() = %v", inv.Scope())
	}
}

func TestInvitationGetByToken_NotFound(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectQuery("FROM invitations WHERE token").WillReturnRows(sqlmock.NewRows(invitationCols))

	inv, err := repo.GetByToken(context.Background(), "missing")
	if err != nil || inv != nil {
		t.Errorf("GetByToken() = %v, %v; want nil, nil", inv, err)
	}
}

func TestFindPending_ProjectScope(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectQuery("scope_type = 'project' AND project_id = \\$1 AND LOWER\\(email\\) = LOWER\\(\\$2\\) AND status = 'pending'").
		WithArgs(testProjectID.String(), "bob@example.com").
		WillReturnRows(sqlmock.NewRows(invitationCols))

	inv, err := repo.FindPending(context.Background(), models.ProjectScope(testProjectID), "bob@example.com")
	if err != nil || inv != nil {
		t.Errorf("FindPending() = %v, %v", inv, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// ---------------------------------------------------------------------------
// Resend: conditional rate-limited update
// ---------------------------------------------------------------------------

func TestResend_Updated(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	now := time.Now()
	mock.ExpectQuery("UPDATE invitations SET token = \\$2.*resend_count = CASE.*" +
		"AND NOT \\(last_resend_at IS NOT NULL AND last_resend_at > \\$5 AND resend_count >= \\$6\\) RETURNING").
		WithArgs(testInvitationID.String(), "newtoken", now, now.Add(168*time.Hour), now.Add(-24*time.Hour), 3).
		WillReturnRows(sampleInvitationRow("pending", 2))

	inv, err := repo.Resend(context.Background(), testInvitationID, "newtoken", now, now.Add(168*time.Hour), 3, 24*time.Hour)
	if err != nil || inv == nil {
		t.Fatalf("Resend() = %v, %v", inv, err)
	}
	if inv.ResendCount != 2 {
		t.Errorf("ResendCount = %d, want 2", inv.ResendCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestResend_LimitReached(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectQuery("UPDATE invitations SET token").WillReturnRows(sqlmock.NewRows(invitationCols))

	inv, err := repo.Resend(context.Background(), testInvitationID, "t", time.Now(), time.Now().Add(time.Hour), 3, 24*time.Hour)
	if err != nil {
		t.Fatalf("Resend() error = %v", err)
	}
	if inv != nil {
		t.Error("expected nil when the conditional update matched no row")
	}
}

// ---------------------------------------------------------------------------
// Accept
// ---------------------------------------------------------------------------

func TestAccept_ActivatesAndProvisionsDefaultProject(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO organization_memberships .* ON CONFLICT").
		WithArgs(sqlmock.AnyArg(), testOrgID.String(), testUserID.String(), "member", testInviterID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))
	mock.ExpectExec("UPDATE invitations SET status = 'accepted'").
		WithArgs(testInvitationID.String(), testUserID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM projects WHERE organization_id = \\$1 ORDER BY created_at, id LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(testProjectID.String()))
	mock.ExpectExec("INSERT INTO project_memberships .* ON CONFLICT \\(project_id, user_id\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := repo.Accept(context.Background(), sampleInvitation(), testUserID, true)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if !res.Activated {
		t.Error("expected Activated")
	}
	if res.DefaultProjectID == nil || *res.DefaultProjectID != testProjectID {
		t.Errorf("DefaultProjectID = %v, want %s", res.DefaultProjectID, testProjectID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAccept_AlreadyActiveStillMarksAccepted(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO organization_memberships").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("UPDATE invitations SET status = 'accepted'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := repo.Accept(context.Background(), sampleInvitation(), testUserID, true)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if res.Activated || res.DefaultProjectID != nil {
		t.Errorf("result = %+v, want no activation and no provisioning", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAccept_ConcurrentChangeRollsBack(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO organization_memberships").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))
	mock.ExpectExec("UPDATE invitations SET status = 'accepted'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.Accept(context.Background(), sampleInvitation(), testUserID, false)
	if !IsInvitationChanged(err) {
		t.Fatalf("Accept() error = %v, want invitation changed", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func projectInvitation() *models.Invitation {
	inv := sampleInvitation()
	inv.ScopeType = models.ScopeProject
	projectID := testProjectID
	inv.ProjectID = &projectID
	return inv
}

func TestAccept_ProjectChecksOrganizationMembershipFirst(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM organization_memberships .* status = 'active' FOR SHARE").
		WithArgs(testOrgID.String(), testUserID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO project_memberships .* ON CONFLICT").
		WithArgs(sqlmock.AnyArg(), testProjectID.String(), testUserID.String(), "member", testInviterID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))
	mock.ExpectExec("UPDATE invitations SET status = 'accepted'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := repo.Accept(context.Background(), projectInvitation(), testUserID, false)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if !res.Activated {
		t.Error("expected Activated")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAccept_ProjectWithoutOrganizationMembershipRollsBack(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM organization_memberships").
		WithArgs(testOrgID.String(), testUserID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	_, err := repo.Accept(context.Background(), projectInvitation(), testUserID, false)
	if !IsNotOrganizationMember(err) {
		t.Fatalf("Accept() error = %v, want not an organization member", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// ---------------------------------------------------------------------------
// Decline / Delete / expiry / linking / listings
// ---------------------------------------------------------------------------

func TestDecline_OnlyPending(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectExec("UPDATE invitations SET status = 'declined', declined_at = NOW\\(\\).*status = 'pending'").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Decline(context.Background(), testInvitationID)
	if err != nil || ok {
		t.Errorf("Decline() = %v, %v; want false, nil", ok, err)
	}
}

func TestInvitationDelete(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectExec("DELETE FROM invitations WHERE id").WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Delete(context.Background(), testInvitationID)
	if err != nil || !ok {
		t.Errorf("Delete() = %v, %v", ok, err)
	}
}

func TestExpirePending_BothScopes(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	now := time.Now()
	mock.ExpectExec("UPDATE invitations SET status = 'expired', updated_at = \\$1 WHERE status = 'pending' AND expires_at <= \\$1").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.ExpirePending(context.Background(), now)
	if err != nil || n != 4 {
		t.Errorf("ExpirePending() = %d, %v", n, err)
	}
}

func TestLinkUser(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectExec("UPDATE invitations SET user_id = \\$1.*user_id IS NULL AND status = 'pending'").
		WithArgs(testUserID.String(), "bob@example.com").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.LinkUser(context.Background(), testUserID, "bob@example.com")
	if err != nil || n != 2 {
		t.Errorf("LinkUser() = %d, %v", n, err)
	}
}

func TestListPendingForScope_ExcludesExpired(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	now := time.Now()
	mock.ExpectQuery("scope_type = 'organization' AND organization_id = \\$1 AND status = 'pending' AND expires_at > \\$2").
		WithArgs(testOrgID.String(), now).
		WillReturnRows(sampleInvitationRow("pending", 0))

	list, err := repo.ListPendingForScope(context.Background(), models.OrganizationScope(testOrgID), now)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListPendingForScope() = %v, %v", list, err)
	}
}

func TestListPendingForUser_DBError(t *testing.T) {
	repo, mock := newInvitationRepo(t)
	mock.ExpectQuery("FROM invitations").WillReturnError(errDB)

	if _, err := repo.ListPendingForUser(context.Background(), testUserID, "bob@example.com", time.Now()); err == nil {
		t.Fatal("expected error")
	}
}
