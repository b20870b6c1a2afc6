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

var membershipCols = []string{
	"id", "scope_id", "user_id", "role", "status", "joined_at", "left_at", "invited_by", "created_at", "updated_at",
}

func newMembershipRepo(t *testing.T) (*MembershipRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewMembershipRepository(db), mock
}

// ---------------------------------------------------------------------------
// activateMembership: the single insert-or-reactivate statement
// ---------------------------------------------------------------------------

func TestActivateMembership_InsertsOrReactivates(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectQuery("INSERT INTO organization_memberships .* ON CONFLICT \\(organization_id, user_id\\) DO UPDATE .* " +
		"WHERE organization_memberships.status <> 'active' RETURNING id").
		WithArgs(sqlmock.AnyArg(), testOrgID.String(), testUserID.String(), "member", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))

	inviter := uuid.New()
	activated, err := activateMembership(context.Background(), repo.db, models.OrganizationScope(testOrgID), testUserID, models.RoleMember, &inviter)
	if err != nil {
		t.Fatalf("activateMembership() error = %v", err)
	}
	if !activated {
		t.Error("expected activation when a row is returned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestActivateMembership_AlreadyActive(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectQuery("INSERT INTO project_memberships .* ON CONFLICT \\(project_id, user_id\\) DO UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	activated, err := activateMembership(context.Background(), repo.db, models.ProjectScope(testProjectID), testUserID, models.RoleAdmin, nil)
	if err != nil {
		t.Fatalf("activateMembership() error = %v", err)
	}
	if activated {
		t.Error("no returned row means the member was already active")
	}
}

func TestActivateMembership_DBError(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectQuery("INSERT INTO organization_memberships").WillReturnError(errDB)

	if _, err := activateMembership(context.Background(), repo.db, models.OrganizationScope(testOrgID), testUserID, models.RoleMember, nil); err == nil {
		t.Fatal("expected error")
	}
}

// ---------------------------------------------------------------------------
// Get / ListMembers
// ---------------------------------------------------------------------------

func TestMembershipGet_Found(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectQuery("SELECT id, project_id AS scope_id, .* FROM project_memberships WHERE project_id = \\$1 AND user_id = \\$2").
		WithArgs(testProjectID.String(), testUserID.String()).
		WillReturnRows(sqlmock.NewRows(membershipCols).
			AddRow(uuid.New().String(), testProjectID.String(), testUserID.String(), "member", "deactivated",
				time.Now(), time.Now(), nil, time.Now(), time.Now()))

	m, err := repo.Get(context.Background(), models.ProjectScope(testProjectID), testUserID)
	if err != nil || m == nil {
		t.Fatalf("Get() = %v, %v", m, err)
	}
	if m.ScopeID != testProjectID || m.Status != models.MembershipDeactivated {
		t.Errorf("membership = %+v", m)
	}
	if m.IsActive() {
		t.Error("deactivated membership must not be active")
	}
}

func TestMembershipGet_NotFound(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectQuery("FROM organization_memberships").WillReturnRows(sqlmock.NewRows(membershipCols))

	m, err := repo.Get(context.Background(), models.OrganizationScope(testOrgID), testUserID)
	if err != nil || m != nil {
		t.Errorf("Get() = %v, %v; want nil, nil", m, err)
	}
}

func TestListMembers(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	cols := append(append([]string{}, membershipCols...), "user_email", "user_name")
	mock.ExpectQuery("FROM organization_memberships m JOIN users u").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(uuid.New().String(), testOrgID.String(), testUserID.String(), "owner", "active",
				time.Now(), nil, nil, time.Now(), time.Now(), "alice@example.com", "Alice"))

	members, err := repo.ListMembers(context.Background(), models.OrganizationScope(testOrgID))
	if err != nil || len(members) != 1 {
		t.Fatalf("ListMembers() = %v, %v", members, err)
	}
	if members[0].UserEmail != "alice@example.com" || members[0].Role != models.RoleOwner {
		t.Errorf("member = %+v", members[0])
	}
}

// expectOwnerGuard expects the scope lock and owner listing done before an owner-affecting write
func expectOwnerGuard(mock sqlmock.Sqlmock, parent, table string, scopeID uuid.UUID, owners ...uuid.UUID) {
	mock.ExpectExec("SELECT id FROM " + parent + " WHERE id = \\$1 FOR UPDATE").
		WithArgs(scopeID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	rows := sqlmock.NewRows([]string{"user_id"})
	for _, id := range owners {
		rows.AddRow(id.String())
	}
	mock.ExpectQuery("SELECT user_id FROM " + table + " .* role = 'owner' AND status = 'active'").
		WithArgs(scopeID.String()).
		WillReturnRows(rows)
}

func TestUpdateRole_NoActiveMembership(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectBegin()
	expectOwnerGuard(mock, "projects", "project_memberships", testProjectID, uuid.New())
	mock.ExpectExec("UPDATE project_memberships SET role").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.UpdateRole(context.Background(), models.ProjectScope(testProjectID), testUserID, models.RoleAdmin)
	if err != nil || ok {
		t.Errorf("UpdateRole() = %v, %v; want false, nil", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateRole_SoleOwnerCannotStepDown(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectBegin()
	expectOwnerGuard(mock, "organizations", "organization_memberships", testOrgID, testUserID)
	mock.ExpectRollback()

	ok, err := repo.UpdateRole(context.Background(), models.OrganizationScope(testOrgID), testUserID, models.RoleAdmin)
	if !errors.Is(err, ErrLastOwner) || ok {
		t.Errorf("UpdateRole() = %v, %v; want false, ErrLastOwner", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateRole_PromotionSkipsGuard(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE organization_memberships SET role").
		WithArgs(testOrgID.String(), testUserID.String(), "owner").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.UpdateRole(context.Background(), models.OrganizationScope(testOrgID), testUserID, models.RoleOwner)
	if err != nil || !ok {
		t.Errorf("UpdateRole() = %v, %v; want true, nil", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// ---------------------------------------------------------------------------
// Deactivate
// ---------------------------------------------------------------------------

func TestDeactivate_OrganizationCascadesToProjects(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectBegin()
	expectOwnerGuard(mock, "organizations", "organization_memberships", testOrgID, testUserID, uuid.New())
	mock.ExpectExec("UPDATE organization_memberships SET status = 'deactivated'").
		WithArgs(testOrgID.String(), testUserID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE project_memberships SET status = 'deactivated'.*SELECT id FROM projects WHERE organization_id").
		WithArgs(testOrgID.String(), testUserID.String()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	ok, err := repo.Deactivate(context.Background(), models.OrganizationScope(testOrgID), testUserID)
	if err != nil || !ok {
		t.Fatalf("Deactivate() = %v, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeactivate_ProjectDoesNotCascade(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectBegin()
	expectOwnerGuard(mock, "projects", "project_memberships", testProjectID)
	mock.ExpectExec("UPDATE project_memberships SET status = 'deactivated'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.Deactivate(context.Background(), models.ProjectScope(testProjectID), testUserID)
	if err != nil || !ok {
		t.Fatalf("Deactivate() = %v, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDeactivate_NotActive(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectBegin()
	expectOwnerGuard(mock, "organizations", "organization_memberships", testOrgID, uuid.New())
	mock.ExpectExec("UPDATE organization_memberships").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.Deactivate(context.Background(), models.OrganizationScope(testOrgID), testUserID)
	if err != nil || ok {
		t.Errorf("Deactivate() = %v, %v; want false, nil", ok, err)
	}
}

func TestDeactivate_SoleOwnerRollsBack(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectBegin()
	expectOwnerGuard(mock, "projects", "project_memberships", testProjectID, testUserID)
	mock.ExpectRollback()

	ok, err := repo.Deactivate(context.Background(), models.ProjectScope(testProjectID), testUserID)
	if !errors.Is(err, ErrLastOwner) || ok {
		t.Errorf("Deactivate() = %v, %v; want false, ErrLastOwner", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListForUser_UnionsScopes(t *testing.T) {
	repo, mock := newMembershipRepo(t)
	mock.ExpectQuery("FROM organization_memberships m .* UNION ALL .* FROM project_memberships m").
		WillReturnRows(sqlmock.NewRows([]string{"scope_kind", "scope_id", "scope_name", "organization_id", "role", "joined_at"}).
			AddRow("organization", testOrgID.String(), "Acme", testOrgID.String(), "owner", time.Now()).
			AddRow("project", testProjectID.String(), "Tower A", testOrgID.String(), "member", time.Now()))

	ms, err := repo.ListForUser(context.Background(), testUserID)
	if err != nil || len(ms) != 2 {
		t.Fatalf("ListForUser() = %v, %v", ms, err)
	}
	if ms[1].ScopeKind != models.ScopeProject || ms[1].OrganizationID != testOrgID {
		t.Errorf("project membership = %+v", ms[1])
	}
}
