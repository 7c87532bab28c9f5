package identity

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ramin-karimi/facegraph/internal/store"
)

func identityRow(id, scopeID, role, embedding string, count int) [][]driver.Value {
	return [][]driver.Value{{id, scopeID, role, "", embedding, int64(count), true,
		nil, nil, []byte("{}"), []byte(`{"schema_version":1}`), time.Now(), time.Now()}}
}

func identityMockRows(rows [][]driver.Value) *sqlmock.Rows {
	out := sqlmock.NewRows([]string{"id", "scope_id", "role", "label", "embedding",
		"appearance_count", "matchable", "first_seen_at", "last_seen_at",
		"linked_usernames", "metadata", "created_at", "updated_at"})
	for _, row := range rows {
		out.AddRow(row...)
	}
	return out
}

func feedbackFixture(t *testing.T) (*FeedbackService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewFeedbackService(&store.Store{DB: db}, nil, testIdentityConfig(), identityLogger()), mock
}

func TestMergePeopleRejectsSelfMerge(t *testing.T) {
	svc, _ := feedbackFixture(t)
	err := svc.MergePeople(context.Background(), "same", "same")
	var fe *FeedbackError
	if !errors.As(err, &fe) || fe.Reason != FeedbackInvalidInput {
		t.Fatalf("err = %v, want invalid_input FeedbackError", err)
	}
}

func TestMergePeopleRejectsScopeMismatch(t *testing.T) {
	svc, mock := feedbackFixture(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM identities WHERE id=\$1 FOR UPDATE`).
		WithArgs("ident-a").
		WillReturnRows(identityMockRows(identityRow("ident-a", "scope-1", store.RoleSecondaryPerson, "[1,0]", 2)))
	mock.ExpectQuery(`SELECT (.+) FROM identities WHERE id=\$1 FOR UPDATE`).
		WithArgs("ident-b").
		WillReturnRows(identityMockRows(identityRow("ident-b", "scope-2", store.RoleSecondaryPerson, "[0,1]", 3)))
	mock.ExpectRollback()

	err := svc.MergePeople(context.Background(), "ident-a", "ident-b")
	var fe *FeedbackError
	if !errors.As(err, &fe) || fe.Reason != FeedbackScopeMismatch {
		t.Fatalf("err = %v, want scope_mismatch", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMergePeopleRelinksAndRetiresSource(t *testing.T) {
	svc, mock := feedbackFixture(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM identities WHERE id=\$1 FOR UPDATE`).
		WithArgs("ident-a").
		WillReturnRows(identityMockRows(identityRow("ident-a", "scope-1", store.RoleSecondaryPerson, "[1,0]", 2)))
	mock.ExpectQuery(`SELECT (.+) FROM identities WHERE id=\$1 FOR UPDATE`).
		WithArgs("ident-b").
		WillReturnRows(identityMockRows(identityRow("ident-b", "scope-1", store.RoleSecondaryPerson, "[0,1]", 3)))
	mock.ExpectExec(`UPDATE detected_faces SET identity_id=\$2, role=\$3 WHERE identity_id=\$1`).
		WithArgs("ident-a", "ident-b", store.RoleSecondaryPerson).
		WillReturnResult(sqlmock.NewResult(0, 2))
	// Target update first, then the zeroed source.
	mock.ExpectExec(`UPDATE identities SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE identities SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.MergePeople(context.Background(), "ident-a", "ident-b"); err != nil {
		t.Fatalf("MergePeople: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkIncorrectDisablesMatching(t *testing.T) {
	svc, mock := feedbackFixture(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM identities WHERE id=\$1 FOR UPDATE`).
		WithArgs("ident-a").
		WillReturnRows(identityMockRows(identityRow("ident-a", "scope-1", store.RolePrimaryUser, "[1,0]", 5)))
	mock.ExpectExec(`UPDATE identities SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE detected_faces SET annotation=\$2, role=\$3 WHERE identity_id=\$1`).
		WithArgs("ident-a", "marked_incorrect", store.RoleUnknown).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	if err := svc.MarkIncorrect(context.Background(), "ident-a"); err != nil {
		t.Fatalf("MarkIncorrect: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestConfirmPersonMissingIdentity(t *testing.T) {
	svc, mock := feedbackFixture(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM identities WHERE id=\$1 FOR UPDATE`).
		WithArgs("ghost").
		WillReturnRows(identityMockRows(nil))
	mock.ExpectRollback()

	err := svc.ConfirmPerson(context.Background(), "ghost")
	var fe *FeedbackError
	if !errors.As(err, &fe) || fe.Reason != FeedbackIdentityNotFound {
		t.Fatalf("err = %v, want identity_not_found", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
