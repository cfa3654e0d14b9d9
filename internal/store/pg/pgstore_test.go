package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"dermatrust.org/internal/audit"
	"dermatrust.org/internal/credential"
	"dermatrust.org/internal/records"
	"dermatrust.org/internal/session"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Create(context.Background(), &credential.User{
		ID:       "usr_1",
		Username: "taken",
		Role:     credential.RolePatient,
		Status:   credential.StatusActive,
	})
	if !errors.Is(err, credential.ErrDuplicateIdentity) {
		t.Fatalf("want ErrDuplicateIdentity, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFindUserNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select (.+) from users where id").
		WithArgs("usr_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Find(context.Background(), "usr_missing")
	if !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusMissingUser(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update users").
		WithArgs("usr_missing", string(credential.StatusLocked), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateStatus(context.Background(), "usr_missing", credential.StatusLocked, time.Now())
	if !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSessionRevokeUnknown(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update sessions set revoked = true").
		WithArgs("ses_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select revoked from sessions").
		WithArgs("ses_missing").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}))

	err := store.Sessions().Revoke(context.Background(), "ses_missing")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func TestSessionRevokeAlreadyRevoked(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update sessions set revoked = true").
		WithArgs("ses_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select revoked from sessions").
		WithArgs("ses_1").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}).AddRow(true))

	err := store.Sessions().Revoke(context.Background(), "ses_1")
	if !errors.Is(err, session.ErrSessionRevoked) {
		t.Fatalf("want ErrSessionRevoked, got %v", err)
	}
}

func TestFindUserStorageFailure(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select (.+) from users where id").
		WithArgs("usr_1").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Find(context.Background(), "usr_1")
	if !errors.Is(err, credential.ErrStorageUnavailable) {
		t.Fatalf("want credential.ErrStorageUnavailable, got %v", err)
	}
}

func TestSessionFindStorageFailure(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select (.+) from sessions where id").
		WithArgs("ses_1").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Sessions().Find(context.Background(), "ses_1")
	if !errors.Is(err, session.ErrStorageUnavailable) {
		t.Fatalf("want session.ErrStorageUnavailable, got %v", err)
	}
}

func TestListAnalysesStorageFailure(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select (.+) from analyses").
		WithArgs("usr_1").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Records().ListAnalysesByOwner(context.Background(), "usr_1")
	if !errors.Is(err, records.ErrStorageUnavailable) {
		t.Fatalf("want records.ErrStorageUnavailable, got %v", err)
	}
}

func TestAuditAppendChainsFromHead(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	e := audit.Entry{
		At:      at,
		UserID:  "usr_1",
		Action:  "view",
		Outcome: audit.OutcomeAllowed,
	}
	prevHash := "aabbcc"
	want := e
	want.Seq = 8
	want.PrevHash = prevHash
	wantHash := audit.ChainHash(prevHash, &want)

	mock.ExpectBegin()
	mock.ExpectQuery("select seq, hash from audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(7, prevHash))
	mock.ExpectExec("insert into audit_log").
		WithArgs(uint64(8), at, "usr_1", "", "view", "", "allowed", "", uint64(0), prevHash, wantHash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Audit().Append(context.Background(), &e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.Seq != 8 || e.PrevHash != prevHash || e.Hash != wantHash {
		t.Fatalf("entry not chained: %+v", e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAuditAppendFirstEntry(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	e := audit.Entry{At: at, Action: "auth.login", Outcome: audit.OutcomeDenied, Reason: "invalid credentials"}

	mock.ExpectBegin()
	mock.ExpectQuery("select seq, hash from audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}))
	mock.ExpectExec("insert into audit_log").
		WithArgs(uint64(1), at, "", "", "auth.login", "", "denied", "invalid credentials",
			uint64(0), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Audit().Append(context.Background(), &e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.Seq != 1 || e.PrevHash != "" {
		t.Fatalf("first entry not at chain start: %+v", e)
	}
}

func TestAuditAppendFailureIsRetryable(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := store.Audit().Append(context.Background(), &audit.Entry{
		At:      time.Now(),
		Action:  "view",
		Outcome: audit.OutcomeAllowed,
	})
	if !errors.Is(err, audit.ErrStorageUnavailable) {
		t.Fatalf("want ErrStorageUnavailable, got %v", err)
	}
}
