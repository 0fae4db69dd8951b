package eventstore

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/chroniclehq/chronicle/internal/events"
)

// mockStore wraps a sqlmock connection in a store, bypassing migration.
// Driver-level failures are hard to provoke through the real driver, so the
// rollback and commit paths are exercised against a scripted connection.
func mockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &SQLiteStore{db: db, threshold: defaultBlobThreshold, logger: slog.Default()}, mock
}

func TestAppendRollsBackWhenInsertFails(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("COALESCE\\(MAX\\(sequence\\), 0\\)").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), AppendRequest{
		SessionID: "s1",
		Type:      events.TypeMessageUser,
		Payload:   []byte(`{}`),
	})
	if err == nil || !strings.Contains(err.Error(), "insert event") {
		t.Fatalf("err = %v, want insert failure", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestAppendSurfacesCommitFailure(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("COALESCE\\(MAX\\(sequence\\), 0\\)").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(4)))
	mock.ExpectExec("INSERT INTO events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	_, err := store.Append(context.Background(), AppendRequest{
		SessionID: "s1",
		Type:      events.TypeMessageUser,
		Payload:   []byte(`{}`),
	})
	if err == nil || !strings.Contains(err.Error(), "commit append") {
		t.Fatalf("err = %v, want commit failure", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestAppendRejectsParentFromAnotherSession(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT session_id FROM events").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("other"))
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), AppendRequest{
		SessionID: "s1",
		ParentID:  "p1",
		Type:      events.TypeMessageUser,
	})
	if !errors.Is(err, ErrParentMismatch) {
		t.Fatalf("err = %v, want ErrParentMismatch", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestUpdateSessionMissingRow(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateSession(context.Background(), &events.Session{ID: "absent"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
