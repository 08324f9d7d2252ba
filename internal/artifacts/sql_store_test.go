package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := &SQLStore{
		db:      db,
		dialect: dialectPostgres,
		logger:  discardLogger(),
		now:     func() time.Time { return time.Unix(100, 0) },
	}
	return db, mock, store
}

func TestSQLStore_SaveAllocatesNextVersion(t *testing.T) {
	_, mock, store := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM artifact_blobs`).
		WithArgs("sess", "report.pdf").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))
	mock.ExpectExec("INSERT INTO artifact_blobs").
		WithArgs("sess", "report.pdf", 3, "application/pdf", "agent-a", int64(4), []byte("%PDF"), time.Unix(100, 0).UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	version, err := store.Save(context.Background(), Object{
		SessionKey: "sess",
		Filename:   "report.pdf",
		MimeType:   "application/pdf",
		Owner:      "agent-a",
	}, strings.NewReader("%PDF"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_SaveRollsBackOnInsertError(t *testing.T) {
	_, mock, store := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectExec("INSERT INTO artifact_blobs").
		WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	_, err := store.Save(context.Background(), Object{SessionKey: "s", Filename: "f"}, strings.NewReader("x"))
	if err == nil || !strings.Contains(err.Error(), "insert artifact") {
		t.Fatalf("Save() error = %v, want insert failure", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_LoadBytes(t *testing.T) {
	_, mock, store := setupMockStore(t)

	mock.ExpectQuery(`SELECT data FROM artifact_blobs\s+WHERE session_key = \$1 AND filename = \$2\s+ORDER BY version DESC`).
		WithArgs("sess", "a.txt").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte("hello")))
	mock.ExpectQuery(`AND version = \$3`).
		WithArgs("sess", "a.txt", 7).
		WillReturnError(sql.ErrNoRows)

	data, err := store.LoadBytes(context.Background(), "sess", "a.txt", Latest)
	if err != nil {
		t.Fatalf("LoadBytes(latest) error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("LoadBytes(latest) = %q, want hello", data)
	}
	if _, err := store.LoadBytes(context.Background(), "sess", "a.txt", 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadBytes(7) error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_PruneOlderThan(t *testing.T) {
	_, mock, store := setupMockStore(t)
	cutoff := time.Unix(50, 0)

	mock.ExpectExec(`DELETE FROM artifact_blobs WHERE created_at < \$1`).
		WithArgs(cutoff.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	count, err := store.PruneOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneOlderThan() error = %v", err)
	}
	if count != 4 {
		t.Errorf("pruned = %d, want 4", count)
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	store := &SQLStore{dialect: dialectPostgres}
	got := store.rebind("a = ? AND b = ? AND c = ?")
	if want := "a = $1 AND b = $2 AND c = $3"; got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}
	store.dialect = dialectSQLite
	if got := store.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind() = %q", got)
	}
}

func TestOpenSQLStore_SQLite(t *testing.T) {
	store, err := OpenSQLStore(context.Background(), SQLStoreConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "artifacts.db"),
	}, discardLogger())
	if err != nil {
		t.Fatalf("OpenSQLStore() error = %v", err)
	}
	defer store.Close()
	storeContract(t, store)
}

func TestOpenSQLStore_RejectsUnknownDriver(t *testing.T) {
	if _, err := OpenSQLStore(context.Background(), SQLStoreConfig{Driver: "oracle", DSN: "x"}, nil); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := OpenSQLStore(context.Background(), SQLStoreConfig{Driver: "sqlite"}, nil); err == nil {
		t.Error("expected error for empty dsn")
	}
}
