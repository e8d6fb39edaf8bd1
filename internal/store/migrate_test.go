package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func migrationFiles() fstest.MapFS {
	return fstest.MapFS{
		"001_init.sql":  {Data: []byte("create table if not exists widgets (id text primary key);")},
		"002_index.sql": {Data: []byte("create index if not exists widgets_id_idx on widgets (id);")},
		"README.md":     {Data: []byte("not a migration")},
	}
}

func expectMigrationStart(mock pgxmock.PgxPoolIface, version string, applied bool) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockMigrations)).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(regexp.QuoteMeta(migrationApplied)).
		WithArgs(version).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(applied))
}

func TestMigrate_AppliesOnlyUnrecordedFilesInOrder(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("create table if not exists schema_migrations")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	expectMigrationStart(mock, "001_init.sql", true)
	mock.ExpectRollback()

	expectMigrationStart(mock, "002_index.sql", false)
	mock.ExpectExec(regexp.QuoteMeta("create index if not exists widgets_id_idx")).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec(regexp.QuoteMeta(recordMigration)).
		WithArgs("002_index.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	applied, err := New(mock).Migrate(context.Background(), migrationFiles())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(applied) != 1 || applied[0] != "002_index.sql" {
		t.Fatalf("expected only 002_index.sql applied, got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrate_FailedFileRollsBackAndStops(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("create table if not exists schema_migrations")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	expectMigrationStart(mock, "001_init.sql", false)
	mock.ExpectExec(regexp.QuoteMeta("create table if not exists widgets")).
		WillReturnError(errors.New("syntax error at or near widgets"))
	mock.ExpectRollback()

	applied, err := New(mock).Migrate(context.Background(), migrationFiles())
	if err == nil || !strings.Contains(err.Error(), "001_init.sql") {
		t.Fatalf("expected error naming the failed file, got %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
