package migrate

import (
	"context"
	"database/sql"
	"sort"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddedNames(t *testing.T) []string {
	t.Helper()
	entries, err := migrations.ReadDir("sql")
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func TestRunAppliesEverythingInFilenameOrder(t *testing.T) {
	db, mock := newMockDB(t)
	names := embeddedNames(t)
	require.NotEmpty(t, names)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	for _, name := range names {
		mock.ExpectQuery("SELECT checksum FROM schema_migrations").
			WithArgs(name).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()
	}

	res, err := Run(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, names, res.Applied)
	assert.Zero(t, res.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSkipsAlreadyApplied(t *testing.T) {
	db, mock := newMockDB(t)
	names := embeddedNames(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	for _, name := range names {
		body, err := migrations.ReadFile("sql/" + name)
		require.NoError(t, err)
		mock.ExpectQuery("SELECT checksum FROM schema_migrations").
			WithArgs(name).
			WillReturnRows(sqlmock.NewRows([]string{"checksum"}).AddRow(checksum(body)))
	}

	res, err := Run(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, len(names), res.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunFailsOnChecksumDrift(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"checksum"}).AddRow("deadbeef"))

	_, err := Run(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changed after being applied")
}

func TestRunRollsBackFailedMigration(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT checksum FROM schema_migrations").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := Run(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply")
	assert.NoError(t, mock.ExpectationsWereMet())
}
