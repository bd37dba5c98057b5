package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *Store) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	s, err := New(gormDB, Options{DisableAutoMigrate: true})
	require.NoError(t, err)

	return mock, s
}

func TestStore_SetState_RollsBackOnError(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "state_entries"`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.SetState(context.Background(), "ex-1", "plan", json.RawMessage(`"v1"`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set state")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FinishExecution_DatabaseError(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "executions"`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.FinishExecution(context.Background(), "ex-1", ExecutionStatusCompleted, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to finish execution")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Execution_DatabaseError(t *testing.T) {
	mock, s := setupMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM "executions"`).WillReturnError(assert.AnError)

	_, err := s.Execution(context.Background(), "ex-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load execution")
	assert.NotErrorIs(t, err, ErrNotFound)
}
