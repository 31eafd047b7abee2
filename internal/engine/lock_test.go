package engine_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchline/internal/db"
	"batchline/internal/engine"
	"batchline/internal/repo"
)

const (
	setConfig = `SELECT set_config($1, $2, true)`
	lockBatch = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

func postgresEngine(t *testing.T) (engine.Engine, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return engine.New(conn, db.Postgres, nil), mock
}

func expectBegin(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	for i := 0; i < 5; i++ {
		mock.ExpectExec(regexp.QuoteMeta(setConfig)).WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func TestRecomputeLocksBatchBeforeReading(t *testing.T) {
	eng, mock := postgresEngine(t)
	expectBegin(mock)
	mock.ExpectExec(regexp.QuoteMeta(lockBatch)).WithArgs("b-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM batches WHERE id=\$1`).WithArgs("b-1").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := eng.RecomputeStatus(context.Background(), admin, "b-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteAssessmentLocksBatchFirst(t *testing.T) {
	eng, mock := postgresEngine(t)
	busy := errors.New("lock timeout")
	expectBegin(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT batch_id FROM member_assessments WHERE id=$1`)).
		WithArgs("a-1").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow("b-1"))
	mock.ExpectExec(regexp.QuoteMeta(lockBatch)).WithArgs("b-1").WillReturnError(busy)
	mock.ExpectRollback()

	_, err := eng.CompleteAssessment(context.Background(), member("s-1"), "a-1")
	assert.ErrorIs(t, err, busy)
	assert.NoError(t, mock.ExpectationsWereMet())
}
