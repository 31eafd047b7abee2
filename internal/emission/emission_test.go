package emission_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchline/internal/db"
	"batchline/internal/emission"
	"batchline/internal/principal"
	"batchline/internal/repo"
	"batchline/internal/report"
	"batchline/internal/secctx"
)

func TestEmitLocksBatchBeforeClaim(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	em := &emission.Emitter{
		Repo:     repo.Repo{DB: conn, Dialect: db.Postgres},
		Runner:   secctx.Runner{DB: conn, Applier: secctx.PostgresApplier{}},
		Renderer: report.TextRenderer{},
	}
	mock.ExpectBegin()
	for i := 0; i < 5; i++ {
		mock.ExpectExec(regexp.QuoteMeta(`SELECT set_config($1, $2, true)`)).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("b-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM batches WHERE id=\$1`).WithArgs("b-1").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err = em.Emit(context.Background(), "b-1", principal.System{Reason: "emission queue"})
	assert.True(t, emission.IsPermanent(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
