package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"batchline/internal/db"
	"batchline/internal/domain"
)

const batchColumns = `id,cohort_id,ordinal,title,status,total_count,released_count,completed_count,deactivated_count,emergency_used,created_by,created_at,released_at,completed_at,cancelled_at,cancel_reason,finalized_at,auto_emit_at`

func scanBatch(scan func(...any) error) (domain.Batch, error) {
	var b domain.Batch
	var released, completed, cancelled, reason, finalized, autoEmit sql.NullString
	err := scan(&b.ID, &b.CohortID, &b.Ordinal, &b.Title, &b.Status, &b.TotalCount, &b.ReleasedCount, &b.CompletedCount, &b.DeactivatedCount,
		&b.EmergencyUsed, &b.CreatedBy, &b.CreatedAt, &released, &completed, &cancelled, &reason, &finalized, &autoEmit)
	b.ReleasedAt = strPtr(released)
	b.CompletedAt = strPtr(completed)
	b.CancelledAt = strPtr(cancelled)
	b.CancelReason = strPtr(reason)
	b.FinalizedAt = strPtr(finalized)
	b.AutoEmitAt = strPtr(autoEmit)
	return b, err
}

func (r Repo) InsertBatch(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	_, err := r.exec(ctx, tx, `INSERT INTO batches(id,cohort_id,ordinal,title,status,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		b.ID, b.CohortID, b.Ordinal, b.Title, b.Status, b.CreatedBy, b.CreatedAt)
	return err
}

// LockBatch holds an exclusive per-batch lock until tx ends. Every change to
// a batch, its assessments or its report takes it before reading the batch.
// SQLite runs each transaction alone on its single connection, so there it
// does nothing.
func (r Repo) LockBatch(ctx context.Context, tx *sql.Tx, id string) error {
	if r.Dialect != db.Postgres {
		return nil
	}
	if tx == nil {
		return errors.New("lock batch: transaction required")
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id)
	return err
}

func (r Repo) GetBatch(ctx context.Context, tx *sql.Tx, id string) (domain.Batch, error) {
	b, err := scanBatch(r.queryRow(ctx, tx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id).Scan)
	return b, notFound(err)
}

type BatchFilters struct {
	CohortID string
	Status   string
	Limit    int
}

func (r Repo) ListBatches(ctx context.Context, tx *sql.Tx, f BatchFilters) ([]domain.Batch, error) {
	var clauses []string
	var args []any
	if f.CohortID != "" {
		clauses = append(clauses, "cohort_id=?")
		args = append(args, f.CohortID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + batchColumns + ` FROM batches`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY cohort_id, ordinal DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// NextOrdinal is one past the highest ordinal used in the cohort.
func (r Repo) NextOrdinal(ctx context.Context, tx *sql.Tx, cohortID string) (int, error) {
	var n int
	err := r.queryRow(ctx, tx, `SELECT COALESCE(MAX(ordinal),0)+1 FROM batches WHERE cohort_id=?`, cohortID).Scan(&n)
	return n, err
}

// Counts are the assessment tallies a batch status is derived from.
type Counts struct {
	Total       int
	Completed   int
	Deactivated int
}

// Released is the number of assessments still expected to finish.
func (c Counts) Released() int { return c.Total - c.Deactivated }

func (r Repo) CountAssessments(ctx context.Context, tx *sql.Tx, batchID string) (Counts, error) {
	var c Counts
	err := r.queryRow(ctx, tx, `SELECT COUNT(*),
  COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='deactivated' THEN 1 ELSE 0 END),0)
FROM member_assessments WHERE batch_id=?`, batchID).Scan(&c.Total, &c.Completed, &c.Deactivated)
	return c, err
}

func (r Repo) UpdateBatchCounts(ctx context.Context, tx *sql.Tx, id string, c Counts) error {
	_, err := r.exec(ctx, tx, `UPDATE batches SET total_count=?, released_count=?, completed_count=?, deactivated_count=? WHERE id=?`,
		c.Total, c.Released(), c.Completed, c.Deactivated, id)
	return err
}

// The transitions below are compare-and-swap updates: false means the batch
// was not in the expected state and nothing changed.

func (r Repo) ReleaseBatch(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE batches SET status='active', released_at=? WHERE id=? AND status='draft'`, at, id)
}

func (r Repo) CompleteBatch(ctx context.Context, tx *sql.Tx, id, at, autoEmitAt string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE batches SET status='completed', completed_at=?, auto_emit_at=? WHERE id=? AND status='active'`, at, autoEmitAt, id)
}

func (r Repo) ReopenBatch(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE batches SET status='active', completed_at=NULL, auto_emit_at=NULL WHERE id=? AND status='completed'`, id)
}

func (r Repo) CancelBatch(ctx context.Context, tx *sql.Tx, id string, from domain.BatchStatus, at, reason string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE batches SET status='cancelled', cancelled_at=?, cancel_reason=? WHERE id=? AND status=?`, at, nullable(reason), id, from)
}

func (r Repo) FinalizeBatch(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE batches SET status='finalized', finalized_at=? WHERE id=? AND status='completed'`, at, id)
}

// MarkEmergencyUsed consumes the batch's single emergency emission.
func (r Repo) MarkEmergencyUsed(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE batches SET emergency_used=1 WHERE id=? AND emergency_used=0`, id)
}
