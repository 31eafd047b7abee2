package repo

import (
	"context"
	"database/sql"

	"batchline/internal/domain"
)

const queueColumns = `batch_id,attempts,next_retry_at,terminal,last_error,created_at,updated_at`

func scanQueueEntry(scan func(...any) error) (domain.QueueEntry, error) {
	var q domain.QueueEntry
	var lastErr sql.NullString
	err := scan(&q.BatchID, &q.Attempts, &q.NextRetryAt, &q.Terminal, &lastErr, &q.CreatedAt, &q.UpdatedAt)
	q.LastError = strPtr(lastErr)
	return q, err
}

// EnqueueEmission arms the batch's queue entry. An existing entry, terminal or
// not, is reset to zero attempts.
func (r Repo) EnqueueEmission(ctx context.Context, tx *sql.Tx, batchID, nextRetryAt, now string) error {
	_, err := r.exec(ctx, tx, `INSERT INTO emission_queue(batch_id,attempts,next_retry_at,terminal,created_at,updated_at) VALUES (?,0,?,0,?,?)
ON CONFLICT(batch_id) DO UPDATE SET attempts=0, next_retry_at=excluded.next_retry_at, terminal=0, last_error=NULL, updated_at=excluded.updated_at`,
		batchID, nextRetryAt, now, now)
	return err
}

func (r Repo) GetQueueEntry(ctx context.Context, tx *sql.Tx, batchID string) (domain.QueueEntry, error) {
	q, err := scanQueueEntry(r.queryRow(ctx, tx, `SELECT `+queueColumns+` FROM emission_queue WHERE batch_id=?`, batchID).Scan)
	return q, notFound(err)
}

// DueEmissions lists non-terminal entries whose retry time has passed,
// oldest schedule first.
func (r Repo) DueEmissions(ctx context.Context, tx *sql.Tx, now string, limit int) ([]domain.QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.listQueue(ctx, tx, `SELECT `+queueColumns+` FROM emission_queue WHERE terminal=0 AND next_retry_at<=? ORDER BY next_retry_at, created_at, batch_id LIMIT ?`, now, limit)
}

func (r Repo) ListQueue(ctx context.Context, tx *sql.Tx, includeTerminal bool) ([]domain.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM emission_queue`
	if !includeTerminal {
		query += ` WHERE terminal=0`
	}
	return r.listQueue(ctx, tx, query+` ORDER BY next_retry_at, created_at, batch_id`)
}

func (r Repo) listQueue(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.QueueEntry, error) {
	rows, err := r.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueueEntry
	for rows.Next() {
		q, err := scanQueueEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) RescheduleEmission(ctx context.Context, tx *sql.Tx, batchID string, attempts int, nextRetryAt, lastErr, now string) error {
	_, err := r.exec(ctx, tx, `UPDATE emission_queue SET attempts=?, next_retry_at=?, last_error=?, updated_at=? WHERE batch_id=? AND terminal=0`,
		attempts, nextRetryAt, nullable(lastErr), now, batchID)
	return err
}

// MarkEmissionTerminal stops retrying. It reports false when the entry was
// already terminal or gone.
func (r Repo) MarkEmissionTerminal(ctx context.Context, tx *sql.Tx, batchID string, attempts int, lastErr, now string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE emission_queue SET attempts=?, terminal=1, last_error=?, updated_at=? WHERE batch_id=? AND terminal=0`,
		attempts, nullable(lastErr), now, batchID)
}

func (r Repo) DeleteEmission(ctx context.Context, tx *sql.Tx, batchID string) error {
	_, err := r.exec(ctx, tx, `DELETE FROM emission_queue WHERE batch_id=?`, batchID)
	return err
}
