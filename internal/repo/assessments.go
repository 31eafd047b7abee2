package repo

import (
	"context"
	"database/sql"

	"batchline/internal/domain"
	"batchline/internal/report"
)

const assessmentColumns = `id,batch_id,subject_id,status,eligibility_reason,priority,started_at,submitted_at,deactivated_at,deactivation_reason,created_at`

func scanAssessment(scan func(...any) error) (domain.MemberAssessment, error) {
	var a domain.MemberAssessment
	var reason, priority, started, submitted, deactivated, why sql.NullString
	err := scan(&a.ID, &a.BatchID, &a.SubjectID, &a.Status, &reason, &priority, &started, &submitted, &deactivated, &why, &a.CreatedAt)
	a.EligibilityReason = reason.String
	a.Priority = priority.String
	a.StartedAt = strPtr(started)
	a.SubmittedAt = strPtr(submitted)
	a.DeactivatedAt = strPtr(deactivated)
	a.DeactivationReason = strPtr(why)
	return a, err
}

func (r Repo) InsertAssessment(ctx context.Context, tx *sql.Tx, a domain.MemberAssessment) error {
	_, err := r.exec(ctx, tx, `INSERT INTO member_assessments(id,batch_id,subject_id,status,eligibility_reason,priority,started_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.BatchID, a.SubjectID, a.Status, nullable(a.EligibilityReason), nullable(a.Priority), nullableStringPtr(a.StartedAt), a.CreatedAt)
	return err
}

func (r Repo) GetAssessment(ctx context.Context, tx *sql.Tx, id string) (domain.MemberAssessment, error) {
	a, err := scanAssessment(r.queryRow(ctx, tx, `SELECT `+assessmentColumns+` FROM member_assessments WHERE id=?`, id).Scan)
	return a, notFound(err)
}

// AssessmentBatchID reads only the batch an assessment belongs to, which
// never changes, so the batch can be locked before the assessment is read.
func (r Repo) AssessmentBatchID(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var batchID string
	err := r.queryRow(ctx, tx, `SELECT batch_id FROM member_assessments WHERE id=?`, id).Scan(&batchID)
	return batchID, notFound(err)
}

func (r Repo) ListAssessments(ctx context.Context, tx *sql.Tx, batchID string) ([]domain.MemberAssessment, error) {
	rows, err := r.query(ctx, tx, `SELECT `+assessmentColumns+` FROM member_assessments WHERE batch_id=? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MemberAssessment
	for rows.Next() {
		a, err := scanAssessment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LiveAssessment returns the subject's non-deactivated assessment in a batch.
func (r Repo) LiveAssessment(ctx context.Context, tx *sql.Tx, batchID, subjectID string) (domain.MemberAssessment, error) {
	a, err := scanAssessment(r.queryRow(ctx, tx, `SELECT `+assessmentColumns+` FROM member_assessments WHERE batch_id=? AND subject_id=? AND status<>'deactivated' LIMIT 1`, batchID, subjectID).Scan)
	return a, notFound(err)
}

// PreviousAssessmentStatus is the status of the subject's assessment in the
// closest earlier batch of the cohort that has one.
func (r Repo) PreviousAssessmentStatus(ctx context.Context, tx *sql.Tx, subjectID, cohortID string, beforeOrdinal int) (domain.AssessmentStatus, error) {
	var s domain.AssessmentStatus
	err := r.queryRow(ctx, tx, `SELECT m.status FROM member_assessments m JOIN batches b ON b.id = m.batch_id
WHERE m.subject_id=? AND b.cohort_id=? AND b.ordinal < ?
ORDER BY b.ordinal DESC, m.created_at DESC LIMIT 1`, subjectID, cohortID, beforeOrdinal).Scan(&s)
	return s, notFound(err)
}

// StartAssessment marks the first answer. started_at keeps its first value.
func (r Repo) StartAssessment(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE member_assessments SET status='in_progress', started_at=COALESCE(started_at, ?) WHERE id=? AND status='started'`, at, id)
}

// CompleteAssessment submits the assessment and snapshots the subject's
// evaluation index and date as they were before this submission counts.
func (r Repo) CompleteAssessment(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE member_assessments SET status='completed', submitted_at=?,
  prior_evaluation_index=(SELECT s.evaluation_index FROM subjects s WHERE s.id=member_assessments.subject_id),
  prior_last_evaluated_at=(SELECT s.last_evaluated_at FROM subjects s WHERE s.id=member_assessments.subject_id)
WHERE id=? AND status IN ('started','in_progress')`, at, id)
}

// Evaluation is a subject's evaluation index and last evaluation date.
type Evaluation struct {
	Index           int
	LastEvaluatedAt *string
}

// PriorEvaluation returns the snapshot taken when the assessment was
// completed. ok is false when there is none.
func (r Repo) PriorEvaluation(ctx context.Context, tx *sql.Tx, assessmentID string) (Evaluation, bool, error) {
	var idx sql.NullInt64
	var at sql.NullString
	err := r.queryRow(ctx, tx, `SELECT prior_evaluation_index, prior_last_evaluated_at FROM member_assessments WHERE id=?`, assessmentID).Scan(&idx, &at)
	if err != nil {
		return Evaluation{}, false, notFound(err)
	}
	if !idx.Valid {
		return Evaluation{}, false, nil
	}
	return Evaluation{Index: int(idx.Int64), LastEvaluatedAt: strPtr(at)}, true, nil
}

// RestoreEvaluation puts back a snapshot, provided the subject's index is
// still the one the completion left behind.
func (r Repo) RestoreEvaluation(ctx context.Context, tx *sql.Tx, subjectID string, current int, ev Evaluation) (bool, error) {
	return r.affected(ctx, tx, `UPDATE subjects SET evaluation_index=?, last_evaluated_at=? WHERE id=? AND evaluation_index=?`,
		ev.Index, nullableStringPtr(ev.LastEvaluatedAt), subjectID, current)
}

func (r Repo) DeactivateAssessment(ctx context.Context, tx *sql.Tx, id, at, reason string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE member_assessments SET status='deactivated', deactivated_at=?, deactivation_reason=? WHERE id=? AND status<>'deactivated'`, at, reason, id)
}

// ReopenAssessment puts a finished assessment back to started.
func (r Repo) ReopenAssessment(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	return r.affected(ctx, tx, `UPDATE member_assessments SET status='started', started_at=NULL, submitted_at=NULL, prior_evaluation_index=NULL, prior_last_evaluated_at=NULL
WHERE id=? AND status IN ('in_progress','completed')`, id)
}

func (r Repo) UpsertResponse(ctx context.Context, tx *sql.Tx, resp domain.Response) error {
	_, err := r.exec(ctx, tx, `INSERT INTO responses(assessment_id,dimension,item,value) VALUES (?,?,?,?)
ON CONFLICT(assessment_id,dimension,item) DO UPDATE SET value=excluded.value`, resp.AssessmentID, resp.Dimension, resp.Item, resp.Value)
	return err
}

func (r Repo) ListResponses(ctx context.Context, tx *sql.Tx, assessmentID string) ([]domain.Response, error) {
	rows, err := r.query(ctx, tx, `SELECT assessment_id,dimension,item,value FROM responses WHERE assessment_id=? ORDER BY dimension, item`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Response
	for rows.Next() {
		var resp domain.Response
		if err := rows.Scan(&resp.AssessmentID, &resp.Dimension, &resp.Item, &resp.Value); err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, rows.Err()
}

// ClearResponses deletes the assessment's answers and returns how many went.
func (r Repo) ClearResponses(ctx context.Context, tx *sql.Tx, assessmentID string) (int, error) {
	res, err := r.exec(ctx, tx, `DELETE FROM responses WHERE assessment_id=?`, assessmentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type Reset struct {
	ID               string
	AssessmentID     string
	BatchID          string
	Reason           string
	ResponsesCleared int
	ActorID          string
	CreatedAt        string
	// Restored is the evaluation put back on the subject, if any.
	Restored *Evaluation
}

func (r Repo) InsertReset(ctx context.Context, tx *sql.Tx, rs Reset) error {
	var idx, at any
	if rs.Restored != nil {
		idx, at = rs.Restored.Index, nullableStringPtr(rs.Restored.LastEvaluatedAt)
	}
	_, err := r.exec(ctx, tx, `INSERT INTO assessment_resets(id,assessment_id,batch_id,reason,responses_cleared,actor_id,created_at,restored_evaluation_index,restored_last_evaluated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rs.ID, rs.AssessmentID, rs.BatchID, rs.Reason, rs.ResponsesCleared, rs.ActorID, rs.CreatedAt, idx, at)
	return err
}

func (r Repo) HasReset(ctx context.Context, tx *sql.Tx, assessmentID, batchID string) (bool, error) {
	var n int
	err := r.queryRow(ctx, tx, `SELECT COUNT(*) FROM assessment_resets WHERE assessment_id=? AND batch_id=?`, assessmentID, batchID).Scan(&n)
	return n > 0, err
}

// Samples loads the answers of completed assessments, the only ones a report
// is computed from.
func (r Repo) Samples(ctx context.Context, tx *sql.Tx, batchID string) ([]report.Sample, error) {
	rows, err := r.query(ctx, tx, `SELECT m.id, s.level, rs.dimension, rs.value
FROM responses rs
JOIN member_assessments m ON m.id = rs.assessment_id
JOIN subjects s ON s.id = m.subject_id
WHERE m.batch_id=? AND m.status='completed'
ORDER BY m.id, rs.dimension, rs.item`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []report.Sample
	for rows.Next() {
		var s report.Sample
		if err := rows.Scan(&s.AssessmentID, &s.SubjectLevel, &s.Dimension, &s.Value); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// Period is the first start and last submission among completed assessments.
func (r Repo) Period(ctx context.Context, tx *sql.Tx, batchID string) (string, string, error) {
	var first, last sql.NullString
	err := r.queryRow(ctx, tx, `SELECT MIN(started_at), MAX(submitted_at) FROM member_assessments WHERE batch_id=? AND status='completed'`, batchID).Scan(&first, &last)
	return first.String, last.String, err
}
