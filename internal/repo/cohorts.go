package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"batchline/internal/domain"
	"batchline/internal/eligibility"
)

func (r Repo) InsertCohort(ctx context.Context, tx *sql.Tx, c domain.Cohort) error {
	_, err := r.exec(ctx, tx, `INSERT INTO cohorts(id,name,created_at) VALUES (?,?,?)`, c.ID, c.Name, c.CreatedAt)
	return err
}

func (r Repo) GetCohort(ctx context.Context, tx *sql.Tx, id string) (domain.Cohort, error) {
	var c domain.Cohort
	err := r.queryRow(ctx, tx, `SELECT id,name,created_at FROM cohorts WHERE id=?`, id).Scan(&c.ID, &c.Name, &c.CreatedAt)
	return c, notFound(err)
}

func (r Repo) ListCohorts(ctx context.Context) ([]domain.Cohort, error) {
	rows, err := r.query(ctx, nil, `SELECT id,name,created_at FROM cohorts ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cohort
	for rows.Next() {
		var c domain.Cohort
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const subjectColumns = `id,cohort_id,name,level,active,evaluation_index,last_evaluated_at,created_at`

func scanSubject(scan func(...any) error) (domain.Subject, error) {
	var s domain.Subject
	var last sql.NullString
	err := scan(&s.ID, &s.CohortID, &s.Name, &s.Level, &s.Active, &s.EvaluationIndex, &last, &s.CreatedAt)
	s.LastEvaluatedAt = strPtr(last)
	return s, err
}

func (r Repo) InsertSubject(ctx context.Context, tx *sql.Tx, s domain.Subject) error {
	if s.Level == "" {
		s.Level = "operational"
	}
	_, err := r.exec(ctx, tx, `INSERT INTO subjects(`+subjectColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.CohortID, s.Name, s.Level, boolInt(s.Active), s.EvaluationIndex, nullableStringPtr(s.LastEvaluatedAt), s.CreatedAt)
	return err
}

func (r Repo) GetSubject(ctx context.Context, tx *sql.Tx, id string) (domain.Subject, error) {
	s, err := scanSubject(r.queryRow(ctx, tx, `SELECT `+subjectColumns+` FROM subjects WHERE id=?`, id).Scan)
	return s, notFound(err)
}

func (r Repo) ListSubjects(ctx context.Context, tx *sql.Tx, cohortID string) ([]domain.Subject, error) {
	rows, err := r.query(ctx, tx, `SELECT `+subjectColumns+` FROM subjects WHERE cohort_id=? ORDER BY id`, cohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subject
	for rows.Next() {
		s, err := scanSubject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// RecordEvaluation advances the subject's evaluation index after a completed
// assessment. The index never moves backwards.
func (r Repo) RecordEvaluation(ctx context.Context, tx *sql.Tx, subjectID string, ordinal int, at string) error {
	_, err := r.exec(ctx, tx, `UPDATE subjects SET evaluation_index=CASE WHEN evaluation_index < ? THEN ? ELSE evaluation_index END, last_evaluated_at=? WHERE id=?`,
		ordinal, ordinal, at, subjectID)
	return err
}

// EligibilitySubjects loads the calculator input for a cohort. An assessment
// counts as open when it is unfinished in a draft or active batch other than
// excludeBatchID.
func (r Repo) EligibilitySubjects(ctx context.Context, tx *sql.Tx, cohortID, excludeBatchID string) ([]eligibility.Subject, error) {
	rows, err := r.query(ctx, tx, `SELECT s.id, s.active, s.evaluation_index, s.last_evaluated_at,
  EXISTS (SELECT 1 FROM member_assessments m JOIN batches b ON b.id = m.batch_id
          WHERE m.subject_id = s.id AND m.status IN ('started','in_progress')
            AND b.status IN ('draft','active') AND b.id <> ?) AS open
FROM subjects s WHERE s.cohort_id=? ORDER BY s.id`, excludeBatchID, cohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []eligibility.Subject
	for rows.Next() {
		var s eligibility.Subject
		var last sql.NullString
		if err := rows.Scan(&s.ID, &s.Active, &s.EvaluationIndex, &last, &s.HasOpenAssessment); err != nil {
			return nil, err
		}
		if last.Valid {
			t, err := time.Parse(time.RFC3339, last.String)
			if err != nil {
				return nil, fmt.Errorf("subject %s: last_evaluated_at: %w", s.ID, err)
			}
			s.LastEvaluatedAt = &t
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertIssuer(ctx context.Context, tx *sql.Tx, i domain.Issuer) error {
	_, err := r.exec(ctx, tx, `INSERT INTO issuers(id,name,active,created_at) VALUES (?,?,?,?)`, i.ID, i.Name, boolInt(i.Active), i.CreatedAt)
	return err
}

func (r Repo) GetIssuer(ctx context.Context, tx *sql.Tx, id string) (domain.Issuer, error) {
	var i domain.Issuer
	err := r.queryRow(ctx, tx, `SELECT id,name,active,created_at FROM issuers WHERE id=?`, id).Scan(&i.ID, &i.Name, &i.Active, &i.CreatedAt)
	return i, notFound(err)
}

func (r Repo) ListIssuers(ctx context.Context, tx *sql.Tx, activeOnly bool) ([]domain.Issuer, error) {
	query := `SELECT id,name,active,created_at FROM issuers`
	if activeOnly {
		query += ` WHERE active=1`
	}
	rows, err := r.query(ctx, tx, query+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issuer
	for rows.Next() {
		var i domain.Issuer
		if err := rows.Scan(&i.ID, &i.Name, &i.Active, &i.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}
