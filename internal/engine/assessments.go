package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"batchline/internal/audit"
	"batchline/internal/domain"
	"batchline/internal/engine/auth"
	"batchline/internal/principal"
	"batchline/internal/repo"
	"batchline/internal/report"
)

const (
	minDeactivateReason       = 10
	minForcedDeactivateReason = 50
	minResetReason            = 5
)

// mutable loads an assessment for a change. It enforces the caller's
// permission, own-assessment access for subjects, the batch status and the
// draft-report guard.
func (e Engine) mutable(ctx context.Context, tx *sql.Tx, p principal.Principal, id string, action auth.Action, statuses ...domain.BatchStatus) (domain.MemberAssessment, domain.Batch, error) {
	batchID, err := e.Repo.AssessmentBatchID(ctx, tx, id)
	if err != nil {
		return domain.MemberAssessment{}, domain.Batch{}, fmt.Errorf("assessment %s: %w", id, err)
	}
	b, err := e.lockBatch(ctx, tx, batchID)
	if err != nil {
		return domain.MemberAssessment{}, domain.Batch{}, err
	}
	a, err := e.Repo.GetAssessment(ctx, tx, id)
	if err != nil {
		return domain.MemberAssessment{}, domain.Batch{}, fmt.Errorf("assessment %s: %w", id, err)
	}
	if err := authorizeAssessment(p, action, b, a); err != nil {
		return domain.MemberAssessment{}, domain.Batch{}, err
	}
	rp, err := e.Repo.GetReport(ctx, tx, b.ID)
	if err != nil {
		return domain.MemberAssessment{}, domain.Batch{}, err
	}
	if rp.Status != domain.ReportDraft {
		return domain.MemberAssessment{}, domain.Batch{}, fmt.Errorf("%w (batch %s, report %s)", ErrImmutable, b.ID, rp.Status)
	}
	if err := ensureBatchStatus(b, statuses...); err != nil {
		return domain.MemberAssessment{}, domain.Batch{}, err
	}
	return a, b, nil
}

func authorizeAssessment(p principal.Principal, action auth.Action, b domain.Batch, a domain.MemberAssessment) error {
	if err := auth.Authorize(p, action, b.CohortID); err != nil {
		return err
	}
	if iv, ok := principal.Normalize(p).(principal.Interactive); ok && iv.Role == auth.RoleSubject && iv.SubjectID != a.SubjectID {
		return auth.ForbiddenError{Permission: string(action), Reason: "assessment belongs to another subject"}
	}
	return nil
}

// ResponseInput is one answer to record.
type ResponseInput struct {
	Dimension int     `json:"dimension"`
	Item      string  `json:"item"`
	Value     float64 `json:"value"`
}

func (e Engine) validateResponses(in []ResponseInput) error {
	if len(in) == 0 {
		return ValidationError{Field: "responses", Reason: "at least one response required"}
	}
	dims := map[int]bool{}
	for _, d := range report.DefaultDimensions {
		dims[d.Number] = true
	}
	for i, r := range in {
		if !dims[r.Dimension] {
			return ValidationError{Field: fmt.Sprintf("responses[%d].dimension", i), Reason: fmt.Sprintf("unknown dimension %d", r.Dimension)}
		}
		if strings.TrimSpace(r.Item) == "" {
			return ValidationError{Field: fmt.Sprintf("responses[%d].item", i), Reason: "required"}
		}
		if math.IsNaN(r.Value) || r.Value < 0 || r.Value > 100 {
			return ValidationError{Field: fmt.Sprintf("responses[%d].value", i), Reason: "must be within 0..100"}
		}
	}
	return nil
}

// RecordResponses stores answers on an open assessment. Answering an item
// again replaces the earlier value.
func (e Engine) RecordResponses(ctx context.Context, p principal.Principal, assessmentID string, in []ResponseInput) (domain.MemberAssessment, error) {
	if err := e.validateResponses(in); err != nil {
		return domain.MemberAssessment{}, err
	}
	var a domain.MemberAssessment
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		if a, _, err = e.mutable(ctx, tx, p, assessmentID, auth.ActionAssessmentRespond, domain.BatchActive); err != nil {
			return err
		}
		if a.Status != domain.AssessmentStarted && a.Status != domain.AssessmentInProgress {
			return fmt.Errorf("%w: assessment %s is %s", ErrInvalidTransition, a.ID, a.Status)
		}
		for _, r := range in {
			resp := domain.Response{AssessmentID: a.ID, Dimension: r.Dimension, Item: strings.TrimSpace(r.Item), Value: r.Value}
			if err := e.Repo.UpsertResponse(ctx, tx, resp); err != nil {
				return fmt.Errorf("record response: %w", err)
			}
		}
		if a.Status == domain.AssessmentStarted {
			if _, err := e.Repo.StartAssessment(ctx, tx, a.ID, e.ts()); err != nil {
				return err
			}
		}
		a, err = e.Repo.GetAssessment(ctx, tx, a.ID)
		return err
	})
	if err != nil {
		return domain.MemberAssessment{}, err
	}
	return a, nil
}

// AssessmentResult is an assessment change together with the batch
// transition it caused.
type AssessmentResult struct {
	Assessment domain.MemberAssessment `json:"assessment"`
	Transition
}

// CompleteAssessment submits an answered assessment, advances the subject's
// evaluation index and recomputes the batch.
func (e Engine) CompleteAssessment(ctx context.Context, p principal.Principal, assessmentID string) (AssessmentResult, error) {
	var res AssessmentResult
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		a, b, err := e.mutable(ctx, tx, p, assessmentID, auth.ActionAssessmentComplete, domain.BatchActive)
		if err != nil {
			return err
		}
		if a.Status != domain.AssessmentStarted && a.Status != domain.AssessmentInProgress {
			return fmt.Errorf("%w: assessment %s is %s", ErrInvalidTransition, a.ID, a.Status)
		}
		responses, err := e.Repo.ListResponses(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if len(responses) == 0 {
			return ValidationError{Field: "responses", Reason: "assessment has no responses"}
		}
		now := e.ts()
		if a.Status == domain.AssessmentStarted {
			if _, err := e.Repo.StartAssessment(ctx, tx, a.ID, now); err != nil {
				return err
			}
		}
		ok, err := e.Repo.CompleteAssessment(ctx, tx, a.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: assessment %s changed concurrently", ErrInvalidTransition, a.ID)
		}
		if err := e.Repo.RecordEvaluation(ctx, tx, a.SubjectID, b.Ordinal, now); err != nil {
			return fmt.Errorf("record evaluation: %w", err)
		}
		if err := e.audit(ctx, tx, p, audit.ActionAssessmentCompleted, "assessment", a.ID, map[string]any{"batch_id": b.ID, "responses": len(responses)}); err != nil {
			return err
		}
		return e.finishTx(ctx, tx, p, a.ID, b, &res)
	})
	if err != nil {
		return AssessmentResult{}, err
	}
	e.afterTransition(ctx, p, &res.Transition)
	return res, nil
}

// DeactivateAssessment removes an assessment from the batch totals. When the
// subject's assessment in the previous batch was deactivated too, the caller
// must force it with a longer justification.
func (e Engine) DeactivateAssessment(ctx context.Context, p principal.Principal, assessmentID, reason string, force bool) (AssessmentResult, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < minDeactivateReason {
		return AssessmentResult{}, ValidationError{Field: "reason", Reason: fmt.Sprintf("must be at least %d characters", minDeactivateReason)}
	}
	if force && len(reason) < minForcedDeactivateReason {
		return AssessmentResult{}, ValidationError{Field: "reason", Reason: fmt.Sprintf("forced deactivation needs at least %d characters", minForcedDeactivateReason)}
	}
	var res AssessmentResult
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		a, b, err := e.mutable(ctx, tx, p, assessmentID, auth.ActionAssessmentDeactivate, domain.BatchActive)
		if err != nil {
			return err
		}
		if a.Status == domain.AssessmentDeactivated {
			return fmt.Errorf("%w: assessment %s is already deactivated", ErrInvalidTransition, a.ID)
		}
		prev, err := e.Repo.PreviousAssessmentStatus(ctx, tx, a.SubjectID, b.CohortID, b.Ordinal)
		if err != nil && !isNotFound(err) {
			return err
		}
		repeated := prev == domain.AssessmentDeactivated
		if repeated && !force {
			return ValidationError{Field: "force", Reason: "subject was also deactivated in the previous batch; confirm with force"}
		}
		ok, err := e.Repo.DeactivateAssessment(ctx, tx, a.ID, e.ts(), reason)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: assessment %s changed concurrently", ErrInvalidTransition, a.ID)
		}
		details := map[string]any{"batch_id": b.ID, "reason": reason, "previous_status": string(a.Status)}
		if repeated {
			details["forced"] = true
		}
		if err := e.audit(ctx, tx, p, audit.ActionAssessmentDeactive, "assessment", a.ID, details); err != nil {
			return err
		}
		return e.finishTx(ctx, tx, p, a.ID, b, &res)
	})
	if err != nil {
		return AssessmentResult{}, err
	}
	e.afterTransition(ctx, p, &res.Transition)
	return res, nil
}

// ResetAssessment clears an assessment's answers so the subject can start
// over. It is allowed once per assessment per batch. A completed batch whose
// report is still draft goes back to active.
func (e Engine) ResetAssessment(ctx context.Context, p principal.Principal, assessmentID, reason string) (AssessmentResult, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < minResetReason {
		return AssessmentResult{}, ValidationError{Field: "reason", Reason: fmt.Sprintf("must be at least %d characters", minResetReason)}
	}
	p = principal.Normalize(p)
	var res AssessmentResult
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		a, b, err := e.mutable(ctx, tx, p, assessmentID, auth.ActionAssessmentReset, domain.BatchActive, domain.BatchCompleted)
		if err != nil {
			return err
		}
		if a.Status != domain.AssessmentInProgress && a.Status != domain.AssessmentCompleted {
			return fmt.Errorf("%w: assessment %s is %s", ErrInvalidTransition, a.ID, a.Status)
		}
		done, err := e.Repo.HasReset(ctx, tx, a.ID, b.ID)
		if err != nil {
			return err
		}
		if done {
			return ValidationError{Field: "assessment", Reason: "already reset once in this batch"}
		}
		var restored *repo.Evaluation
		if a.Status == domain.AssessmentCompleted {
			if restored, err = e.restoreEvaluation(ctx, tx, a, b); err != nil {
				return err
			}
		}
		cleared, err := e.Repo.ClearResponses(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		ok, err := e.Repo.ReopenAssessment(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: assessment %s changed concurrently", ErrInvalidTransition, a.ID)
		}
		now := e.ts()
		if err := e.Repo.InsertReset(ctx, tx, repo.Reset{
			ID:               uuid.NewString(),
			AssessmentID:     a.ID,
			BatchID:          b.ID,
			Reason:           reason,
			ResponsesCleared: cleared,
			ActorID:          p.ActorID(),
			CreatedAt:        now,
			Restored:         restored,
		}); err != nil {
			return err
		}
		if b.Status == domain.BatchCompleted {
			ok, err := e.Repo.ReopenBatch(ctx, tx, b.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: batch %s changed concurrently", ErrInvalidTransition, b.ID)
			}
			if err := e.Repo.DeleteEmission(ctx, tx, b.ID); err != nil {
				return err
			}
			if err := e.audit(ctx, tx, p, audit.ActionBatchReopened, "batch", b.ID, map[string]any{"assessment_id": a.ID}); err != nil {
				return err
			}
			b.Status = domain.BatchActive
		}
		if err := e.audit(ctx, tx, p, audit.ActionAssessmentReset, "assessment", a.ID, map[string]any{"batch_id": b.ID, "reason": reason, "responses_cleared": cleared}); err != nil {
			return err
		}
		return e.finishTx(ctx, tx, p, a.ID, b, &res)
	})
	if err != nil {
		return AssessmentResult{}, err
	}
	return res, nil
}

// restoreEvaluation undoes what completing a counted toward the subject's
// evaluation history. Nothing is restored when a later completion has since
// moved the subject on.
func (e Engine) restoreEvaluation(ctx context.Context, tx *sql.Tx, a domain.MemberAssessment, b domain.Batch) (*repo.Evaluation, error) {
	prior, ok, err := e.Repo.PriorEvaluation(ctx, tx, a.ID)
	if err != nil || !ok {
		return nil, err
	}
	ok, err = e.Repo.RestoreEvaluation(ctx, tx, a.SubjectID, max(prior.Index, b.Ordinal), prior)
	if err != nil {
		return nil, fmt.Errorf("restore evaluation: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &prior, nil
}

// ReissueAssessment gives a subject of the cohort a fresh assessment in an
// active batch where they have no live one, typically after a deactivation.
func (e Engine) ReissueAssessment(ctx context.Context, p principal.Principal, batchID, subjectID string) (AssessmentResult, error) {
	if subjectID == "" {
		return AssessmentResult{}, ValidationError{Field: "subject_id", Reason: "required"}
	}
	var res AssessmentResult
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		b, err := e.lockBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := auth.Authorize(p, auth.ActionAssessmentReissue, b.CohortID); err != nil {
			return err
		}
		rp, err := e.Repo.GetReport(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if rp.Status != domain.ReportDraft {
			return fmt.Errorf("%w (batch %s, report %s)", ErrImmutable, b.ID, rp.Status)
		}
		if err := ensureBatchStatus(b, domain.BatchActive); err != nil {
			return err
		}
		s, err := e.Repo.GetSubject(ctx, tx, subjectID)
		if err != nil {
			return fmt.Errorf("subject %s: %w", subjectID, err)
		}
		if s.CohortID != b.CohortID {
			return ValidationError{Field: "subject_id", Reason: "subject belongs to another cohort"}
		}
		if !s.Active {
			return ValidationError{Field: "subject_id", Reason: "subject is inactive"}
		}
		live, err := e.Repo.LiveAssessment(ctx, tx, b.ID, s.ID)
		switch {
		case err == nil:
			return ValidationError{Field: "subject_id", Reason: "subject already has assessment " + live.ID + " in this batch"}
		case !isNotFound(err):
			return err
		}
		a := domain.MemberAssessment{
			ID:                uuid.NewString(),
			BatchID:           b.ID,
			SubjectID:         s.ID,
			Status:            domain.AssessmentStarted,
			EligibilityReason: "reissue",
			CreatedAt:         e.ts(),
		}
		if err := e.Repo.InsertAssessment(ctx, tx, a); err != nil {
			return fmt.Errorf("insert assessment: %w", err)
		}
		if err := e.audit(ctx, tx, p, audit.ActionAssessmentReissued, "assessment", a.ID, map[string]any{"batch_id": b.ID, "subject_id": s.ID}); err != nil {
			return err
		}
		return e.finishTx(ctx, tx, p, a.ID, b, &res)
	})
	if err != nil {
		return AssessmentResult{}, err
	}
	return res, nil
}

// finishTx recomputes the batch and reloads both rows into res.
func (e Engine) finishTx(ctx context.Context, tx *sql.Tx, p principal.Principal, assessmentID string, b domain.Batch, res *AssessmentResult) error {
	to, err := e.recomputeTx(ctx, tx, p, b)
	if err != nil {
		return err
	}
	res.To = to
	if res.Batch, err = e.Repo.GetBatch(ctx, tx, b.ID); err != nil {
		return err
	}
	res.Assessment, err = e.Repo.GetAssessment(ctx, tx, assessmentID)
	return err
}

func (e Engine) GetAssessment(ctx context.Context, p principal.Principal, id string) (domain.MemberAssessment, []domain.Response, error) {
	var (
		a         domain.MemberAssessment
		responses []domain.Response
	)
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		if a, err = e.Repo.GetAssessment(ctx, tx, id); err != nil {
			return fmt.Errorf("assessment %s: %w", id, err)
		}
		b, err := e.loadBatch(ctx, tx, a.BatchID)
		if err != nil {
			return err
		}
		if err := authorizeAssessment(p, auth.ActionAssessmentRead, b, a); err != nil {
			return err
		}
		responses, err = e.Repo.ListResponses(ctx, tx, a.ID)
		return err
	})
	if err != nil {
		return domain.MemberAssessment{}, nil, err
	}
	return a, responses, nil
}

// ListAssessments returns a batch's assessments. Subjects only see their own.
func (e Engine) ListAssessments(ctx context.Context, p principal.Principal, batchID string) ([]domain.MemberAssessment, error) {
	var res []domain.MemberAssessment
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		b, err := e.loadBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := auth.Authorize(p, auth.ActionAssessmentRead, b.CohortID); err != nil {
			return err
		}
		all, err := e.Repo.ListAssessments(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		for _, a := range all {
			if authorizeAssessment(p, auth.ActionAssessmentRead, b, a) == nil {
				res = append(res, a)
			}
		}
		return nil
	})
	return res, err
}
