package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"batchline/internal/audit"
	"batchline/internal/domain"
	"batchline/internal/eligibility"
	"batchline/internal/emission"
	"batchline/internal/engine/auth"
	"batchline/internal/notify"
	"batchline/internal/principal"
	"batchline/internal/repo"
)

// BatchCreateOptions are parameters for creating a batch.
type BatchCreateOptions struct {
	ID       string
	CohortID string
	Title    string
}

// CreateBatch opens a draft batch at the cohort's next ordinal and reserves
// its report in the same transaction.
func (e Engine) CreateBatch(ctx context.Context, p principal.Principal, opts BatchCreateOptions) (domain.Batch, error) {
	if opts.CohortID == "" {
		return domain.Batch{}, ValidationError{Field: "cohort_id", Reason: "required"}
	}
	if err := auth.Authorize(p, auth.ActionBatchCreate, opts.CohortID); err != nil {
		return domain.Batch{}, err
	}
	p = principal.Normalize(p)
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	var b domain.Batch
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetCohort(ctx, tx, opts.CohortID); err != nil {
			return fmt.Errorf("cohort %s: %w", opts.CohortID, err)
		}
		ordinal, err := e.Repo.NextOrdinal(ctx, tx, opts.CohortID)
		if err != nil {
			return err
		}
		title := strings.TrimSpace(opts.Title)
		if title == "" {
			title = fmt.Sprintf("Batch #%d", ordinal)
		}
		b = domain.Batch{
			ID:        opts.ID,
			CohortID:  opts.CohortID,
			Ordinal:   ordinal,
			Title:     title,
			Status:    domain.BatchDraft,
			CreatedBy: p.ActorID(),
			CreatedAt: e.ts(),
		}
		if err := e.Repo.InsertBatch(ctx, tx, b); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		if err := e.Repo.InsertDraftReport(ctx, tx, b.ID); err != nil {
			return fmt.Errorf("reserve report: %w", err)
		}
		return e.audit(ctx, tx, p, audit.ActionBatchCreated, "batch", b.ID, map[string]any{"cohort_id": b.CohortID, "ordinal": b.Ordinal})
	})
	if err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// Release activates a draft batch and snapshots its membership from the
// eligibility calculation.
func (e Engine) Release(ctx context.Context, p principal.Principal, batchID string) (domain.Batch, []eligibility.Candidate, error) {
	var (
		b          domain.Batch
		candidates []eligibility.Candidate
	)
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		if b, err = e.lockBatch(ctx, tx, batchID); err != nil {
			return err
		}
		if err := auth.Authorize(p, auth.ActionBatchRelease, b.CohortID); err != nil {
			return err
		}
		if err := ensureBatchStatus(b, domain.BatchDraft); err != nil {
			return err
		}
		if candidates, err = e.eligible(ctx, tx, b.CohortID, b.Ordinal, b.ID); err != nil {
			return err
		}
		if len(candidates) == 0 {
			return ValidationError{Field: "batch", Reason: "no eligible subjects in cohort " + b.CohortID}
		}
		now := e.ts()
		ok, err := e.Repo.ReleaseBatch(ctx, tx, b.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: batch %s is no longer draft", ErrInvalidTransition, b.ID)
		}
		for _, c := range candidates {
			a := domain.MemberAssessment{
				ID:                uuid.NewString(),
				BatchID:           b.ID,
				SubjectID:         c.SubjectID,
				Status:            domain.AssessmentStarted,
				EligibilityReason: c.Reason,
				Priority:          c.Priority.String(),
				CreatedAt:         now,
			}
			if err := e.Repo.InsertAssessment(ctx, tx, a); err != nil {
				return fmt.Errorf("insert assessment for %s: %w", c.SubjectID, err)
			}
		}
		counts, err := e.Repo.CountAssessments(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if err := e.Repo.UpdateBatchCounts(ctx, tx, b.ID, counts); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, p, audit.ActionBatchReleased, "batch", b.ID, map[string]any{"assessments": len(candidates)}); err != nil {
			return err
		}
		b, err = e.Repo.GetBatch(ctx, tx, b.ID)
		return err
	})
	if err != nil {
		return domain.Batch{}, nil, err
	}
	return b, candidates, nil
}

// ComputeEligible lists who would join a batch of the cohort. With a
// reference batch the target is that batch's ordinal and its own assessments
// do not count as open; otherwise the target is the next ordinal. Nothing is
// written.
func (e Engine) ComputeEligible(ctx context.Context, p principal.Principal, cohortID, referenceBatchID string) ([]eligibility.Candidate, error) {
	if cohortID == "" {
		return nil, ValidationError{Field: "cohort_id", Reason: "required"}
	}
	if err := auth.Authorize(p, auth.ActionEligibilityRead, cohortID); err != nil {
		return nil, err
	}
	var res []eligibility.Candidate
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetCohort(ctx, tx, cohortID); err != nil {
			return fmt.Errorf("cohort %s: %w", cohortID, err)
		}
		var target int
		if referenceBatchID != "" {
			b, err := e.loadBatch(ctx, tx, referenceBatchID)
			if err != nil {
				return err
			}
			if b.CohortID != cohortID {
				return ValidationError{Field: "reference_batch_id", Reason: "batch belongs to another cohort"}
			}
			target = b.Ordinal
		} else {
			n, err := e.Repo.NextOrdinal(ctx, tx, cohortID)
			if err != nil {
				return err
			}
			target = n
		}
		var err error
		res, err = e.eligible(ctx, tx, cohortID, target, referenceBatchID)
		return err
	})
	return res, err
}

func (e Engine) eligible(ctx context.Context, tx *sql.Tx, cohortID string, target int, excludeBatchID string) ([]eligibility.Candidate, error) {
	subjects, err := e.Repo.EligibilitySubjects(ctx, tx, cohortID, excludeBatchID)
	if err != nil {
		return nil, fmt.Errorf("load subjects: %w", err)
	}
	interval := eligibility.DefaultMinInterval
	if days := e.cfg().Eligibility.MinIntervalDays; days > 0 {
		interval = time.Duration(days) * 24 * time.Hour
	}
	return eligibility.Compute(eligibility.Input{
		Subjects:      subjects,
		TargetOrdinal: target,
		Now:           e.now(),
		MinInterval:   interval,
	}), nil
}

// Transition is what a recomputation did to a batch.
type Transition struct {
	Batch domain.Batch `json:"batch"`
	// To is the status entered, empty when nothing changed.
	To domain.BatchStatus `json:"to,omitempty"`
	// Emission is set when an inline emission ran after the commit.
	Emission      *emission.Result `json:"emission,omitempty"`
	EmissionError string           `json:"emission_error,omitempty"`
}

// RecomputeStatus re-derives the batch status from its assessments. Calling
// it again without changes is a no-op.
func (e Engine) RecomputeStatus(ctx context.Context, p principal.Principal, batchID string) (Transition, error) {
	return e.recompute(ctx, p, batchID, true)
}

func (e Engine) recompute(ctx context.Context, p principal.Principal, batchID string, inline bool) (Transition, error) {
	var tr Transition
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		b, err := e.lockBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := auth.Authorize(p, auth.ActionBatchRecompute, b.CohortID); err != nil {
			return err
		}
		if tr.To, err = e.recomputeTx(ctx, tx, p, b); err != nil {
			return err
		}
		tr.Batch, err = e.Repo.GetBatch(ctx, tx, batchID)
		return err
	})
	if err != nil {
		return Transition{}, err
	}
	if inline {
		e.afterTransition(ctx, p, &tr)
	}
	return tr, nil
}

// recomputeTx refreshes the denormalized counts and moves an active batch to
// completed or cancelled when its assessments say so. Callers hold the batch
// lock, so the counts include every committed change. The status updates are
// guarded on active as well; a recompute that finds the batch already moved
// reports no change.
func (e Engine) recomputeTx(ctx context.Context, tx *sql.Tx, p principal.Principal, b domain.Batch) (domain.BatchStatus, error) {
	counts, err := e.Repo.CountAssessments(ctx, tx, b.ID)
	if err != nil {
		return "", err
	}
	if err := e.Repo.UpdateBatchCounts(ctx, tx, b.ID, counts); err != nil {
		return "", err
	}
	if b.Status != domain.BatchActive {
		return "", nil
	}
	details := map[string]any{"total": counts.Total, "completed": counts.Completed, "deactivated": counts.Deactivated}
	switch {
	case counts.Total > 0 && counts.Released() == 0:
		ok, err := e.Repo.CancelBatch(ctx, tx, b.ID, domain.BatchActive, e.ts(), "all assessments deactivated")
		if err != nil || !ok {
			return "", err
		}
		return domain.BatchCancelled, e.audit(ctx, tx, p, audit.ActionBatchCancelled, "batch", b.ID, details)
	case counts.Released() > 0 && counts.Completed == counts.Released():
		now := e.now().UTC()
		autoEmitAt := now.Add(e.cfg().Emission.Grace).Format(time.RFC3339)
		ok, err := e.Repo.CompleteBatch(ctx, tx, b.ID, now.Format(time.RFC3339), autoEmitAt)
		if err != nil || !ok {
			return "", err
		}
		if err := e.Repo.EnqueueEmission(ctx, tx, b.ID, autoEmitAt, now.Format(time.RFC3339)); err != nil {
			return "", fmt.Errorf("enqueue emission: %w", err)
		}
		details["auto_emit_at"] = autoEmitAt
		return domain.BatchCompleted, e.audit(ctx, tx, p, audit.ActionBatchCompleted, "batch", b.ID, details)
	}
	return "", nil
}

// afterTransition runs once the transition is committed. A completion emits
// inline when configured; the result is handed to the queue so failures are
// retried or marked terminal there.
func (e Engine) afterTransition(ctx context.Context, p principal.Principal, tr *Transition) {
	b := tr.Batch
	switch tr.To {
	case domain.BatchCancelled:
		e.notify(ctx, notify.Event{Type: notify.EventBatchCancelled, BatchID: b.ID, CohortID: b.CohortID})
	case domain.BatchCompleted:
		e.notify(ctx, notify.Event{Type: notify.EventBatchCompleted, BatchID: b.ID, CohortID: b.CohortID})
		if !e.cfg().Emission.Inline || e.Emitter == nil {
			return
		}
		emitter := principal.Normalize(p)
		if auth.Authorize(emitter, auth.ActionReportEmit, b.CohortID) != nil {
			emitter = AutoEmitPrincipal
		}
		res, err := e.Emitter.Emit(ctx, b.ID, emitter)
		if err == nil {
			tr.Emission = &res
		} else {
			tr.EmissionError = err.Error()
			e.log().Warn("inline emission failed", zap.String("batch_id", b.ID), zap.String("actor_id", emitter.ActorID()), zap.Error(err))
		}
		if e.Queue != nil {
			if _, serr := e.Queue.Settle(ctx, b.ID, err); serr != nil {
				e.log().Error("settle inline emission", zap.String("batch_id", b.ID), zap.Error(serr))
			}
		}
	}
}

// Cancel stops an active batch whose report has not been emitted.
func (e Engine) Cancel(ctx context.Context, p principal.Principal, batchID, reason string) (domain.Batch, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Batch{}, ValidationError{Field: "reason", Reason: "required"}
	}
	var b domain.Batch
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		if b, err = e.lockBatch(ctx, tx, batchID); err != nil {
			return err
		}
		if err := auth.Authorize(p, auth.ActionBatchCancel, b.CohortID); err != nil {
			return err
		}
		if err := ensureBatchStatus(b, domain.BatchActive); err != nil {
			return err
		}
		rp, err := e.Repo.GetReport(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if rp.Status != domain.ReportDraft {
			return fmt.Errorf("%w: report of batch %s is %s", ErrInvalidTransition, b.ID, rp.Status)
		}
		ok, err := e.Repo.CancelBatch(ctx, tx, b.ID, domain.BatchActive, e.ts(), reason)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: batch %s is no longer active", ErrInvalidTransition, b.ID)
		}
		if err := e.audit(ctx, tx, p, audit.ActionBatchCancelled, "batch", b.ID, map[string]any{"reason": reason}); err != nil {
			return err
		}
		b, err = e.Repo.GetBatch(ctx, tx, b.ID)
		return err
	})
	if err != nil {
		return domain.Batch{}, err
	}
	e.notify(ctx, notify.Event{Type: notify.EventBatchCancelled, BatchID: b.ID, CohortID: b.CohortID, Details: map[string]any{"reason": reason}})
	return b, nil
}

func (e Engine) GetBatch(ctx context.Context, p principal.Principal, id string) (domain.Batch, error) {
	var b domain.Batch
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		if b, err = e.loadBatch(ctx, tx, id); err != nil {
			return err
		}
		return auth.Authorize(p, auth.ActionBatchRead, b.CohortID)
	})
	if err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// BatchListOptions filter ListBatches.
type BatchListOptions struct {
	CohortID string
	Status   string
	Limit    int
}

func (e Engine) ListBatches(ctx context.Context, p principal.Principal, opts BatchListOptions) ([]domain.Batch, error) {
	if opts.Status != "" && !domain.BatchStatus(opts.Status).IsValid() {
		return nil, ValidationError{Field: "status", Reason: "unknown batch status " + opts.Status}
	}
	if err := auth.Authorize(p, auth.ActionBatchRead, opts.CohortID); err != nil {
		return nil, err
	}
	var res []domain.Batch
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		all, err := e.Repo.ListBatches(ctx, tx, repo.BatchFilters{CohortID: opts.CohortID, Status: opts.Status, Limit: opts.Limit})
		if err != nil {
			return err
		}
		for _, b := range all {
			if auth.Authorize(p, auth.ActionBatchRead, b.CohortID) == nil {
				res = append(res, b)
			}
		}
		return nil
	})
	return res, err
}

// isNotFound reports a missing row anywhere in err's chain.
func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
