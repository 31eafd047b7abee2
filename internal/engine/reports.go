package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"batchline/internal/audit"
	"batchline/internal/domain"
	"batchline/internal/emission"
	"batchline/internal/engine/auth"
	"batchline/internal/notify"
	"batchline/internal/principal"
	"batchline/internal/queue"
	"batchline/internal/repo"
)

// Emit issues the batch report now as p. A batch that is not completed is
// rejected before anything is claimed or queued. Otherwise the outcome is
// settled on the queue like an inline attempt.
func (e Engine) Emit(ctx context.Context, p principal.Principal, batchID string) (emission.Result, error) {
	if e.Emitter == nil {
		return emission.Result{}, errors.New("emission is not configured")
	}
	if err := e.emittable(ctx, p, batchID); err != nil {
		return emission.Result{}, err
	}
	res, err := e.Emitter.Emit(ctx, batchID, p)
	var fe auth.ForbiddenError
	if err != nil && !errors.As(err, &fe) && !errors.Is(err, principal.ErrMissing) {
		e.settle(ctx, batchID, err)
	}
	return res, err
}

// emittable checks that p may emit the batch and that it is completed. A
// batch past completion whose report already left draft reports the benign
// already-issued outcome instead.
func (e Engine) emittable(ctx context.Context, p principal.Principal, batchID string) error {
	return e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		b, err := e.loadBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := auth.Authorize(p, auth.ActionReportEmit, b.CohortID); err != nil {
			return err
		}
		if b.Status == domain.BatchCompleted {
			return nil
		}
		rp, err := e.Repo.GetReport(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if rp.Status != domain.ReportDraft {
			return emission.ErrAlreadyInProgressOrIssued
		}
		return ensureBatchStatus(b, domain.BatchCompleted)
	})
}

// EmitEmergency recomputes the batch and then issues an emergency report.
// The batch must be completed after the recompute.
func (e Engine) EmitEmergency(ctx context.Context, p principal.Principal, batchID, reason string) (emission.Result, error) {
	if e.Emitter == nil {
		return emission.Result{}, errors.New("emission is not configured")
	}
	reason = strings.TrimSpace(reason)
	if need := e.cfg().Emission.MinEmergencyReason; len(reason) < need {
		return emission.Result{}, ValidationError{Field: "reason", Reason: fmt.Sprintf("must be at least %d characters", need)}
	}
	if !auth.CanIssue(p) {
		return emission.Result{}, auth.ForbiddenError{Permission: string(auth.ActionReportEmergency), Reason: "issuer role required"}
	}
	tr, err := e.recompute(ctx, p, batchID, false)
	if err != nil {
		return emission.Result{}, err
	}
	if tr.To != "" {
		e.afterTransitionNotify(ctx, tr)
	}
	if err := ensureBatchStatus(tr.Batch, domain.BatchCompleted); err != nil {
		return emission.Result{}, err
	}
	return e.Emitter.EmitEmergency(ctx, batchID, p, reason)
}

// afterTransitionNotify sends the transition events without emitting.
func (e Engine) afterTransitionNotify(ctx context.Context, tr Transition) {
	typ := notify.EventBatchCompleted
	if tr.To == domain.BatchCancelled {
		typ = notify.EventBatchCancelled
	}
	e.notify(ctx, notify.Event{Type: typ, BatchID: tr.Batch.ID, CohortID: tr.Batch.CohortID})
}

func (e Engine) settle(ctx context.Context, batchID string, err error) {
	if e.Queue == nil {
		return
	}
	if _, serr := e.Queue.Settle(ctx, batchID, err); serr != nil {
		e.log().Error("settle emission", zap.String("batch_id", batchID), zap.Error(serr))
	}
}

// RequestEmission queues the batch for emission now. A terminal entry is
// re-armed with a fresh attempt budget.
func (e Engine) RequestEmission(ctx context.Context, p principal.Principal, batchID string) (domain.QueueEntry, error) {
	var entry domain.QueueEntry
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		b, err := e.lockBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := auth.Authorize(p, auth.ActionReportRequest, b.CohortID); err != nil {
			return err
		}
		if err := ensureBatchStatus(b, domain.BatchCompleted); err != nil {
			return err
		}
		rp, err := e.Repo.GetReport(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if rp.Status != domain.ReportDraft {
			return fmt.Errorf("%w: report of batch %s is already %s", ErrInvalidTransition, b.ID, rp.Status)
		}
		now := e.ts()
		if err := e.Repo.EnqueueEmission(ctx, tx, b.ID, now, now); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, p, audit.ActionEmissionRequested, "batch", b.ID, nil); err != nil {
			return err
		}
		entry, err = e.Repo.GetQueueEntry(ctx, tx, b.ID)
		return err
	})
	if err != nil {
		return domain.QueueEntry{}, err
	}
	return entry, nil
}

// DeliverReport records hand-over of an issued report and finalizes the batch.
func (e Engine) DeliverReport(ctx context.Context, p principal.Principal, batchID string) (domain.Report, error) {
	var (
		rp domain.Report
		b  domain.Batch
	)
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		if b, err = e.lockBatch(ctx, tx, batchID); err != nil {
			return err
		}
		if err := auth.Authorize(p, auth.ActionReportDeliver, b.CohortID); err != nil {
			return err
		}
		now := e.ts()
		ok, err := e.Repo.DeliverReport(ctx, tx, b.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: report of batch %s is not issued", ErrInvalidTransition, b.ID)
		}
		ok, err = e.Repo.FinalizeBatch(ctx, tx, b.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, b.ID, b.Status)
		}
		if err := e.audit(ctx, tx, p, audit.ActionReportDelivered, "report", b.ID, nil); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, p, audit.ActionBatchFinalized, "batch", b.ID, nil); err != nil {
			return err
		}
		rp, err = e.Repo.GetReport(ctx, tx, b.ID)
		return err
	})
	if err != nil {
		return domain.Report{}, err
	}
	e.notify(ctx, notify.Event{Type: notify.EventReportDelivered, BatchID: b.ID, ReportID: rp.ID, CohortID: b.CohortID})
	return rp, nil
}

// GetReport returns report metadata; withContent also loads the rendered bytes.
func (e Engine) GetReport(ctx context.Context, p principal.Principal, batchID string, withContent bool) (domain.Report, error) {
	var rp domain.Report
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		b, err := e.loadBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := auth.Authorize(p, auth.ActionReportRead, b.CohortID); err != nil {
			return err
		}
		if withContent {
			rp, err = e.Repo.ReportContent(ctx, tx, b.ID)
		} else {
			rp, err = e.Repo.GetReport(ctx, tx, b.ID)
		}
		return err
	})
	if err != nil {
		return domain.Report{}, err
	}
	return rp, nil
}

func (e Engine) ListQueue(ctx context.Context, p principal.Principal, includeTerminal bool) ([]domain.QueueEntry, error) {
	if err := auth.Authorize(p, auth.ActionQueueRead, ""); err != nil {
		return nil, err
	}
	var res []domain.QueueEntry
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		res, err = e.Repo.ListQueue(ctx, tx, includeTerminal)
		return err
	})
	return res, err
}

// DrainQueue runs queue passes until no due work is left.
func (e Engine) DrainQueue(ctx context.Context, p principal.Principal) (queue.Stats, error) {
	if err := auth.Authorize(p, auth.ActionQueueDrain, ""); err != nil {
		return queue.Stats{}, err
	}
	if e.Queue == nil {
		return queue.Stats{}, errors.New("emission queue is not configured")
	}
	return e.Queue.Drain(ctx)
}

// AuditListOptions filter ListAudit.
type AuditListOptions struct {
	ResourceID string
	Action     string
	ActorID    string
	Limit      int
}

func (e Engine) ListAudit(ctx context.Context, p principal.Principal, opts AuditListOptions) ([]domain.AuditRecord, error) {
	if err := auth.Authorize(p, auth.ActionAuditRead, ""); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	var res []domain.AuditRecord
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		var err error
		res, err = e.Repo.ListAudit(ctx, tx, repo.AuditFilters{ResourceID: opts.ResourceID, Action: opts.Action, ActorID: opts.ActorID, Limit: opts.Limit})
		return err
	})
	return res, err
}
