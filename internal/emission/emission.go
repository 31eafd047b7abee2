// Package emission issues a batch's report exactly once. The claiming
// transaction holds the batch lock, so assessment changes wait for it, and
// the atomic claim on the draft report row settles concurrent emitters.
package emission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"batchline/internal/artifact"
	"batchline/internal/audit"
	"batchline/internal/domain"
	"batchline/internal/engine/auth"
	"batchline/internal/notify"
	"batchline/internal/principal"
	"batchline/internal/repo"
	"batchline/internal/report"
	"batchline/internal/secctx"
)

type Emitter struct {
	Repo       repo.Repo
	Runner     secctx.Runner
	Renderer   report.Renderer
	Artifacts  artifact.Store
	Audit      audit.Sink
	Notifier   notify.Sink
	Log        *zap.Logger
	Now        func() time.Time
	Dimensions []report.Dimension
	Bands      report.Bands
	Metrics    *Metrics
}

type Result struct {
	ReportID  string `json:"report_id"`
	Hash      string `json:"hash"`
	IssuerID  string `json:"issuer_id"`
	Emergency bool   `json:"emergency"`
}

func (e *Emitter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Emitter) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// Emit issues the batch's report as p.
func (e *Emitter) Emit(ctx context.Context, batchID string, p principal.Principal) (Result, error) {
	return e.emit(ctx, batchID, p, nil)
}

// EmitEmergency issues the report outside the normal path, once per batch.
// Only an interactive issuer may do it.
func (e *Emitter) EmitEmergency(ctx context.Context, batchID string, p principal.Principal, reason string) (Result, error) {
	if err := auth.Authorize(p, auth.ActionReportEmergency, ""); err != nil {
		return Result{}, err
	}
	if !auth.CanIssue(p) {
		return Result{}, auth.ForbiddenError{Permission: string(auth.ActionReportEmergency), Reason: "issuer role required"}
	}
	return e.emit(ctx, batchID, p, &report.Emergency{Reason: reason, RequestedBy: principal.Normalize(p).ActorID()})
}

func (e *Emitter) emit(ctx context.Context, batchID string, p principal.Principal, em *report.Emergency) (Result, error) {
	start := e.now()
	p = principal.Normalize(p)
	var (
		res   Result
		batch domain.Batch
	)
	err := e.Runner.InTx(ctx, p, func(tx *sql.Tx) error {
		if err := e.Repo.LockBatch(ctx, tx, batchID); err != nil {
			return fmt.Errorf("lock batch %s: %w", batchID, err)
		}
		var err error
		batch, err = e.Repo.GetBatch(ctx, tx, batchID)
		if errors.Is(err, repo.ErrNotFound) {
			return permanent("batch %s not found", batchID)
		}
		if err != nil {
			return err
		}
		if err := auth.Authorize(p, auth.ActionReportEmit, batch.CohortID); err != nil {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339)
		claimed, err := e.Repo.ClaimReport(ctx, tx, batchID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrAlreadyInProgressOrIssued
		}
		if batch.Status != domain.BatchCompleted {
			return PermanentError{Err: fmt.Errorf("%w: batch %s is %s", ErrNotCompleted, batchID, batch.Status)}
		}
		if em != nil {
			ok, err := e.Repo.MarkEmergencyUsed(ctx, tx, batchID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrEmergencyUsed
			}
		}
		issuer, err := e.resolveIssuer(ctx, tx, p)
		if err != nil {
			return err
		}
		in, err := e.loadInput(ctx, tx, batch)
		if err != nil {
			return err
		}
		in.IssuerID, in.IssuerName = issuer.ID, issuer.Name
		in.IssuedAt = e.now()
		in.Emergency = em
		content, err := report.Build(in, e.Dimensions, e.bands())
		if err != nil {
			return err
		}
		rendered, err := e.Renderer.Render(ctx, content)
		if err != nil {
			return fmt.Errorf("render report: %w", err)
		}
		hash := report.Digest(rendered)
		var ref string
		if e.Artifacts != nil {
			if ref, err = e.Artifacts.Put(ctx, rendered, e.Renderer.ContentType()); err != nil {
				return fmt.Errorf("store artifact: %w", err)
			}
		}
		issue := repo.Issue{
			ReportID:      batchID,
			Content:       rendered,
			ContentHash:   hash,
			ContentType:   e.Renderer.ContentType(),
			ArtifactRef:   ref,
			IssuerID:      issuer.ID,
			PrincipalKind: string(p.Kind()),
			IssuedAt:      now,
		}
		if em != nil {
			issue.Emergency, issue.EmergencyReason = true, em.Reason
		}
		ok, err := e.Repo.IssueReport(ctx, tx, issue)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyInProgressOrIssued
		}
		if err := e.Repo.DeleteEmission(ctx, tx, batchID); err != nil {
			return err
		}
		res = Result{ReportID: batchID, Hash: hash, IssuerID: issuer.ID, Emergency: em != nil}
		return nil
	})
	kind := ""
	if p != nil {
		kind = string(p.Kind())
	}
	e.Metrics.record(ctx, Outcome(err), kind, e.now().Sub(start))
	if err != nil {
		return Result{}, err
	}
	e.afterIssue(ctx, p, batch, res, em)
	return res, nil
}

func (e *Emitter) bands() report.Bands {
	if e.Bands == (report.Bands{}) {
		return report.DefaultBands
	}
	return e.Bands
}

// resolveIssuer picks who signs the report: the caller when it is an
// issuer, otherwise the only active registered issuer.
func (e *Emitter) resolveIssuer(ctx context.Context, tx *sql.Tx, p principal.Principal) (domain.Issuer, error) {
	if auth.CanIssue(p) {
		id := p.ActorID()
		iss, err := e.Repo.GetIssuer(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Issuer{ID: id, Name: id, Active: true}, nil
		}
		if err != nil {
			return domain.Issuer{}, err
		}
		if !iss.Active {
			return domain.Issuer{}, fmt.Errorf("%w: issuer %s is inactive", ErrNoIssuer, id)
		}
		return iss, nil
	}
	issuers, err := e.Repo.ListIssuers(ctx, tx, true)
	if err != nil {
		return domain.Issuer{}, err
	}
	switch len(issuers) {
	case 1:
		return issuers[0], nil
	case 0:
		return domain.Issuer{}, fmt.Errorf("%w: none active", ErrNoIssuer)
	default:
		return domain.Issuer{}, fmt.Errorf("%w: %d active issuers, cannot pick one", ErrNoIssuer, len(issuers))
	}
}

func (e *Emitter) loadInput(ctx context.Context, tx *sql.Tx, b domain.Batch) (report.Input, error) {
	cohort, err := e.Repo.GetCohort(ctx, tx, b.CohortID)
	if err != nil {
		return report.Input{}, fmt.Errorf("load cohort: %w", err)
	}
	counts, err := e.Repo.CountAssessments(ctx, tx, b.ID)
	if err != nil {
		return report.Input{}, err
	}
	samples, err := e.Repo.Samples(ctx, tx, b.ID)
	if err != nil {
		return report.Input{}, err
	}
	first, last, err := e.Repo.Period(ctx, tx, b.ID)
	if err != nil {
		return report.Input{}, err
	}
	in := report.Input{
		BatchID:          b.ID,
		CohortID:         b.CohortID,
		CohortName:       cohort.Name,
		Title:            b.Title,
		Ordinal:          b.Ordinal,
		FirstStartedAt:   first,
		LastSubmittedAt:  last,
		TotalCount:       counts.Total,
		CompletedCount:   counts.Completed,
		DeactivatedCount: counts.Deactivated,
		Samples:          samples,
	}
	if b.ReleasedAt != nil {
		in.ReleasedAt = *b.ReleasedAt
	}
	return in, nil
}

// afterIssue runs the post-commit side effects. Their failures are logged
// and never undo the emission.
func (e *Emitter) afterIssue(ctx context.Context, p principal.Principal, b domain.Batch, res Result, em *report.Emergency) {
	action := audit.ActionReportIssued
	details := map[string]any{"hash": res.Hash, "issuer_id": res.IssuerID}
	if em != nil {
		action = audit.ActionReportEmergency
		details["reason"] = em.Reason
	}
	if e.Audit != nil {
		if err := e.Audit.Record(ctx, audit.For(p, action, "report", res.ReportID, details)); err != nil {
			e.log().Warn("audit report issue failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}
	if e.Notifier != nil {
		evt := notify.Event{
			Type:       notify.EventReportIssued,
			BatchID:    b.ID,
			ReportID:   res.ReportID,
			CohortID:   b.CohortID,
			OccurredAt: e.now().UTC(),
			Details:    map[string]any{"hash": res.Hash, "emergency": res.Emergency},
		}
		if err := e.Notifier.Notify(ctx, evt); err != nil {
			e.log().Warn("notify report issue failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}
	e.log().Info("report issued",
		zap.String("batch_id", b.ID),
		zap.String("hash", res.Hash),
		zap.String("actor_id", p.ActorID()),
		zap.Bool("emergency", res.Emergency),
	)
}
