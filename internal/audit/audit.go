// Package audit records who did what to which resource. Entries written with
// Writer share the caller's transaction; sinks record after commit.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"batchline/internal/db"
	"batchline/internal/principal"
	"batchline/internal/secctx"
)

const (
	ActionBatchCreated        = "batch.created"
	ActionBatchReleased       = "batch.released"
	ActionBatchCompleted      = "batch.completed"
	ActionBatchReopened       = "batch.reopened"
	ActionBatchCancelled      = "batch.cancelled"
	ActionBatchFinalized      = "batch.finalized"
	ActionAssessmentCompleted = "assessment.completed"
	ActionAssessmentDeactive  = "assessment.deactivated"
	ActionAssessmentReset     = "assessment.reset"
	ActionAssessmentReissued  = "assessment.reissued"
	ActionReportIssued        = "report.issued"
	ActionReportEmergency     = "report.issued.emergency"
	ActionReportDelivered     = "report.delivered"
	ActionEmissionRequested   = "emission.requested"
	ActionEmissionTerminal    = "emission.terminal"
)

type Entry struct {
	// Principal is who the entry is attributed to; Store binds it to the
	// transaction that writes the entry.
	Principal    principal.Principal
	Action       string
	ActorID      string
	ActorKind    string
	ResourceKind string
	ResourceID   string
	Details      map[string]any
}

// For attributes an entry to p.
func For(p principal.Principal, action, resourceKind, resourceID string, details map[string]any) Entry {
	e := Entry{Action: action, ResourceKind: resourceKind, ResourceID: resourceID, Details: details}
	if p = principal.Normalize(p); p != nil {
		e.Principal = p
		e.ActorID = p.ActorID()
		e.ActorKind = string(p.Kind())
	}
	return e
}

// Sink receives entries outside of any caller transaction.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.Action == "" || e.ActorID == "" {
		return errors.New("audit entry needs action and actor")
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO audit_log(id,ts,action,actor_id,actor_kind,resource_kind,resource_id,details_json) VALUES (?,?,?,?,?,?,?,?)`),
		uuid.NewString(), ts, e.Action, e.ActorID, e.ActorKind, e.ResourceKind, nullable(e.ResourceID), string(data))
	return err
}

// Store is a Sink backed by audit_log, one transaction per entry, run as the
// entry's principal.
type Store struct {
	Runner secctx.Runner
	Writer Writer
}

func (s Store) Record(ctx context.Context, e Entry) error {
	return s.Runner.InTx(ctx, e.Principal, func(tx *sql.Tx) error {
		return s.Writer.Append(ctx, tx, e)
	})
}

// Log writes entries to a zap logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Record(_ context.Context, e Entry) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Info("audit",
		zap.String("action", e.Action),
		zap.String("actor_id", e.ActorID),
		zap.String("actor_kind", e.ActorKind),
		zap.String("resource_kind", e.ResourceKind),
		zap.String("resource_id", e.ResourceID),
		zap.Any("details", e.Details),
	)
	return nil
}

// Multi fans an entry out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
