// Package engine owns the batch lifecycle. Every operation runs in one
// transaction with the caller's security context bound; status changes are
// compare-and-swap updates so repeated or concurrent calls converge.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"batchline/internal/audit"
	"batchline/internal/config"
	"batchline/internal/db"
	"batchline/internal/domain"
	"batchline/internal/emission"
	"batchline/internal/notify"
	"batchline/internal/principal"
	"batchline/internal/queue"
	"batchline/internal/repo"
	"batchline/internal/secctx"
)

// ErrInvalidTransition is returned when an operation does not apply to the
// current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrImmutable is returned for assessment changes once the batch report has
// left draft.
var ErrImmutable = errors.New("batch report is no longer draft; assessments are immutable")

// AutoEmitPrincipal is who emits after a completion when the triggering
// principal may not.
var AutoEmitPrincipal = principal.System{Reason: "automatic emission on batch completion"}

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Runner   secctx.Runner
	Audit    audit.Writer
	Notifier notify.Sink
	Emitter  *emission.Emitter
	Queue    *queue.Worker
	Config   *config.Config
	Log      *zap.Logger
	Now      func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Runner: secctx.Runner{DB: conn, Applier: secctx.ForDialect(dialect)},
		Audit:  audit.Writer{Dialect: dialect},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// audit appends an entry inside tx, stamped with the engine clock.
func (e Engine) audit(ctx context.Context, tx *sql.Tx, p principal.Principal, action, kind, id string, details map[string]any) error {
	w := e.Audit
	w.Now = e.now
	if err := w.Append(ctx, tx, audit.For(p, action, kind, id, details)); err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

func (e Engine) notify(ctx context.Context, evt notify.Event) {
	if e.Notifier == nil {
		return
	}
	evt.OccurredAt = e.now().UTC()
	if err := e.Notifier.Notify(ctx, evt); err != nil {
		e.log().Warn("notify failed", zap.String("event", evt.Type), zap.String("batch_id", evt.BatchID), zap.Error(err))
	}
}

func ensureBatchStatus(b domain.Batch, allowed ...domain.BatchStatus) error {
	for _, s := range allowed {
		if b.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, b.ID, b.Status)
}

// lockBatch takes the batch lock and then reads the batch. Operations that
// change a batch, its assessments or its report start with it, so each sees
// the others' committed work.
func (e Engine) lockBatch(ctx context.Context, tx *sql.Tx, id string) (domain.Batch, error) {
	if err := e.Repo.LockBatch(ctx, tx, id); err != nil {
		return domain.Batch{}, fmt.Errorf("lock batch %s: %w", id, err)
	}
	return e.loadBatch(ctx, tx, id)
}

// loadBatch reads a batch inside tx, wrapping not-found with the id.
func (e Engine) loadBatch(ctx context.Context, tx *sql.Tx, id string) (domain.Batch, error) {
	b, err := e.Repo.GetBatch(ctx, tx, id)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("batch %s: %w", id, err)
	}
	return b, nil
}
