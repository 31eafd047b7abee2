// Package queue retries emissions that did not finish inline. Entries are
// independent; the per-batch claim inside emission keeps them safe to run in
// parallel.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"batchline/internal/audit"
	"batchline/internal/domain"
	"batchline/internal/emission"
	"batchline/internal/notify"
	"batchline/internal/principal"
	"batchline/internal/repo"
	"batchline/internal/secctx"
)

// SystemPrincipal is who the worker emits as.
var SystemPrincipal = principal.System{Reason: "emission queue"}

type Emitter interface {
	Emit(ctx context.Context, batchID string, p principal.Principal) (emission.Result, error)
}

type Outcome string

const (
	OutcomeIssued   Outcome = "issued"
	OutcomeSkipped  Outcome = "already_issued"
	OutcomeRetry    Outcome = "retry"
	OutcomeTerminal Outcome = "terminal"
	// OutcomeRejected is a precondition failure on a batch with no queue
	// entry. Nothing is recorded.
	OutcomeRejected Outcome = "rejected"
)

type Stats struct {
	Processed int  `json:"processed"`
	Issued    int  `json:"issued"`
	Skipped   int  `json:"already_issued"`
	Retried   int  `json:"retried"`
	Terminal  int  `json:"terminal"`
	Locked    bool `json:"locked,omitempty"`
}

func (s *Stats) add(o Outcome) {
	s.Processed++
	switch o {
	case OutcomeIssued:
		s.Issued++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeRetry:
		s.Retried++
	case OutcomeTerminal:
		s.Terminal++
	}
}

type Worker struct {
	Repo repo.Repo
	// Runner binds SystemPrincipal to every queue transaction.
	Runner   secctx.Runner
	Emitter  Emitter
	Audit    audit.Sink
	Notifier notify.Sink
	Locker   Locker
	Log      *zap.Logger
	Now      func() time.Time
	Metrics  *Metrics

	cfg     Config
	limiter *rate.Limiter
	group   singleflight.Group
}

func NewWorker(r repo.Repo, em Emitter, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		Repo:    r,
		Runner:  secctx.Runner{DB: r.DB, Applier: secctx.ForDialect(r.Dialect)},
		Emitter: em,
		cfg:     cfg,
	}
	if cfg.RatePerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, int(cfg.RatePerSecond)))
	}
	return w
}

func (w *Worker) Config() Config { return w.cfg }

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return w.Runner.InTx(ctx, SystemPrincipal, fn)
}

func (w *Worker) log() *zap.Logger {
	if w.Log != nil {
		return w.Log
	}
	return zap.NewNop()
}

// RunOnce processes the entries due now. Concurrent callers in the same
// process share one pass; with a Locker, passes in other processes are
// skipped while one holds the lock.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	v, err, _ := w.group.Do("drain", func() (any, error) {
		return w.pass(ctx)
	})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

// Drain repeats passes until a pass finds less than a full page of due work.
func (w *Worker) Drain(ctx context.Context) (Stats, error) {
	var total Stats
	for {
		s, err := w.RunOnce(ctx)
		total.Processed += s.Processed
		total.Issued += s.Issued
		total.Skipped += s.Skipped
		total.Retried += s.Retried
		total.Terminal += s.Terminal
		total.Locked = total.Locked || s.Locked
		if err != nil {
			return total, err
		}
		if s.Locked || s.Processed < w.cfg.BatchSize {
			return total, nil
		}
	}
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if s, err := w.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log().Error("emission queue pass failed", zap.Error(err))
		} else if s.Processed > 0 {
			w.log().Info("emission queue pass",
				zap.Int("processed", s.Processed),
				zap.Int("issued", s.Issued),
				zap.Int("retried", s.Retried),
				zap.Int("terminal", s.Terminal),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) pass(ctx context.Context) (Stats, error) {
	if w.Locker != nil {
		release, ok, err := w.Locker.Acquire(ctx, w.cfg.LockTTL)
		if err != nil {
			return Stats{}, err
		}
		if !ok {
			w.Metrics.pass(ctx, true)
			return Stats{Locked: true}, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				w.log().Warn("release drain lock failed", zap.Error(err))
			}
		}()
	}
	w.Metrics.pass(ctx, false)

	var due []domain.QueueEntry
	err := w.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		due, err = w.Repo.DueEmissions(ctx, tx, w.now().UTC().Format(time.RFC3339), w.cfg.BatchSize)
		return err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("select due emissions: %w", err)
	}
	var (
		mu    sync.Mutex
		stats Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, entry := range due {
		g.Go(func() error {
			if w.limiter != nil {
				if err := w.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			outcome, err := w.process(gctx, entry)
			if err != nil {
				return err
			}
			mu.Lock()
			stats.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return stats, err
}

func (w *Worker) process(ctx context.Context, entry domain.QueueEntry) (Outcome, error) {
	if entry.Attempts >= w.cfg.MaxAttempts {
		last := "attempt ceiling reached"
		if entry.LastError != nil {
			last = *entry.LastError
		}
		return w.terminal(ctx, entry.BatchID, entry.Attempts, last)
	}
	_, emitErr := w.Emitter.Emit(ctx, entry.BatchID, SystemPrincipal)
	return w.settle(ctx, entry, emitErr)
}

// Settle records the result of an emission attempt made outside the worker,
// such as the inline attempt on batch completion.
// A batch that was never queued is queued only for failures a retry or an
// operator can act on.
func (w *Worker) Settle(ctx context.Context, batchID string, emitErr error) (Outcome, error) {
	var (
		entry    domain.QueueEntry
		rejected bool
	)
	err := w.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = w.Repo.GetQueueEntry(ctx, tx, batchID)
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		entry = domain.QueueEntry{BatchID: batchID}
		switch {
		case emitErr == nil, errors.Is(emitErr, emission.ErrAlreadyInProgressOrIssued):
			return nil
		case errors.Is(emitErr, emission.ErrNotCompleted):
			rejected = true
			return nil
		}
		now := w.now().UTC().Format(time.RFC3339)
		return w.Repo.EnqueueEmission(ctx, tx, batchID, now, now)
	})
	switch {
	case err != nil:
		return "", err
	case rejected:
		return OutcomeRejected, nil
	case entry.Terminal:
		return OutcomeTerminal, nil
	}
	return w.settle(ctx, entry, emitErr)
}

func (w *Worker) settle(ctx context.Context, entry domain.QueueEntry, emitErr error) (Outcome, error) {
	var outcome Outcome
	var err error
	switch {
	case emitErr == nil:
		outcome = OutcomeIssued
	case errors.Is(emitErr, emission.ErrAlreadyInProgressOrIssued):
		outcome = OutcomeSkipped
		err = w.inTx(ctx, func(tx *sql.Tx) error {
			return w.Repo.DeleteEmission(ctx, tx, entry.BatchID)
		})
	case emission.IsPermanent(emitErr):
		return w.terminal(ctx, entry.BatchID, entry.Attempts+1, emitErr.Error())
	default:
		attempts := entry.Attempts + 1
		if attempts >= w.cfg.MaxAttempts {
			return w.terminal(ctx, entry.BatchID, attempts, emitErr.Error())
		}
		now := w.now().UTC()
		next := now.Add(w.cfg.Backoff(attempts)).Format(time.RFC3339)
		outcome = OutcomeRetry
		err = w.inTx(ctx, func(tx *sql.Tx) error {
			return w.Repo.RescheduleEmission(ctx, tx, entry.BatchID, attempts, next, emitErr.Error(), now.Format(time.RFC3339))
		})
		w.log().Warn("emission failed, retry scheduled",
			zap.String("batch_id", entry.BatchID),
			zap.Int("attempts", attempts),
			zap.String("next_retry_at", next),
			zap.Error(emitErr),
		)
	}
	if err != nil {
		return "", err
	}
	w.Metrics.entry(ctx, outcome)
	return outcome, nil
}

func (w *Worker) terminal(ctx context.Context, batchID string, attempts int, lastErr string) (Outcome, error) {
	now := w.now().UTC()
	var changed bool
	err := w.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = w.Repo.MarkEmissionTerminal(ctx, tx, batchID, attempts, lastErr, now.Format(time.RFC3339))
		return err
	})
	if err != nil {
		return "", err
	}
	w.Metrics.entry(ctx, OutcomeTerminal)
	if !changed {
		return OutcomeTerminal, nil
	}
	w.log().Error("emission marked terminal", zap.String("batch_id", batchID), zap.Int("attempts", attempts), zap.String("last_error", lastErr))
	details := map[string]any{"attempts": attempts, "last_error": lastErr}
	if w.Audit != nil {
		if err := w.Audit.Record(ctx, audit.For(SystemPrincipal, audit.ActionEmissionTerminal, "batch", batchID, details)); err != nil {
			w.log().Warn("audit terminal emission failed", zap.String("batch_id", batchID), zap.Error(err))
		}
	}
	if w.Notifier != nil {
		evt := notify.Event{Type: notify.EventEmissionTerminal, BatchID: batchID, OccurredAt: now, Details: details}
		if err := w.Notifier.Notify(ctx, evt); err != nil {
			w.log().Warn("notify terminal emission failed", zap.String("batch_id", batchID), zap.Error(err))
		}
	}
	return OutcomeTerminal, nil
}
