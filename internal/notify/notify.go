// Package notify tells interested parties that something happened to a batch
// or its report. Delivery is best effort and always happens after commit.
package notify

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"batchline/internal/db"
	"batchline/internal/principal"
	"batchline/internal/secctx"
)

const (
	EventReportIssued     = "report.issued"
	EventReportDelivered  = "report.delivered"
	EventBatchCompleted   = "batch.completed"
	EventBatchCancelled   = "batch.cancelled"
	EventEmissionTerminal = "emission.terminal"
)

const defaultWebhookTimeout = 5 * time.Second

type Event struct {
	Type       string         `json:"type"`
	BatchID    string         `json:"batch_id,omitempty"`
	ReportID   string         `json:"report_id,omitempty"`
	CohortID   string         `json:"cohort_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Details    map[string]any `json:"details,omitempty"`
}

type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// Webhook POSTs events as JSON to a single URL.
type Webhook struct {
	URL     string
	Secret  string
	Events  []string
	Timeout time.Duration
	Client  *http.Client
}

func (w Webhook) Notify(ctx context.Context, e Event) error {
	if strings.TrimSpace(w.URL) == "" || !newFilter(w.Events).match(e.Type) {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batchline-Event", e.Type)
	if e.BatchID != "" {
		req.Header.Set("X-Batchline-Batch", e.BatchID)
	}
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Batchline-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", w.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Store keeps events in the notifications table, which doubles as an inbox.
type Store struct {
	Runner  secctx.Runner
	Dialect db.Dialect
}

// StorePrincipal writes the inbox; events carry no caller of their own.
var StorePrincipal = principal.System{Reason: "notification inbox"}

func (s Store) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	if e.Details == nil {
		payload = []byte("{}")
	}
	return s.Runner.InTx(ctx, StorePrincipal, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, db.Rebind(s.Dialect, `INSERT INTO notifications(id,ts,type,batch_id,report_id,cohort_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
			uuid.NewString(), e.OccurredAt.UTC().Format(time.RFC3339), e.Type, nullable(e.BatchID), nullable(e.ReportID), nullable(e.CohortID), string(payload))
		return err
	})
}

// Redis publishes events on a pub/sub channel.
type Redis struct {
	Client  redis.UniversalClient
	Channel string
}

func (r Redis) Notify(ctx context.Context, e Event) error {
	if r.Client == nil {
		return nil
	}
	channel := r.Channel
	if channel == "" {
		channel = "batchline.events"
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.Client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, e Event) error {
	if l.Logger != nil {
		l.Logger.Info("notification", zap.String("type", e.Type), zap.String("batch_id", e.BatchID), zap.String("cohort_id", e.CohortID))
	}
	return nil
}

// Multi delivers to every sink; one failing sink does not stop the others.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type filter struct {
	all bool
	set map[string]struct{}
}

func newFilter(events []string) filter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return filter{all: true}
	}
	return filter{set: set}
}

func (f filter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
