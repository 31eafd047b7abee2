package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	entries metric.Int64Counter
	passes  metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("batchline/queue")
	entries, err := meter.Int64Counter("batchline.queue.entries",
		metric.WithDescription("Queue entries processed by outcome"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	passes, err := meter.Int64Counter("batchline.queue.passes",
		metric.WithDescription("Drain passes, including skipped ones"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{entries: entries, passes: passes}, nil
}

func (m *Metrics) entry(ctx context.Context, outcome Outcome) {
	if m == nil {
		return
	}
	m.entries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *Metrics) pass(ctx context.Context, skipped bool) {
	if m == nil {
		return
	}
	m.passes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("skipped", skipped)))
}
