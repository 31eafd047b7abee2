package emission

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics registers instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("batchline/emission")
	outcomes, err := meter.Int64Counter("batchline.emission.outcomes",
		metric.WithDescription("Emission attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("batchline.emission.duration",
		metric.WithDescription("Emission duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{outcomes: outcomes, duration: duration}, nil
}

func (m *Metrics) record(ctx context.Context, outcome string, kind string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("principal", kind))
	m.outcomes.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// Outcome names an emission result for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "issued"
	case errors.Is(err, ErrAlreadyInProgressOrIssued):
		return "already_issued"
	case IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}
