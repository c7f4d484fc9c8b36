package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "intentescrow/internal/engine"

// Metrics counts committed transitions and rejected calls.
type Metrics struct {
	transitions metric.Int64Counter
	failures    metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	transitions, err := meter.Int64Counter("escrow.transitions",
		metric.WithDescription("Committed state-changing escrow operations"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("escrow.failures",
		metric.WithDescription("Rejected or rolled back escrow operations by error kind"))
	if err != nil {
		return nil, err
	}
	return &Metrics{transitions: transitions, failures: failures}, nil
}

func (m *Metrics) transition(ctx context.Context, op, state string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("op", op)}
	if state != "" {
		attrs = append(attrs, attribute.String("state", state))
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) failure(ctx context.Context, op string, err error) {
	if m == nil {
		return
	}
	kind := string(KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("kind", kind)))
}
