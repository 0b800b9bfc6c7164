package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "loom"

// Metrics holds all Loom metric instruments.
type Metrics struct {
	TurnsStarted      metric.Int64Counter
	TurnsCompleted    metric.Int64Counter
	TurnsFailed       metric.Int64Counter
	ApprovalsResolved metric.Int64Counter
	ApprovalsExpired  metric.Int64Counter
	StreamSubscribers metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsStarted, err = meter.Int64Counter("loom.turns.started",
		metric.WithDescription("Number of turns submitted"))
	if err != nil {
		return nil, err
	}

	m.TurnsCompleted, err = meter.Int64Counter("loom.turns.completed",
		metric.WithDescription("Number of turns that reached a terminal state successfully"))
	if err != nil {
		return nil, err
	}

	m.TurnsFailed, err = meter.Int64Counter("loom.turns.failed",
		metric.WithDescription("Number of turns that failed or were interrupted"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsResolved, err = meter.Int64Counter("loom.approvals.resolved",
		metric.WithDescription("Number of approval requests resolved by a client"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsExpired, err = meter.Int64Counter("loom.approvals.expired",
		metric.WithDescription("Number of approval requests that timed out or were orphaned"))
	if err != nil {
		return nil, err
	}

	m.StreamSubscribers, err = meter.Int64UpDownCounter("loom.stream.subscribers",
		metric.WithDescription("Currently connected SSE subscribers"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
