package sharder

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the fleet-level telemetry instruments. A nil *Metrics
// disables recording.
type Metrics struct {
	drops    metric.Int64Counter
	controls metric.Int64Counter
}

// NewMetrics registers the sharder counters on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	drops, err := meter.Int64Counter("tickfabric.sharder.queue_drops",
		metric.WithDescription("Frames dropped because a shard's ring was full"))
	if err != nil {
		return nil, err
	}
	controls, err := meter.Int64Counter("tickfabric.sharder.control_payloads",
		metric.WithDescription("Subscribe/unsubscribe payloads issued"))
	if err != nil {
		return nil, err
	}
	return &Metrics{drops: drops, controls: controls}, nil
}

func (m *Metrics) recordDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.drops.Add(ctx, 1)
}

func (m *Metrics) recordControl(ctx context.Context, sent bool) {
	if m == nil {
		return
	}
	outcome := "sent"
	if !sent {
		outcome = "skipped"
	}
	m.controls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
