package transport

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the transport's telemetry instruments. A nil *Metrics
// disables recording.
type Metrics struct {
	frames     metric.Int64Counter
	reconnects metric.Int64Counter
}

// NewMetrics registers the transport counters on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	frames, err := meter.Int64Counter("tickfabric.transport.frames",
		metric.WithDescription("Frames received from the feed"))
	if err != nil {
		return nil, err
	}
	reconnects, err := meter.Int64Counter("tickfabric.transport.reconnects",
		metric.WithDescription("Connection attempts by outcome"))
	if err != nil {
		return nil, err
	}
	return &Metrics{frames: frames, reconnects: reconnects}, nil
}

func (m *Metrics) recordFrame(ctx context.Context) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1)
}

func (m *Metrics) recordReconnect(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
