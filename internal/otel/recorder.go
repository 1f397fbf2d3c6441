package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxrelay/voxrelay/internal/bus"
)

// Recorder consumes bus events and records them on the metric instruments.
// Neither the sync engine nor the gateway link against telemetry; they only
// publish, and the recorder translates.
type Recorder struct {
	metrics *Metrics
	bus     *bus.Bus
}

// NewRecorder creates a recorder over the given instruments.
func NewRecorder(m *Metrics, b *bus.Bus) *Recorder {
	return &Recorder{metrics: m, bus: b}
}

// Run consumes all bus topics until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	sub := r.bus.Subscribe("")
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			r.record(ctx, event)
		}
	}
}

func (r *Recorder) record(ctx context.Context, event bus.Event) {
	switch event.Topic {
	case bus.TopicTurnBroadcast:
		attrs := metric.WithAttributes()
		if e, ok := event.Payload.(bus.TurnBroadcastEvent); ok {
			attrs = metric.WithAttributes(
				attribute.String("role", e.Role),
				attribute.String("source", e.Source),
			)
		}
		r.metrics.TurnsBroadcast.Add(ctx, 1, attrs)

	case bus.TopicTurnDeduped:
		r.metrics.TurnsDeduped.Add(ctx, 1)

	case bus.TopicQueueEnqueued:
		r.metrics.QueueEnqueued.Add(ctx, 1)

	case bus.TopicQueueRejected:
		r.metrics.QueueRejected.Add(ctx, 1)

	case bus.TopicQueueDrained:
		r.metrics.QueueDrains.Add(ctx, 1)

	case bus.TopicSessionConnected:
		r.metrics.SessionsConnected.Add(ctx, 1)

	case bus.TopicSessionDisconnected:
		r.metrics.SessionsConnected.Add(ctx, -1)

	case bus.TopicSessionReaped:
		r.metrics.SessionsReaped.Add(ctx, 1)

	case bus.TopicHeartbeatTerminated:
		r.metrics.HeartbeatTimeouts.Add(ctx, 1)
	}
}
