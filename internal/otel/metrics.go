package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the relay's metric instruments.
type Metrics struct {
	TurnsBroadcast    metric.Int64Counter
	TurnsDeduped      metric.Int64Counter
	QueueEnqueued     metric.Int64Counter
	QueueRejected     metric.Int64Counter
	QueueDrains       metric.Int64Counter
	SessionsConnected metric.Int64UpDownCounter
	SessionsReaped    metric.Int64Counter
	HeartbeatTimeouts metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnsBroadcast, err = meter.Int64Counter("voxrelay.turns.broadcast",
		metric.WithDescription("Transcript turns fanned out to sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsDeduped, err = meter.Int64Counter("voxrelay.turns.deduped",
		metric.WithDescription("Transcript turns suppressed as duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueEnqueued, err = meter.Int64Counter("voxrelay.queue.enqueued",
		metric.WithDescription("Requests parked on the outbound retry queue"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRejected, err = meter.Int64Counter("voxrelay.queue.rejected",
		metric.WithDescription("Requests rejected because the queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDrains, err = meter.Int64Counter("voxrelay.queue.drains",
		metric.WithDescription("Times the outbound retry queue drained to empty"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsConnected, err = meter.Int64UpDownCounter("voxrelay.sessions.connected",
		metric.WithDescription("Sessions with a live connection"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsReaped, err = meter.Int64Counter("voxrelay.sessions.reaped",
		metric.WithDescription("Sessions destroyed by the idle reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatTimeouts, err = meter.Int64Counter("voxrelay.heartbeat.timeouts",
		metric.WithDescription("Connections terminated for missed heartbeats"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
