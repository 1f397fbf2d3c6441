package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/session"
)

// ErrQueueFull is returned when the outbound queue is at capacity. Enqueue
// fails closed: the caller surfaces the failure instead of silently
// dropping the request.
var ErrQueueFull = errors.New("outbound delivery queue full")

// QueuedMessage is one request parked while the downstream channel is
// transiently unavailable.
type QueuedMessage struct {
	SessionID string
	RequestID string
	Text      string
	// ConnAtEnqueue is the connection that was live when the message was
	// parked. Delivery on retry goes through the registry's current
	// connection; this is kept for diagnostics.
	ConnAtEnqueue session.Conn
	QueuedAt      time.Time
}

// queue is the bounded FIFO retry queue. The drain ticker starts on first
// enqueue and stops once the queue empties; while the downstream channel is
// not ready a tick is a no-op, preserving order and age.
type queue struct {
	capacity int
	interval time.Duration
	ready    func(ctx context.Context) bool
	retry    func(ctx context.Context, msg *QueuedMessage)
	bus      *bus.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	items    []*QueuedMessage
	draining bool
	ctx      context.Context
}

func newQueue(capacity int, interval time.Duration, ready func(context.Context) bool, retry func(context.Context, *QueuedMessage), b *bus.Bus, logger *slog.Logger) *queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &queue{
		capacity: capacity,
		interval: interval,
		ready:    ready,
		retry:    retry,
		bus:      b,
		logger:   logger,
	}
}

// bind supplies the lifecycle context the drain loop runs under.
func (q *queue) bind(ctx context.Context) {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()
}

// enqueue parks a message, starting the drain loop on the first item.
func (q *queue) enqueue(msg *QueuedMessage) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		depth := len(q.items)
		q.mu.Unlock()
		if q.bus != nil {
			q.bus.Publish(bus.TopicQueueRejected, bus.QueueEvent{
				SessionID: msg.SessionID, RequestID: msg.RequestID, Depth: depth,
			})
		}
		return ErrQueueFull
	}
	q.items = append(q.items, msg)
	depth := len(q.items)
	start := !q.draining
	if start {
		q.draining = true
	}
	ctx := q.ctx
	q.mu.Unlock()

	if q.bus != nil {
		q.bus.Publish(bus.TopicQueueEnqueued, bus.QueueEvent{
			SessionID: msg.SessionID, RequestID: msg.RequestID, Depth: depth,
		})
	}
	q.logger.Info("request queued for retry", "session_id", msg.SessionID, "request_id", msg.RequestID, "depth", depth)

	if start {
		if ctx == nil {
			ctx = context.Background()
		}
		go q.drainLoop(ctx)
	}
	return nil
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			return
		case <-ticker.C:
			if !q.ready(ctx) {
				continue
			}
			if done := q.drainAll(ctx); done {
				return
			}
		}
	}
}

// drainAll retries every queued item strictly in enqueue order. Each retry
// is terminal one way or the other: the retry callback never re-queues.
// Returns true once the queue is empty and the loop should exit.
func (q *queue) drainAll(ctx context.Context) bool {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			if q.bus != nil {
				q.bus.Publish(bus.TopicQueueDrained, bus.QueueEvent{Depth: 0})
			}
			q.logger.Info("outbound queue drained")
			return true
		}
		msg := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.logger.Info("retrying queued request", "session_id", msg.SessionID, "request_id", msg.RequestID, "queued_for", time.Since(msg.QueuedAt).Round(time.Millisecond))
		q.retry(ctx, msg)
	}
}
