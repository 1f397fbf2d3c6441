// Package relay implements the session-sync engine: the broadcast router
// over the shared transcript, the request delivery path, and the outbound
// retry queue. All shared state (registry, ledger, dedup cache, queue,
// tail cursor) is owned by the Engine and injected at construction.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxrelay/voxrelay/internal/agent"
	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/dedup"
	"github.com/voxrelay/voxrelay/internal/session"
	"github.com/voxrelay/voxrelay/internal/transcript"
)

// Appender mirrors the relay's own turns into the shared transcript.
// *transcript.Appender implements it.
type Appender interface {
	Append(role, text string) (transcript.Entry, error)
}

// Options wires the engine's collaborators and tunables.
type Options struct {
	TranscriptPath string
	TailLines      int
	OriginTag      string
	RequestTimeout time.Duration

	QueueCapacity int
	DrainInterval time.Duration

	Registry *session.Registry
	Ledger   *session.Ledger
	Cache    *dedup.Cache
	Executor agent.Executor
	Appender Appender
	Bus      *bus.Bus
	Logger   *slog.Logger

	// ReadTail overrides the transcript read, used by tests. Defaults to
	// transcript.ReadTail.
	ReadTail func(path string, maxLines int) ([]transcript.Entry, error)
}

// Engine coordinates sessions, the pending-request ledger, the tail
// broadcast, and resilient delivery to the agent executor.
type Engine struct {
	path           string
	tailLines      int
	originTag      string
	requestTimeout time.Duration

	registry *session.Registry
	ledger   *session.Ledger
	cache    *dedup.Cache
	queue    *queue
	executor agent.Executor
	appender Appender
	bus      *bus.Bus
	logger   *slog.Logger
	readTail func(path string, maxLines int) ([]transcript.Entry, error)

	// cursor state is mutated only by SyncOnce, which runs serially on the
	// bus consumer goroutine.
	cursor transcript.Cursor
	seeded bool
}

// New constructs the engine. The retry queue is built here so its callbacks
// can close over the engine, which is the second phase of the wiring the
// queue/router circularity requires.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		path:           opts.TranscriptPath,
		tailLines:      opts.TailLines,
		originTag:      opts.OriginTag,
		requestTimeout: opts.RequestTimeout,
		registry:       opts.Registry,
		ledger:         opts.Ledger,
		cache:          opts.Cache,
		executor:       opts.Executor,
		appender:       opts.Appender,
		bus:            opts.Bus,
		logger:         logger,
		readTail:       opts.ReadTail,
	}
	if e.readTail == nil {
		e.readTail = transcript.ReadTail
	}
	e.queue = newQueue(opts.QueueCapacity, opts.DrainInterval, e.downstreamReady, e.retryQueued, opts.Bus, logger)
	return e
}

// Run consumes transcript-change events until ctx is cancelled. One change
// event triggers at most one tail cycle; the notifier's debounce has
// already coalesced write bursts.
func (e *Engine) Run(ctx context.Context) {
	e.queue.bind(ctx)
	sub := e.bus.Subscribe(bus.TopicTranscriptChanged)
	defer e.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Ch():
			if !ok {
				return
			}
			e.SyncOnce(ctx)
		}
	}
}

// QueueDepth reports the outbound retry queue's current depth.
func (e *Engine) QueueDepth() int {
	return e.queue.depth()
}

// DownstreamReady reports whether the agent executor can take requests.
func (e *Engine) DownstreamReady(ctx context.Context) bool {
	return e.downstreamReady(ctx)
}

func (e *Engine) downstreamReady(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return e.executor.Ready(probeCtx)
}
