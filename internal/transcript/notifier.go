package transcript

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/voxrelay/voxrelay/internal/bus"
)

const defaultAttachRetry = 15 * time.Second

// Notifier detects new transcript entries and publishes a single
// bus.TopicTranscriptChanged event per quiescent burst of writes.
//
// Detection is push-first: an fsnotify watcher on the transcript path. OS
// file watchers drop events in the wild, so a polling backup (stat mtime and
// size) always runs alongside it, and a failed or errored watcher degrades
// to poll-only with periodic re-attach attempts. Every detected change
// resets the debounce timer; the downstream sync fires only once the window
// settles.
type Notifier struct {
	path         string
	pollInterval time.Duration
	debounce     time.Duration
	attachRetry  time.Duration
	bus          *bus.Bus
	logger       *slog.Logger

	lastSize    int64
	lastModTime time.Time
}

// NewNotifier creates a notifier for the given transcript path.
func NewNotifier(b *bus.Bus, path string, pollInterval, debounce time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		path:         path,
		pollInterval: pollInterval,
		debounce:     debounce,
		attachRetry:  defaultAttachRetry,
		bus:          b,
		logger:       logger,
	}
}

// Start snapshots the current file state and launches the watch loop. The
// loop exits when ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	n.snapshotStat()
	go n.run(ctx)
}

func (n *Notifier) run(ctx context.Context) {
	poll := time.NewTicker(n.pollInterval)
	defer poll.Stop()

	debounce := time.NewTimer(n.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false
	pendingOrigin := ""

	retry := time.NewTimer(n.attachRetry)
	if !retry.Stop() {
		select {
		case <-retry.C:
		default:
		}
	}

	var watcher *fsnotify.Watcher
	if watcher = n.tryAttach(); watcher == nil {
		retry.Reset(n.attachRetry)
	}
	defer func() {
		if watcher != nil {
			_ = watcher.Close()
		}
	}()

	detach := func() {
		if watcher != nil {
			_ = watcher.Close()
			watcher = nil
		}
		retry.Reset(n.attachRetry)
	}

	markChanged := func(origin string) {
		// Refresh the poll snapshot so a watcher-detected change is not
		// re-reported by the next poll tick.
		n.snapshotStat()
		if !debounce.Stop() {
			select {
			case <-debounce.C:
			default:
			}
		}
		debounce.Reset(n.debounce)
		pending = true
		pendingOrigin = origin
	}

	for {
		var watchEvents chan fsnotify.Event
		var watchErrors chan error
		if watcher != nil {
			watchEvents = watcher.Events
			watchErrors = watcher.Errors
		}

		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watchEvents:
			if !ok {
				detach()
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			markChanged("watcher")

		case err, ok := <-watchErrors:
			if ok && err != nil {
				n.logger.Warn("transcript watcher error, falling back to polling", "error", err)
			}
			detach()

		case <-retry.C:
			if watcher = n.tryAttach(); watcher == nil {
				retry.Reset(n.attachRetry)
			}

		case <-poll.C:
			if n.statChanged() {
				markChanged("poll")
			}

		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			n.logger.Debug("transcript changed", "origin", pendingOrigin)
			n.bus.Publish(bus.TopicTranscriptChanged, bus.TranscriptChangedEvent{
				Path:   n.path,
				Origin: pendingOrigin,
			})
		}
	}
}

// tryAttach builds an fsnotify watcher on the transcript path. Returns nil
// when the watcher cannot be created or the path cannot be added (e.g. the
// log does not exist yet); polling carries detection until a retry succeeds.
func (n *Notifier) tryAttach() *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		n.logger.Warn("fsnotify unavailable, using polling only", "error", err)
		return nil
	}
	if err := w.Add(n.path); err != nil {
		n.logger.Debug("transcript watch attach failed", "path", n.path, "error", err)
		_ = w.Close()
		return nil
	}
	return w
}

func (n *Notifier) snapshotStat() {
	info, err := os.Stat(n.path)
	if err != nil {
		n.lastSize = -1
		n.lastModTime = time.Time{}
		return
	}
	n.lastSize = info.Size()
	n.lastModTime = info.ModTime()
}

func (n *Notifier) statChanged() bool {
	info, err := os.Stat(n.path)
	if err != nil {
		return false
	}
	if info.Size() == n.lastSize && info.ModTime().Equal(n.lastModTime) {
		return false
	}
	n.lastSize = info.Size()
	n.lastModTime = info.ModTime()
	return true
}
