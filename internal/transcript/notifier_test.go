package transcript

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/bus"
)

func collectEvents(sub *bus.Subscription, window time.Duration) int {
	count := 0
	deadline := time.After(window)
	for {
		select {
		case <-sub.Ch():
			count++
		case <-deadline:
			return count
		}
	}
}

func TestNotifier_DebounceCoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	sub := b.Subscribe(bus.TopicTranscriptChanged)
	defer b.Unsubscribe(sub)

	n := NewNotifier(b, path, 50*time.Millisecond, 150*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	// Five rapid rewrites within the debounce window.
	for i := 0; i < 5; i++ {
		writeLines(t, path, `{"type":"user","message":{"role":"user","content":"Hi"},"timestamp":"2026-08-26T10:00:00Z","id":"e1"}`)
		time.Sleep(10 * time.Millisecond)
	}

	if got := collectEvents(sub, time.Second); got != 1 {
		t.Fatalf("got %d change events for a rapid burst, want exactly 1", got)
	}
}

func TestNotifier_PollDetectsChangeWithoutWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")
	// File does not exist yet: watcher attach fails, polling takes over.

	b := bus.New()
	sub := b.Subscribe(bus.TopicTranscriptChanged)
	defer b.Unsubscribe(sub)

	n := NewNotifier(b, path, 30*time.Millisecond, 80*time.Millisecond, nil)
	n.attachRetry = time.Hour // keep the watcher detached for the test
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	time.Sleep(60 * time.Millisecond)
	writeLines(t, path, `{"type":"user","message":{"role":"user","content":"created later"},"timestamp":"2026-08-26T10:00:00Z","id":"p1"}`)

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TranscriptChangedEvent)
		if !ok {
			t.Fatalf("payload = %#v", ev.Payload)
		}
		if payload.Origin != "poll" {
			t.Fatalf("origin = %q, want poll", payload.Origin)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll fallback never reported the change")
	}
}

func TestNotifier_SeparateBurstsFireSeparately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	sub := b.Subscribe(bus.TopicTranscriptChanged)
	defer b.Unsubscribe(sub)

	n := NewNotifier(b, path, 40*time.Millisecond, 60*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	writeLines(t, path, `{"id":"a"}`)
	if got := collectEvents(sub, 500*time.Millisecond); got != 1 {
		t.Fatalf("first burst: got %d events, want 1", got)
	}

	writeLines(t, path, `{"id":"b"}`)
	if got := collectEvents(sub, 500*time.Millisecond); got != 1 {
		t.Fatalf("second burst: got %d events, want 1", got)
	}
}
