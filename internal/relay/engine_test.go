package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/dedup"
	"github.com/voxrelay/voxrelay/internal/session"
	"github.com/voxrelay/voxrelay/internal/transcript"
)

type fakeConn struct {
	mu         sync.Mutex
	frames     []Frame
	terminated string
	failSend   bool
}

func (c *fakeConn) Send(_ context.Context, frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("connection gone")
	}
	c.frames = append(c.frames, frame.(Frame))
	return nil
}

func (c *fakeConn) Terminate(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = reason
}

func (c *fakeConn) sent() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

type fakeExecutor struct {
	mu       sync.Mutex
	complete func(prompt string) (string, error)
	ready    bool
}

func (f *fakeExecutor) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	fn := f.complete
	f.mu.Unlock()
	return fn(prompt)
}

func (f *fakeExecutor) Ready(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeExecutor) set(ready bool, complete func(string) (string, error)) {
	f.mu.Lock()
	f.ready = ready
	f.complete = complete
	f.mu.Unlock()
}

type fakeAppender struct {
	mu      sync.Mutex
	entries []transcript.Entry

	// gate, when set, parks assistant appends until released so tests can
	// hold a completion open mid-flight.
	gate chan struct{}
}

func (a *fakeAppender) Append(role, text string) (transcript.Entry, error) {
	if role == "assistant" && a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e := transcript.Entry{Role: role, Text: text, Timestamp: time.Now(), Source: "web"}
	a.entries = append(a.entries, e)
	return e, nil
}

type testRig struct {
	engine   *Engine
	registry *session.Registry
	ledger   *session.Ledger
	cache    *dedup.Cache
	exec     *fakeExecutor
	appender *fakeAppender
	tail     []transcript.Entry
	tailMu   sync.Mutex
}

func (r *testRig) setTail(entries []transcript.Entry) {
	r.tailMu.Lock()
	r.tail = entries
	r.tailMu.Unlock()
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		registry: session.NewRegistry(nil, nil, nil),
		ledger:   session.NewLedger(),
		cache:    dedup.NewCache(100),
		exec:     &fakeExecutor{ready: true, complete: func(string) (string, error) { return "ok", nil }},
		appender: &fakeAppender{},
	}
	rig.engine = New(Options{
		TranscriptPath: "unused",
		TailLines:      50,
		OriginTag:      "web",
		RequestTimeout: time.Second,
		QueueCapacity:  4,
		DrainInterval:  10 * time.Millisecond,
		Registry:       rig.registry,
		Ledger:         rig.ledger,
		Cache:          rig.cache,
		Executor:       rig.exec,
		Appender:       rig.appender,
		ReadTail: func(string, int) ([]transcript.Entry, error) {
			rig.tailMu.Lock()
			defer rig.tailMu.Unlock()
			out := make([]transcript.Entry, len(rig.tail))
			copy(out, rig.tail)
			return out, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rig.engine.queue.bind(ctx)
	return rig
}

func entry(id, role, text, source string, ts time.Time) transcript.Entry {
	return transcript.Entry{ID: id, Role: role, Text: text, Source: source, Timestamp: ts}
}

func framesOfType(frames []Frame, typ string) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestSyncFirstCycleSeedsWithoutBroadcast(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)

	base := time.Now()
	rig.setTail([]transcript.Entry{
		entry("e1", "user", "old question", "whatsapp", base.Add(-2*time.Minute)),
		entry("e2", "assistant", "old answer", "whatsapp", base.Add(-time.Minute)),
	})
	rig.engine.SyncOnce(context.Background())

	if got := conn.sent(); len(got) != 0 {
		t.Fatalf("first cycle sent %d frames, want 0", len(got))
	}

	// The next cycle with a genuinely new entry broadcasts it.
	rig.setTail([]transcript.Entry{
		entry("e2", "assistant", "old answer", "whatsapp", base.Add(-time.Minute)),
		entry("e3", "user", "fresh message", "whatsapp", base),
	})
	rig.engine.SyncOnce(context.Background())

	got := conn.sent()
	if len(got) != 1 || got[0].Type != "sync" || got[0].Text != "fresh message" {
		t.Fatalf("frames = %+v, want one sync frame with fresh message", got)
	}
}

func TestSyncBroadcastsAtMostOncePerEntry(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)

	base := time.Now()
	rig.setTail([]transcript.Entry{entry("e1", "user", "seed", "whatsapp", base.Add(-time.Minute))})
	rig.engine.SyncOnce(context.Background())

	rig.setTail([]transcript.Entry{
		entry("e1", "user", "seed", "whatsapp", base.Add(-time.Minute)),
		entry("e2", "assistant", "the reply", "whatsapp", base),
	})
	rig.engine.SyncOnce(context.Background())
	rig.engine.SyncOnce(context.Background())
	rig.engine.SyncOnce(context.Background())

	if got := framesOfType(conn.sent(), "sync"); len(got) != 1 {
		t.Fatalf("sync frames = %d, want 1", len(got))
	}
}

func TestSyncSuppressesOwnOriginAndDuplicates(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)

	base := time.Now()
	rig.setTail([]transcript.Entry{entry("e0", "user", "seed", "whatsapp", base.Add(-time.Minute))})
	rig.engine.SyncOnce(context.Background())

	// An entry the relay wrote itself must not echo back, and a later
	// externally-sourced copy of the same text must be deduped.
	rig.setTail([]transcript.Entry{
		entry("e0", "user", "seed", "whatsapp", base.Add(-time.Minute)),
		entry("e1", "assistant", "our own reply", "web", base),
		entry("e2", "assistant", "our   own\nreply", "whatsapp", base.Add(time.Second)),
	})
	rig.engine.SyncOnce(context.Background())

	if got := conn.sent(); len(got) != 0 {
		t.Fatalf("frames = %+v, want none", got)
	}
}

func TestSyncSkipsSessionsAwaitingReply(t *testing.T) {
	rig := newTestRig(t)
	busy := &fakeConn{}
	idle := &fakeConn{}
	rig.registry.Attach("busy", busy)
	rig.registry.Attach("idle", idle)
	rig.registry.SetAwaitingReply("busy", true)

	base := time.Now()
	rig.setTail([]transcript.Entry{entry("e0", "user", "seed", "whatsapp", base.Add(-time.Minute))})
	rig.engine.SyncOnce(context.Background())

	rig.setTail([]transcript.Entry{
		entry("e0", "user", "seed", "whatsapp", base.Add(-time.Minute)),
		entry("e1", "user", "broadcast me", "whatsapp", base),
	})
	rig.engine.SyncOnce(context.Background())

	if got := busy.sent(); len(got) != 0 {
		t.Fatalf("awaiting session got %d frames, want 0", len(got))
	}
	if got := idle.sent(); len(got) != 1 {
		t.Fatalf("idle session got %d frames, want 1", len(got))
	}
}

func TestHandleRequestSuccess(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)
	rig.exec.set(true, func(prompt string) (string, error) {
		if prompt != "hello" {
			t.Errorf("prompt = %q", prompt)
		}
		return "hi there", nil
	})

	rig.engine.HandleRequest(context.Background(), "s1", "hello")

	got := conn.sent()
	if len(got) != 2 || got[0].Type != "text" || got[0].Text != "hi there" || got[1].Type != "done" {
		t.Fatalf("frames = %+v, want text then done", got)
	}
	if got[0].RequestID == "" || got[0].RequestID != got[1].RequestID {
		t.Fatalf("request IDs mismatch: %+v", got)
	}
	if n := rig.ledger.Pending("s1"); n != 0 {
		t.Fatalf("pending after delivery = %d, want 0", n)
	}

	hist := rig.registry.History("s1")
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].Role != "assistant" {
		t.Fatalf("history = %+v", hist)
	}

	// Both turns were mirrored to the transcript and their fingerprints
	// cached, so the tail cycle won't echo them back.
	rig.appender.mu.Lock()
	mirrored := len(rig.appender.entries)
	rig.appender.mu.Unlock()
	if mirrored != 2 {
		t.Fatalf("mirrored entries = %d, want 2", mirrored)
	}
	if !rig.cache.Seen(dedup.Fingerprint("hi there")) {
		t.Fatal("reply fingerprint not cached")
	}
}

func TestHandleRequestPermanentFailure(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)
	rig.exec.set(true, func(string) (string, error) {
		return "", errors.New("model exploded")
	})

	rig.engine.HandleRequest(context.Background(), "s1", "hello")

	got := conn.sent()
	if len(got) != 2 || got[0].Type != "error" || got[1].Type != "done" {
		t.Fatalf("frames = %+v, want error then done", got)
	}
	if !strings.Contains(got[0].Error, "model exploded") {
		t.Fatalf("error text = %q", got[0].Error)
	}
	if n := rig.ledger.Pending("s1"); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestHandleRequestTransientFailureQueuesThenRecovers(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)
	rig.exec.set(false, func(string) (string, error) {
		return "", errors.New("bridge not connected")
	})

	rig.engine.HandleRequest(context.Background(), "s1", "hello")

	got := conn.sent()
	if len(got) != 1 || got[0].Type != "text" || !got[0].Queued {
		t.Fatalf("frames = %+v, want one queued notice", got)
	}
	if got := framesOfType(conn.sent(), "done"); len(got) != 0 {
		t.Fatal("queued notice must not be followed by done")
	}
	if n := rig.ledger.Pending("s1"); n != 1 {
		t.Fatalf("pending = %d, want 1 (still processing)", n)
	}

	// Downstream recovers; the drain ticker retries and delivers the reply.
	rig.exec.set(true, func(string) (string, error) { return "late reply", nil })
	waitFor(t, func() bool { return len(framesOfType(conn.sent(), "done")) == 1 })

	texts := framesOfType(conn.sent(), "text")
	final := texts[len(texts)-1]
	if final.Text != "late reply" || final.Queued {
		t.Fatalf("final text frame = %+v", final)
	}
	if n := rig.ledger.Pending("s1"); n != 0 {
		t.Fatalf("pending after retry = %d, want 0", n)
	}
}

func TestRetryTransientFailureIsTerminal(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)
	rig.exec.set(false, func(string) (string, error) {
		return "", errors.New("still reconnecting")
	})

	rig.engine.HandleRequest(context.Background(), "s1", "hello")

	// Let the drain run with the executor reporting ready but still failing
	// transiently; the retry must fail the request instead of re-queueing.
	rig.exec.set(true, func(string) (string, error) {
		return "", errors.New("still reconnecting")
	})
	waitFor(t, func() bool { return len(framesOfType(conn.sent(), "error")) == 1 })

	if d := rig.engine.QueueDepth(); d != 0 {
		t.Fatalf("queue depth = %d, want 0 (no re-queue)", d)
	}
	if n := rig.ledger.Pending("s1"); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestQueueOverflowFailsRequest(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)
	rig.exec.set(false, func(string) (string, error) {
		return "", errors.New("not connected")
	})

	for i := 0; i < 5; i++ {
		rig.engine.HandleRequest(context.Background(), "s1", "msg")
	}

	// Capacity is 4; the fifth request fails with a queue-full error.
	errs := framesOfType(conn.sent(), "error")
	if len(errs) != 1 || !strings.Contains(errs[0].Error, "queue full") {
		t.Fatalf("error frames = %+v, want one queue-full error", errs)
	}
}

func TestDisconnectedCompletionFlushesOnReconnect(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)
	rig.registry.Detach("s1", conn)

	rig.exec.set(true, func(string) (string, error) { return "answer while away", nil })
	rig.engine.HandleRequest(context.Background(), "s1", "hello")

	if got := conn.sent(); len(got) != 0 {
		t.Fatalf("disconnected conn got %d frames", len(got))
	}
	if n := rig.ledger.Pending("s1"); n != 1 {
		t.Fatalf("pending = %d, want 1 retained for reconnect", n)
	}

	fresh := &fakeConn{}
	rig.registry.Attach("s1", fresh)
	if flushed := rig.engine.FlushPending(context.Background(), "s1"); flushed != 1 {
		t.Fatalf("flushed = %d, want 1", flushed)
	}

	got := fresh.sent()
	if len(got) != 2 || got[0].Type != "text" || got[0].Text != "answer while away" || got[1].Type != "done" {
		t.Fatalf("frames = %+v", got)
	}
	if n := rig.ledger.Pending("s1"); n != 0 {
		t.Fatalf("pending after flush = %d, want 0", n)
	}

	// A second flush must not replay anything.
	if flushed := rig.engine.FlushPending(context.Background(), "s1"); flushed != 0 {
		t.Fatalf("second flush = %d, want 0", flushed)
	}
}

func TestReconnectDuringCompletionDeliversOnce(t *testing.T) {
	rig := newTestRig(t)
	gate := make(chan struct{})
	rig.appender.gate = gate

	first := &fakeConn{}
	rig.registry.Attach("s1", first)
	rig.registry.Detach("s1", first)
	rig.exec.set(true, func(string) (string, error) { return "the reply", nil })

	done := make(chan struct{})
	go func() {
		rig.engine.HandleRequest(context.Background(), "s1", "hello")
		close(done)
	}()

	// The request resolves, then the completion parks on the transcript
	// mirror before it can attempt direct delivery.
	waitFor(t, func() bool { return len(rig.ledger.Completed("s1")) == 1 })

	// Client reconnects inside that window and flushes the resolved reply.
	fresh := &fakeConn{}
	rig.registry.Attach("s1", fresh)
	if flushed := rig.engine.FlushPending(context.Background(), "s1"); flushed != 1 {
		t.Fatalf("flushed = %d, want 1", flushed)
	}

	// Release the held completion; its direct delivery must lose the claim
	// and stay silent instead of sending the reply a second time.
	close(gate)
	<-done

	texts := framesOfType(fresh.sent(), "text")
	dones := framesOfType(fresh.sent(), "done")
	if len(texts) != 1 || len(dones) != 1 {
		t.Fatalf("text frames = %d, done frames = %d, want exactly 1 each", len(texts), len(dones))
	}
	if n := rig.ledger.Pending("s1"); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestFlushSendFailureKeepsReplies(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)
	rig.registry.Detach("s1", conn)

	rig.exec.set(true, func(string) (string, error) { return "kept reply", nil })
	rig.engine.HandleRequest(context.Background(), "s1", "q")

	// Reconnect lands on a connection that dies before the flush send.
	dying := &fakeConn{failSend: true}
	rig.registry.Attach("s1", dying)
	if flushed := rig.engine.FlushPending(context.Background(), "s1"); flushed != 0 {
		t.Fatalf("flushed = %d over a dead connection, want 0", flushed)
	}
	if n := rig.ledger.Pending("s1"); n != 1 {
		t.Fatalf("pending after failed flush = %d, want 1 (reply retained)", n)
	}

	// The next reconnect still delivers it.
	fresh := &fakeConn{}
	rig.registry.Attach("s1", fresh)
	if flushed := rig.engine.FlushPending(context.Background(), "s1"); flushed != 1 {
		t.Fatalf("flushed = %d, want 1", flushed)
	}
	texts := framesOfType(fresh.sent(), "text")
	if len(texts) != 1 || texts[0].Text != "kept reply" {
		t.Fatalf("frames = %+v", fresh.sent())
	}
}

func TestDirectDeliveryFailureKeepsReply(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{failSend: true}
	rig.registry.Attach("s1", conn)
	rig.exec.set(true, func(string) (string, error) { return "resilient reply", nil })

	rig.engine.HandleRequest(context.Background(), "s1", "q")

	// The direct send failed; the claimed entry went back to the ledger.
	if n := rig.ledger.Pending("s1"); n != 1 {
		t.Fatalf("pending after failed direct send = %d, want 1", n)
	}

	fresh := &fakeConn{}
	rig.registry.Attach("s1", fresh)
	if flushed := rig.engine.FlushPending(context.Background(), "s1"); flushed != 1 {
		t.Fatalf("flushed = %d, want 1", flushed)
	}
	texts := framesOfType(fresh.sent(), "text")
	if len(texts) != 1 || texts[0].Text != "resilient reply" {
		t.Fatalf("frames = %+v", fresh.sent())
	}
}

func TestFlushPendingPreservesSubmissionOrder(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)
	rig.registry.Detach("s1", conn)

	replies := []string{"first", "second", "third"}
	i := 0
	rig.exec.set(true, func(string) (string, error) {
		r := replies[i]
		i++
		return r, nil
	})
	for range replies {
		rig.engine.HandleRequest(context.Background(), "s1", "q")
	}

	fresh := &fakeConn{}
	rig.registry.Attach("s1", fresh)
	rig.engine.FlushPending(context.Background(), "s1")

	texts := framesOfType(fresh.sent(), "text")
	if len(texts) != 3 {
		t.Fatalf("text frames = %d, want 3", len(texts))
	}
	for j, want := range replies {
		if texts[j].Text != want {
			t.Fatalf("flush order: frame %d = %q, want %q", j, texts[j].Text, want)
		}
	}
}

func TestHandleRequestClearsAwaitingReply(t *testing.T) {
	rig := newTestRig(t)
	conn := &fakeConn{}
	rig.registry.Attach("s1", conn)

	rig.engine.HandleRequest(context.Background(), "s1", "hello")

	if refs := rig.registry.Broadcastable(); len(refs) != 1 {
		t.Fatalf("broadcastable = %d, want 1 after completion", len(refs))
	}
}
