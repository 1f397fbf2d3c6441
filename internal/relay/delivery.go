package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/voxrelay/voxrelay/internal/agent"
	"github.com/voxrelay/voxrelay/internal/session"
)

// HandleRequest runs one client request through the delivery path: record it
// in the ledger, mark the session awaiting a direct reply, mirror the user
// turn into the shared transcript, then dispatch to the agent executor.
// Blocks until the request reaches a terminal or queued state; the gateway
// calls it on its own goroutine per request.
func (e *Engine) HandleRequest(ctx context.Context, sessionID, text string) {
	e.registry.Touch(sessionID)
	requestID := e.ledger.Submit(sessionID, text)
	e.registry.SetAwaitingReply(sessionID, true)

	now := time.Now()
	e.registry.AppendTurn(sessionID, session.Turn{Role: "user", Text: text, Timestamp: now, Origin: e.originTag})
	e.mirror("user", text)

	e.logger.Info("request accepted", "session_id", sessionID, "request_id", requestID)
	e.dispatch(ctx, sessionID, requestID, text, false)
}

// dispatch calls the executor and routes the outcome. A transient failure on
// the first attempt parks the request on the retry queue; a transient failure
// on a retry is terminal, retried requests never re-queue.
func (e *Engine) dispatch(ctx context.Context, sessionID, requestID, text string, isRetry bool) {
	callCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	reply, err := e.executor.Complete(callCtx, text)
	cancel()

	switch {
	case err == nil:
		e.completeRequest(ctx, sessionID, requestID, reply)
	case agent.IsTransient(err) && !isRetry:
		e.queueRequest(ctx, sessionID, requestID, text, err)
	default:
		e.failRequest(ctx, sessionID, requestID, err)
	}
}

// retryQueued is the queue's retry callback.
func (e *Engine) retryQueued(ctx context.Context, msg *QueuedMessage) {
	e.dispatch(ctx, msg.SessionID, msg.RequestID, msg.Text, true)
}

// completeRequest resolves the ledger entry, mirrors the reply, and attempts
// direct delivery. Between the resolve and the send this goroutine suspends
// (the mirror append), so a client reconnecting in that window may flush the
// entry first; deliverResolved re-validates by claiming the entry under the
// ledger lock, and only the claimer sends.
func (e *Engine) completeRequest(ctx context.Context, sessionID, requestID, reply string) {
	if !e.ledger.ResolveComplete(sessionID, requestID, reply) {
		e.logger.Warn("stale completion dropped", "session_id", sessionID, "request_id", requestID)
		return
	}

	now := time.Now()
	e.registry.AppendTurn(sessionID, session.Turn{Role: "assistant", Text: reply, Timestamp: now, Origin: e.originTag})
	e.mirror("assistant", reply)

	e.deliverResolved(ctx, sessionID, requestID)
	e.registry.SetAwaitingReply(sessionID, false)
	e.logger.Info("request completed", "session_id", sessionID, "request_id", requestID)
}

// queueRequest parks a transiently-failed request for the drain ticker and
// tells the client. The informational text frame carries queued=true and no
// done frame follows; the real reply arrives after a successful retry. The
// ledger entry stays processing so a reconnecting client sees it pending.
func (e *Engine) queueRequest(ctx context.Context, sessionID, requestID, text string, cause error) {
	err := e.queue.enqueue(&QueuedMessage{
		SessionID:     sessionID,
		RequestID:     requestID,
		Text:          text,
		ConnAtEnqueue: e.registry.Conn(sessionID),
		QueuedAt:      time.Now(),
	})
	if err != nil {
		e.failRequest(ctx, sessionID, requestID, fmt.Errorf("downstream unavailable and %w", err))
		return
	}

	if conn := e.registry.Conn(sessionID); conn != nil {
		frame := textFrame(requestID, "Message queued; the downstream channel is reconnecting. You'll get the reply once it recovers.")
		frame.Queued = true
		e.send(ctx, conn, frame)
	}
	e.registry.SetAwaitingReply(sessionID, false)
	e.logger.Warn("request parked for retry", "session_id", sessionID, "request_id", requestID, "cause", cause)
}

// failRequest resolves the ledger entry as an error and attempts direct
// delivery through the same claim path as completeRequest.
func (e *Engine) failRequest(ctx context.Context, sessionID, requestID string, cause error) {
	if !e.ledger.ResolveError(sessionID, requestID, cause.Error()) {
		e.logger.Warn("stale failure dropped", "session_id", sessionID, "request_id", requestID)
		return
	}

	e.deliverResolved(ctx, sessionID, requestID)
	e.registry.SetAwaitingReply(sessionID, false)
	e.logger.Error("request failed", "session_id", sessionID, "request_id", requestID, "error", cause)
}

// deliverResolved attempts direct delivery of a terminal ledger entry. The
// entry is claimed (removed) atomically before sending, so the direct path
// and the reconnect flush can never both deliver it; a failed send restores
// the entry for a later flush.
func (e *Engine) deliverResolved(ctx context.Context, sessionID, requestID string) bool {
	conn := e.registry.Conn(sessionID)
	if conn == nil {
		return false
	}
	req, ok := e.ledger.ClaimForDelivery(sessionID, requestID)
	if !ok {
		return false
	}
	if !e.sendResolved(ctx, conn, req) {
		e.ledger.Restore(req)
		return false
	}
	return true
}

func (e *Engine) sendResolved(ctx context.Context, conn session.Conn, req session.PendingRequest) bool {
	switch req.Status {
	case session.StatusComplete:
		return e.sendPair(ctx, conn, textFrame(req.RequestID, req.Response), doneFrame(req.RequestID))
	case session.StatusError:
		return e.sendPair(ctx, conn, errorFrame(req.RequestID, req.Error), doneFrame(req.RequestID))
	}
	return false
}

// FlushPending replays every resolved-but-undelivered request to a freshly
// attached connection, in submission order. Each entry is claimed before its
// send and restored if the send fails, so a connection dying mid-flush keeps
// the remaining replies for the next reconnect. Returns how many were
// delivered.
func (e *Engine) FlushPending(ctx context.Context, sessionID string) int {
	conn := e.registry.Conn(sessionID)
	if conn == nil {
		return 0
	}

	flushed := 0
	for _, req := range e.ledger.Completed(sessionID) {
		claimed, ok := e.ledger.ClaimForDelivery(sessionID, req.RequestID)
		if !ok {
			// The direct delivery path won the race for this entry.
			continue
		}
		if !e.sendResolved(ctx, conn, claimed) {
			e.ledger.Restore(claimed)
			break
		}
		flushed++
	}
	if flushed > 0 {
		e.logger.Info("pending replies flushed", "session_id", sessionID, "count", flushed)
	}
	return flushed
}

// mirror appends one of the relay's own turns to the shared transcript so
// other surfaces see it. The mirrored text is fingerprinted up front: the
// next tail cycle reads our own line back and must not re-broadcast it.
func (e *Engine) mirror(role, text string) {
	if e.appender == nil {
		return
	}
	e.cache.AddText(text)
	if _, err := e.appender.Append(role, text); err != nil {
		e.logger.Warn("transcript mirror failed", "role", role, "error", err)
	}
}

func (e *Engine) send(ctx context.Context, conn session.Conn, frame Frame) bool {
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Send(sendCtx, frame); err != nil {
		e.logger.Warn("frame send failed", "type", frame.Type, "error", err)
		return false
	}
	return true
}

func (e *Engine) sendPair(ctx context.Context, conn session.Conn, first, second Frame) bool {
	if !e.send(ctx, conn, first) {
		return false
	}
	return e.send(ctx, conn, second)
}
