package relay

import (
	"context"
	"time"

	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/dedup"
	"github.com/voxrelay/voxrelay/internal/session"
	"github.com/voxrelay/voxrelay/internal/transcript"
)

// SyncOnce runs one tail cycle: read the transcript tail, pick out entries
// past the cursor, and fan each genuinely-new turn out to every eligible
// session. The very first cycle only seeds the cursor; history present
// before the relay started is never replayed as live traffic.
func (e *Engine) SyncOnce(ctx context.Context) {
	entries, err := e.readTail(e.path, e.tailLines)
	if err != nil {
		e.logger.Warn("transcript tail read failed", "path", e.path, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	newest := entries[len(entries)-1]
	if !e.seeded {
		e.cursor.Advance(newest.Timestamp, newest.ID)
		e.seeded = true
		e.logger.Info("tail cursor seeded", "entries", len(entries), "cursor", e.cursor.Timestamp)
		return
	}

	for _, entry := range entries {
		if !e.cursor.IsNewer(entry.Timestamp, entry.ID) {
			continue
		}
		e.handleNewEntry(ctx, entry)
	}
	e.cursor.Advance(newest.Timestamp, newest.ID)
}

// handleNewEntry applies the suppression rules before fanout. A turn the
// relay wrote itself still lands in the dedup cache: if a downstream mirror
// echoes it back under a different source tag, the fingerprint catches it.
func (e *Engine) handleNewEntry(ctx context.Context, entry transcript.Entry) {
	fp := dedup.Fingerprint(entry.Text)

	if entry.Source == e.originTag {
		e.cache.Add(fp)
		return
	}
	if e.cache.Seen(fp) {
		if e.bus != nil {
			e.bus.Publish(bus.TopicTurnDeduped, bus.TurnBroadcastEvent{Role: entry.Role, Source: entry.Source})
		}
		e.logger.Debug("duplicate turn suppressed", "role", entry.Role, "source", entry.Source, "fingerprint", fp)
		return
	}
	e.cache.Add(fp)
	e.broadcast(ctx, entry)
}

// broadcast fans one turn out to every connected session that is not mid
// direct request. Send failures are logged and skipped; the next sync or the
// pending-request flush covers the gap.
func (e *Engine) broadcast(ctx context.Context, entry transcript.Entry) {
	refs := e.registry.Broadcastable()
	frame := syncFrame(entry.Role, entry.Text, entry.Source, entry.Timestamp)

	delivered := make([]string, 0, len(refs))
	for _, ref := range refs {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := ref.Conn.Send(sendCtx, frame)
		cancel()
		if err != nil {
			e.logger.Warn("broadcast send failed", "session_id", ref.SessionID, "error", err)
			continue
		}
		delivered = append(delivered, ref.SessionID)
		e.registry.AppendTurn(ref.SessionID, session.Turn{
			Role:      entry.Role,
			Text:      entry.Text,
			Timestamp: entry.Timestamp,
			Origin:    entry.Source,
		})
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicTurnBroadcast, bus.TurnBroadcastEvent{
			Role:     entry.Role,
			Source:   entry.Source,
			Sessions: len(delivered),
		})
	}
	e.logger.Info("turn broadcast", "role", entry.Role, "source", entry.Source, "sessions", len(delivered))
}
