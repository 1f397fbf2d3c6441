package bus

// Transcript topics.
const (
	// TopicTranscriptChanged fires after the change notifier's debounce
	// window settles; the sync engine runs one tail cycle per event.
	TopicTranscriptChanged = "transcript.changed"

	// TopicTurnBroadcast fires once per turn fanned out to clients.
	TopicTurnBroadcast = "transcript.turn_broadcast"

	// TopicTurnDeduped fires when a tailed turn is suppressed by the
	// fingerprint cache.
	TopicTurnDeduped = "transcript.turn_deduped"
)

// Outbound queue topics.
const (
	TopicQueueEnqueued = "queue.enqueued"
	TopicQueueRejected = "queue.rejected"
	TopicQueueDrained  = "queue.drained"
)

// Session lifecycle topics.
const (
	TopicSessionConnected    = "session.connected"
	TopicSessionDisconnected = "session.disconnected"
	TopicSessionReaped       = "session.reaped"
	TopicHeartbeatTerminated = "session.heartbeat_terminated"
)

// TranscriptChangedEvent is the payload for TopicTranscriptChanged.
type TranscriptChangedEvent struct {
	Path   string // transcript file path
	Origin string // "watcher" or "poll"
}

// TurnBroadcastEvent is the payload for TopicTurnBroadcast.
type TurnBroadcastEvent struct {
	Role     string // "user" or "assistant"
	Source   string // origin tag of the turn, may be empty
	Sessions int    // number of sessions the turn was delivered to
}

// QueueEvent is the payload for queue.* topics.
type QueueEvent struct {
	SessionID string
	RequestID string
	Depth     int // queue depth after the operation
}

// SessionEvent is the payload for session.* topics.
type SessionEvent struct {
	SessionID string
}
