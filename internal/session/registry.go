// Package session holds the relay's per-client state: the registry of live
// sessions and the ledger of pending requests. Both outlive any single
// WebSocket connection; a disconnect clears a session's connection ref, it
// never discards the session.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxrelay/voxrelay/internal/bus"
)

const maxHistoryTurns = 200

// Conn is the capability a session holds over its live client connection.
// The gateway's WebSocket client implements it.
type Conn interface {
	// Send writes one protocol frame to the client.
	Send(ctx context.Context, frame any) error
	// Terminate closes the underlying connection.
	Terminate(reason string)
}

// Turn is one conversation turn kept in a session's in-memory history.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin,omitempty"`
}

// Session is one client-visible conversation. The connection ref is nullable
// and replaced on reconnect; only the idle reaper destroys the session.
type Session struct {
	ID        string
	CreatedAt time.Time

	conn          Conn
	history       []Turn
	lastActivity  time.Time
	awaitingReply bool
}

// ConnRef is a snapshot pairing a session ID with its live connection,
// used by the broadcast fanout.
type ConnRef struct {
	SessionID string
	Conn      Conn
}

// Registry maps session IDs to sessions and reaps idle ones.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	bus      *bus.Bus
	logger   *slog.Logger

	// onReaped cascades cleanup (ledger removal) when the reaper destroys
	// a session.
	onReaped func(sessionID string)
}

// NewRegistry creates an empty registry. onReaped may be nil.
func NewRegistry(b *bus.Bus, logger *slog.Logger, onReaped func(sessionID string)) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		bus:      b,
		logger:   logger,
		onReaped: onReaped,
	}
}

// Attach binds a connection to the session with the given ID, creating the
// session on first connect. An empty ID gets a freshly generated one. Any
// previous connection ref is replaced; a session has exactly one live
// connection at a time.
func (r *Registry) Attach(id string, conn Conn) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{ID: id, CreatedAt: now}
		r.sessions[id] = s
	}
	old := s.conn
	s.conn = conn
	s.lastActivity = now
	r.mu.Unlock()

	if old != nil && old != conn {
		old.Terminate("superseded by newer connection")
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicSessionConnected, bus.SessionEvent{SessionID: id})
	}
	r.logger.Info("session connected", "session_id", id, "new", !ok)
	return s
}

// Detach clears the session's connection ref if it still points at conn.
// The session itself and its pending requests survive for reconnect.
func (r *Registry) Detach(id string, conn Conn) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && s.conn == conn {
		s.conn = nil
		s.lastActivity = time.Now()
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		if r.bus != nil {
			r.bus.Publish(bus.TopicSessionDisconnected, bus.SessionEvent{SessionID: id})
		}
		r.logger.Info("session disconnected", "session_id", id)
	}
}

// Conn returns the session's live connection, or nil.
func (r *Registry) Conn(id string) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.conn
	}
	return nil
}

// Touch bumps the session's activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.lastActivity = time.Now()
	}
}

// AppendTurn records a turn in the session's bounded in-memory history.
func (r *Registry) AppendTurn(id string, turn Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.history = append(s.history, turn)
	if len(s.history) > maxHistoryTurns {
		s.history = s.history[len(s.history)-maxHistoryTurns:]
	}
	s.lastActivity = time.Now()
}

// History returns a copy of the session's turns.
func (r *Registry) History(id string) []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// SetAwaitingReply flags the session as receiving its reply through the
// direct request path, which excludes it from tail broadcasts until cleared.
func (r *Registry) SetAwaitingReply(id string, awaiting bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.awaitingReply = awaiting
	}
}

// Broadcastable returns the connections eligible for tail fanout: every
// connected session not currently awaiting a direct reply.
func (r *Registry) Broadcastable() []ConnRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]ConnRef, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.conn == nil || s.awaitingReply {
			continue
		}
		refs = append(refs, ConnRef{SessionID: s.ID, Conn: s.conn})
	}
	return refs
}

// Counts returns total and connected session counts.
func (r *Registry) Counts() (total, connected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.conn != nil {
			connected++
		}
	}
	return len(r.sessions), connected
}

// StartReaper sweeps the registry every interval, destroying sessions idle
// past maxAge and cascading cleanup through onReaped.
func (r *Registry) StartReaper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reapIdle(maxAge)
			}
		}
	}()
}

func (r *Registry) reapIdle(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var reaped []string
	for id, s := range r.sessions {
		if s.lastActivity.Before(cutoff) {
			delete(r.sessions, id)
			reaped = append(reaped, id)
		}
	}
	r.mu.Unlock()

	for _, id := range reaped {
		if r.onReaped != nil {
			r.onReaped(id)
		}
		if r.bus != nil {
			r.bus.Publish(bus.TopicSessionReaped, bus.SessionEvent{SessionID: id})
		}
		r.logger.Info("session reaped", "session_id", id, "max_age", maxAge)
	}
}
