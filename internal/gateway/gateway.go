// Package gateway is the WebSocket surface clients connect to. It owns the
// connection lifecycle (accept, ready handshake, pending-reply flush, read
// loop, heartbeat) and translates between wire frames and the relay engine.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/dedup"
	"github.com/voxrelay/voxrelay/internal/relay"
	"github.com/voxrelay/voxrelay/internal/session"
	"github.com/voxrelay/voxrelay/internal/speech"
)

// Config wires the gateway's collaborators.
type Config struct {
	Engine      *relay.Engine
	Registry    *session.Registry
	Ledger      *session.Ledger
	Cache       *dedup.Cache
	Transcriber speech.Transcriber
	Bus         *bus.Bus
	Logger      *slog.Logger

	// AllowOrigins is the cross-origin allowlist for WebSocket upgrades.
	// Same-origin requests are always allowed by the websocket library.
	AllowOrigins []string

	// ConfigFingerprint is surfaced on /healthz so operators can confirm
	// which config a running relay loaded.
	ConfigFingerprint string

	HeartbeatInterval time.Duration
}

// Server serves /ws plus the health and metrics endpoints.
type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

// inboundFrame is one client-to-relay message. Mode, image and file
// attachments are accepted for wire compatibility; attachment processing
// happens upstream of the relay.
type inboundFrame struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id,omitempty"`
	Text      string  `json:"text,omitempty"`
	Mode      string  `json:"mode,omitempty"`
	Image     string  `json:"image,omitempty"`
	File      string  `json:"file,omitempty"`
	Audio     string  `json:"audio,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agentOK := s.cfg.Engine.DownstreamReady(ctx)
	total, connected := s.cfg.Registry.Counts()

	payload := map[string]any{
		"healthy":            true,
		"agent_connected":    agentOK,
		"sessions_total":     total,
		"sessions_connected": connected,
		"queue_depth":        s.cfg.Engine.QueueDepth(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	total, connected := s.cfg.Registry.Counts()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"sessions_total":     total,
		"sessions_connected": connected,
		"queue_depth":        s.cfg.Engine.QueueDepth(),
		"dedup_cache_size":   s.cfg.Cache.Len(),
		"alloc_bytes":        mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, _ *http.Request) {
	total, connected := s.cfg.Registry.Counts()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP voxrelay_sessions_total Known sessions, connected or not.\n")
	fmt.Fprintf(w, "# TYPE voxrelay_sessions_total gauge\n")
	fmt.Fprintf(w, "voxrelay_sessions_total %d\n", total)
	fmt.Fprintf(w, "# HELP voxrelay_sessions_connected Sessions with a live connection.\n")
	fmt.Fprintf(w, "# TYPE voxrelay_sessions_connected gauge\n")
	fmt.Fprintf(w, "voxrelay_sessions_connected %d\n", connected)
	fmt.Fprintf(w, "# HELP voxrelay_queue_depth Requests parked in the outbound retry queue.\n")
	fmt.Fprintf(w, "# TYPE voxrelay_queue_depth gauge\n")
	fmt.Fprintf(w, "voxrelay_queue_depth %d\n", s.cfg.Engine.QueueDepth())
	fmt.Fprintf(w, "# HELP voxrelay_dedup_cache_size Fingerprints currently cached.\n")
	fmt.Fprintf(w, "# TYPE voxrelay_dedup_cache_size gauge\n")
	fmt.Fprintf(w, "voxrelay_dedup_cache_size %d\n", s.cfg.Cache.Len())
	fmt.Fprintf(w, "# HELP voxrelay_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE voxrelay_alloc_bytes gauge\n")
	fmt.Fprintf(w, "voxrelay_alloc_bytes %d\n", mem.Alloc)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	c := &client{conn: conn, logger: s.logger}
	sess := s.cfg.Registry.Attach(r.URL.Query().Get("session"), c)
	c.sessionID = sess.ID
	s.addClient(c)
	s.logger.Info("ws: client connected", "session_id", sess.ID)
	defer func() {
		s.removeClient(c)
		s.cfg.Registry.Detach(sess.ID, c)
		s.logger.Info("ws: client disconnecting", "session_id", sess.ID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ready := relay.Frame{
		Type:      "ready",
		SessionID: sess.ID,
		Pending:   s.cfg.Ledger.Pending(sess.ID),
	}
	if err := c.Send(r.Context(), ready); err != nil {
		return
	}
	s.cfg.Engine.FlushPending(r.Context(), sess.ID)

	for {
		var in inboundFrame
		if err := wsjson.Read(r.Context(), conn, &in); err != nil {
			return
		}
		s.dispatch(r.Context(), c, sess.ID, in)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, sessionID string, in inboundFrame) {
	switch in.Type {
	case "transcript":
		text := strings.TrimSpace(in.Text)
		if text == "" {
			_ = c.Send(ctx, relay.Frame{Type: "error", Error: "empty transcript"})
			return
		}
		_ = c.Send(ctx, relay.Frame{Type: "thinking"})
		go s.cfg.Engine.HandleRequest(context.WithoutCancel(ctx), sessionID, text)

	case "voice_note":
		_ = c.Send(ctx, relay.Frame{Type: "thinking"})
		go s.handleVoiceNote(context.WithoutCancel(ctx), c, sessionID, in)

	default:
		s.logger.Warn("ws: unknown frame type", "type", in.Type, "session_id", sessionID)
		_ = c.Send(ctx, relay.Frame{Type: "error", Error: "unknown message type: " + in.Type})
		_ = c.Send(ctx, relay.Frame{Type: "done"})
	}
}

func (s *Server) handleVoiceNote(ctx context.Context, c *client, sessionID string, in inboundFrame) {
	text, err := s.cfg.Transcriber.Transcribe(ctx, in.Audio, in.Duration)
	if err != nil {
		s.logger.Warn("voice note transcription failed", "session_id", sessionID, "error", err)
		_ = c.Send(ctx, relay.Frame{Type: "error", Error: "transcription failed: " + err.Error()})
		_ = c.Send(ctx, relay.Frame{Type: "done"})
		return
	}
	s.cfg.Engine.HandleRequest(ctx, sessionID, text)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}
