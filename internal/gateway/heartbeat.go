package gateway

import (
	"context"
	"time"

	"github.com/voxrelay/voxrelay/internal/bus"
)

// heartbeatConn is the slice of client the heartbeat sweep needs.
type heartbeatConn interface {
	SessionID() string
	AwaitingAck() bool
	SetAwaitingAck(bool)
	Ping(ctx context.Context) error
	Terminate(reason string)
}

// StartHeartbeat probes every live connection on the configured interval.
// A connection that has not acknowledged the previous probe by the time the
// next one is due is terminated. The session and its pending requests
// survive; only the dead socket goes.
func (s *Server) StartHeartbeat(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				clients := s.snapshotClients()
				targets := make([]heartbeatConn, len(clients))
				for i, c := range clients {
					targets[i] = c
				}
				s.sweepHeartbeat(ctx, targets)
			}
		}
	}()
}

// sweepHeartbeat runs one probe cycle. Pings are sent asynchronously; the
// ack flag clears when the pong arrives, so a slow pong only costs the
// connection if it is still outstanding a full interval later.
func (s *Server) sweepHeartbeat(ctx context.Context, targets []heartbeatConn) {
	for _, c := range targets {
		if c.AwaitingAck() {
			s.logger.Warn("heartbeat missed, terminating connection", "session_id", c.SessionID())
			c.Terminate("heartbeat timeout")
			if s.cfg.Bus != nil {
				s.cfg.Bus.Publish(bus.TopicHeartbeatTerminated, bus.SessionEvent{SessionID: c.SessionID()})
			}
			continue
		}
		c.SetAwaitingAck(true)
		go func(c heartbeatConn) {
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatInterval)
			defer cancel()
			if err := c.Ping(pingCtx); err != nil {
				return
			}
			c.SetAwaitingAck(false)
		}(c)
	}
}
