package gateway

import (
	"context"
	"sync"

	"log/slog"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// client is one live WebSocket connection. It implements session.Conn; the
// registry holds it as the session's connection ref. Writes are serialized
// with a mutex since the broadcast fanout, the delivery path, and the read
// loop all send frames.
type client struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	sessionID string

	mu          sync.Mutex
	awaitingAck bool
}

func (c *client) Send(ctx context.Context, frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, frame)
}

func (c *client) Terminate(reason string) {
	_ = c.conn.Close(websocket.StatusGoingAway, reason)
}

func (c *client) SessionID() string {
	return c.sessionID
}

// Ping sends a WebSocket ping and blocks until the pong or ctx expiry.
func (c *client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *client) AwaitingAck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingAck
}

func (c *client) SetAwaitingAck(v bool) {
	c.mu.Lock()
	c.awaitingAck = v
	c.mu.Unlock()
}
