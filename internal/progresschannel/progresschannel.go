// Package progresschannel implements a thin binding of one WebSocket to a
// job's progress topic, built on wsmanager.Manager.
package progresschannel

import (
	"encoding/json"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgesyte/forgesyte-go/internal/wsmanager"
)

// defaultIdleTimeout is how long a session may go without ping/frame
// traffic before it is considered stale and closed.
const defaultIdleTimeout = 60 * time.Second

// clientMessage is the minimal client->server shape this channel
// understands; only "ping" is meaningful here.
type clientMessage struct {
	Type string `json:"type"`
}

// Channel binds WebSocket connections to job progress topics.
type Channel struct {
	manager     *wsmanager.Manager
	logger      *zap.Logger
	idleTimeout time.Duration
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger overrides the no-op default logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithIdleTimeout overrides defaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Channel) { c.idleTimeout = d }
}

// New ties a Channel to the shared wsmanager.Manager used for broadcast.
func New(manager *wsmanager.Manager, opts ...Option) *Channel {
	c := &Channel{manager: manager, logger: zap.NewNop(), idleTimeout: defaultIdleTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve registers conn under clientID, subscribes it to job:{jobID}, and
// blocks reading client messages (ping/pong, disconnect) until the
// connection closes. Reconnect is stateless: the client dials again and
// this is called again with a fresh clientID.
func (c *Channel) Serve(conn *websocket.Conn, clientID, jobID string) {
	topic := "job:" + jobID

	c.manager.Connect(conn, clientID)
	c.manager.Subscribe(clientID, topic)
	defer func() {
		c.manager.Unsubscribe(clientID, topic)
		c.manager.Disconnect(clientID)
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.logger.Info("closing idle progress-channel session", zap.String("client_id", clientID), zap.String("job_id", jobID), zap.Duration("idle_timeout", c.idleTimeout))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("discarding malformed progress-channel message", zap.String("client_id", clientID), zap.Error(err))
			continue
		}

		if msg.Type == "ping" {
			if err := c.manager.Send(clientID, map[string]string{"type": "pong"}); err != nil {
				return
			}
		}
	}
}
