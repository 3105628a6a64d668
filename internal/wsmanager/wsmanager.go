// Package wsmanager implements connection tracking and topic-scoped
// broadcast over gorilla/websocket: a buffered per-client send channel
// plus a registration map guarded by one sync.RWMutex, with an explicit
// topic-subscription set driving fan-out.
package wsmanager

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// sendBufferSize bounds a single client's outbound queue before it's
	// considered slow and purged.
	sendBufferSize = 64
	writeWait      = 10 * time.Second
)

// client is one registered connection plus its buffered outbound queue.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Manager tracks connected clients and their topic subscriptions.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*client
	topics  map[string]map[string]struct{} // topic -> set of client ids
	logger  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the no-op default logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New builds an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		clients: make(map[string]*client),
		topics:  make(map[string]map[string]struct{}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect registers conn under clientID and starts its write pump. Callers
// own read-side dispatch (see progresschannel.Channel); wsmanager only owns
// delivery of server->client messages.
func (m *Manager) Connect(conn *websocket.Conn, clientID string) {
	c := &client{id: clientID, conn: conn, send: make(chan []byte, sendBufferSize)}

	m.mu.Lock()
	m.clients[clientID] = c
	m.mu.Unlock()

	go m.writePump(c)
}

// Disconnect purges clientID from every topic and closes its send channel.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return
	}
	delete(m.clients, clientID)
	close(c.send)

	for topic, members := range m.topics {
		delete(members, clientID)
		if len(members) == 0 {
			delete(m.topics, topic)
		}
	}
}

// Subscribe adds clientID to topic.
func (m *Manager) Subscribe(clientID, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[clientID]; !ok {
		return
	}
	members, ok := m.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		m.topics[topic] = members
	}
	members[clientID] = struct{}{}
}

// Unsubscribe removes clientID from topic.
func (m *Manager) Unsubscribe(clientID, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.topics[topic]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(m.topics, topic)
	}
}

// Broadcast delivers message, JSON-encoded, to every client subscribed to
// topic. A slow or closed client is purged without affecting delivery to
// siblings.
func (m *Manager) Broadcast(topic string, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		m.logger.Error("marshaling broadcast message", zap.String("topic", topic), zap.Error(err))
		return
	}

	m.mu.RLock()
	members := m.topics[topic]
	recipients := make([]*client, 0, len(members))
	for id := range members {
		if c, ok := m.clients[id]; ok {
			recipients = append(recipients, c)
		}
	}

	// Non-blocking sends stay under the read lock so a concurrent
	// Disconnect cannot close a send channel mid-send.
	var slow []string
	for _, c := range recipients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c.id)
		}
	}
	m.mu.RUnlock()

	for _, id := range slow {
		m.logger.Warn("client send buffer full, disconnecting", zap.String("client_id", id))
		m.Disconnect(id)
	}
}

// Send delivers message, JSON-encoded, to exactly one client.
func (m *Manager) Send(clientID string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	m.mu.RLock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.RUnlock()
		return nil
	}

	delivered := true
	select {
	case c.send <- payload:
	default:
		delivered = false
	}
	m.mu.RUnlock()
	if !delivered {
		m.Disconnect(clientID)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Manager) writePump(c *client) {
	defer c.conn.Close()
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
