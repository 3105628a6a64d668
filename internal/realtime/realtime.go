// Package realtime implements a per-client cooperative session over a
// single WebSocket that dispatches incoming frames to a plugin tool,
// switches the active plugin on request, and replies in strict per-client
// arrival order.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
	"github.com/forgesyte/forgesyte-go/internal/plugin"
	"github.com/forgesyte/forgesyte-go/internal/registry"
	"github.com/forgesyte/forgesyte-go/internal/sanitize"
)

// backlogDepth is the default per-session backlog depth before
// oldest-first drop kicks in.
const backlogDepth = 4

// defaultIdleTimeout is how long a session may go with no ping/frame
// traffic before it is considered stale and closed.
const defaultIdleTimeout = 60 * time.Second

// inbound message types, client to server.
const (
	msgFrame        = "frame"
	msgSwitchPlugin = "switch_plugin"
	msgSubscribe    = "subscribe"
	msgPing         = "ping"
)

// outbound message types, server to client.
const (
	evtConnected      = "connected"
	evtResult         = "result"
	evtPluginSwitched = "plugin_switched"
	evtError          = "error"
	evtPong           = "pong"
)

type inboundMessage struct {
	Type    string `json:"type"`
	FrameID string `json:"frame_id,omitempty"`
	Data    string `json:"data,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Plugin  string `json:"plugin,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

type connectedEvent struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Plugin   string `json:"plugin"`
}

type resultEvent struct {
	Type             string `json:"type"`
	FrameID          string `json:"frame_id,omitempty"`
	Payload          any    `json:"payload"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
}

type pluginSwitchedEvent struct {
	Type   string `json:"type"`
	Plugin string `json:"plugin"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type pongEvent struct {
	Type string `json:"type"`
}

// Stats accumulates per-session counters, structurally correct even under
// partial failures; never NaN/Inf since every field is an integer counter.
type Stats struct {
	FramesReceived int
	FramesDropped  int
	FramesFailed   int
	FramesOK       int
}

// Session drives one client's cooperative dispatch loop. Exactly one
// goroutine calls Run; the read side and the serial dispatch worker
// communicate over a bounded, oldest-first-drop backlog channel so a burst
// of frames can never block the socket reader indefinitely.
type Session struct {
	conn        *websocket.Conn
	reg         *registry.Registry
	clientID    string
	plugin      string
	logger      *zap.Logger
	backlog     chan inboundMessage
	idleTimeout time.Duration

	statsMu         sync.Mutex
	stats           Stats
	overflowPending bool

	writeMu sync.Mutex
}

// Option configures a Session.
type Option func(*Session)

// WithLogger overrides the no-op default logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithIdleTimeout overrides defaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idleTimeout = d }
}

// New builds a Session bound to conn, with defaultPlugin active from
// connect (established via query parameter or a caller-supplied default).
func New(conn *websocket.Conn, reg *registry.Registry, clientID, defaultPlugin string, opts ...Option) *Session {
	s := &Session{
		conn:        conn,
		reg:         reg,
		clientID:    clientID,
		plugin:      defaultPlugin,
		logger:      zap.NewNop(),
		backlog:     make(chan inboundMessage, backlogDepth),
		idleTimeout: defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Run reads messages from the connection, enqueuing them onto a bounded
// backlog dispatched serially by a second goroutine, until the connection
// closes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		s.dispatchLoop(ctx)
	}()
	defer func() {
		close(s.backlog)
		<-dispatchDone
	}()

	if err := s.send(connectedEvent{Type: evtConnected, ClientID: s.clientID, Plugin: s.plugin}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Info("closing idle session", zap.String("client_id", s.clientID), zap.Duration("idle_timeout", s.idleTimeout))
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = s.send(errorEvent{Type: evtError, Kind: string(forgeerr.Protocol), Message: "invalid JSON"})
			continue
		}
		if msg.Type == "" {
			_ = s.send(errorEvent{Type: evtError, Kind: string(forgeerr.Protocol), Message: "missing type field"})
			continue
		}

		s.enqueue(msg)
	}
}

// enqueue implements depth-4 oldest-first drop: when the backlog is full,
// the oldest queued message is discarded to make room for the new one,
// rather than blocking the reader or dropping the newest arrival.
// overflowPending latches so the dispatch loop emits one BACKPRESSURE
// error per overflow episode rather than one per dropped frame.
func (s *Session) enqueue(msg inboundMessage) {
	select {
	case s.backlog <- msg:
		return
	default:
	}

	select {
	case <-s.backlog:
		s.statsMu.Lock()
		s.stats.FramesDropped++
		s.overflowPending = true
		s.statsMu.Unlock()
	default:
	}
	select {
	case s.backlog <- msg:
	default:
	}
}

// takeOverflowPending reports and clears whether an overflow episode has
// occurred since the last call.
func (s *Session) takeOverflowPending() bool {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	pending := s.overflowPending
	s.overflowPending = false
	return pending
}

func (s *Session) dispatchLoop(ctx context.Context) {
	for msg := range s.backlog {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.handle(ctx, msg)
		if s.takeOverflowPending() {
			_ = s.send(errorEvent{Type: evtError, Kind: string(forgeerr.Backpressure), Message: "per-session frame backlog exceeded, oldest frames dropped"})
		}
	}
}

func (s *Session) handle(ctx context.Context, msg inboundMessage) {
	switch msg.Type {
	case msgPing:
		_ = s.send(pongEvent{Type: evtPong})
	case msgSubscribe:
		// Topic subscription is owned by the Job Progress Channel binding
		// for job-scoped topics; the realtime analyzer accepts the message
		// and sends no reply.
	case msgSwitchPlugin:
		s.handleSwitchPlugin(msg)
	case msgFrame:
		s.handleFrame(ctx, msg)
	default:
		_ = s.send(errorEvent{Type: evtError, Kind: string(forgeerr.Protocol), Message: "unknown message type"})
	}
}

func (s *Session) handleSwitchPlugin(msg inboundMessage) {
	if _, err := s.reg.Get(msg.Plugin); err != nil {
		_ = s.send(errorEvent{Type: evtError, Kind: string(forgeerr.PluginNotFound), Message: err.Error()})
		return
	}
	s.plugin = msg.Plugin
	_ = s.send(pluginSwitchedEvent{Type: evtPluginSwitched, Plugin: s.plugin})
}

func (s *Session) handleFrame(ctx context.Context, msg inboundMessage) {
	s.bumpStat(func(st *Stats) { st.FramesReceived++ })

	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		s.bumpStat(func(st *Stats) { st.FramesFailed++ })
		_ = s.send(errorEvent{Type: evtError, Kind: string(forgeerr.Protocol), Message: "data is not valid base64"})
		return
	}

	toolName := msg.Tool
	if toolName == "" {
		// Legacy-compatibility fallback: the active plugin's first declared
		// tool, by sorted name — never the literal string "default".
		p, err := s.reg.Get(s.plugin)
		if err != nil {
			s.bumpStat(func(st *Stats) { st.FramesFailed++ })
			_ = s.send(errorEvent{Type: evtError, Kind: string(forgeerr.PluginNotFound), Message: err.Error()})
			return
		}
		toolName = firstToolName(p.Tools())
		s.logger.Warn("frame message missing tool, using plugin's first declared tool",
			zap.String("client_id", s.clientID), zap.String("plugin", s.plugin), zap.String("tool", toolName))
	}

	start := time.Now()
	_, tool, err := s.reg.ResolveTool(s.plugin, toolName)
	if err != nil {
		s.bumpStat(func(st *Stats) { st.FramesFailed++ })
		_ = s.send(errorEvent{Type: evtError, Kind: string(forgeerr.KindOf(err)), Message: err.Error()})
		return
	}

	input := map[string]any{"image_bytes": raw}
	if msg.FrameID != "" {
		input["frame_id"] = msg.FrameID
	}

	output, err := tool.Handler(ctx, input)
	if err != nil {
		s.bumpStat(func(st *Stats) { st.FramesFailed++ })
		_ = s.send(errorEvent{Type: evtError, Kind: string(forgeerr.PipelineNodeError), Message: err.Error()})
		return
	}

	sanitized, err := sanitize.Sanitize(output)
	if err != nil {
		s.bumpStat(func(st *Stats) { st.FramesFailed++ })
		_ = s.send(errorEvent{Type: evtError, Kind: string(forgeerr.JSONUnsafe), Message: err.Error()})
		return
	}

	s.bumpStat(func(st *Stats) { st.FramesOK++ })
	_ = s.send(resultEvent{
		Type:             evtResult,
		FrameID:          msg.FrameID,
		Payload:          sanitized,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	})
}

func (s *Session) bumpStat(mutate func(*Stats)) {
	s.statsMu.Lock()
	mutate(&s.stats)
	s.statsMu.Unlock()
}

func (s *Session) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// firstToolName returns the lexicographically first tool name declared by
// a plugin's Tools() map, for the documented missing-tool fallback.
// Deterministic rather than map-iteration-order dependent.
func firstToolName(tools map[string]plugin.Tool) string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
