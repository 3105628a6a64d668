package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/forgesyte/forgesyte-go/internal/plugin"
	"github.com/forgesyte/forgesyte-go/internal/plugin/sample"
	"github.com/forgesyte/forgesyte-go/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	result := reg.LoadPlugins([]plugin.Factory{
		func() (plugin.Plugin, error) { return sample.New(), nil },
		func() (plugin.Plugin, error) { return sample.NewDetector(), nil },
	})
	require.Empty(t, result.Errors)
	return reg
}

func dialSession(t *testing.T, reg *registry.Registry, defaultPlugin string, opts ...Option) (*websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		session := New(conn, reg, "client-1", defaultPlugin, opts...)
		session.Run(context.Background())
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return clientConn, func() {
		clientConn.Close()
		srv.Close()
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func TestSession_SendsConnectedEventOnConnect(t *testing.T) {
	conn, closeFn := dialSession(t, newTestRegistry(t), "ocr")
	defer closeFn()

	msg := readJSON(t, conn)
	require.Equal(t, "connected", msg["type"])
	require.Equal(t, "ocr", msg["plugin"])
}

func TestSession_FrameDispatchesToActivePluginAndReturnsResult(t *testing.T) {
	conn, closeFn := dialSession(t, newTestRegistry(t), "ocr")
	defer closeFn()
	readJSON(t, conn) // connected

	data := base64.StdEncoding.EncodeToString([]byte("fake-jpeg-bytes"))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "frame", "frame_id": "f1", "data": data, "tool": "extract_text"}))

	msg := readJSON(t, conn)
	require.Equal(t, "result", msg["type"])
	require.Equal(t, "f1", msg["frame_id"])
}

func TestSession_SwitchPluginChangesActivePlugin(t *testing.T) {
	conn, closeFn := dialSession(t, newTestRegistry(t), "ocr")
	defer closeFn()
	readJSON(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "switch_plugin", "plugin": "yolo"}))

	msg := readJSON(t, conn)
	require.Equal(t, "plugin_switched", msg["type"])
	require.Equal(t, "yolo", msg["plugin"])
}

func TestSession_SwitchToUnknownPluginErrorsButKeepsSessionOpen(t *testing.T) {
	conn, closeFn := dialSession(t, newTestRegistry(t), "ocr")
	defer closeFn()
	readJSON(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "switch_plugin", "plugin": "nonexistent"}))
	msg := readJSON(t, conn)
	require.Equal(t, "error", msg["type"])
	require.Equal(t, "PLUGIN_NOT_FOUND", msg["kind"])

	// session remains open: a ping still gets a pong
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	msg = readJSON(t, conn)
	require.Equal(t, "pong", msg["type"])
}

func TestSession_InvalidJSONYieldsProtocolErrorWithoutClosing(t *testing.T) {
	conn, closeFn := dialSession(t, newTestRegistry(t), "ocr")
	defer closeFn()
	readJSON(t, conn) // connected

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readJSON(t, conn)
	require.Equal(t, "error", msg["type"])
	require.Equal(t, "PROTOCOL", msg["kind"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	msg = readJSON(t, conn)
	require.Equal(t, "pong", msg["type"])
}

func TestSession_IdleTimeoutClosesStaleConnection(t *testing.T) {
	conn, closeFn := dialSession(t, newTestRegistry(t), "ocr", WithIdleTimeout(20*time.Millisecond))
	defer closeFn()
	readJSON(t, conn) // connected

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err) // server closed the connection after the idle window
}

func TestSession_BacklogOverflowEmitsBackpressureError(t *testing.T) {
	conn, closeFn := dialSession(t, newTestRegistry(t), "ocr")
	defer closeFn()
	readJSON(t, conn) // connected

	// Flood well past backlogDepth (4) before the dispatch loop can drain,
	// forcing at least one oldest-first drop.
	for i := 0; i < 50; i++ {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	}

	sawBackpressure := false
	for i := 0; i < 50; i++ {
		msg := readJSON(t, conn)
		if msg["type"] == "error" && msg["kind"] == "BACKPRESSURE" {
			sawBackpressure = true
			break
		}
	}
	require.True(t, sawBackpressure, "expected a BACKPRESSURE error event somewhere in the response stream")
}

func TestSession_ResponsesPreserveClientArrivalOrder(t *testing.T) {
	conn, closeFn := dialSession(t, newTestRegistry(t), "ocr")
	defer closeFn()
	readJSON(t, conn) // connected

	for i := 0; i < 3; i++ {
		data := base64.StdEncoding.EncodeToString([]byte("frame"))
		require.NoError(t, conn.WriteJSON(map[string]any{
			"type": "frame", "frame_id": string(rune('a' + i)), "data": data, "tool": "extract_text",
		}))
	}

	for i := 0; i < 3; i++ {
		msg := readJSON(t, conn)
		require.Equal(t, string(rune('a'+i)), msg["frame_id"])
	}
}
