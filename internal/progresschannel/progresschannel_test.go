package progresschannel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/forgesyte/forgesyte-go/internal/wsmanager"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newTestServer(t *testing.T, ch *Channel, jobID string) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ch.Serve(conn, "client-1", jobID)
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return clientConn, srv.Close
}

func TestServe_SubscribesToJobTopicAndReceivesBroadcast(t *testing.T) {
	manager := wsmanager.New()
	ch := New(manager)

	conn, closeSrv := newTestServer(t, ch, "job-42")
	defer closeSrv()
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let Serve register + subscribe

	manager.Broadcast("job:job-42", map[string]string{"status": "running"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "running", got["status"])
}

func TestServe_RespondsPongToPing(t *testing.T) {
	manager := wsmanager.New()
	ch := New(manager)

	conn, closeSrv := newTestServer(t, ch, "job-1")
	defer closeSrv()
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(payload, &got))
	require.Equal(t, "pong", got["type"])
}

func TestServe_IdleTimeoutClosesStaleConnection(t *testing.T) {
	manager := wsmanager.New()
	ch := New(manager, WithIdleTimeout(20*time.Millisecond))

	conn, closeSrv := newTestServer(t, ch, "job-idle")
	defer closeSrv()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestServe_DisconnectUnsubscribes(t *testing.T) {
	manager := wsmanager.New()
	ch := New(manager)

	conn, closeSrv := newTestServer(t, ch, "job-9")
	defer closeSrv()
	time.Sleep(20 * time.Millisecond)

	conn.Close()
	time.Sleep(20 * time.Millisecond)

	// Broadcasting to the now-unsubscribed topic must not panic or block.
	manager.Broadcast("job:job-9", map[string]string{"status": "completed"})
	require.Equal(t, 0, manager.ClientCount())
}
