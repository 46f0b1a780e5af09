// ABOUTME: Tests for the /events server-sent stream and the /ws WebSocket feed
// ABOUTME: Checks the initial snapshot, per-change messages and shutdown behaviour

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/session"
)

type sseEvent struct {
	name string
	msg  SessionMessage
}

// readSSE parses events from r until the stream ends, skipping comments.
func readSSE(t *testing.T, r *bufio.Reader, out chan<- sseEvent) {
	defer close(out)
	var name string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var msg SessionMessage
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
				t.Errorf("bad SSE payload %q: %v", line, err)
				return
			}
			out <- sseEvent{name: name, msg: msg}
		}
	}
}

func nextSSE(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream ended")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func openSSE(t *testing.T, env *testEnv) (<-chan sseEvent, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go readSSE(t, bufio.NewReader(resp.Body), events)
	return events, cancel
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, true)
	events, _ := openSSE(t, env)

	first := nextSSE(t, events)
	assert.Equal(t, snapshotEvent, first.name)
	assert.Equal(t, session.PhaseAwaitingPairing, first.msg.Status.Phase)
	assert.Equal(t, env.lb.Artifact(), first.msg.QR)

	// the subscription is registered before the snapshot is written
	require.NoError(t, env.lb.Pair())

	authed := nextSSE(t, events)
	assert.Equal(t, "authenticated", authed.name)
	assert.Equal(t, session.PhaseAuthenticated, authed.msg.Status.Phase)
	assert.Empty(t, authed.msg.QR)

	ready := nextSSE(t, events)
	assert.Equal(t, "ready", ready.name)
	assert.True(t, ready.msg.Status.Connected)
	require.NotNil(t, ready.msg.Status.Info)
	assert.Equal(t, "10000000000@c.us", ready.msg.Status.Info.Address)
}

func TestEventsStreamCarriesNewArtifact(t *testing.T) {
	env := newTestEnv(t, true)
	env.pair(t)
	events, _ := openSSE(t, env)

	assert.Equal(t, snapshotEvent, nextSSE(t, events).name)

	require.NoError(t, env.lb.Logout(context.Background()))

	disconnected := nextSSE(t, events)
	assert.Equal(t, "disconnected", disconnected.name)
	assert.Equal(t, "logged out", disconnected.msg.Status.Reason)

	issued := nextSSE(t, events)
	assert.Equal(t, "pairing_issued", issued.name)
	assert.Equal(t, env.lb.Artifact(), issued.msg.QR)
	assert.True(t, issued.msg.Status.QRAvailable)
}

func TestEventsStreamEndsOnShutdown(t *testing.T) {
	env := newTestEnv(t, true)
	events, _ := openSSE(t, env)
	nextSSE(t, events)

	env.gw.controller.Close()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "expected stream to end")
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after controller closed")
	}
}

func TestEventsUnsubscribeOnDisconnect(t *testing.T) {
	env := newTestEnv(t, true)
	events, cancel := openSSE(t, env)
	nextSSE(t, events)

	cancel()

	assert.Eventually(t, func() bool {
		return env.gw.controller.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) SessionMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg SessionMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketStream(t *testing.T) {
	env := newTestEnv(t, true)
	conn := dialWS(t, env)

	first := readWS(t, conn)
	assert.Equal(t, snapshotEvent, first.Type)
	assert.True(t, first.Status.QRAvailable)

	require.NoError(t, env.lb.Pair())

	assert.Equal(t, "authenticated", readWS(t, conn).Type)
	ready := readWS(t, conn)
	assert.Equal(t, "ready", ready.Type)
	assert.True(t, ready.Status.Connected)

	env.lb.Reject("credentials revoked")
	failed := readWS(t, conn)
	assert.Equal(t, "auth_failure", failed.Type)
	assert.Equal(t, session.PhaseAuthFailed, failed.Status.Phase)
	assert.Equal(t, "credentials revoked", failed.Status.Reason)
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	env := newTestEnv(t, true)
	conn := dialWS(t, env)
	readWS(t, conn)

	env.gw.controller.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWebSocketClientClose(t *testing.T) {
	env := newTestEnv(t, true)
	conn := dialWS(t, env)
	readWS(t, conn)
	require.Equal(t, 1, env.gw.controller.SubscriberCount())

	conn.Close()

	assert.Eventually(t, func() bool {
		return env.gw.controller.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
