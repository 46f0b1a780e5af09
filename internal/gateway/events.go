// ABOUTME: Streams session lifecycle changes to HTTP clients
// ABOUTME: Serves server-sent events on /events and a WebSocket feed on /ws

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/wa-gateway/internal/lifecycle"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

const (
	// sseKeepalive is how often an idle event stream gets a comment line.
	sseKeepalive = 30 * time.Second

	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// snapshotEvent names the first message of every stream.
const snapshotEvent = "snapshot"

// SessionMessage is one message on /events or /ws.
type SessionMessage struct {
	Type   string         `json:"type"`
	Status StatusResponse `json:"status"`
	// QR carries the new artifact on pairing_issued messages.
	QR string `json:"qr,omitempty"`
}

func (g *Gateway) snapshotMessage(snap session.Snapshot) SessionMessage {
	return SessionMessage{Type: snapshotEvent, Status: g.statusOf(snap), QR: snap.Artifact}
}

func (g *Gateway) changeMessage(change lifecycle.Change) SessionMessage {
	msg := SessionMessage{
		Type:   string(change.Event.Kind),
		Status: g.statusOf(change.Snapshot),
	}
	if change.Event.Kind == transport.EventPairingIssued {
		msg.QR = change.Event.Artifact
	}
	return msg
}

// handleEvents streams session changes as server-sent events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	changes, _ := g.controller.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, snapshotEvent, g.snapshotMessage(g.controller.Snapshot()))
	flusher.Flush()

	keepalive := g.clock.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.Chan():
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case change, ok := <-changes:
			if !ok {
				return
			}
			msg := g.changeMessage(change)
			g.writeSSEEvent(w, msg.Type, msg)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single server-sent event with a JSON payload.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleWebSocket streams session changes as JSON text frames.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	g.logger.Debug("websocket client connected", "remote", r.RemoteAddr)
	defer g.logger.Debug("websocket client disconnected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	changes, _ := g.controller.Subscribe(ctx)

	// the read loop only notices the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := g.writeWS(conn, g.snapshotMessage(g.controller.Snapshot())); err != nil {
		return
	}

	ping := g.clock.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.Chan():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case change, ok := <-changes:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"))
				return
			}
			if err := g.writeWS(conn, g.changeMessage(change)); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) writeWS(conn *websocket.Conn, msg SessionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
