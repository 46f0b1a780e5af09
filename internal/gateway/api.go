// ABOUTME: HTTP API handlers for session status, pairing and message sending
// ABOUTME: Translates dispatcher outcomes into the gateway's JSON response shapes

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/2389/wa-gateway/internal/dedupe"
	"github.com/2389/wa-gateway/internal/dispatch"
	"github.com/2389/wa-gateway/internal/session"
)

// API identity reported by GET /.
const (
	APIName    = "WhatsApp Gateway API"
	APIVersion = "1.0.0"
)

// IdempotencyHeader lets clients retry a send without sending twice.
const IdempotencyHeader = "Idempotency-Key"

// isoMillis matches the millisecond ISO-8601 timestamps clients already parse.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

var endpoints = map[string]string{
	"GET /status":       "Connection status",
	"GET /qr":           "Pairing QR code (add ?format=png for an image)",
	"POST /send":        "Send a message: {to, message}",
	"POST /send-bulk":   "Send several messages: {messages: [{to, message}]}",
	"POST /logout":      "Close the session",
	"GET /events":       "Server-sent session events",
	"GET /ws":           "WebSocket session events",
	"GET /docs":         "API documentation",
	"GET /health":       "Liveness probe",
	"GET /health/ready": "Readiness probe",
}

// IndexResponse is the JSON response for GET /.
type IndexResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Connected bool              `json:"connected"`
	Endpoints map[string]string `json:"endpoints"`
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Connected   bool              `json:"connected"`
	Info        *session.Identity `json:"info"`
	QRAvailable bool              `json:"qrAvailable"`
	Phase       session.Phase     `json:"phase"`
	Reason      string            `json:"reason,omitempty"`
	Transport   string            `json:"transport"`
	Timestamp   string            `json:"timestamp"`
}

// QRResponse is the JSON response for GET /qr.
type QRResponse struct {
	QR      string `json:"qr"`
	Message string `json:"message"`
}

// SendResponse is the JSON response for a successful POST /send.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
	To        string `json:"to"`
	Message   string `json:"message"`
}

// BulkRequest is the JSON request body for POST /send-bulk.
type BulkRequest struct {
	Messages json.RawMessage `json:"messages"`
}

// BulkResponse is the JSON response for POST /send-bulk.
type BulkResponse struct {
	Success bool               `json:"success"`
	Total   int                `json:"total"`
	Results []dispatch.Outcome `json:"results"`
}

// LogoutResponse is the JSON response for POST /logout.
type LogoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// recordedResponse is a finished response kept for idempotent replay.
type recordedResponse struct {
	Status int
	Body   []byte
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", g.handleIndex)
	mux.HandleFunc("/status", g.handleStatus)
	mux.HandleFunc("/qr", g.handleQR)
	mux.HandleFunc("/send", g.handleSend)
	mux.HandleFunc("/send-bulk", g.handleSendBulk)
	mux.HandleFunc("/logout", g.handleLogout)
	mux.HandleFunc("/events", g.handleEvents)
	mux.HandleFunc("/ws", g.handleWebSocket)
	mux.HandleFunc("/docs", g.handleDocs)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	if g.metrics != nil {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}
}

func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	g.sendJSON(w, http.StatusOK, IndexResponse{
		Name:      APIName,
		Version:   APIVersion,
		Connected: g.controller.Snapshot().Connected(),
		Endpoints: endpoints,
	})
}

func (g *Gateway) statusOf(snap session.Snapshot) StatusResponse {
	return StatusResponse{
		Connected:   snap.Connected(),
		Info:        snap.Identity,
		QRAvailable: snap.PairingAvailable,
		Phase:       snap.Phase,
		Reason:      snap.Reason,
		Transport:   g.transport.Name(),
		Timestamp:   time.Now().UTC().Format(isoMillis),
	}
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.sendJSON(w, http.StatusOK, g.statusOf(g.controller.Snapshot()))
}

func (g *Gateway) handleQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := g.controller.Snapshot()
	if snap.Connected() {
		g.sendJSON(w, http.StatusBadRequest, map[string]any{
			"error": "already connected, no QR code needed",
			"info":  snap.Identity,
		})
		return
	}
	if !snap.PairingAvailable {
		g.sendJSONError(w, http.StatusNotFound, "QR code not available yet, retry in a few seconds")
		return
	}

	if r.URL.Query().Get("format") == "png" {
		png, err := qrcode.Encode(snap.Artifact, qrcode.Medium, 256)
		if err != nil {
			g.logger.Error("failed to render QR code", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to render QR code")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(png)
		return
	}

	g.sendJSON(w, http.StatusOK, QRResponse{
		QR:      snap.Artifact,
		Message: "Scan this QR code with WhatsApp",
	})
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	key, ok := g.beginIdempotent(w, r)
	if !ok {
		return
	}

	var req dispatch.Request
	decodeErr := json.NewDecoder(r.Body).Decode(&req)

	if !g.dispatcher.Connected() {
		g.abortIdempotent(key)
		g.sendNotConnected(w)
		return
	}
	if decodeErr != nil {
		g.abortIdempotent(key)
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := g.dispatcher.Send(r.Context(), req)
	switch {
	case errors.Is(err, dispatch.ErrNotConnected):
		g.abortIdempotent(key)
		g.sendNotConnected(w)
	case errors.Is(err, dispatch.ErrInvalidRequest):
		g.abortIdempotent(key)
		g.sendJSONError(w, http.StatusBadRequest, "missing required parameters: to, message")
	case !out.Success:
		g.finishIdempotent(w, key, http.StatusInternalServerError, map[string]string{
			"error":   "failed to send message",
			"details": out.Error,
		})
	default:
		g.finishIdempotent(w, key, http.StatusOK, SendResponse{
			Success:   true,
			MessageID: out.MessageID,
			Timestamp: out.Timestamp,
			To:        out.Address,
			Message:   "Message sent",
		})
	}
}

func (g *Gateway) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	key, ok := g.beginIdempotent(w, r)
	if !ok {
		return
	}

	if !g.dispatcher.Connected() {
		g.abortIdempotent(key)
		g.sendNotConnected(w)
		return
	}

	reqs, err := parseBulkRequest(r)
	if err != nil {
		g.abortIdempotent(key)
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := g.bulk.SendBulk(r.Context(), reqs)
	if errors.Is(err, dispatch.ErrNotConnected) {
		g.abortIdempotent(key)
		g.sendNotConnected(w)
		return
	}

	g.finishIdempotent(w, key, http.StatusOK, BulkResponse{
		Success: true,
		Total:   report.Total,
		Results: report.Results,
	})
}

// parseBulkRequest requires "messages" to be a JSON array of {to, message}.
func parseBulkRequest(r *http.Request) ([]dispatch.Request, error) {
	errShape := errors.New("messages must be an array of {to, message}")

	var body BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, errShape
	}
	raw := bytes.TrimSpace(body.Messages)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, errShape
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errShape
	}
	reqs := make([]dispatch.Request, 0, len(items))
	for _, item := range items {
		reqs = append(reqs, decodeBulkItem(item))
	}
	return reqs, nil
}

// decodeBulkItem decodes one element of "messages". An element of the wrong
// shape is kept, marked invalid, so it fails on its own.
func decodeBulkItem(raw json.RawMessage) dispatch.Request {
	var req dispatch.Request
	if err := json.Unmarshal(raw, &req); err == nil {
		return req
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return dispatch.Request{Invalid: "item must be an object with to and message"}
	}
	req.Invalid = "to and message must be strings"
	if req.To == "" {
		req.To = string(bytes.TrimSpace(fields["to"]))
	}
	return req
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := g.transport.Logout(r.Context()); err != nil {
		g.logger.Error("logout failed", "error", err)
		g.sendJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "failed to log out",
			"details": err.Error(),
		})
		return
	}

	// give the controller a moment to apply the disconnect so /status agrees
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := g.controller.Wait(ctx, func(s session.Snapshot) bool { return !s.Connected() }); err != nil {
		g.logger.Warn("session still reported ready after logout", "error", err)
	}

	g.logger.Info("session logged out via API")
	g.sendJSON(w, http.StatusOK, LogoutResponse{
		Success: true,
		Message: "Session closed",
	})
}

func (g *Gateway) sendNotConnected(w http.ResponseWriter) {
	g.sendJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error":   "WhatsApp is not connected",
		"message": "scan the QR code first (GET /qr)",
	})
}

// beginIdempotent reserves the request's Idempotency-Key. It returns false
// after writing a replayed or conflict response itself.
func (g *Gateway) beginIdempotent(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		return "", true
	}
	key = r.URL.Path + " " + key

	recorded, status := g.idempotency.Begin(key)
	switch status {
	case dedupe.StatusDone:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(recorded.Status)
		_, _ = w.Write(recorded.Body)
		return "", false
	case dedupe.StatusPending:
		g.sendJSONError(w, http.StatusConflict, "a request with this Idempotency-Key is still in progress")
		return "", false
	default:
		return key, true
	}
}

func (g *Gateway) abortIdempotent(key string) {
	if key != "" {
		g.idempotency.Abort(key)
	}
}

// finishIdempotent writes the response and records it under key.
func (g *Gateway) finishIdempotent(w http.ResponseWriter, key string, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		g.abortIdempotent(key)
		g.logger.Error("failed to marshal response", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if key != "" {
		g.idempotency.Complete(key, recordedResponse{Status: status, Body: body})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
