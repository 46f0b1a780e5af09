// ABOUTME: Single-message send pipeline guarded by the session phase
// ABOUTME: Validates, normalizes and serializes calls into the transport

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/wa-gateway/internal/metrics"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

var (
	// ErrNotConnected means the session is not ready; nothing was sent.
	ErrNotConnected = errors.New("session not connected")
	// ErrInvalidRequest means a recipient or message body was missing.
	ErrInvalidRequest = errors.New("to and message are required")
	// ErrMalformedItem marks a bulk item that could not be decoded.
	ErrMalformedItem = errors.New("malformed item")
)

// Request is one outbound text message.
type Request struct {
	To      string `json:"to"`
	Message string `json:"message"`

	// Invalid, when set, says why the item could not be decoded. The item
	// is reported as failed and never reaches the transport.
	Invalid string `json:"-"`
}

// Outcome is the result of one send attempt.
type Outcome struct {
	// Recipient echoes the caller's input before normalization.
	Recipient string `json:"to"`
	// Address is the normalized channel address.
	Address   string `json:"-"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionReader exposes the current session state.
type SessionReader interface {
	Snapshot() session.Snapshot
}

// Sender delivers a text to a channel address.
type Sender interface {
	Send(ctx context.Context, address, body string) (transport.Receipt, error)
}

// Options configures a Dispatcher.
type Options struct {
	// SendTimeout bounds each transport call. Zero means no bound.
	SendTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Dispatcher sends single messages. Transport calls are serialized.
type Dispatcher struct {
	session SessionReader
	sender  Sender
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	sendMu sync.Mutex
}

// NewDispatcher creates a dispatcher reading phase from sess and sending through sender.
func NewDispatcher(sess SessionReader, sender Sender, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		session: sess,
		sender:  sender,
		timeout: opts.SendTimeout,
		metrics: opts.Metrics,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Connected reports whether the session is ready to send.
func (d *Dispatcher) Connected() bool {
	return d.session.Snapshot().Connected()
}

// Send delivers one message. ErrNotConnected and ErrInvalidRequest are
// returned before the transport is touched; a transport failure is reported
// in the Outcome with a nil error.
//
// The transport call is not cancelled when ctx is.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Outcome, error) {
	return d.send(ctx, req, "single")
}

func (d *Dispatcher) send(ctx context.Context, req Request, mode string) (Outcome, error) {
	out := Outcome{Recipient: req.To}

	if !d.Connected() {
		return out, ErrNotConnected
	}
	if req.Invalid != "" {
		return out, fmt.Errorf("%w: %s", ErrMalformedItem, req.Invalid)
	}
	if req.To == "" || req.Message == "" {
		return out, ErrInvalidRequest
	}
	out.Address = Normalize(req.To)

	d.sendMu.Lock()
	sendCtx := context.WithoutCancel(ctx)
	if d.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(sendCtx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	receipt, err := d.sender.Send(sendCtx, out.Address, req.Message)
	elapsed := time.Since(start)
	d.sendMu.Unlock()

	d.metrics.ObserveSend(mode, err == nil, elapsed)

	if err != nil {
		d.logger.Warn("send failed",
			"to", out.Address,
			"mode", mode,
			"error", err)
		out.Error = err.Error()
		return out, nil
	}

	d.logger.Info("message sent",
		"to", out.Address,
		"mode", mode,
		"message_id", receipt.MessageID,
		"duration", elapsed)
	out.Success = true
	out.MessageID = receipt.MessageID
	out.Timestamp = receipt.Timestamp
	return out, nil
}
