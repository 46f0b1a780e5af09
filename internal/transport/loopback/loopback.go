// ABOUTME: In-process transport that pairs on demand and records sent messages
// ABOUTME: Used for local development without a phone and by gateway tests

// Package loopback provides a Transport that never leaves the process.
// It issues a pairing artifact on start, becomes ready when Pair is called
// (or after a configured delay), and records every message it "sends".
package loopback

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

// Message is a recorded send.
type Message struct {
	Address string
	Body    string
	Receipt transport.Receipt
}

// Options configures a loopback Transport.
type Options struct {
	// AutoPairAfter pairs automatically this long after each artifact is issued. Zero disables.
	AutoPairAfter time.Duration
	Identity      session.Identity
	// FailRecipients lists addresses whose sends are rejected.
	FailRecipients []string
	Clock          clockwork.Clock
}

// Transport is the loopback messaging client.
type Transport struct {
	opts    Options
	clock   clockwork.Clock
	emitter *transport.Emitter

	mu       sync.Mutex
	started  bool
	ready    bool
	closed   bool
	sent     []Message
	pairTmr  clockwork.Timer
	artifact string
}

// New creates a loopback transport.
func New(opts Options) *Transport {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Identity.Address == "" {
		opts.Identity = session.Identity{
			Address:  "10000000000@c.us",
			User:     "10000000000",
			Name:     "loopback",
			Platform: "loopback",
		}
	}
	return &Transport{
		opts:    opts,
		clock:   opts.Clock,
		emitter: transport.NewEmitter(32),
	}
}

func (t *Transport) Name() string { return "loopback" }

// Start issues the first pairing artifact.
func (t *Transport) Start(ctx context.Context) (<-chan transport.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	if t.started {
		return nil, fmt.Errorf("loopback transport already started")
	}
	t.started = true
	t.issueLocked()
	return t.emitter.Events(), nil
}

// caller holds mu
func (t *Transport) issueLocked() {
	t.artifact = "loopback:" + uuid.NewString()
	t.ready = false
	t.emitter.Emit(transport.PairingIssued(t.artifact))
	if t.opts.AutoPairAfter > 0 {
		if t.pairTmr != nil {
			t.pairTmr.Stop()
		}
		t.pairTmr = t.clock.AfterFunc(t.opts.AutoPairAfter, func() { _ = t.Pair() })
	}
}

// Artifact returns the pairing payload currently on offer.
func (t *Transport) Artifact() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.artifact
}

// Pair simulates the phone scanning the current artifact.
func (t *Transport) Pair() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if t.ready {
		t.mu.Unlock()
		return nil
	}
	t.ready = true
	t.artifact = ""
	t.mu.Unlock()

	t.emitter.Emit(transport.Authenticated())
	t.emitter.Emit(transport.Ready(t.opts.Identity))
	return nil
}

// Drop simulates a lost connection.
func (t *Transport) Drop(reason string) {
	t.mu.Lock()
	t.ready = false
	t.mu.Unlock()
	t.emitter.Emit(transport.Disconnected(reason))
}

// Reject simulates the channel refusing the credentials.
func (t *Transport) Reject(detail string) {
	t.mu.Lock()
	t.ready = false
	t.mu.Unlock()
	t.emitter.Emit(transport.AuthFailure(detail))
}

// Send records the message and returns a receipt.
func (t *Transport) Send(ctx context.Context, address, body string) (transport.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return transport.Receipt{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.Receipt{}, transport.ErrClosed
	}
	if !t.ready {
		return transport.Receipt{}, transport.ErrNotReady
	}
	if slices.Contains(t.opts.FailRecipients, address) {
		return transport.Receipt{}, fmt.Errorf("recipient %s rejected", address)
	}

	receipt := transport.Receipt{
		MessageID: strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:20]),
		Timestamp: t.clock.Now().Unix(),
	}
	t.sent = append(t.sent, Message{Address: address, Body: body, Receipt: receipt})
	return receipt, nil
}

// Sent returns a copy of every recorded message.
func (t *Transport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.sent)
}

// Logout ends the session and starts a new pairing cycle.
func (t *Transport) Logout(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.ready = false
	t.emitter.Emit(transport.Disconnected("logged out"))
	t.issueLocked()
	return nil
}

// Close stops the transport and closes the event stream.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.ready = false
	if t.pairTmr != nil {
		t.pairTmr.Stop()
	}
	t.mu.Unlock()

	t.emitter.Close()
	return nil
}
