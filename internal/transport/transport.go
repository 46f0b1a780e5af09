// ABOUTME: Contract between the gateway and a messaging client
// ABOUTME: Typed lifecycle events, send receipts and the Transport interface

// Package transport defines what the gateway needs from a messaging client:
// a stream of lifecycle events, a way to send a text, and teardown.
// Reconnection and re-pairing are each transport's own business.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/2389/wa-gateway/internal/session"
)

var (
	// ErrNotReady is returned by Send when the client has no live session.
	ErrNotReady = errors.New("transport not ready")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventPairingIssued EventKind = "pairing_issued"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventAuthFailure   EventKind = "auth_failure"
)

// Event is a lifecycle notification from the messaging client.
type Event struct {
	Kind     EventKind         `json:"kind"`
	Artifact string            `json:"-"`
	Identity *session.Identity `json:"identity,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	At       time.Time         `json:"at"`
}

func PairingIssued(artifact string) Event {
	return Event{Kind: EventPairingIssued, Artifact: artifact, At: time.Now()}
}

func Authenticated() Event {
	return Event{Kind: EventAuthenticated, At: time.Now()}
}

func Ready(identity session.Identity) Event {
	return Event{Kind: EventReady, Identity: &identity, At: time.Now()}
}

func Disconnected(reason string) Event {
	return Event{Kind: EventDisconnected, Reason: reason, At: time.Now()}
}

func AuthFailure(detail string) Event {
	return Event{Kind: EventAuthFailure, Reason: detail, At: time.Now()}
}

// Receipt identifies a message accepted by the channel.
type Receipt struct {
	MessageID string
	// Timestamp is the channel's acceptance time in unix seconds.
	Timestamp int64
}

// Transport is a messaging client holding one account session.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string
	// Start begins connecting. The returned stream is closed by Close.
	Start(ctx context.Context) (<-chan Event, error)
	Send(ctx context.Context, address, body string) (Receipt, error)
	// Logout ends the session and reports it as a Disconnected event.
	Logout(ctx context.Context) error
	Close(ctx context.Context) error
}
