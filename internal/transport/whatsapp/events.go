// ABOUTME: Maps whatsmeow client events and QR channel items to lifecycle events
// ABOUTME: Pure functions so the mapping can be tested without a live connection

package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

// translate maps a whatsmeow event. self is consulted only for Connected.
// The second result is false for events the lifecycle does not track.
func translate(evt interface{}, self func() (session.Identity, bool)) (transport.Event, bool) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		return transport.Authenticated(), true
	case *events.Connected:
		id, ok := self()
		if !ok {
			return transport.Disconnected("connected without a stored device id"), true
		}
		return transport.Ready(id), true
	case *events.Disconnected:
		return transport.Disconnected("connection lost"), true
	case *events.StreamReplaced:
		return transport.Disconnected("session opened elsewhere"), true
	case *events.LoggedOut:
		return transport.Disconnected(fmt.Sprintf("logged out: %s", v.Reason.String())), true
	case *events.ConnectFailure:
		return transport.AuthFailure(fmt.Sprintf("connect failure: %s %s", v.Reason.String(), v.Message)), true
	case *events.TemporaryBan:
		return transport.AuthFailure(fmt.Sprintf("temporary ban: %s", v.String())), true
	case *events.ClientOutdated:
		return transport.AuthFailure("client version outdated"), true
	case *events.PairError:
		return transport.AuthFailure(fmt.Sprintf("pairing failed: %v", v.Error)), true
	default:
		return transport.Event{}, false
	}
}

// translateQR maps a QR channel item. Success is reported by PairSuccess
// instead, so it yields nothing here.
func translateQR(item whatsmeow.QRChannelItem) (transport.Event, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return transport.PairingIssued(item.Code), true
	case whatsmeow.QRChannelSuccess.Event:
		return transport.Event{}, false
	case whatsmeow.QRChannelTimeout.Event:
		return transport.AuthFailure("pairing code expired without a scan"), true
	case whatsmeow.QRChannelEventError:
		return transport.AuthFailure(fmt.Sprintf("pairing failed: %v", item.Error)), true
	default:
		if item.Error != nil {
			return transport.AuthFailure(fmt.Sprintf("pairing failed: %v", item.Error)), true
		}
		return transport.AuthFailure("pairing failed: " + item.Event), true
	}
}

// restartsPairing reports whether the QR cycle that ended with item should be
// followed by a new one. Only a successful scan ends pairing for good.
func restartsPairing(item whatsmeow.QRChannelItem) bool {
	switch item.Event {
	case "", whatsmeow.QRChannelSuccess.Event, whatsmeow.QRChannelEventCode:
		return false
	default:
		return true
	}
}
