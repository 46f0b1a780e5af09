// ABOUTME: Tests for lifecycle event constructors
// ABOUTME: Each constructor sets its kind and payload

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/session"
)

func testIdentity() session.Identity {
	return session.Identity{Address: "519000@c.us", User: "519000"}
}

func TestEventConstructors(t *testing.T) {
	ev := PairingIssued("QR")
	assert.Equal(t, EventPairingIssued, ev.Kind)
	assert.Equal(t, "QR", ev.Artifact)
	assert.False(t, ev.At.IsZero())

	ev = Ready(testIdentity())
	assert.Equal(t, EventReady, ev.Kind)
	require.NotNil(t, ev.Identity)
	assert.Equal(t, "519000@c.us", ev.Identity.Address)

	ev = Disconnected("logged out")
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, "logged out", ev.Reason)

	ev = AuthFailure("bad creds")
	assert.Equal(t, EventAuthFailure, ev.Kind)
	assert.Equal(t, "bad creds", ev.Reason)

	assert.Equal(t, EventAuthenticated, Authenticated().Kind)
}
