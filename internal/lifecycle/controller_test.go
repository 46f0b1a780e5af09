// ABOUTME: Tests for the lifecycle controller
// ABOUTME: Feeds scripted event sequences and checks the resulting session snapshots

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/metrics"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

var identity = session.Identity{Address: "51987654321@c.us", User: "51987654321", Name: "JASS"}

// runController starts a controller over a fresh state and returns the
// event feed.
func runController(t *testing.T, opts Options) (*Controller, chan<- transport.Event) {
	t.Helper()
	c := New(session.New(nil), opts)
	events := make(chan transport.Event, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, events)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		c.Close()
	})
	return c, events
}

func waitPhase(t *testing.T, c *Controller, phase session.Phase) session.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, func(s session.Snapshot) bool { return s.Phase == phase })
	require.NoError(t, err, "phase %s never reached, last %s", phase, snap.Phase)
	return snap
}

func TestController_PairingToReady(t *testing.T) {
	c, events := runController(t, Options{})

	events <- transport.PairingIssued("QR1")
	// initial phase is already awaiting_pairing, so wait for the artifact itself
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, func(s session.Snapshot) bool { return s.PairingAvailable })
	require.NoError(t, err)
	assert.Equal(t, "QR1", snap.Artifact)

	events <- transport.Authenticated()
	events <- transport.Ready(identity)
	snap = waitPhase(t, c, session.PhaseReady)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, identity.Address, snap.Identity.Address)
	assert.False(t, snap.PairingAvailable)
}

func TestController_StoredCredentialsSkipPairing(t *testing.T) {
	c, events := runController(t, Options{})

	events <- transport.Ready(identity)
	snap := waitPhase(t, c, session.PhaseReady)
	assert.Equal(t, "JASS", snap.Identity.Name)
}

func TestController_AuthFailureHidesStaleArtifact(t *testing.T) {
	c, events := runController(t, Options{})

	events <- transport.PairingIssued("QR1")
	events <- transport.AuthFailure("pairing timed out")
	snap := waitPhase(t, c, session.PhaseAuthFailed)

	assert.False(t, snap.PairingAvailable)
	assert.Empty(t, snap.Artifact)
	assert.Equal(t, "pairing timed out", snap.Reason)
}

func TestController_DisconnectFromReady(t *testing.T) {
	c, events := runController(t, Options{})

	events <- transport.Ready(identity)
	waitPhase(t, c, session.PhaseReady)

	events <- transport.Disconnected("connection lost")
	snap := waitPhase(t, c, session.PhaseDisconnected)
	assert.Nil(t, snap.Identity)
	assert.Equal(t, "connection lost", snap.Reason)

	// a fresh pairing cycle after the disconnect
	events <- transport.PairingIssued("QR2")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, func(s session.Snapshot) bool { return s.Artifact == "QR2" })
	require.NoError(t, err)
	assert.True(t, snap.PairingAvailable)
}

func TestController_ReadyWithoutIdentityIgnored(t *testing.T) {
	c := New(session.New(nil), Options{})
	c.apply(transport.Event{Kind: transport.EventReady})
	assert.Equal(t, session.PhaseAwaitingPairing, c.Snapshot().Phase)

	c.apply(transport.Event{Kind: "bogus"})
	assert.Equal(t, session.PhaseAwaitingPairing, c.Snapshot().Phase)
}

func TestController_PublishesChanges(t *testing.T) {
	c, events := runController(t, Options{})
	changes, _ := c.Subscribe(t.Context())

	events <- transport.PairingIssued("QR1")
	events <- transport.Ready(identity)

	var kinds []transport.EventKind
	for len(kinds) < 2 {
		select {
		case ch := <-changes:
			kinds = append(kinds, ch.Event.Kind)
			if ch.Event.Kind == transport.EventReady {
				assert.True(t, ch.Snapshot.Connected())
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
	}
	assert.Equal(t, []transport.EventKind{transport.EventPairingIssued, transport.EventReady}, kinds)
}

func TestController_UpdatesMetrics(t *testing.T) {
	m := metrics.New()
	c, events := runController(t, Options{Metrics: m})

	events <- transport.Ready(identity)
	waitPhase(t, c, session.PhaseReady)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionPhase.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionPhase.WithLabelValues("awaiting_pairing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleEventsTotal.WithLabelValues("ready")))
}

func TestController_RunStopsWhenStreamCloses(t *testing.T) {
	c := New(session.New(nil), Options{})
	events := make(chan transport.Event)
	close(events)

	assert.NoError(t, c.Run(context.Background(), events))
}

func TestController_WaitHonorsContext(t *testing.T) {
	c := New(session.New(nil), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx, func(s session.Snapshot) bool { return s.Connected() })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
