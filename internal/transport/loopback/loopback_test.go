// ABOUTME: Tests for the loopback transport
// ABOUTME: Covers pairing, sends, rejected recipients, logout re-pairing and auto-pair timing

package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/transport"
)

func next(t *testing.T, events <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

func TestStartIssuesArtifact(t *testing.T) {
	tr := New(Options{})
	events, err := tr.Start(context.Background())
	require.NoError(t, err)

	ev := next(t, events)
	assert.Equal(t, transport.EventPairingIssued, ev.Kind)
	assert.Equal(t, tr.Artifact(), ev.Artifact)

	_, err = tr.Start(context.Background())
	assert.Error(t, err)
}

func TestPairThenSend(t *testing.T) {
	ctx := context.Background()
	tr := New(Options{FailRecipients: []string{"bad@c.us"}})
	events, err := tr.Start(ctx)
	require.NoError(t, err)
	next(t, events)

	_, err = tr.Send(ctx, "519@c.us", "hi")
	assert.True(t, errors.Is(err, transport.ErrNotReady))

	require.NoError(t, tr.Pair())
	assert.Equal(t, transport.EventAuthenticated, next(t, events).Kind)
	ready := next(t, events)
	assert.Equal(t, transport.EventReady, ready.Kind)
	require.NotNil(t, ready.Identity)
	assert.Equal(t, "10000000000@c.us", ready.Identity.Address)

	receipt, err := tr.Send(ctx, "519@c.us", "hi")
	require.NoError(t, err)
	assert.Len(t, receipt.MessageID, 20)

	_, err = tr.Send(ctx, "bad@c.us", "hi")
	assert.Error(t, err)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "519@c.us", sent[0].Address)
	assert.Equal(t, "hi", sent[0].Body)
}

func TestLogoutStartsNewPairing(t *testing.T) {
	ctx := context.Background()
	tr := New(Options{})
	events, _ := tr.Start(ctx)
	first := next(t, events).Artifact
	require.NoError(t, tr.Pair())
	next(t, events)
	next(t, events)

	require.NoError(t, tr.Logout(ctx))
	assert.Equal(t, transport.EventDisconnected, next(t, events).Kind)
	ev := next(t, events)
	assert.Equal(t, transport.EventPairingIssued, ev.Kind)
	assert.NotEqual(t, first, ev.Artifact)
}

func TestAutoPair(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := New(Options{AutoPairAfter: 5 * time.Second, Clock: clock})
	events, _ := tr.Start(context.Background())
	next(t, events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)

	assert.Equal(t, transport.EventAuthenticated, next(t, events).Kind)
	assert.Equal(t, transport.EventReady, next(t, events).Kind)
}

func TestCloseEndsStream(t *testing.T) {
	tr := New(Options{})
	events, _ := tr.Start(context.Background())
	next(t, events)

	require.NoError(t, tr.Close(context.Background()))
	_, ok := <-events
	assert.False(t, ok)

	_, err := tr.Send(context.Background(), "1@c.us", "x")
	assert.True(t, errors.Is(err, transport.ErrClosed))
}
