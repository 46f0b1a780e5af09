// ABOUTME: Tests for the session change broadcaster
// ABOUTME: Covers fan-out, context cleanup, slow subscribers and close

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

func makeChange(reason string) Change {
	return Change{
		Event:    transport.Disconnected(reason),
		Snapshot: session.Snapshot{Phase: session.PhaseDisconnected, Reason: reason},
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameChange(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)

	b.Publish(makeChange("gone"))

	for _, ch := range []<-chan Change{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "gone", got.Event.Reason)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change")
		}
	}
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	require.Equal(t, 1, b.Len())

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription not cleaned up")
	}
	assert.Equal(t, 0, b.Len())
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, _ = b.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(makeChange("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBroadcaster_CloseThenSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe(t.Context())
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok)
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		ctx, cancel := context.WithCancel(context.Background())
		_, id := b.Subscribe(ctx)
		go func() {
			defer wg.Done()
			b.Publish(makeChange("x"))
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe(id)
			cancel()
		}()
	}
	wg.Wait()
}
