// ABOUTME: Tests for address normalization and single sends
// ABOUTME: Uses a scripted sender to check phase gating, validation and failure capture

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

type fakeSession struct {
	mu    sync.Mutex
	phase session.Phase
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Snapshot{Phase: f.phase}
}

func (f *fakeSession) set(p session.Phase) {
	f.mu.Lock()
	f.phase = p
	f.mu.Unlock()
}

type sentCall struct {
	address string
	body    string
}

// fakeSender fails the calls whose 1-based index appears in failOn.
type fakeSender struct {
	mu     sync.Mutex
	calls  []sentCall
	failOn map[int]error
	ids    []string
}

func (f *fakeSender) Send(ctx context.Context, address, body string) (transport.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{address, body})
	n := len(f.calls)
	if err, ok := f.failOn[n]; ok {
		return transport.Receipt{}, err
	}
	id := "MSG"
	if n-1 < len(f.ids) {
		id = f.ids[n-1]
	}
	return transport.Receipt{MessageID: id, Timestamp: 1700000000}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"51987654321", "51987654321@c.us"},
		{"+51 987-654-321", "51987654321@c.us"},
		{"(519) 000", "519000@c.us"},
		{"51987654321@c.us", "51987654321@c.us"},
		{"12036304@g.us", "12036304@g.us"},
		{"@bob:matrix.org", "@bob:matrix.org"},
		{"abc", "@c.us"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Normalize(tt.in)
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if again := Normalize(got); again != got {
				t.Errorf("Normalize not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestSend_NotConnected(t *testing.T) {
	for _, phase := range []session.Phase{
		session.PhaseAwaitingPairing,
		session.PhaseAuthenticated,
		session.PhaseDisconnected,
		session.PhaseAuthFailed,
	} {
		t.Run(string(phase), func(t *testing.T) {
			sender := &fakeSender{}
			d := NewDispatcher(&fakeSession{phase: phase}, sender, Options{})

			_, err := d.Send(context.Background(), Request{To: "519", Message: "hi"})
			assert.ErrorIs(t, err, ErrNotConnected)
			assert.Equal(t, 0, sender.count())
		})
	}
}

func TestSend_InvalidRequest(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(&fakeSession{phase: session.PhaseReady}, sender, Options{})

	for _, req := range []Request{{To: "519"}, {Message: "hi"}, {}} {
		_, err := d.Send(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Equal(t, 0, sender.count())
}

func TestSend_MalformedItem(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(&fakeSession{phase: session.PhaseReady}, sender, Options{})

	out, err := d.Send(context.Background(), Request{To: "15550100002", Message: "hi", Invalid: "to and message must be strings"})
	assert.ErrorIs(t, err, ErrMalformedItem)
	assert.EqualError(t, err, "malformed item: to and message must be strings")
	assert.Equal(t, "15550100002", out.Recipient)
	assert.Equal(t, 0, sender.count())
}

func TestSend_NotConnectedCheckedFirst(t *testing.T) {
	d := NewDispatcher(&fakeSession{phase: session.PhaseDisconnected}, &fakeSender{}, Options{})

	_, err := d.Send(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSend_Success(t *testing.T) {
	sender := &fakeSender{ids: []string{"ABC"}}
	d := NewDispatcher(&fakeSession{phase: session.PhaseReady}, sender, Options{})

	out, err := d.Send(context.Background(), Request{To: "519000", Message: "hi"})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, "ABC", out.MessageID)
	assert.Equal(t, int64(1700000000), out.Timestamp)
	assert.Equal(t, "519000@c.us", out.Address)
	assert.Equal(t, "519000", out.Recipient)
	require.Equal(t, 1, sender.count())
	assert.Equal(t, sentCall{"519000@c.us", "hi"}, sender.calls[0])
}

func TestSend_TransportFailureBecomesOutcome(t *testing.T) {
	sender := &fakeSender{failOn: map[int]error{1: errors.New("number not on whatsapp")}}
	d := NewDispatcher(&fakeSession{phase: session.PhaseReady}, sender, Options{})

	out, err := d.Send(context.Background(), Request{To: "519000", Message: "hi"})
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Equal(t, "number not on whatsapp", out.Error)
	assert.Empty(t, out.MessageID)
}

func TestSend_IgnoresCallerCancellation(t *testing.T) {
	var seen error
	sender := senderFunc(func(ctx context.Context, _, _ string) (transport.Receipt, error) {
		seen = ctx.Err()
		return transport.Receipt{MessageID: "X"}, nil
	})
	d := NewDispatcher(&fakeSession{phase: session.PhaseReady}, sender, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := d.Send(ctx, Request{To: "1", Message: "m"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.NoError(t, seen)
}

func TestSend_TimeoutStartsWhenTransportIsFree(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	calls := 0
	var queuedErr error
	sender := senderFunc(func(ctx context.Context, _, _ string) (transport.Receipt, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(started)
			<-release
			return transport.Receipt{MessageID: "first"}, nil
		}
		mu.Lock()
		queuedErr = ctx.Err()
		mu.Unlock()
		return transport.Receipt{MessageID: "second"}, nil
	})
	d := NewDispatcher(&fakeSession{phase: session.PhaseReady}, sender, Options{SendTimeout: 100 * time.Millisecond})

	go func() { _, _ = d.Send(context.Background(), Request{To: "1", Message: "a"}) }()
	<-started

	second := make(chan Outcome, 1)
	go func() {
		out, _ := d.Send(context.Background(), Request{To: "2", Message: "b"})
		second <- out
	}()

	// Hold the transport for longer than the send timeout.
	time.Sleep(250 * time.Millisecond)
	close(release)

	select {
	case out := <-second:
		assert.True(t, out.Success)
		assert.Equal(t, "second", out.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("queued send never finished")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, queuedErr, "queued send started with an expired context")
}

type senderFunc func(ctx context.Context, address, body string) (transport.Receipt, error)

func (f senderFunc) Send(ctx context.Context, address, body string) (transport.Receipt, error) {
	return f(ctx, address, body)
}
