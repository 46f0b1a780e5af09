// ABOUTME: Tests for paced bulk sends
// ABOUTME: Drives pacing with a fake clock and checks ordering, isolation and serialization

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wa-gateway/internal/session"
)

func newBulk(sender *fakeSender, sess *fakeSession) (*Coordinator, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	d := NewDispatcher(sess, sender, Options{})
	return NewCoordinator(d, CoordinatorOptions{Pacing: time.Second, Clock: clock}), clock
}

// runBulk runs SendBulk in the background, advancing the fake clock through
// every pacing sleep, and returns the report.
func runBulk(t *testing.T, c *Coordinator, clock *clockwork.FakeClock, reqs []Request) Report {
	t.Helper()

	type result struct {
		report Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := c.SendBulk(context.Background(), reqs)
		done <- result{r, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < len(reqs)-1; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1), "pacing sleep %d never started", i+1)
		clock.Advance(time.Second)
	}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		return r.report
	case <-ctx.Done():
		t.Fatal("bulk send did not finish")
		return Report{}
	}
}

func TestSendBulk_NotConnected(t *testing.T) {
	sender := &fakeSender{}
	c, _ := newBulk(sender, &fakeSession{phase: session.PhaseAwaitingPairing})

	_, err := c.SendBulk(context.Background(), []Request{{To: "1", Message: "a"}})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, sender.count())
}

func TestSendBulk_Empty(t *testing.T) {
	c, _ := newBulk(&fakeSender{}, &fakeSession{phase: session.PhaseReady})

	report, err := c.SendBulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
	assert.Empty(t, report.Results)
}

func TestSendBulk_SecondItemFails(t *testing.T) {
	sender := &fakeSender{failOn: map[int]error{2: errors.New("recipient unreachable")}}
	c, clock := newBulk(sender, &fakeSession{phase: session.PhaseReady})

	report := runBulk(t, c, clock, []Request{
		{To: "a", Message: "x"},
		{To: "b", Message: "y"},
	})

	assert.Equal(t, 2, report.Total)
	require.Len(t, report.Results, 2)
	assert.True(t, report.Results[0].Success)
	assert.Equal(t, "a", report.Results[0].Recipient)
	assert.False(t, report.Results[1].Success)
	assert.Equal(t, "b", report.Results[1].Recipient)
	assert.Equal(t, "recipient unreachable", report.Results[1].Error)
}

func TestSendBulk_OrderAndCount(t *testing.T) {
	sender := &fakeSender{failOn: map[int]error{1: errors.New("x"), 3: errors.New("y")}}
	c, clock := newBulk(sender, &fakeSession{phase: session.PhaseReady})

	reqs := []Request{
		{To: "1", Message: "m"},
		{To: "2", Message: "m"},
		{To: "", Message: "m"},
		{To: "4", Message: "m"},
		{To: "5", Message: "m"},
	}
	report := runBulk(t, c, clock, reqs)

	assert.Equal(t, len(reqs), report.Total)
	require.Len(t, report.Results, len(reqs))
	for i, out := range report.Results {
		assert.Equal(t, reqs[i].To, out.Recipient, "result %d out of order", i)
	}
	assert.Equal(t, []bool{false, true, false, false, true}, successes(report))
	assert.Equal(t, "missing to or message", report.Results[2].Error)
	// the invalid item never reached the sender
	assert.Equal(t, 4, sender.count())
}

func TestSendBulk_PacingBetweenItems(t *testing.T) {
	sender := &fakeSender{}
	c, clock := newBulk(sender, &fakeSession{phase: session.PhaseReady})

	done := make(chan struct{})
	go func() {
		_, _ = c.SendBulk(context.Background(), []Request{
			{To: "1", Message: "m"},
			{To: "2", Message: "m"},
		})
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, sender.count(), "second item sent before the pacing interval")

	clock.Advance(time.Second)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("bulk send did not finish")
	}
	assert.Equal(t, 2, sender.count())
}

func TestSendBulk_DisconnectMidBatch(t *testing.T) {
	sess := &fakeSession{phase: session.PhaseReady}
	sender := &fakeSender{}
	c, clock := newBulk(sender, sess)

	done := make(chan Report, 1)
	go func() {
		r, _ := c.SendBulk(context.Background(), []Request{
			{To: "1", Message: "m"},
			{To: "2", Message: "m"},
		})
		done <- r
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	sess.set(session.PhaseDisconnected)
	clock.Advance(time.Second)

	report := <-done
	assert.Equal(t, []bool{true, false}, successes(report))
	assert.Equal(t, "session not connected", report.Results[1].Error)
}

func TestSendBulk_BatchesDoNotInterleave(t *testing.T) {
	sender := &fakeSender{}
	c, clock := newBulk(sender, &fakeSession{phase: session.PhaseReady})

	first := make(chan struct{})
	second := make(chan struct{})
	go func() {
		_, _ = c.SendBulk(context.Background(), []Request{{To: "1", Message: "a"}, {To: "2", Message: "a"}})
		close(first)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	go func() {
		_, _ = c.SendBulk(context.Background(), []Request{{To: "3", Message: "b"}})
		close(second)
	}()

	// the second batch waits for the first one's lock
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sender.count())

	clock.Advance(time.Second)
	<-first
	<-second

	require.Equal(t, 3, sender.count())
	assert.Equal(t, "1@c.us", sender.calls[0].address)
	assert.Equal(t, "2@c.us", sender.calls[1].address)
	assert.Equal(t, "3@c.us", sender.calls[2].address)
}

func successes(r Report) []bool {
	out := make([]bool, len(r.Results))
	for i, o := range r.Results {
		out[i] = o.Success
	}
	return out
}
