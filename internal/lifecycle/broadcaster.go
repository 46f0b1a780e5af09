// ABOUTME: In-memory fan-out of session changes to stream subscribers
// ABOUTME: Feeds SSE, WebSocket, gRPC health and console watchers

package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Change is one applied event together with the state it produced.
type Change struct {
	Event    transport.Event
	Snapshot session.Snapshot
}

// Broadcaster provides pub/sub for session changes. Publish never blocks:
// a subscriber whose buffer is full misses the change.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Change
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Change),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. The subscription ends, and its channel
// closes, when ctx is cancelled or the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends a change to every subscriber.
func (b *Broadcaster) Publish(change Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- change:
		default:
			b.logger.Debug("dropped change for slow subscriber",
				"sub_id", id,
				"event", change.Event.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Len returns the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
