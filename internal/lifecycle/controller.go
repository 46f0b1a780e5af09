// ABOUTME: Single-writer reducer from transport lifecycle events to session state
// ABOUTME: Publishes every applied change and lets readers wait for a condition

package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/wa-gateway/internal/metrics"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
)

// Controller owns all writes to a session.State. Run applies transport
// events one at a time in arrival order; everyone else reads snapshots.
type Controller struct {
	state       *session.State
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	changed chan struct{} // closed and replaced after every applied event
}

// Options configures a Controller.
type Options struct {
	Broadcaster *Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// New creates a controller for state.
func New(state *session.State, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewBroadcaster(logger)
	}
	c := &Controller{
		state:       state,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "lifecycle"),
		changed:     make(chan struct{}),
	}
	c.metrics.SetPhase(string(state.Current().Phase), phaseNames())
	return c
}

// Run consumes events until the stream closes or ctx is done.
func (c *Controller) Run(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.logger.Debug("event stream closed")
				return nil
			}
			c.apply(ev)
		}
	}
}

func (c *Controller) apply(ev transport.Event) {
	switch ev.Kind {
	case transport.EventPairingIssued:
		c.state.ApplyPairingIssued(ev.Artifact)
		c.logger.Info("pairing artifact issued, waiting for scan")
	case transport.EventAuthenticated:
		c.state.ApplyAuthenticated()
		c.logger.Info("session authenticated")
	case transport.EventReady:
		if ev.Identity == nil {
			c.logger.Warn("ready event without identity ignored")
			return
		}
		c.state.ApplyReady(*ev.Identity)
		c.logger.Info("session ready",
			"address", ev.Identity.Address,
			"name", ev.Identity.Name)
	case transport.EventDisconnected:
		c.state.ApplyDisconnected(ev.Reason)
		c.logger.Warn("session disconnected", "reason", ev.Reason)
	case transport.EventAuthFailure:
		c.state.ApplyAuthFailed(ev.Reason)
		c.logger.Error("authentication failed", "detail", ev.Reason)
	default:
		c.logger.Warn("unknown lifecycle event ignored", "kind", ev.Kind)
		return
	}

	snap := c.state.Current()
	c.metrics.ObserveEvent(string(ev.Kind))
	c.metrics.SetPhase(string(snap.Phase), phaseNames())
	c.broadcaster.Publish(Change{Event: ev, Snapshot: snap})

	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() session.Snapshot {
	return c.state.Current()
}

// Wait blocks until pred holds for the current state or ctx is done.
func (c *Controller) Wait(ctx context.Context, pred func(session.Snapshot) bool) (session.Snapshot, error) {
	for {
		c.mu.Lock()
		changed := c.changed
		c.mu.Unlock()

		snap := c.state.Current()
		if pred(snap) {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}

// Subscribe streams every applied change until ctx is cancelled.
func (c *Controller) Subscribe(ctx context.Context) (<-chan Change, string) {
	return c.broadcaster.Subscribe(ctx)
}

// SubscriberCount returns the number of live subscriptions.
func (c *Controller) SubscriberCount() int {
	return c.broadcaster.Len()
}

// Close ends all subscriptions.
func (c *Controller) Close() {
	c.broadcaster.Close()
}

func phaseNames() []string {
	names := make([]string, len(session.Phases))
	for i, p := range session.Phases {
		names[i] = string(p)
	}
	return names
}
