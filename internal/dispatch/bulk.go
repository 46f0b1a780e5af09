// ABOUTME: Sequential, paced bulk send with per-item result isolation
// ABOUTME: One batch runs at a time; results keep input order

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/2389/wa-gateway/internal/metrics"
)

// DefaultPacing is the delay between bulk items.
const DefaultPacing = time.Second

// Report aggregates a bulk batch.
type Report struct {
	Total   int       `json:"total"`
	Results []Outcome `json:"results"`
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Pacing  time.Duration
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Coordinator sends batches through a Dispatcher, one item at a time.
type Coordinator struct {
	dispatcher *Dispatcher
	pacing     time.Duration
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger

	batchMu sync.Mutex
}

// NewCoordinator creates a bulk coordinator. Zero pacing uses DefaultPacing.
func NewCoordinator(d *Dispatcher, opts CoordinatorOptions) *Coordinator {
	if opts.Pacing <= 0 {
		opts.Pacing = DefaultPacing
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		dispatcher: d,
		pacing:     opts.Pacing,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "bulk"),
	}
}

// SendBulk sends reqs in order, waiting the pacing interval after every
// attempt but the last. A failed item never stops the batch. It returns
// ErrNotConnected, before sending anything, when the session is not ready.
//
// The batch keeps running if ctx is cancelled. Overlapping calls run one
// after another.
func (c *Coordinator) SendBulk(ctx context.Context, reqs []Request) (Report, error) {
	if !c.dispatcher.Connected() {
		return Report{}, ErrNotConnected
	}

	c.batchMu.Lock()
	defer c.batchMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	c.metrics.ObserveBatch(len(reqs))
	c.logger.Info("bulk batch started", "total", len(reqs))

	report := Report{
		Total:   len(reqs),
		Results: make([]Outcome, 0, len(reqs)),
	}
	failed := 0
	for i, req := range reqs {
		out, err := c.dispatcher.send(ctx, req, "bulk")
		if err != nil {
			out.Success = false
			out.Error = itemError(err)
		}
		if !out.Success {
			failed++
		}
		report.Results = append(report.Results, out)

		if i < len(reqs)-1 {
			c.clock.Sleep(c.pacing)
		}
	}

	c.logger.Info("bulk batch finished",
		"total", report.Total,
		"failed", failed)
	return report, nil
}

func itemError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "missing to or message"
	case errors.Is(err, ErrNotConnected):
		return "session not connected"
	default:
		return err.Error()
	}
}
