// ABOUTME: Gateway orchestrator that wires transport, lifecycle, dispatch and servers
// ABOUTME: Manages the HTTP API, optional gRPC health endpoint and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/wa-gateway/internal/config"
	"github.com/2389/wa-gateway/internal/dedupe"
	"github.com/2389/wa-gateway/internal/dispatch"
	"github.com/2389/wa-gateway/internal/lifecycle"
	"github.com/2389/wa-gateway/internal/metrics"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/transport"
	"github.com/2389/wa-gateway/internal/transport/loopback"
	"github.com/2389/wa-gateway/internal/transport/matrix"
	"github.com/2389/wa-gateway/internal/transport/whatsapp"
)

// idempotencyCacheSize bounds the number of remembered Idempotency-Key values.
const idempotencyCacheSize = 10000

// Gateway exposes one messaging session over HTTP.
type Gateway struct {
	config     *config.Config
	transport  transport.Transport
	controller *lifecycle.Controller
	dispatcher *dispatch.Dispatcher
	bulk       *dispatch.Coordinator
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// idempotency replays responses for repeated Idempotency-Key headers
	idempotency *dedupe.Cache[recordedResponse]

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	docsHTML []byte

	// clock drives bulk pacing; replaced in tests
	clock clockwork.Clock
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithTransport replaces the transport selected by config.
func WithTransport(t transport.Transport) Option {
	return func(g *Gateway) { g.transport = t }
}

// WithClock sets the clock used for bulk pacing.
func WithClock(c clockwork.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// New creates a gateway from cfg. The transport is not started until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config: cfg,
		logger: logger,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if cfg.Metrics.Enabled {
		g.metrics = metrics.New()
	}

	if g.transport == nil {
		t, err := newTransport(cfg, logger)
		if err != nil {
			return nil, err
		}
		g.transport = t
	}

	g.controller = lifecycle.New(session.New(nil), lifecycle.Options{
		Broadcaster: lifecycle.NewBroadcaster(logger),
		Metrics:     g.metrics,
		Logger:      logger,
	})
	g.dispatcher = dispatch.NewDispatcher(g.controller, g.transport, dispatch.Options{
		SendTimeout: cfg.Dispatch.SendTimeout,
		Metrics:     g.metrics,
		Logger:      logger,
	})
	g.bulk = dispatch.NewCoordinator(g.dispatcher, dispatch.CoordinatorOptions{
		Pacing:  cfg.Dispatch.PacingInterval,
		Clock:   g.clock,
		Metrics: g.metrics,
		Logger:  logger,
	})
	g.idempotency = dedupe.New[recordedResponse](cfg.Dispatch.IdempotencyTTL, idempotencyCacheSize, nil)

	docs, err := renderDocs()
	if err != nil {
		return nil, fmt.Errorf("rendering API docs: %w", err)
	}
	g.docsHTML = docs

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		g.grpcServer, g.health = newHealthServer()
	}

	return g, nil
}

// newTransport builds the transport named by transport.kind.
func newTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	tc := cfg.Transport
	switch tc.Kind {
	case config.TransportWhatsApp:
		t, err := whatsapp.New(context.Background(), whatsapp.Config{
			StorePath:    tc.WhatsApp.StorePath(),
			Relink:       tc.WhatsApp.Relink(),
			PairingRetry: tc.WhatsApp.PairingRetry,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating whatsapp transport: %w", err)
		}
		return t, nil
	case config.TransportMatrix:
		t, err := matrix.New(matrix.Config{
			Homeserver:  tc.Matrix.Homeserver,
			UserID:      tc.Matrix.UserID,
			AccessToken: tc.Matrix.AccessToken,
			Username:    tc.Matrix.Username,
			Password:    tc.Matrix.Password,
			RetryDelay:  tc.Matrix.RetryDelay,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating matrix transport: %w", err)
		}
		return t, nil
	case config.TransportLoopback:
		opts := loopback.Options{
			AutoPairAfter:  tc.Loopback.AutoPairAfter,
			FailRecipients: tc.Loopback.FailRecipients,
		}
		if tc.Loopback.Address != "" {
			address := dispatch.Normalize(tc.Loopback.Address)
			opts.Identity = session.Identity{
				Address:  address,
				User:     strings.SplitN(address, "@", 2)[0],
				Name:     tc.Loopback.Name,
				Platform: "loopback",
			}
		}
		return loopback.New(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}

// Controller returns the lifecycle controller.
func (g *Gateway) Controller() *lifecycle.Controller {
	return g.controller
}

// Transport returns the active transport.
func (g *Gateway) Transport() transport.Transport {
	return g.transport
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
// grpcLn is nil when no gRPC endpoint is configured.
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// setupTCPListeners creates standard TCP listeners for HTTP and optional gRPC.
func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"transport", g.transport.Name(),
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return httpLn, grpcLn, nil
}

// startServers starts the servers in goroutines, returning error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the transport and servers and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or an error if startup or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	events, err := g.transport.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting %s transport: %w", g.transport.Name(), err)
	}

	go func() {
		if err := g.controller.Run(ctx, events); err != nil && ctx.Err() == nil {
			g.logger.Error("lifecycle controller stopped", "error", err)
		}
	}()
	if g.health != nil {
		go g.watchHealth(ctx)
	}

	httpListener, grpcListener, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServers(httpListener, grpcListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and the transport, bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// ends /events and /ws streams so HTTP shutdown is not held open
	g.controller.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "transport close", g.transport.Close(ctx))

	g.idempotency.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the session can send messages.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := g.controller.Snapshot()
	if !snap.Connected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready (%s)", snap.Phase)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%s)", snap.Identity.Address)
}
