// ABOUTME: gRPC health service reflecting the session phase
// ABOUTME: The session service reports SERVING only while messages can be sent

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/2389/wa-gateway/internal/session"
)

// SessionServiceName is the health-checked service for the messaging session.
const SessionServiceName = "whatsapp.Session"

// newHealthServer creates a gRPC server exposing grpc.health.v1.Health.
// The overall server is SERVING; the session service starts NOT_SERVING.
func newHealthServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SessionServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)

	return server, hs
}

func servingStatus(snap session.Snapshot) healthpb.HealthCheckResponse_ServingStatus {
	if snap.Connected() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// watchHealth mirrors session changes into the health server until ctx ends.
func (g *Gateway) watchHealth(ctx context.Context) {
	changes, _ := g.controller.Subscribe(ctx)
	g.health.SetServingStatus(SessionServiceName, servingStatus(g.controller.Snapshot()))

	for change := range changes {
		g.health.SetServingStatus(SessionServiceName, servingStatus(change.Snapshot))
	}
}
