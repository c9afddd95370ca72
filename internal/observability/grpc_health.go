package observability

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthServer exposes readiness over the standard grpc.health.v1 service
// so orchestrators that probe gRPC can watch the gateway.
type GRPCHealthServer struct {
	server   *grpc.Server
	health   *health.Server
	checks   []NamedCheck
	interval time.Duration
}

// NewGRPCHealthServer builds the server; call Serve to start it
func NewGRPCHealthServer(interval time.Duration, checks ...NamedCheck) *GRPCHealthServer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCHealthServer{
		server:   srv,
		health:   hs,
		checks:   checks,
		interval: interval,
	}
}

// Refresh runs the dependency checks once and publishes the result
func (g *GRPCHealthServer) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, ok := CheckDependencies(ctx, g.checks)
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
	return ok
}

// Serve listens on port and blocks until ctx is cancelled or the listener fails
func (g *GRPCHealthServer) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC health: %w", err)
	}
	return g.ServeListener(ctx, lis)
}

// ServeListener serves on an existing listener
func (g *GRPCHealthServer) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		g.Refresh(ctx)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				g.health.Shutdown()
				g.server.GracefulStop()
				return
			case <-ticker.C:
				g.Refresh(ctx)
			}
		}
	}()

	if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
