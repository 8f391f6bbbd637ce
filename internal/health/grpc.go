package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the subscription.
const ServiceName = "pushsub"

// GRPC serves the standard gRPC health checking protocol. Both the
// overall status and ServiceName follow SetServing.
type GRPC struct {
	port   int
	server *grpc.Server
	health *grpchealth.Server
}

// NewGRPC creates a gRPC health server on the given port. It starts out
// NOT_SERVING.
func NewGRPC(port int) *GRPC {
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return &GRPC{port: port, server: server, health: hs}
}

// SetServing updates the reported status.
func (g *GRPC) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// ListenAndServe listens on the configured port and serves until the
// context is cancelled.
func (g *GRPC) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("grpc health listen: %w", err)
	}
	return g.Serve(ctx, lis)
}

// Serve serves on lis until the context is cancelled.
func (g *GRPC) Serve(ctx context.Context, lis net.Listener) error {
	slog.Info("grpc health listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		slog.Info("grpc health shutting down")
		g.health.Shutdown()
		g.server.GracefulStop()
	}()

	return g.server.Serve(lis)
}
