// Package grpc exposes the service's gRPC health endpoint.
package grpc

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dm-service/internal/observability"
)

// ServiceName is the health service name reported alongside the overall
// status.
const ServiceName = "dm.Messaging"

// Pinger reports whether the message store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthServer serves grpc.health.v1 with a status that follows the message
// store's reachability.
type HealthServer struct {
	server *gogrpc.Server
	health *health.Server
	store  Pinger
	log    *zap.Logger
}

func NewHealthServer(store Pinger, log *zap.Logger) *HealthServer {
	server := gogrpc.NewServer(
		gogrpc.StatsHandler(otelgrpc.NewServerHandler()),
		gogrpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return &HealthServer{server: server, health: hs, store: store, log: log}
}

// Check pings the store once and updates the reported status.
func (s *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.store.PingContext(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.log.Warn("message store unreachable", zap.Error(err))
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Watch re-checks the store every interval until ctx is done.
func (s *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		s.Check(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *HealthServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop marks the service as not serving and drains in-flight calls.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
