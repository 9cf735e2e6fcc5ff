package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/autoguide/internal/monitoring"
)

// HealthService is the service name whose status follows guiding.
const HealthService = "autoguide.Guide"

// HealthServer exposes the standard gRPC health service. The overall
// server reports SERVING while running; HealthService reports SERVING only
// while guiding.
type HealthServer struct {
	health *health.Server
	server *grpc.Server
}

// NewHealthServer returns a health server with guiding NOT_SERVING.
func NewHealthServer() *HealthServer {
	h := &HealthServer{health: health.NewServer(), server: grpc.NewServer()}
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(h.server, h.health)
	return h
}

// SetGuiding updates the HealthService status.
func (h *HealthServer) SetGuiding(guiding bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if guiding {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(HealthService, status)
}

// Check queries the health service in process.
func (h *HealthServer) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[monitor] gRPC health listening on %s", lis.Addr())
		errc <- h.server.Serve(lis)
	}()
	select {
	case <-ctx.Done():
		h.health.Shutdown()
		h.server.GracefulStop()
		<-errc
		return nil
	case err := <-errc:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("gRPC health server: %w", err)
	}
}

// ListenAndServe listens on addr and calls Serve.
func (h *HealthServer) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return h.Serve(ctx, lis)
}
