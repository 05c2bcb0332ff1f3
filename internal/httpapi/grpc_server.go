package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"sarraf.org/internal/obs"
)

const watchInterval = 5 * time.Second

// HealthServer implements grpc.health.v1 on top of the readiness probe. The
// empty service name and serviceName are known; anything else is NotFound.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	interval  time.Duration
}

// NewHealthServer creates the gRPC health service.
func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &HealthServer{readiness: r, interval: watchInterval}
}

// Register attaches the service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

func (s *HealthServer) status(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(true)
	return healthpb.HealthCheckResponse_SERVING
}

func known(service string) bool {
	return service == "" || service == serviceName
}

// Check evaluates readiness once.
func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if !known(req.GetService()) {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &healthpb.HealthCheckResponse{Status: s.status(ctx)}, nil
}

// Watch streams the status whenever it changes, polling the probe.
func (s *HealthServer) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	if !known(req.GetService()) {
		return stream.Send(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN})
	}
	ctx := stream.Context()
	last := healthpb.HealthCheckResponse_UNKNOWN
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if st := s.status(ctx); st != last {
			if err := stream.Send(&healthpb.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
			last = st
		}
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}
