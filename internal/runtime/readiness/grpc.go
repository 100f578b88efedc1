package readiness

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
)

const (
	LivenessCheckService  = "liveness"
	ReadinessCheckService = "readiness"
)

// HealthServer answers grpc.health.v1 checks from a Gate. Liveness always
// passes; readiness and the empty service name follow the gate.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	gate   *Gate
	logger loggingpkg.ServiceLogger
}

// NewHealthServer builds a HealthServer over gate.
func NewHealthServer(gate *Gate, logger loggingpkg.ServiceLogger) *HealthServer {
	return &HealthServer{gate: gate, logger: loggingpkg.ForComponent(logger, "grpc_health", nil)}
}

// Register adds the health service to srv.
func (s *HealthServer) Register(srv grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(srv, s)
}

func (s *HealthServer) Check(_ context.Context, in *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	var passing bool
	switch in.GetService() {
	case LivenessCheckService:
		passing = true
	case ReadinessCheckService, "":
		passing = s.gate.IsReady()
	default:
		s.logger.Debug("gRPC health check requested unknown service", loggingpkg.LogFields{"service": in.GetService()})
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN}, nil
	}
	if !passing {
		s.logger.Trace("gRPC health check not serving", loggingpkg.LogFields{
			"service": in.GetService(),
			"pending": s.gate.Snapshot().Pending,
		})
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

func (s *HealthServer) List(ctx context.Context, _ *healthpb.HealthListRequest) (*healthpb.HealthListResponse, error) {
	statuses := make(map[string]*healthpb.HealthCheckResponse, 2)
	for _, svc := range []string{LivenessCheckService, ReadinessCheckService} {
		resp, err := s.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			return nil, err
		}
		statuses[svc] = resp
	}
	return &healthpb.HealthListResponse{Statuses: statuses}, nil
}

func (s *HealthServer) Watch(*healthpb.HealthCheckRequest, healthpb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}
