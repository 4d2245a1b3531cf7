// Package server exposes the ops-facing gRPC surface: the standard
// grpc-health-v1 service and server reflection for grpcurl. The ledger has no
// request/response API; all work arrives over JetStream.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"SwitchLedger/internal/observability"
)

// GRPCServer wraps the health/reflection gRPC endpoint.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	addr         string
	checker      *observability.HealthChecker
	log          zerolog.Logger
}

func NewGRPCServer(addr string, checker *observability.HealthChecker, log zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		addr:         addr,
		checker:      checker,
		log:          log.With().Str("component", "grpc").Logger(),
	}
}

// Run serves until ctx is cancelled, mirroring the readiness checker into the
// grpc-health-v1 status once a second.
func (s *GRPCServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	go s.mirrorReadiness(ctx)

	go func() {
		<-ctx.Done()
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.addr).Msg("grpc server listening")
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

func (s *GRPCServer) mirrorReadiness(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if s.checker == nil || s.checker.IsReady() {
				status = healthpb.HealthCheckResponse_SERVING
			}
			s.healthServer.SetServingStatus("", status)
		}
	}
}
