// Package grpcapi exposes a gRPC health endpoint so orchestrators that
// probe over gRPC get the same readiness signal as /readyz.
package grpcapi

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Probe reports whether the service is able to take traffic.
type Probe interface {
	Check(ctx context.Context) error
}

// HealthServer answers grpc.health.v1 checks using the probe.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	probe Probe
}

// NewHealthServer constructs a HealthServer.
func NewHealthServer(probe Probe) *HealthServer {
	return &HealthServer{probe: probe}
}

// Check reports SERVING while the probe passes.
func (s *HealthServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if s.probe != nil {
		if err := s.probe.Check(ctx); err != nil {
			return &healthpb.HealthCheckResponse{
				Status: healthpb.HealthCheckResponse_NOT_SERVING,
			}, nil
		}
	}
	return &healthpb.HealthCheckResponse{
		Status: healthpb.HealthCheckResponse_SERVING,
	}, nil
}

// Watch sends a single status and closes; streaming updates are not
// supported.
func (s *HealthServer) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	resp, err := s.Check(stream.Context(), req)
	if err != nil {
		return err
	}
	if err := stream.Send(resp); err != nil {
		return status.Error(codes.Unavailable, "failed to send health status")
	}
	return nil
}

// Server wraps the grpc.Server with its listener lifecycle.
type Server struct {
	grpc *grpc.Server
}

// New registers the health service on a fresh grpc.Server.
func New(probe Probe) *Server {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, NewHealthServer(probe))
	return &Server{grpc: s}
}

// Serve listens on addr and blocks until Stop or a listener error.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
