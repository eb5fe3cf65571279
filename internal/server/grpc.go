package server

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer returns a gRPC server carrying the health service and reflection.
func (s *Server) GRPCServer() *grpc.Server {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, s.health)
	reflection.Register(gs)
	return gs
}

func (s *Server) serveGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.grpcAddr, err)
	}
	return s.serveGRPCListener(ctx, lis)
}

func (s *Server) serveGRPCListener(ctx context.Context, lis net.Listener) error {
	gs := s.GRPCServer()
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	return gs.Serve(lis)
}
