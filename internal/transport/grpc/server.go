package grpc

import (
	"context"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name of the generator.
const ServiceName = "threatgen.ResolverCacheGenerator"

// Health reports whether the generator is serving fresh caches.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.Set(false)
	return h
}

// Set updates both the overall and the named service status.
func (h *Health) Set(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(ServiceName, st)
}

// NewServer returns a gRPC server exposing health and reflection.
func NewServer(h *Health) *grpc.Server {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, h.srv)
	reflection.Register(s)
	return s
}

// RunGRPCServer starts a gRPC server on the given address and
// shuts it down gracefully when the context is canceled.
func RunGRPCServer(ctx context.Context, addr string, h *Health) error {
	if addr == "" {
		addr = ":9090"
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s := NewServer(h)

	go func() {
		<-ctx.Done()
		h.srv.Shutdown()
		s.GracefulStop()
	}()

	log.Printf("gRPC server listening on %s", lis.Addr().String())
	return s.Serve(lis)
}
