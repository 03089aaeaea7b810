package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"hopflow/internal/logging"
)

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
}

// Listen binds addr and registers the runner service and grpc health.
func Listen(addr string, svc RunnerServer, log *slog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewServer(lis, svc, log), nil
}

// NewServer serves svc on an existing listener, e.g. a bufconn in tests.
func NewServer(lis net.Listener, svc RunnerServer, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Channel("transport")
	}
	s := &Server{
		grpc:   grpc.NewServer(grpc.UnaryInterceptor(logCalls(log))),
		health: health.NewServer(),
		lis:    lis,
	}
	RegisterRunnerServer(s.grpc, svc)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func logCalls(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Warn("rpc failed", "method", info.FullMethod, "took", time.Since(start), "err", err)
		} else {
			log.Debug("rpc", "method", info.FullMethod, "took", time.Since(start))
		}
		return resp, err
	}
}
