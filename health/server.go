package health

import (
	"context"

	"github.com/kanengo/healthd/errors"
	"github.com/kanengo/healthd/log"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

var _ grpc_health_v1.HealthServer = (*Server)(nil)

// Server implements grpc_health_v1.HealthServer on top of a Registry.
type Server struct {
	grpc_health_v1.UnimplementedHealthServer

	registry *Registry
	metrics  *Metrics
}

func NewServer(opts ...Option) *Server {
	r := NewRegistry(opts...)
	return &Server{
		registry: r,
		metrics:  r.opts.metrics,
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) SetServingStatus(service string, status Status) error {
	return s.registry.Set(service, status)
}

// Shutdown sets every service to NotServing so that watchers can drain
// before the transport stops.
func (s *Server) Shutdown() error {
	return s.registry.Shutdown()
}

func (s *Server) Resume() error {
	return s.registry.Resume()
}

// Close terminates all Watch streams with ErrShuttingDown.
func (s *Server) Close() {
	s.registry.Close()
}

func (s *Server) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	st, err := s.registry.Get(req.GetService())
	if err != nil {
		return nil, err
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

func (s *Server) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	ctx := stream.Context()
	service := req.GetService()

	w, err := s.registry.Watch(ctx, service)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrShuttingDown
		}
		return err
	}
	defer w.Stop()

	for {
		st, err := w.Next(ctx)
		if err != nil {
			return watchError(service, err)
		}
		if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st}); err != nil {
			log.Debug("[health] watch send failed", zap.String("service", service), zap.Error(err))
			return err
		}
		s.metrics.responseSent()
	}
}

func watchError(service string, err error) error {
	switch {
	case errors.Is(err, ErrClosed):
		return ErrShuttingDown
	case errors.Is(err, ErrLagged):
		log.Warn("[health] watcher dropped", zap.String("service", service), zap.Error(err))
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return err
}
