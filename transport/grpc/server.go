package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"github.com/kanengo/healthd/health"
	"github.com/kanengo/healthd/internal/host"
	"github.com/kanengo/healthd/log"
	"github.com/kanengo/healthd/middleware"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

type ServerOption func(s *Server)

func Address(addr string) ServerOption {
	return func(s *Server) {
		s.address = addr
	}
}

// Timeout bounds unary calls. Streams are not affected.
func Timeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.timeout = timeout
	}
}

func Middleware(m ...middleware.Middleware) ServerOption {
	return func(s *Server) {
		s.middleware.Use(m...)
	}
}

func TLSConfig(c *tls.Config) ServerOption {
	return func(s *Server) {
		s.tlsConf = c
	}
}

func Listener(lis net.Listener) ServerOption {
	return func(s *Server) {
		s.lis = lis
	}
}

func UnaryInterceptor(in ...grpc.UnaryServerInterceptor) ServerOption {
	return func(s *Server) {
		s.unaryInts = in
	}
}

func StreamInterceptor(in ...grpc.StreamServerInterceptor) ServerOption {
	return func(s *Server) {
		s.streamInts = in
	}
}

func Options(opts ...grpc.ServerOption) ServerOption {
	return func(s *Server) {
		s.grpcOpts = opts
	}
}

// Health replaces the health service registered on the server.
func Health(hs *health.Server) ServerOption {
	return func(s *Server) {
		s.health = hs
	}
}

type Server struct {
	*grpc.Server
	tlsConf    *tls.Config
	address    string
	endpoint   *url.URL
	timeout    time.Duration
	middleware *middleware.Matcher
	unaryInts  []grpc.UnaryServerInterceptor
	streamInts []grpc.StreamServerInterceptor
	grpcOpts   []grpc.ServerOption
	health     *health.Server
	lis        net.Listener
}

func NewServer(opts ...ServerOption) *Server {
	srv := &Server{
		address:    ":0",
		timeout:    3 * time.Second,
		middleware: middleware.NewMatcher(),
	}

	for _, o := range opts {
		o(srv)
	}
	if srv.health == nil {
		srv.health = health.NewServer()
	}

	unaryInts := []grpc.UnaryServerInterceptor{
		srv.unaryServerInterceptor(),
	}
	if len(srv.unaryInts) > 0 {
		unaryInts = append(unaryInts, srv.unaryInts...)
	}

	streamInts := []grpc.StreamServerInterceptor{
		srv.streamServerInterceptor(),
	}
	if len(srv.streamInts) > 0 {
		streamInts = append(streamInts, srv.streamInts...)
	}

	grpcOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unaryInts...),
		grpc.ChainStreamInterceptor(streamInts...),
	}

	if srv.tlsConf != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(srv.tlsConf)))
	}

	if len(srv.grpcOpts) > 0 {
		grpcOpts = append(grpcOpts, srv.grpcOpts...)
	}

	srv.Server = grpc.NewServer(grpcOpts...)

	grpc_health_v1.RegisterHealthServer(srv.Server, srv.health)
	reflection.Register(srv.Server)

	return srv
}

// AddMiddleware attaches ms to the methods matching selector, for example
// "/grpc.health.v1.Health/Check" or "/grpc.health.v1.Health/*".
func (s *Server) AddMiddleware(selector string, ms ...middleware.Middleware) {
	s.middleware.Add(selector, ms...)
}

func (s *Server) Health() *health.Server {
	return s.health
}

func (s *Server) Endpoint() (*url.URL, error) {
	if err := s.listenAndCheckEndpoint(); err != nil {
		return nil, err
	}

	return s.endpoint, nil
}

// Start serves until Stop is called. Service statuses are left untouched:
// the owner decides when the process is ready.
func (s *Server) Start(ctx context.Context) error {
	if err := s.listenAndCheckEndpoint(); err != nil {
		return err
	}
	log.Info("[grpc] server start", zap.String("listener", s.lis.Addr().String()), zap.Stringer("endpoint", s.endpoint))
	return s.Serve(s.lis)
}

// Stop marks every service NOT_SERVING, ends all Watch streams and then
// drains in-flight calls. When ctx expires first the server is stopped hard.
func (s *Server) Stop(ctx context.Context) error {
	log.Info("[grpc] server stopping")
	err := s.health.Shutdown()
	s.health.Close()

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Server.Stop()
		<-done
		err = multierr.Append(err, ctx.Err())
	}
	return err
}

func (s *Server) listenAndCheckEndpoint() error {
	if s.lis == nil {
		lis, err := net.Listen("tcp", s.address)
		if err != nil {
			return err
		}
		s.lis = lis
	}
	if s.endpoint == nil {
		addr, err := host.Extract(s.address, s.lis)
		if err != nil {
			return err
		}
		s.endpoint = &url.URL{
			Scheme: "grpc",
			Host:   addr,
		}
	}

	return nil
}
