package grpc

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kanengo/healthd/health"
	"github.com/kanengo/healthd/middleware"
	"github.com/kanengo/healthd/middleware/ratelimit"
	"github.com/kanengo/healthd/middleware/ratelimit/leakybucket"
	"github.com/kanengo/healthd/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func replyHeader(key, value string) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			if tr, ok := transport.FromServerContext(ctx); ok {
				tr.ReplyHeader().Set(key, value)
			}
			return handler(ctx, req)
		}
	}
}

func newServer(opts ...ServerOption) *Server {
	return NewServer(append([]ServerOption{Address("127.0.0.1:0")}, opts...)...)
}

func startServer(t *testing.T, srv *Server) <-chan error {
	t.Helper()

	e, err := srv.Endpoint()
	require.NoError(t, err)
	require.NotNil(t, e)
	require.False(t, strings.HasSuffix(e.Host, ":0"), e.Host)

	done := make(chan error, 1)
	go func() {
		done <- srv.Start(context.Background())
	}()
	return done
}

func dialServer(t *testing.T, srv *Server, opts ...ClientOption) grpc_health_v1.HealthClient {
	t.Helper()

	e, err := srv.Endpoint()
	require.NoError(t, err)
	conn, err := DialInsecure(context.Background(), append([]ClientOption{WithEndpoint(e.Host)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return grpc_health_v1.NewHealthClient(conn)
}

func TestServer_Check(t *testing.T) {
	srv := newServer(Middleware(replyHeader("x-served-by", "healthd")))
	done := startServer(t, srv)

	var servedBy string
	client := dialServer(t, srv, WithMiddleware(func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			reply, err := handler(ctx, req)
			if tr, ok := transport.FromClientContext(ctx); ok {
				servedBy = tr.ReplyHeader().Get("x-served-by")
			}
			return reply, err
		}
	}))

	resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, health.Serving, resp.GetStatus())
	assert.Equal(t, "healthd", servedBy)

	_, err = client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	require.NoError(t, srv.Stop(context.Background()))
	assert.NoError(t, <-done)
}

func TestServer_RateLimitedCheck(t *testing.T) {
	srv := newServer()
	srv.AddMiddleware("/grpc.health.v1.Health/Check", ratelimit.RateLimit(leakybucket.NewLeakyBucket(1, time.Hour)))
	done := startServer(t, srv)
	client := dialServer(t, srv)

	_, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	_, err = client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	// Watch is not limited
	stream, err := client.Watch(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, health.Serving, resp.GetStatus())

	require.NoError(t, srv.Stop(context.Background()))
	assert.NoError(t, <-done)
}

func TestServer_WatchDrainsOnStop(t *testing.T) {
	hs := health.NewServer()
	require.NoError(t, hs.SetServingStatus("orders", health.Serving))

	var streaming atomic.Bool
	srv := newServer(Health(hs))
	srv.AddMiddleware("/grpc.health.v1.Health/Watch", replyHeader("x-stream", "watch"), func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			tr, ok := transport.FromServerContext(ctx)
			streaming.Store(ok && tr.Stream())
			return handler(ctx, req)
		}
	})
	assert.Same(t, hs, srv.Health())
	done := startServer(t, srv)
	client := dialServer(t, srv)

	stream, err := client.Watch(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "orders"})
	require.NoError(t, err)
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, health.Serving, resp.GetStatus())

	md, err := stream.Header()
	require.NoError(t, err)
	assert.Equal(t, []string{"watch"}, md.Get("x-stream"))
	assert.True(t, streaming.Load())

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- srv.Stop(ctx)
	}()

	resp, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, health.NotServing, resp.GetStatus())
	_, err = stream.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))

	assert.NoError(t, <-stopped)
	assert.NoError(t, <-done)
}
