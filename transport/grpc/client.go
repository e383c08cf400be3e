package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/kanengo/healthd/middleware"
	"github.com/kanengo/healthd/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpcinsecure "google.golang.org/grpc/credentials/insecure"
	grpcmd "google.golang.org/grpc/metadata"
)

type ClientOption func(options *clientOptions)

func WithEndpoint(endpoint string) ClientOption {
	return func(options *clientOptions) {
		options.endpoint = endpoint
	}
}

func WithTLSConfig(tlsConfig *tls.Config) ClientOption {
	return func(options *clientOptions) {
		options.tlsConf = tlsConfig
	}
}

// WithTimeout bounds unary calls made through the connection.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(options *clientOptions) {
		options.timeout = timeout
	}
}

func WithMiddleware(ms ...middleware.Middleware) ClientOption {
	return func(options *clientOptions) {
		options.middleware = ms
	}
}

func WithUnaryInterceptor(in ...grpc.UnaryClientInterceptor) ClientOption {
	return func(options *clientOptions) {
		options.ints = in
	}
}

func WithOptions(opts ...grpc.DialOption) ClientOption {
	return func(options *clientOptions) {
		options.grpcOpts = opts
	}
}

type clientOptions struct {
	endpoint   string
	tlsConf    *tls.Config
	timeout    time.Duration
	middleware []middleware.Middleware
	ints       []grpc.UnaryClientInterceptor
	grpcOpts   []grpc.DialOption
}

func Dial(ctx context.Context, opts ...ClientOption) (*grpc.ClientConn, error) {
	return dial(ctx, false, opts...)
}

func DialInsecure(ctx context.Context, opts ...ClientOption) (*grpc.ClientConn, error) {
	return dial(ctx, true, opts...)
}

func dial(ctx context.Context, insecure bool, opts ...ClientOption) (*grpc.ClientConn, error) {
	options := clientOptions{
		timeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(&options)
	}

	ints := []grpc.UnaryClientInterceptor{
		unaryClientInterceptor(options.middleware, options.timeout),
	}
	if len(options.ints) > 0 {
		ints = append(ints, options.ints...)
	}

	grpcOpts := []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(ints...),
	}

	if insecure {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(grpcinsecure.NewCredentials()))
	} else {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(credentials.NewTLS(options.tlsConf)))
	}

	if len(options.grpcOpts) > 0 {
		grpcOpts = append(grpcOpts, options.grpcOpts...)
	}

	return grpc.DialContext(ctx, options.endpoint, grpcOpts...)
}

func unaryClientInterceptor(ms []middleware.Middleware, timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = transport.NewClientContext(ctx, &Transport{
			endpoint:    cc.Target(),
			fullMethod:  method,
			reqHeader:   headerCarrier{},
			replyHeader: headerCarrier{},
		})
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		h := func(ctx context.Context, req any) (any, error) {
			tr, ok := transport.FromClientContext(ctx)
			if !ok {
				return reply, invoker(ctx, method, req, reply, cc, opts...)
			}
			header := tr.RequestHeader()
			keys := header.Keys()
			keyValues := make([]string, 0, len(keys)*2)
			for _, k := range keys {
				keyValues = append(keyValues, k, header.Get(k))
			}
			ctx = grpcmd.AppendToOutgoingContext(ctx, keyValues...)

			var md grpcmd.MD
			err := invoker(ctx, method, req, reply, cc, append(opts, grpc.Header(&md))...)
			for k, v := range md {
				if len(v) > 0 {
					tr.ReplyHeader().Set(k, v[0])
				}
			}
			return reply, err
		}

		if len(ms) > 0 {
			h = middleware.Chain(ms...)(h)
		}

		_, err := h(ctx, req)

		return err
	}
}
