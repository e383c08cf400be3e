package grpc

import (
	"context"
	"sync"

	"github.com/kanengo/healthd/middleware"
	"github.com/kanengo/healthd/transport"
	"google.golang.org/grpc"
	grpcmd "google.golang.org/grpc/metadata"
)

func (s *Server) newTransport(ctx context.Context, fullMethod string, stream bool) *Transport {
	md, _ := grpcmd.FromIncomingContext(ctx)
	tr := &Transport{
		fullMethod:  fullMethod,
		stream:      stream,
		reqHeader:   headerCarrier(md.Copy()),
		replyHeader: headerCarrier(grpcmd.MD{}),
	}
	if s.endpoint != nil {
		tr.endpoint = s.endpoint.String()
	}
	return tr
}

func (s *Server) unaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		tr := s.newTransport(ctx, info.FullMethod, false)
		ctx = transport.NewServerContext(ctx, tr)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		h := func(ctx context.Context, req any) (any, error) {
			return handler(ctx, req)
		}
		if ms := s.middleware.Match(tr.FullMethod()); len(ms) > 0 {
			h = middleware.Chain(ms...)(h)
		}

		resp, err = h(ctx, req)

		if len(tr.replyHeader) > 0 {
			_ = grpc.SetHeader(ctx, grpcmd.MD(tr.replyHeader))
		}

		return
	}
}

// streamServerInterceptor runs the matched middleware around the whole
// stream. No timeout is applied: Watch streams live as long as the client.
func (s *Server) streamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		tr := s.newTransport(ss.Context(), info.FullMethod, true)
		ws := &wrappedStream{
			ServerStream: ss,
			ctx:          transport.NewServerContext(ss.Context(), tr),
			replyHeader:  grpcmd.MD(tr.replyHeader),
		}
		h := func(ctx context.Context, _ any) (any, error) {
			ws.ctx = ctx
			return nil, handler(srv, ws)
		}
		if ms := s.middleware.Match(tr.FullMethod()); len(ms) > 0 {
			h = middleware.Chain(ms...)(h)
		}
		_, err := h(ws.ctx, nil)
		return err
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx         context.Context
	replyHeader grpcmd.MD
	once        sync.Once
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}

// SendMsg flushes headers set by middleware before the first message.
func (w *wrappedStream) SendMsg(m interface{}) error {
	w.once.Do(func() {
		if len(w.replyHeader) > 0 {
			_ = w.ServerStream.SetHeader(w.replyHeader)
		}
	})
	return w.ServerStream.SendMsg(m)
}
