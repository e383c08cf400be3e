package middleware

import (
	"context"
	"time"

	"github.com/kanengo/healthd/errors"
	"github.com/kanengo/healthd/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// Logging logs every call with its outcome. Failed calls are logged at warn
// level, successful ones at debug.
func Logging(logger *zap.Logger) Middleware {
	return func(handler Handler) Handler {
		return func(ctx context.Context, req any) (any, error) {
			var operation string
			if tr, ok := transport.FromServerContext(ctx); ok {
				operation = tr.FullMethod()
			}
			start := time.Now()
			reply, err := handler(ctx, req)
			fields := []zap.Field{
				zap.String("operation", operation),
				zap.Duration("latency", time.Since(start)),
			}
			if err != nil {
				se := errors.FromError(err)
				fields = append(fields,
					zap.Stringer("code", codes.Code(se.Code)),
					zap.String("reason", se.Reason),
					zap.String("message", se.Message),
				)
				logger.Warn("[grpc] request failed", fields...)
				return reply, err
			}
			logger.Debug("[grpc] request", fields...)
			return reply, nil
		}
	}
}
