package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/kanengo/healthd/errors"
	"go.uber.org/zap"
)

var ErrPanic = errors.Internal("PANIC", "internal server error")

// Recovery turns a panic in the handler into ErrPanic.
func Recovery(logger *zap.Logger) Middleware {
	return func(handler Handler) Handler {
		return func(ctx context.Context, req any) (reply any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("[grpc] panic recovered",
						zap.String("panic", fmt.Sprint(r)),
						zap.ByteString("stack", debug.Stack()),
					)
					reply = nil
					err = ErrPanic
				}
			}()
			return handler(ctx, req)
		}
	}
}
