package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"peer-rpc/message"
)

// RecoverMiddleware turns a panic further down the chain into SERVER_FAILED.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic", zap.String("service", req.ServiceName), zap.Any("panic", r), zap.Stack("stack"))
					resp = message.Failed(req.RequestID, message.StatusServerFailed, fmt.Sprintf("panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
