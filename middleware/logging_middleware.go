package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"peer-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.ServiceName),
				zap.String("requestId", req.RequestID),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("status", resp.Status),
			}
			if resp.Status != message.StatusSuccess {
				logger.Warn("request failed", append(fields, zap.String("error", resp.Message))...)
				return resp
			}
			logger.Debug("request served", fields...)
			return resp
		}
	}
}
