package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"peer-rpc/message"
)

const rateLimited = "rate limit exceeded"

// RateLimitMiddleware 令牌桶限流，所有服务共享一个桶
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return limitWith(func(string) *rate.Limiter { return limiter })
}

// ServiceRateLimitMiddleware gives every service name its own bucket.
func ServiceRateLimitMiddleware(r float64, burst int) Middleware {
	var limiters sync.Map // serviceName → *rate.Limiter
	return limitWith(func(service string) *rate.Limiter {
		if l, ok := limiters.Load(service); ok {
			return l.(*rate.Limiter)
		}
		l, _ := limiters.LoadOrStore(service, rate.NewLimiter(rate.Limit(r), burst))
		return l.(*rate.Limiter)
	})
}

func limitWith(limiterFor func(service string) *rate.Limiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiterFor(req.ServiceName).Allow() {
				return message.Failed(req.RequestID, message.StatusServerFailed, rateLimited)
			}
			return next(ctx, req)
		}
	}
}
