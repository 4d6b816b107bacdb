package middleware

import (
	"context"
	"fmt"
	"time"

	"peer-rpc/message"
)

// TimeOutMiddleware answers SERVER_FAILED when the handler runs longer than
// timeout. The handler keeps running with a cancelled ctx and its late
// response is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result := make(chan *message.Response, 1)
			go func() { result <- next(ctx, req) }()

			select {
			case resp := <-result:
				return resp
			case <-ctx.Done():
				return message.Failed(req.RequestID, message.StatusServerFailed,
					fmt.Sprintf("service %s timed out after %v", req.ServiceName, timeout))
			}
		}
	}
}
