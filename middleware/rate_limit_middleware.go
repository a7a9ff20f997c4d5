package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-drb/message"
	"mini-drb/rpcerr"
)

// RateLimitMiddleware rejects calls beyond a token-bucket budget of r calls
// per second with bursts of up to burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallFrame) *message.ResponseFrame {
			if !limiter.Allow() {
				return message.Failure(call.Seq, rpcerr.New(rpcerr.Rejected, "rate limit exceeded"))
			}
			return next(ctx, call)
		}
	}
}
