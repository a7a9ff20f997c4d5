package middleware

import (
	"context"
	"time"

	"mini-drb/message"
	"mini-drb/rpcerr"
)

// TimeOutMiddleware bounds a dispatched call. Methods that accept a
// context.Context see it cancelled at the deadline; the Sink gets a Timeout
// failure either way. A response produced after the deadline is handed to
// discard, if set, once the handler returns.
func TimeOutMiddleware(timeout time.Duration, discard func(*message.ResponseFrame)) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallFrame) *message.ResponseFrame {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.ResponseFrame, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case resp := <-done:
				// A failure caused by the cancellation is reported as the timeout.
				if resp != nil && resp.Outcome == message.OutcomeFailure && ctx.Err() != nil {
					return timedOut(call, timeout)
				}
				return resp
			case <-ctx.Done():
				if discard != nil {
					go func() {
						if resp := <-done; resp != nil {
							discard(resp)
						}
					}()
				}
				return timedOut(call, timeout)
			}
		}
	}
}

func timedOut(call *message.CallFrame, timeout time.Duration) *message.ResponseFrame {
	return message.Failure(call.Seq, rpcerr.New(rpcerr.Timeout, "%s on %s exceeded %s", call.Method, call.Target, timeout))
}
