package middleware

import (
	"context"
	"log/slog"
	"time"

	"mini-drb/message"
)

// LoggingMiddleware logs every dispatched call at debug level, and failures
// at info level with their kind.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallFrame) *message.ResponseFrame {
			start := time.Now()
			resp := next(ctx, call)
			duration := time.Since(start)

			if resp.Outcome == message.OutcomeFailure && resp.Err != nil {
				logger.Info("call failed",
					"method", call.Method,
					"target", call.Target,
					"duration", duration,
					"kind", resp.Err.Kind.String(),
					"remote_kind", resp.Err.RemoteKind,
					"error", resp.Err.Message,
				)
				return resp
			}
			logger.Debug("call",
				"method", call.Method,
				"target", call.Target,
				"duration", duration,
			)
			return resp
		}
	}
}
