// Package middleware wraps the Dispatcher with cross-cutting behavior.
//
// Middlewares compose in the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// A middleware answers with a failure ResponseFrame instead of returning an
// error, so nothing here can break the connection.
package middleware

import (
	"context"

	"mini-drb/message"
)

type HandlerFunc func(ctx context.Context, call *message.CallFrame) *message.ResponseFrame

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
