package middleware

import (
	"context"

	"gpio-rpc/message"
)

// HandlerFunc answers one request with the procedure's result values.
type HandlerFunc func(ctx context.Context, req *message.Request) ([]any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
