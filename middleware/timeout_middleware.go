package middleware

import (
	"context"
	"errors"
	"time"

	"gpio-rpc/message"
)

var ErrTimeout = errors.New("request timed out")

func TimeOutMiddleware(timeout time.Duration) Middleware {
	type result struct {
		values []any
		err    error
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				values, err := next(ctx, req)
				done <- result{values, err}
			}()

			select {
			case r := <-done:
				return r.values, r.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
