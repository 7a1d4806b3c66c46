package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"gpio-rpc/message"
)

// ErrRateLimited asks the caller to hold the request and retry it later.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware admits requests through a token bucket.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
