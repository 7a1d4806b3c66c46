package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"gpio-rpc/message"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	logger = logger.With().Str("component", "handler").Logger()
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) ([]any, error) {
			start := time.Now()
			results, err := next(ctx, req)
			ev := logger.Debug()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			ev.Uint8("call_id", req.CallID).
				Uint8("rpc_id", req.RPC).
				Dur("duration", time.Since(start)).
				Msg("request handled")
			return results, err
		}
	}
}
