package middleware

import (
	"context"

	"game-dispatcher/apperr"
	"game-dispatcher/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware admits r requests per second with the given burst (token bucket).
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.JoinRequest) (*message.Assignment, error) {
			if !limiter.Allow() {
				return nil, apperr.RateLimited()
			}
			return next(ctx, req)
		}
	}
}
