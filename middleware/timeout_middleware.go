package middleware

import (
	"context"
	"time"

	"game-dispatcher/apperr"
	"game-dispatcher/message"
)

type result struct {
	assignment *message.Assignment
	err        error
}

// TimeOutMiddleware fails the request with a timeout error once d has passed,
// even if next is still running.
func TimeOutMiddleware(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.JoinRequest) (*message.Assignment, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				a, err := next(ctx, req)
				done <- result{a, err}
			}()

			select {
			case r := <-done:
				return r.assignment, r.err
			case <-ctx.Done():
				return nil, apperr.Timeout(ctx.Err())
			}
		}
	}
}
