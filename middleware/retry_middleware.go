package middleware

import (
	"context"
	"time"

	"game-dispatcher/apperr"
	"game-dispatcher/message"

	"go.uber.org/zap"
)

// RetryMiddleware retries failures whose kind is retryable (no capacity, timeout,
// rate limited) with exponential backoff. Other kinds return immediately.
// Used by join clients; the dispatcher never retries on a client's behalf.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.JoinRequest) (*message.Assignment, error) {
			assignment, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !apperr.Retryable(apperr.KindOf(err)) {
					return assignment, err
				}
				delay := baseDelay * time.Duration(1<<i)
				logger.Info("retrying join",
					zap.Int("attempt", i+1),
					zap.Duration("delay", delay),
					zap.Error(err))

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, apperr.Timeout(ctx.Err())
				case <-timer.C:
				}
				assignment, err = next(ctx, req)
			}
			return assignment, err
		}
	}
}
