package middleware

import (
	"context"
	"time"

	"game-dispatcher/apperr"
	"game-dispatcher/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.JoinRequest) (*message.Assignment, error) {
			start := time.Now()
			assignment, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("player", req.PlayerID),
				zap.Int("version", req.Version),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Info("join failed", append(fields, zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))...)
				return nil, err
			}
			logger.Info("join",
				append(fields,
					zap.String("backend", assignment.BackendID),
					zap.String("address", assignment.Address),
					zap.Bool("reused", assignment.Reused))...)
			return assignment, nil
		}
	}
}
