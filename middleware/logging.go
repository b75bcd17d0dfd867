package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/deadletter/entry"
)

// Logging returns middleware that logs redrive start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, e *entry.Entry, next Handler) error {
		logger.Info("redrive started",
			slog.String("task_name", e.TaskName),
			slog.String("entry_id", e.ID.String()),
			slog.String("queue", e.QueueName),
			slog.Int("retry_count", e.RetryCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("redrive failed",
				slog.String("task_name", e.TaskName),
				slog.String("entry_id", e.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("redrive completed",
				slog.String("task_name", e.TaskName),
				slog.String("entry_id", e.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
