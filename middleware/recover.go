package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/deadletter/entry"
)

// Recover returns middleware that recovers from panics in the dispatch chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, e *entry.Entry, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("redrive dispatch panicked",
					slog.String("task_name", e.TaskName),
					slog.String("entry_id", e.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic redriving %s: %v", e.TaskName, r)
			}
		}()
		return next(ctx)
	}
}
