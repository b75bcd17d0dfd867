// Package worker provides the redrive execution engine — a Runner that
// hands claimed entries to the external executor through middleware and
// applies the lifecycle outcome to the store.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/deadletter/backoff"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/executor"
	"github.com/xraph/deadletter/ext"
	"github.com/xraph/deadletter/middleware"
)

// Runner dispatches a single claimed entry through middleware to the
// executor, then handles attempt recording, retry scheduling, permanent
// failure, and lifecycle events.
//
// The entry passed to Run must already be claimed (status processing);
// the Runner never competes for entries itself.
type Runner struct {
	store      entry.Store
	executor   executor.Executor
	extensions *ext.Registry
	schedule   *backoff.Schedule
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewRunner creates a Runner with the given dependencies.
func NewRunner(
	store entry.Store,
	exec executor.Executor,
	extensions *ext.Registry,
	schedule *backoff.Schedule,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Runner {
	return &Runner{
		store:      store,
		executor:   exec,
		extensions: extensions,
		schedule:   schedule,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Run redrives a claimed entry on behalf of the scheduler.
// On success: records a successful attempt, marks completed, emits
// EntryCompleted.
// On an infrastructure failure (the executor never received the task):
// returns the entry to pending untouched — no attempt record, no retry
// budget consumed.
// On a task failure with budget remaining: records the failed attempt
// and schedules the next retry, emits EntryRetryScheduled.
// On a task failure with the budget exhausted: records the failed
// attempt and parks the entry permanently with the counter unchanged,
// emits EntryFailedPermanently.
func (r *Runner) Run(ctx context.Context, e *entry.Entry) error {
	return r.dispatch(ctx, e, false, false)
}

// Redrive redrives a claimed entry on behalf of an operator. It differs
// from a scheduler Run in two ways: every outcome records an attempt,
// including an unreachable executor (the operator asked, so the answer
// is part of the history), and when force is set a permanent failure
// increments retry_count past the budget.
func (r *Runner) Redrive(ctx context.Context, e *entry.Entry, force bool) error {
	return r.dispatch(ctx, e, true, force)
}

func (r *Runner) dispatch(ctx context.Context, e *entry.Entry, operator, forced bool) error {
	req := executor.Request{
		EntryID:    e.ID,
		TaskID:     e.TaskID,
		TaskName:   e.TaskName,
		QueueName:  e.QueueName,
		PayloadRef: e.PayloadRef,
		RetryCount: e.RetryCount,
	}

	r.extensions.EmitEntryDispatched(ctx, e)

	start := time.Now()

	// The terminal handler that hands the task to the executor.
	terminal := func(ctx context.Context) error {
		return r.executor.Dispatch(ctx, req)
	}

	err := r.mw(ctx, e, terminal)
	elapsed := time.Since(start)

	if err == nil {
		return r.handleSuccess(ctx, e, elapsed)
	}
	if executor.IsInfra(err) {
		return r.handleInfraFailure(ctx, e, operator, err)
	}
	return r.handleTaskFailure(ctx, e, forced, err)
}

// handleSuccess records the attempt and marks the entry completed.
func (r *Runner) handleSuccess(ctx context.Context, e *entry.Entry, elapsed time.Duration) error {
	if _, err := r.store.AppendAttempt(ctx, e.ID, true, ""); err != nil {
		r.logger.Error("failed to record successful attempt",
			slog.String("entry_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if err := r.store.ReleaseEntry(ctx, e.ID, entry.ReleaseOutcome{Result: entry.ReleaseCompleted}); err != nil {
		r.logger.Error("failed to complete entry after success",
			slog.String("entry_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.extensions.EmitEntryCompleted(ctx, e, elapsed)
	return nil
}

// handleInfraFailure returns the entry to pending with its retry budget
// and schedule untouched. The failure was ours, not the task's, so a
// scheduler scan writes no attempt record; an operator redrive records
// the failed attempt so the batch accounting and the history agree.
func (r *Runner) handleInfraFailure(ctx context.Context, e *entry.Entry, operator bool, dispatchErr error) error {
	if operator {
		if _, err := r.store.AppendAttempt(ctx, e.ID, false, dispatchErr.Error()); err != nil {
			r.logger.Error("failed to record dispatch failure attempt",
				slog.String("entry_id", e.ID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	if err := r.store.ReleaseEntry(ctx, e.ID, entry.ReleaseOutcome{Result: entry.ReleaseReturned}); err != nil {
		r.logger.Error("failed to return entry after dispatch failure",
			slog.String("entry_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.logger.Warn("executor unreachable, entry returned to pending",
		slog.String("entry_id", e.ID.String()),
		slog.String("task_name", e.TaskName),
		slog.String("error", dispatchErr.Error()),
	)
	return dispatchErr
}

// handleTaskFailure records the failed attempt, then either schedules a
// retry or parks the entry permanently. The budget check runs before
// the store increments the counter: an entry whose next failure would
// exceed MaxRetries fails permanently now.
func (r *Runner) handleTaskFailure(ctx context.Context, e *entry.Entry, forced bool, taskErr error) error {
	attempt, err := r.store.AppendAttempt(ctx, e.ID, false, taskErr.Error())
	if err != nil {
		r.logger.Error("failed to record failed attempt",
			slog.String("entry_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if e.RetriesExhausted() {
		return r.failPermanently(ctx, e, forced, taskErr)
	}
	return r.scheduleRetry(ctx, e, attempt, taskErr)
}

// scheduleRetry returns the entry to pending with an incremented retry
// counter and a category-appropriate next eligibility time.
func (r *Runner) scheduleRetry(ctx context.Context, e *entry.Entry, attempt int, taskErr error) error {
	now := time.Now().UTC()
	nextRetryAt := r.schedule.NextRetryAt(e.Category, e.RetryCount, now)

	outcome := entry.ReleaseOutcome{Result: entry.ReleaseRetry, NextRetryAt: &nextRetryAt}
	if err := r.store.ReleaseEntry(ctx, e.ID, outcome); err != nil {
		r.logger.Error("failed to schedule retry",
			slog.String("entry_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.extensions.EmitEntryRetryScheduled(ctx, e, attempt, nextRetryAt)

	r.logger.Info("entry scheduled for retry",
		slog.String("entry_id", e.ID.String()),
		slog.String("task_name", e.TaskName),
		slog.Int("retry_count", e.RetryCount+1),
		slog.Int("max_retries", e.MaxRetries),
		slog.Time("next_retry_at", nextRetryAt),
	)

	return taskErr
}

// failPermanently parks the entry after its last budgeted attempt. The
// counter stays where it is unless the attempt was a forced redrive,
// which spends one past the cap.
func (r *Runner) failPermanently(ctx context.Context, e *entry.Entry, forced bool, taskErr error) error {
	outcome := entry.ReleaseOutcome{Result: entry.ReleaseFailedPermanently, Forced: forced}
	if err := r.store.ReleaseEntry(ctx, e.ID, outcome); err != nil {
		r.logger.Error("failed to park entry as permanently failed",
			slog.String("entry_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.extensions.EmitEntryFailedPermanently(ctx, e, taskErr)

	r.logger.Warn("entry failed permanently after exhausting retries",
		slog.String("entry_id", e.ID.String()),
		slog.String("task_name", e.TaskName),
		slog.Int("retry_count", e.RetryCount),
		slog.Int("max_retries", e.MaxRetries),
		slog.String("error", taskErr.Error()),
	)

	return taskErr
}
