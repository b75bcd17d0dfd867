// Package executor defines the outbound contract toward the external
// task executor. The engine decides whether and when a dead-lettered
// task is resubmitted; the executor owns how it runs.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/deadletter/id"
)

// Request carries everything the external executor needs to re-run a
// dead-lettered task. PayloadRef is opaque to the engine.
type Request struct {
	EntryID    id.EntryID `json:"entry_id"`
	TaskID     string     `json:"task_id"`
	TaskName   string     `json:"task_name"`
	QueueName  string     `json:"queue_name"`
	PayloadRef string     `json:"payload_ref,omitempty"`
	RetryCount int        `json:"retry_count"`
}

// Executor resubmits a task to the external execution system.
//
// A nil return means the task ran and succeeded. A task-level failure is
// any non-nil error; the engine records it and applies retry or
// permanent-failure handling. A failure to even hand the task over —
// the executor unreachable, a broker down — must be reported as an
// *InfraError so the engine returns the entry to pending without
// touching its retry budget.
type Executor interface {
	Dispatch(ctx context.Context, req Request) error
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, req Request) error

// Dispatch implements Executor.
func (f Func) Dispatch(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// InfraError marks a dispatch that never reached the executor. It wraps
// the underlying transport or availability error.
type InfraError struct {
	Err error
}

// Error implements the error interface.
func (e *InfraError) Error() string {
	return fmt.Sprintf("executor unreachable: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *InfraError) Unwrap() error { return e.Err }

// Infra wraps err as an infrastructure dispatch failure.
func Infra(err error) error {
	if err == nil {
		return nil
	}
	return &InfraError{Err: err}
}

// IsInfra reports whether err (anywhere in its chain) marks an
// infrastructure dispatch failure rather than a task failure.
func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}
