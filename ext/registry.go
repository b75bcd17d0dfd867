package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/id"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type entryClassifiedEntry struct {
	name string
	hook EntryClassified
}

type entryDispatchedEntry struct {
	name string
	hook EntryDispatched
}

type entryCompletedEntry struct {
	name string
	hook EntryCompleted
}

type entryRetryScheduledEntry struct {
	name string
	hook EntryRetryScheduled
}

type entryFailedPermanentlyEntry struct {
	name string
	hook EntryFailedPermanently
}

type entryRedrivenEntry struct {
	name string
	hook EntryRedriven
}

type entryArchivedEntry struct {
	name string
	hook EntryArchived
}

type entryDeletedEntry struct {
	name string
	hook EntryDeleted
}

type sweepCompletedEntry struct {
	name string
	hook SweepCompleted
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	entryClassified        []entryClassifiedEntry
	entryDispatched        []entryDispatchedEntry
	entryCompleted         []entryCompletedEntry
	entryRetryScheduled    []entryRetryScheduledEntry
	entryFailedPermanently []entryFailedPermanentlyEntry
	entryRedriven          []entryRedrivenEntry
	entryArchived          []entryArchivedEntry
	entryDeleted           []entryDeletedEntry
	sweepCompleted         []sweepCompletedEntry
	shutdown               []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(EntryClassified); ok {
		r.entryClassified = append(r.entryClassified, entryClassifiedEntry{name, h})
	}
	if h, ok := e.(EntryDispatched); ok {
		r.entryDispatched = append(r.entryDispatched, entryDispatchedEntry{name, h})
	}
	if h, ok := e.(EntryCompleted); ok {
		r.entryCompleted = append(r.entryCompleted, entryCompletedEntry{name, h})
	}
	if h, ok := e.(EntryRetryScheduled); ok {
		r.entryRetryScheduled = append(r.entryRetryScheduled, entryRetryScheduledEntry{name, h})
	}
	if h, ok := e.(EntryFailedPermanently); ok {
		r.entryFailedPermanently = append(r.entryFailedPermanently, entryFailedPermanentlyEntry{name, h})
	}
	if h, ok := e.(EntryRedriven); ok {
		r.entryRedriven = append(r.entryRedriven, entryRedrivenEntry{name, h})
	}
	if h, ok := e.(EntryArchived); ok {
		r.entryArchived = append(r.entryArchived, entryArchivedEntry{name, h})
	}
	if h, ok := e.(EntryDeleted); ok {
		r.entryDeleted = append(r.entryDeleted, entryDeletedEntry{name, h})
	}
	if h, ok := e.(SweepCompleted); ok {
		r.sweepCompleted = append(r.sweepCompleted, sweepCompletedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Entry event emitters
// ──────────────────────────────────────────────────

// EmitEntryClassified notifies all extensions that implement EntryClassified.
func (r *Registry) EmitEntryClassified(ctx context.Context, e *entry.Entry) {
	for _, x := range r.entryClassified {
		if err := x.hook.OnEntryClassified(ctx, e); err != nil {
			r.logHookError("OnEntryClassified", x.name, err)
		}
	}
}

// EmitEntryDispatched notifies all extensions that implement EntryDispatched.
func (r *Registry) EmitEntryDispatched(ctx context.Context, e *entry.Entry) {
	for _, x := range r.entryDispatched {
		if err := x.hook.OnEntryDispatched(ctx, e); err != nil {
			r.logHookError("OnEntryDispatched", x.name, err)
		}
	}
}

// EmitEntryCompleted notifies all extensions that implement EntryCompleted.
func (r *Registry) EmitEntryCompleted(ctx context.Context, e *entry.Entry, elapsed time.Duration) {
	for _, x := range r.entryCompleted {
		if err := x.hook.OnEntryCompleted(ctx, e, elapsed); err != nil {
			r.logHookError("OnEntryCompleted", x.name, err)
		}
	}
}

// EmitEntryRetryScheduled notifies all extensions that implement EntryRetryScheduled.
func (r *Registry) EmitEntryRetryScheduled(ctx context.Context, e *entry.Entry, attempt int, nextRetryAt time.Time) {
	for _, x := range r.entryRetryScheduled {
		if err := x.hook.OnEntryRetryScheduled(ctx, e, attempt, nextRetryAt); err != nil {
			r.logHookError("OnEntryRetryScheduled", x.name, err)
		}
	}
}

// EmitEntryFailedPermanently notifies all extensions that implement EntryFailedPermanently.
func (r *Registry) EmitEntryFailedPermanently(ctx context.Context, e *entry.Entry, entryErr error) {
	for _, x := range r.entryFailedPermanently {
		if err := x.hook.OnEntryFailedPermanently(ctx, e, entryErr); err != nil {
			r.logHookError("OnEntryFailedPermanently", x.name, err)
		}
	}
}

// EmitEntryRedriven notifies all extensions that implement EntryRedriven.
func (r *Registry) EmitEntryRedriven(ctx context.Context, e *entry.Entry, forced bool) {
	for _, x := range r.entryRedriven {
		if err := x.hook.OnEntryRedriven(ctx, e, forced); err != nil {
			r.logHookError("OnEntryRedriven", x.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Housekeeping event emitters
// ──────────────────────────────────────────────────

// EmitEntryArchived notifies all extensions that implement EntryArchived.
func (r *Registry) EmitEntryArchived(ctx context.Context, entryID id.EntryID) {
	for _, x := range r.entryArchived {
		if err := x.hook.OnEntryArchived(ctx, entryID); err != nil {
			r.logHookError("OnEntryArchived", x.name, err)
		}
	}
}

// EmitEntryDeleted notifies all extensions that implement EntryDeleted.
func (r *Registry) EmitEntryDeleted(ctx context.Context, entryID id.EntryID) {
	for _, x := range r.entryDeleted {
		if err := x.hook.OnEntryDeleted(ctx, entryID); err != nil {
			r.logHookError("OnEntryDeleted", x.name, err)
		}
	}
}

// EmitSweepCompleted notifies all extensions that implement SweepCompleted.
func (r *Registry) EmitSweepCompleted(ctx context.Context, archived, purged int64) {
	for _, x := range r.sweepCompleted {
		if err := x.hook.OnSweepCompleted(ctx, archived, purged); err != nil {
			r.logHookError("OnSweepCompleted", x.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, x := range r.shutdown {
		if err := x.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", x.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
