// Package ext defines the extension system for the dead letter engine.
// Extensions are notified of lifecycle events (entry classified, redrive
// scheduled, entry archived, etc.) and can react to them — logging,
// metrics, alerting.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/id"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Entry lifecycle hooks
// ──────────────────────────────────────────────────

// EntryClassified is called after a failure report is classified and
// persisted as a new pending entry.
type EntryClassified interface {
	OnEntryClassified(ctx context.Context, e *entry.Entry) error
}

// EntryDispatched is called when a dispatcher claims an entry and hands
// its task to the external executor.
type EntryDispatched interface {
	OnEntryDispatched(ctx context.Context, e *entry.Entry) error
}

// EntryCompleted is called after a redriven execution succeeds.
type EntryCompleted interface {
	OnEntryCompleted(ctx context.Context, e *entry.Entry, elapsed time.Duration) error
}

// EntryRetryScheduled is called when a redrive fails with budget
// remaining and the next attempt is scheduled.
type EntryRetryScheduled interface {
	OnEntryRetryScheduled(ctx context.Context, e *entry.Entry, attempt int, nextRetryAt time.Time) error
}

// EntryFailedPermanently is called when an entry exhausts its retry
// budget.
type EntryFailedPermanently interface {
	OnEntryFailedPermanently(ctx context.Context, e *entry.Entry, err error) error
}

// EntryRedriven is called when an operator-initiated redrive claims an
// entry, before dispatch. Forced is true when the redrive bypassed the
// eligibility checks.
type EntryRedriven interface {
	OnEntryRedriven(ctx context.Context, e *entry.Entry, forced bool) error
}

// ──────────────────────────────────────────────────
// Housekeeping hooks
// ──────────────────────────────────────────────────

// EntryArchived is called when an entry is retired, either by an
// operator or by the retention sweep.
type EntryArchived interface {
	OnEntryArchived(ctx context.Context, entryID id.EntryID) error
}

// EntryDeleted is called after an entry is permanently removed.
type EntryDeleted interface {
	OnEntryDeleted(ctx context.Context, entryID id.EntryID) error
}

// SweepCompleted is called after a retention sweep pass finishes.
type SweepCompleted interface {
	OnSweepCompleted(ctx context.Context, archived, purged int64) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
