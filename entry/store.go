package entry

import (
	"context"
	"time"

	"github.com/xraph/deadletter/id"
)

// ListOpts controls filtering and pagination for entry list queries.
// Zero-valued filters match everything. Page is 1-based.
type ListOpts struct {
	Status   Status
	Category Category
	Priority Priority
	TaskName string
	Queue    string

	Page     int
	PageSize int
}

// Limit returns the page size, defaulting to 50 and capping at 500.
func (o ListOpts) Limit() int {
	switch {
	case o.PageSize <= 0:
		return 50
	case o.PageSize > 500:
		return 500
	default:
		return o.PageSize
	}
}

// Offset returns the number of entries to skip for the requested page.
func (o ListOpts) Offset() int {
	if o.Page <= 1 {
		return 0
	}
	return (o.Page - 1) * o.Limit()
}

// Matches reports whether the entry passes every set filter.
func (o ListOpts) Matches(e *Entry) bool {
	if o.Status != "" && e.Status != o.Status {
		return false
	}
	if o.Category != "" && e.Category != o.Category {
		return false
	}
	if o.Priority != "" && e.Priority != o.Priority {
		return false
	}
	if o.TaskName != "" && e.TaskName != o.TaskName {
		return false
	}
	if o.Queue != "" && e.QueueName != o.Queue {
		return false
	}
	return true
}

// ReleaseResult names the lifecycle write-back applied when a processing
// entry's dispatch resolves.
type ReleaseResult string

const (
	// ReleaseCompleted: the executor reported success.
	ReleaseCompleted ReleaseResult = "completed"
	// ReleaseRetry: the task failed with budget remaining; the store
	// increments retry_count and schedules the next attempt.
	ReleaseRetry ReleaseResult = "retry"
	// ReleaseFailedPermanently: the task failed with the budget
	// exhausted; the store parks the entry with retry_count unchanged.
	// A forced redrive instead increments it past the cap, recording
	// that the operator spent an extra attempt.
	ReleaseFailedPermanently ReleaseResult = "failed_permanently"
	// ReleaseReturned: the engine could not even hand the task to the
	// executor. The entry goes back to pending with retry_count and
	// next_retry_at untouched, to be picked up by a later pass.
	ReleaseReturned ReleaseResult = "returned"
)

// ReleaseOutcome carries the write-back for [Store.ReleaseEntry].
type ReleaseOutcome struct {
	Result ReleaseResult
	// NextRetryAt must be set when Result is ReleaseRetry.
	NextRetryAt *time.Time
	// Forced marks the write-back of a forced redrive. Only a forced
	// permanent failure increments retry_count beyond MaxRetries.
	Forced bool
}

// Store defines the persistence contract for dead letter entries.
// It is the single source of truth: no component caches mutable entry
// fields for decisions.
type Store interface {
	// CreateEntry persists a new entry. Insertion is append-only;
	// classification never rewrites an existing entry.
	CreateEntry(ctx context.Context, e *Entry) error

	// GetEntry retrieves an entry by ID, including its redrive history.
	GetEntry(ctx context.Context, entryID id.EntryID) (*Entry, error)

	// ListEntries returns one page of entries matching the filters,
	// newest first, plus the total filtered count. Listed entries carry
	// no redrive history; use GetEntry for the full record.
	ListEntries(ctx context.Context, opts ListOpts) ([]*Entry, int64, error)

	// DueEntries returns up to limit pending entries whose NextRetryAt
	// is at or before now, ordered by priority (critical first) then
	// NextRetryAt ascending.
	DueEntries(ctx context.Context, now time.Time, limit int) ([]*Entry, error)

	// ClaimEntry atomically moves an entry to processing if its current
	// status is one of from. Returns deadletter.ErrStaleEntry when the
	// entry is in any other state — the caller lost the race or the
	// entry is not eligible. This is the engine's sole mutual-exclusion
	// point.
	ClaimEntry(ctx context.Context, entryID id.EntryID, from []Status, worker id.WorkerID) (*Entry, error)

	// ReleaseEntry applies the lifecycle write-back for a processing
	// entry. Returns deadletter.ErrInvalidState if the entry is not
	// processing.
	ReleaseEntry(ctx context.Context, entryID id.EntryID, outcome ReleaseOutcome) error

	// AppendAttempt atomically appends a redrive attempt record and
	// returns its attempt number (strictly increasing from 1, no gaps).
	AppendAttempt(ctx context.Context, entryID id.EntryID, success bool, errMsg string) (int, error)

	// SetPriority overrides the priority of a non-archived entry.
	SetPriority(ctx context.Context, entryID id.EntryID, p Priority) error

	// ResetRetryCount zeroes the retry counter of a processing entry.
	// Used by forced redrives configured to restore the full budget.
	ResetRetryCount(ctx context.Context, entryID id.EntryID) error

	// ArchiveEntry retires a completed or permanently failed entry.
	// Returns deadletter.ErrInvalidState for any other state.
	ArchiveEntry(ctx context.Context, entryID id.EntryID) error

	// ArchiveTerminalOlderThan archives completed and permanently failed
	// entries not touched since the cutoff. Returns the number archived.
	ArchiveTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// PurgeArchived removes archived entries whose ArchivedAt is before
	// the given time. Returns the number removed.
	PurgeArchived(ctx context.Context, before time.Time) (int64, error)

	// DeleteEntry permanently removes an entry and its history.
	// Returns deadletter.ErrEntryProcessing while a dispatch is in
	// flight.
	DeleteEntry(ctx context.Context, entryID id.EntryID) error

	// CountByStatus returns entry counts grouped by lifecycle state.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// CountByCategory returns entry counts grouped by failure category.
	CountByCategory(ctx context.Context) (map[Category]int64, error)

	// CountByPriority returns entry counts grouped by priority.
	CountByPriority(ctx context.Context) (map[Priority]int64, error)

	// ActiveCreatedAt returns the creation timestamps of all active
	// (pending, processing, failed_permanently) entries, for age
	// statistics.
	ActiveCreatedAt(ctx context.Context) ([]time.Time, error)
}
