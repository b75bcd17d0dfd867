package deadletter

import "errors"

var (
	// Store errors.
	ErrNoStore    = errors.New("deadletter: no store configured")
	ErrNoExecutor = errors.New("deadletter: no executor configured")

	// Not found errors.
	ErrEntryNotFound = errors.New("deadletter: entry not found")

	// Conflict errors.
	ErrEntryAlreadyExists = errors.New("deadletter: entry already exists")

	// State errors.
	// ErrStaleEntry is returned by a claim when the entry is no longer in
	// an eligible state — another scheduler pass or a manual redrive got
	// there first.
	ErrStaleEntry = errors.New("deadletter: entry claimed concurrently or not eligible")
	// ErrEntryProcessing rejects delete/redrive of an entry whose dispatch
	// is currently in flight.
	ErrEntryProcessing = errors.New("deadletter: entry is processing")
	ErrInvalidState    = errors.New("deadletter: invalid state transition")

	// Input errors.
	ErrInvalidReport = errors.New("deadletter: invalid failure report")
)
