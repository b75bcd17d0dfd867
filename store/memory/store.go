// Package memory provides a fully in-memory store backend.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/id"
	"github.com/xraph/deadletter/store"
)

// Ensure Store implements the full store contract at compile time.
var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store. All reads return
// copies, so callers can never mutate stored state without going through
// a store method.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{entries: make(map[string]*entry.Entry)}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Entry Store
// ──────────────────────────────────────────────────

// CreateEntry persists a new entry.
func (m *Store) CreateEntry(_ context.Context, e *entry.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.ID.String()
	if _, exists := m.entries[key]; exists {
		return deadletter.ErrEntryAlreadyExists
	}
	m.entries[key] = cloneEntry(e)
	return nil
}

// GetEntry retrieves an entry by ID.
func (m *Store) GetEntry(_ context.Context, entryID id.EntryID) (*entry.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, deadletter.ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

// ListEntries returns one page of entries matching the filters, newest
// first, plus the total filtered count. Histories are not loaded; use
// GetEntry for the full record.
func (m *Store) ListEntries(_ context.Context, opts entry.ListOpts) ([]*entry.Entry, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*entry.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if opts.Matches(e) {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	offset := opts.Offset()
	if offset >= len(matched) {
		return []*entry.Entry{}, total, nil
	}
	end := offset + opts.Limit()
	if end > len(matched) {
		end = len(matched)
	}

	page := make([]*entry.Entry, 0, end-offset)
	for _, e := range matched[offset:end] {
		cp := cloneEntry(e)
		cp.History = nil
		page = append(page, cp)
	}
	return page, total, nil
}

// DueEntries returns up to limit pending entries due at or before now,
// ordered by priority then NextRetryAt.
func (m *Store) DueEntries(_ context.Context, now time.Time, limit int) ([]*entry.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := make([]*entry.Entry, 0)
	for _, e := range m.entries {
		if e.Status != entry.StatusPending {
			continue
		}
		if e.NextRetryAt == nil || e.NextRetryAt.After(now) {
			continue
		}
		due = append(due, e)
	}

	sort.Slice(due, func(i, j int) bool {
		ri, rj := due[i].Priority.Rank(), due[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*entry.Entry, 0, len(due))
	for _, e := range due {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

// ClaimEntry atomically moves an entry to processing if its current
// status is one of from.
func (m *Store) ClaimEntry(_ context.Context, entryID id.EntryID, from []entry.Status, worker id.WorkerID) (*entry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, deadletter.ErrEntryNotFound
	}

	eligible := false
	for _, s := range from {
		if e.Status == s {
			eligible = true
			break
		}
	}
	if !eligible {
		return nil, deadletter.ErrStaleEntry
	}

	e.Status = entry.StatusProcessing
	e.ClaimedBy = worker
	e.UpdatedAt = time.Now().UTC()
	return cloneEntry(e), nil
}

// ReleaseEntry applies the lifecycle write-back for a processing entry.
func (m *Store) ReleaseEntry(_ context.Context, entryID id.EntryID, outcome entry.ReleaseOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return deadletter.ErrEntryNotFound
	}
	if e.Status != entry.StatusProcessing {
		return deadletter.ErrInvalidState
	}

	now := time.Now().UTC()
	e.ClaimedBy = id.WorkerID{}
	e.UpdatedAt = now

	switch outcome.Result {
	case entry.ReleaseCompleted:
		e.Status = entry.StatusCompleted
		e.NextRetryAt = nil
		e.LastRetryAt = &now
	case entry.ReleaseRetry:
		e.Status = entry.StatusPending
		e.RetryCount++
		e.NextRetryAt = outcome.NextRetryAt
		e.LastRetryAt = &now
	case entry.ReleaseFailedPermanently:
		e.Status = entry.StatusFailedPermanently
		// Only a forced redrive spends an attempt past the cap; the
		// normal path parks the entry with the counter at MaxRetries.
		if outcome.Forced {
			e.RetryCount++
		}
		e.NextRetryAt = nil
		e.LastRetryAt = &now
	case entry.ReleaseReturned:
		// The dispatch never happened; schedule and budget stay as-is.
		e.Status = entry.StatusPending
	default:
		return deadletter.ErrInvalidState
	}
	return nil
}

// AppendAttempt appends a redrive attempt record and returns its number.
func (m *Store) AppendAttempt(_ context.Context, entryID id.EntryID, success bool, errMsg string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return 0, deadletter.ErrEntryNotFound
	}

	attempt := entry.RedriveAttempt{
		AttemptNumber: len(e.History) + 1,
		Timestamp:     time.Now().UTC(),
		Success:       success,
		ErrorMessage:  errMsg,
	}
	e.History = append(e.History, attempt)
	return attempt.AttemptNumber, nil
}

// SetPriority overrides the priority of a non-archived entry.
func (m *Store) SetPriority(_ context.Context, entryID id.EntryID, p entry.Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return deadletter.ErrEntryNotFound
	}
	if e.Status == entry.StatusArchived {
		return deadletter.ErrInvalidState
	}
	e.Priority = p
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// ResetRetryCount zeroes the retry counter of a processing entry.
func (m *Store) ResetRetryCount(_ context.Context, entryID id.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return deadletter.ErrEntryNotFound
	}
	if e.Status != entry.StatusProcessing {
		return deadletter.ErrInvalidState
	}
	e.RetryCount = 0
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// ArchiveEntry retires a completed or permanently failed entry.
func (m *Store) ArchiveEntry(_ context.Context, entryID id.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return deadletter.ErrEntryNotFound
	}
	if !e.Status.Archivable() {
		return deadletter.ErrInvalidState
	}
	archiveLocked(e, time.Now().UTC())
	return nil
}

// ArchiveTerminalOlderThan archives terminal entries not touched since
// the cutoff.
func (m *Store) ArchiveTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, e := range m.entries {
		if !e.Status.Archivable() || e.UpdatedAt.After(cutoff) {
			continue
		}
		archiveLocked(e, now)
		n++
	}
	return n, nil
}

// PurgeArchived removes archived entries whose ArchivedAt is before the
// given time.
func (m *Store) PurgeArchived(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, e := range m.entries {
		if e.Status != entry.StatusArchived {
			continue
		}
		if e.ArchivedAt == nil || !e.ArchivedAt.Before(before) {
			continue
		}
		delete(m.entries, key)
		n++
	}
	return n, nil
}

// DeleteEntry permanently removes an entry and its history.
func (m *Store) DeleteEntry(_ context.Context, entryID id.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return deadletter.ErrEntryNotFound
	}
	if e.Status == entry.StatusProcessing {
		return deadletter.ErrEntryProcessing
	}
	delete(m.entries, entryID.String())
	return nil
}

// CountByStatus returns entry counts grouped by lifecycle state.
func (m *Store) CountByStatus(_ context.Context) (map[entry.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[entry.Status]int64)
	for _, e := range m.entries {
		counts[e.Status]++
	}
	return counts, nil
}

// CountByCategory returns entry counts grouped by failure category.
func (m *Store) CountByCategory(_ context.Context) (map[entry.Category]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[entry.Category]int64)
	for _, e := range m.entries {
		counts[e.Category]++
	}
	return counts, nil
}

// CountByPriority returns entry counts grouped by priority.
func (m *Store) CountByPriority(_ context.Context) (map[entry.Priority]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[entry.Priority]int64)
	for _, e := range m.entries {
		counts[e.Priority]++
	}
	return counts, nil
}

// ActiveCreatedAt returns the creation timestamps of all active entries.
func (m *Store) ActiveCreatedAt(_ context.Context) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]time.Time, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Status.Active() {
			out = append(out, e.CreatedAt)
		}
	}
	return out, nil
}

// archiveLocked transitions an entry to archived. Callers hold mu.
func archiveLocked(e *entry.Entry, now time.Time) {
	e.Status = entry.StatusArchived
	e.ArchivedAt = &now
	e.NextRetryAt = nil
	e.UpdatedAt = now
}

// cloneEntry deep-copies an entry, including its history.
func cloneEntry(e *entry.Entry) *entry.Entry {
	cp := *e
	if e.LastRetryAt != nil {
		t := *e.LastRetryAt
		cp.LastRetryAt = &t
	}
	if e.NextRetryAt != nil {
		t := *e.NextRetryAt
		cp.NextRetryAt = &t
	}
	if e.ArchivedAt != nil {
		t := *e.ArchivedAt
		cp.ArchivedAt = &t
	}
	if len(e.History) > 0 {
		cp.History = make([]entry.RedriveAttempt, len(e.History))
		copy(cp.History, e.History)
	}
	return &cp
}
