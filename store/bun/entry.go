package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/id"
)

// priorityRank orders entries critical-first in SQL, matching
// entry.Priority.Rank.
const priorityRank = `
	CASE priority
		WHEN 'critical' THEN 0
		WHEN 'high' THEN 1
		WHEN 'normal' THEN 2
		WHEN 'low' THEN 3
		ELSE 4
	END`

// CreateEntry persists a new entry.
func (s *Store) CreateEntry(ctx context.Context, e *entry.Entry) error {
	m := toEntryModel(e)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return deadletter.ErrEntryAlreadyExists
		}
		return fmt.Errorf("deadletter/bun: create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves an entry by ID, including its redrive history.
func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*entry.Entry, error) {
	m := new(entryModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, deadletter.ErrEntryNotFound
		}
		return nil, fmt.Errorf("deadletter/bun: get entry: %w", err)
	}

	e, err := fromEntryModel(m)
	if err != nil {
		return nil, err
	}

	var attempts []attemptModel
	err = s.db.NewSelect().Model(&attempts).
		Where("entry_id = ?", entryID.String()).
		Order("attempt_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("deadletter/bun: load history: %w", err)
	}
	for i := range attempts {
		e.History = append(e.History, fromAttemptModel(&attempts[i]))
	}
	return e, nil
}

// ListEntries returns one page of entries matching the filters, newest
// first, plus the total filtered count. Histories are not loaded; use
// GetEntry for the full record.
func (s *Store) ListEntries(ctx context.Context, opts entry.ListOpts) ([]*entry.Entry, int64, error) {
	var models []entryModel
	q := s.db.NewSelect().Model(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Category != "" {
		q = q.Where("category = ?", string(opts.Category))
	}
	if opts.Priority != "" {
		q = q.Where("priority = ?", string(opts.Priority))
	}
	if opts.TaskName != "" {
		q = q.Where("task_name = ?", opts.TaskName)
	}
	if opts.Queue != "" {
		q = q.Where("queue_name = ?", opts.Queue)
	}

	total, err := q.Order("created_at DESC").
		Limit(opts.Limit()).
		Offset(opts.Offset()).
		ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("deadletter/bun: list entries: %w", err)
	}

	entries := make([]*entry.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromEntryModel(&models[i])
		if convErr != nil {
			return nil, 0, fmt.Errorf("deadletter/bun: list convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, int64(total), nil
}

// DueEntries returns up to limit pending entries due at or before now,
// ordered by priority then NextRetryAt.
func (s *Store) DueEntries(ctx context.Context, now time.Time, limit int) ([]*entry.Entry, error) {
	var models []entryModel
	err := s.db.NewSelect().Model(&models).
		Where("status = 'pending'").
		Where("next_retry_at IS NOT NULL").
		Where("next_retry_at <= ?", now).
		OrderExpr(priorityRank).
		OrderExpr("next_retry_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("deadletter/bun: due entries: %w", err)
	}

	entries := make([]*entry.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromEntryModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("deadletter/bun: due convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ClaimEntry atomically moves an entry to processing if its current
// status is one of from. The conditional UPDATE is the mutual-exclusion
// point: exactly one concurrent caller sees a row.
func (s *Store) ClaimEntry(ctx context.Context, entryID id.EntryID, from []entry.Status, worker id.WorkerID) (*entry.Entry, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	var models []entryModel
	_, err := s.db.NewRaw(`
		UPDATE deadletter_entries
		SET status = 'processing', claimed_by = ?0, updated_at = NOW()
		WHERE id = ?1 AND status = ANY(?2)
		RETURNING *`,
		worker.String(), entryID.String(), pgdialect.Array(fromStrs),
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("deadletter/bun: claim entry: %w", err)
	}
	if len(models) == 0 {
		return nil, s.claimMiss(ctx, entryID)
	}
	return fromEntryModel(&models[0])
}

// claimMiss distinguishes a lost claim race from a missing entry.
func (s *Store) claimMiss(ctx context.Context, entryID id.EntryID) error {
	exists, err := s.db.NewSelect().
		TableExpr("deadletter_entries").
		Where("id = ?", entryID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("deadletter/bun: claim miss check: %w", err)
	}
	if !exists {
		return deadletter.ErrEntryNotFound
	}
	return deadletter.ErrStaleEntry
}

// releaseMiss distinguishes a non-processing entry from a missing one.
func (s *Store) releaseMiss(ctx context.Context, entryID id.EntryID) error {
	exists, err := s.db.NewSelect().
		TableExpr("deadletter_entries").
		Where("id = ?", entryID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("deadletter/bun: release miss check: %w", err)
	}
	if !exists {
		return deadletter.ErrEntryNotFound
	}
	return deadletter.ErrInvalidState
}

// ReleaseEntry applies the lifecycle write-back for a processing entry.
func (s *Store) ReleaseEntry(ctx context.Context, entryID id.EntryID, outcome entry.ReleaseOutcome) error {
	q := s.db.NewUpdate().
		TableExpr("deadletter_entries").
		Where("id = ?", entryID.String()).
		Where("status = 'processing'").
		Set("claimed_by = NULL").
		Set("updated_at = NOW()")

	switch outcome.Result {
	case entry.ReleaseCompleted:
		q = q.Set("status = 'completed'").
			Set("next_retry_at = NULL").
			Set("last_retry_at = NOW()")
	case entry.ReleaseRetry:
		q = q.Set("status = 'pending'").
			Set("retry_count = retry_count + 1").
			Set("next_retry_at = ?", outcome.NextRetryAt).
			Set("last_retry_at = NOW()")
	case entry.ReleaseFailedPermanently:
		q = q.Set("status = 'failed_permanently'").
			Set("next_retry_at = NULL").
			Set("last_retry_at = NOW()")
		// Only a forced redrive spends an attempt past the cap; the
		// normal path parks the entry with the counter at MaxRetries.
		if outcome.Forced {
			q = q.Set("retry_count = retry_count + 1")
		}
	case entry.ReleaseReturned:
		q = q.Set("status = 'pending'")
	default:
		return deadletter.ErrInvalidState
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("deadletter/bun: release entry: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.releaseMiss(ctx, entryID)
	}
	return nil
}

// AppendAttempt appends a redrive attempt record with the next gapless
// attempt number and returns it. Attempts for one entry are serialized
// by the processing claim, so the MAX+1 subquery cannot race.
func (s *Store) AppendAttempt(ctx context.Context, entryID id.EntryID, success bool, errMsg string) (int, error) {
	var attempts []attemptModel
	_, err := s.db.NewRaw(`
		INSERT INTO deadletter_attempts (entry_id, attempt_number, attempted_at, success, error_message)
		SELECT e.id, COALESCE(
			(SELECT MAX(a.attempt_number) FROM deadletter_attempts a WHERE a.entry_id = e.id), 0
		) + 1, NOW(), ?1, ?2
		FROM deadletter_entries e
		WHERE e.id = ?0
		RETURNING *`,
		entryID.String(), success, errMsg,
	).Exec(ctx, &attempts)
	if err != nil {
		return 0, fmt.Errorf("deadletter/bun: append attempt: %w", err)
	}
	if len(attempts) == 0 {
		return 0, deadletter.ErrEntryNotFound
	}
	return attempts[0].AttemptNumber, nil
}

// SetPriority overrides the priority of a non-archived entry.
func (s *Store) SetPriority(ctx context.Context, entryID id.EntryID, p entry.Priority) error {
	res, err := s.db.NewUpdate().
		TableExpr("deadletter_entries").
		Set("priority = ?", string(p)).
		Set("updated_at = NOW()").
		Where("id = ?", entryID.String()).
		Where("status <> 'archived'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deadletter/bun: set priority: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.releaseMiss(ctx, entryID)
	}
	return nil
}

// ResetRetryCount zeroes the retry counter of a processing entry.
func (s *Store) ResetRetryCount(ctx context.Context, entryID id.EntryID) error {
	res, err := s.db.NewUpdate().
		TableExpr("deadletter_entries").
		Set("retry_count = 0").
		Set("updated_at = NOW()").
		Where("id = ?", entryID.String()).
		Where("status = 'processing'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deadletter/bun: reset retry count: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.releaseMiss(ctx, entryID)
	}
	return nil
}

// ArchiveEntry retires a completed or permanently failed entry.
func (s *Store) ArchiveEntry(ctx context.Context, entryID id.EntryID) error {
	res, err := s.db.NewUpdate().
		TableExpr("deadletter_entries").
		Set("status = 'archived'").
		Set("archived_at = NOW()").
		Set("next_retry_at = NULL").
		Set("updated_at = NOW()").
		Where("id = ?", entryID.String()).
		Where("status IN ('completed', 'failed_permanently')").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deadletter/bun: archive entry: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.releaseMiss(ctx, entryID)
	}
	return nil
}

// ArchiveTerminalOlderThan archives terminal entries not touched since
// the cutoff. Returns the number archived.
func (s *Store) ArchiveTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.NewUpdate().
		TableExpr("deadletter_entries").
		Set("status = 'archived'").
		Set("archived_at = NOW()").
		Set("next_retry_at = NULL").
		Set("updated_at = NOW()").
		Where("status IN ('completed', 'failed_permanently')").
		Where("updated_at <= ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("deadletter/bun: archive terminal: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// PurgeArchived removes archived entries whose ArchivedAt is before the
// given time. Returns the number removed.
func (s *Store) PurgeArchived(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		TableExpr("deadletter_entries").
		Where("status = 'archived'").
		Where("archived_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("deadletter/bun: purge archived: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// DeleteEntry permanently removes an entry and its history.
func (s *Store) DeleteEntry(ctx context.Context, entryID id.EntryID) error {
	res, err := s.db.NewDelete().
		TableExpr("deadletter_entries").
		Where("id = ?", entryID.String()).
		Where("status <> 'processing'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deadletter/bun: delete entry: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		exists, exErr := s.db.NewSelect().
			TableExpr("deadletter_entries").
			Where("id = ?", entryID.String()).
			Exists(ctx)
		if exErr != nil {
			return fmt.Errorf("deadletter/bun: delete miss check: %w", exErr)
		}
		if !exists {
			return deadletter.ErrEntryNotFound
		}
		return deadletter.ErrEntryProcessing
	}
	return nil
}

// CountByStatus returns entry counts grouped by lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[entry.Status]int64, error) {
	counts := make(map[entry.Status]int64)
	err := s.countGrouped(ctx, "status", func(key string, n int64) {
		counts[entry.Status(key)] = n
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// CountByCategory returns entry counts grouped by failure category.
func (s *Store) CountByCategory(ctx context.Context) (map[entry.Category]int64, error) {
	counts := make(map[entry.Category]int64)
	err := s.countGrouped(ctx, "category", func(key string, n int64) {
		counts[entry.Category(key)] = n
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// CountByPriority returns entry counts grouped by priority.
func (s *Store) CountByPriority(ctx context.Context) (map[entry.Priority]int64, error) {
	counts := make(map[entry.Priority]int64)
	err := s.countGrouped(ctx, "priority", func(key string, n int64) {
		counts[entry.Priority(key)] = n
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// countGrouped runs a GROUP BY count over one column.
func (s *Store) countGrouped(ctx context.Context, column string, collect func(string, int64)) error {
	var rows []struct {
		Key string `bun:"key"`
		N   int64  `bun:"n"`
	}
	err := s.db.NewSelect().
		TableExpr("deadletter_entries").
		ColumnExpr("? AS key", bun.Ident(column)).
		ColumnExpr("COUNT(*) AS n").
		GroupExpr("?", bun.Ident(column)).
		Scan(ctx, &rows)
	if err != nil {
		return fmt.Errorf("deadletter/bun: count by %s: %w", column, err)
	}
	for _, r := range rows {
		collect(r.Key, r.N)
	}
	return nil
}

// ActiveCreatedAt returns the creation timestamps of all active entries.
func (s *Store) ActiveCreatedAt(ctx context.Context) ([]time.Time, error) {
	var out []time.Time
	err := s.db.NewSelect().
		TableExpr("deadletter_entries").
		Column("created_at").
		Where("status IN ('pending', 'processing', 'failed_permanently')").
		Scan(ctx, &out)
	if err != nil {
		return nil, fmt.Errorf("deadletter/bun: active created at: %w", err)
	}
	return out, nil
}
