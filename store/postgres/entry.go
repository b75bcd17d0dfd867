package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/id"
)

// entryColumns is the canonical select list for deadletter_entries.
const entryColumns = `
	id, task_id, task_name, queue_name,
	error_type, error_message, error_stack_trace,
	category, priority, status, retry_count, max_retries,
	payload_ref, invoice_id, claimed_by,
	last_retry_at, next_retry_at, archived_at,
	created_at, updated_at`

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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deadletter_entries (
			id, task_id, task_name, queue_name,
			error_type, error_message, error_stack_trace,
			category, priority, status, retry_count, max_retries,
			payload_ref, invoice_id, claimed_by,
			last_retry_at, next_retry_at, archived_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)`,
		e.ID.String(), e.TaskID, e.TaskName, e.QueueName,
		e.ErrorType, e.ErrorMessage, e.ErrorStackTrace,
		string(e.Category), string(e.Priority), string(e.Status), e.RetryCount, e.MaxRetries,
		e.PayloadRef, e.InvoiceID, workerIDOrNil(e.ClaimedBy),
		e.LastRetryAt, e.NextRetryAt, e.ArchivedAt,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return deadletter.ErrEntryAlreadyExists
		}
		return fmt.Errorf("deadletter/postgres: create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves an entry by ID, including its redrive history.
func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*entry.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM deadletter_entries WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, deadletter.ErrEntryNotFound
		}
		return nil, fmt.Errorf("deadletter/postgres: get entry: %w", err)
	}

	history, err := s.loadHistory(ctx, entryID)
	if err != nil {
		return nil, err
	}
	e.History = history
	return e, nil
}

// loadHistory fetches the attempt records for an entry in order.
func (s *Store) loadHistory(ctx context.Context, entryID id.EntryID) ([]entry.RedriveAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_number, attempted_at, success, error_message
		FROM deadletter_attempts
		WHERE entry_id = $1
		ORDER BY attempt_number ASC`,
		entryID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("deadletter/postgres: load history: %w", err)
	}
	defer rows.Close()

	var history []entry.RedriveAttempt
	for rows.Next() {
		var a entry.RedriveAttempt
		if scanErr := rows.Scan(&a.AttemptNumber, &a.Timestamp, &a.Success, &a.ErrorMessage); scanErr != nil {
			return nil, fmt.Errorf("deadletter/postgres: scan attempt row: %w", scanErr)
		}
		history = append(history, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter/postgres: iterate attempt rows: %w", err)
	}
	return history, nil
}

// ListEntries returns one page of entries matching the filters, newest
// first, plus the total filtered count. Histories are not loaded; use
// GetEntry for the full record.
func (s *Store) ListEntries(ctx context.Context, opts entry.ListOpts) ([]*entry.Entry, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	addFilter := func(column, value string) {
		if value == "" {
			return
		}
		where += fmt.Sprintf(" AND %s = $%d", column, argIdx)
		args = append(args, value)
		argIdx++
	}
	addFilter("status", string(opts.Status))
	addFilter("category", string(opts.Category))
	addFilter("priority", string(opts.Priority))
	addFilter("task_name", opts.TaskName)
	addFilter("queue_name", opts.Queue)

	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deadletter_entries`+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("deadletter/postgres: count entries: %w", err)
	}

	query := `SELECT ` + entryColumns + ` FROM deadletter_entries` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, opts.Limit(), opts.Offset())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("deadletter/postgres: list entries: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// DueEntries returns up to limit pending entries due at or before now,
// ordered by priority then NextRetryAt.
func (s *Store) DueEntries(ctx context.Context, now time.Time, limit int) ([]*entry.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM deadletter_entries
		WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY `+priorityRank+`, next_retry_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("deadletter/postgres: due entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ClaimEntry atomically moves an entry to processing if its current
// status is one of from. The conditional UPDATE is the mutual-exclusion
// point: exactly one concurrent caller sees a row.
func (s *Store) ClaimEntry(ctx context.Context, entryID id.EntryID, from []entry.Status, worker id.WorkerID) (*entry.Entry, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE deadletter_entries
		SET status = 'processing', claimed_by = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+entryColumns,
		entryID.String(), fromStrs, worker.String(),
	)

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.claimMiss(ctx, entryID)
		}
		return nil, fmt.Errorf("deadletter/postgres: claim entry: %w", err)
	}
	return e, nil
}

// claimMiss distinguishes a lost claim race from a missing entry.
func (s *Store) claimMiss(ctx context.Context, entryID id.EntryID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM deadletter_entries WHERE id = $1)`,
		entryID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("deadletter/postgres: claim miss check: %w", err)
	}
	if !exists {
		return deadletter.ErrEntryNotFound
	}
	return deadletter.ErrStaleEntry
}

// ReleaseEntry applies the lifecycle write-back for a processing entry.
func (s *Store) ReleaseEntry(ctx context.Context, entryID id.EntryID, outcome entry.ReleaseOutcome) error {
	var query string
	args := []interface{}{entryID.String()}

	switch outcome.Result {
	case entry.ReleaseCompleted:
		query = `
			UPDATE deadletter_entries
			SET status = 'completed', claimed_by = NULL, next_retry_at = NULL,
			    last_retry_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'processing'`
	case entry.ReleaseRetry:
		query = `
			UPDATE deadletter_entries
			SET status = 'pending', retry_count = retry_count + 1, claimed_by = NULL,
			    next_retry_at = $2, last_retry_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'processing'`
		args = append(args, outcome.NextRetryAt)
	case entry.ReleaseFailedPermanently:
		// Only a forced redrive spends an attempt past the cap; the
		// normal path parks the entry with the counter at MaxRetries.
		increment := 0
		if outcome.Forced {
			increment = 1
		}
		query = `
			UPDATE deadletter_entries
			SET status = 'failed_permanently', retry_count = retry_count + $2, claimed_by = NULL,
			    next_retry_at = NULL, last_retry_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'processing'`
		args = append(args, increment)
	case entry.ReleaseReturned:
		query = `
			UPDATE deadletter_entries
			SET status = 'pending', claimed_by = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'processing'`
	default:
		return deadletter.ErrInvalidState
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deadletter/postgres: release entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.releaseMiss(ctx, entryID)
	}
	return nil
}

// releaseMiss distinguishes a non-processing entry from a missing one.
func (s *Store) releaseMiss(ctx context.Context, entryID id.EntryID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM deadletter_entries WHERE id = $1)`,
		entryID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("deadletter/postgres: release miss check: %w", err)
	}
	if !exists {
		return deadletter.ErrEntryNotFound
	}
	return deadletter.ErrInvalidState
}

// AppendAttempt appends a redrive attempt record with the next gapless
// attempt number and returns it. Attempts for one entry are serialized
// by the processing claim, so the MAX+1 subquery cannot race.
func (s *Store) AppendAttempt(ctx context.Context, entryID id.EntryID, success bool, errMsg string) (int, error) {
	var attempt int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO deadletter_attempts (entry_id, attempt_number, attempted_at, success, error_message)
		SELECT e.id, COALESCE(
			(SELECT MAX(a.attempt_number) FROM deadletter_attempts a WHERE a.entry_id = e.id), 0
		) + 1, NOW(), $2, $3
		FROM deadletter_entries e
		WHERE e.id = $1
		RETURNING attempt_number`,
		entryID.String(), success, errMsg,
	).Scan(&attempt)
	if err != nil {
		if isNoRows(err) {
			return 0, deadletter.ErrEntryNotFound
		}
		return 0, fmt.Errorf("deadletter/postgres: append attempt: %w", err)
	}
	return attempt, nil
}

// SetPriority overrides the priority of a non-archived entry.
func (s *Store) SetPriority(ctx context.Context, entryID id.EntryID, p entry.Priority) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deadletter_entries
		SET priority = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'archived'`,
		entryID.String(), string(p),
	)
	if err != nil {
		return fmt.Errorf("deadletter/postgres: set priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.releaseMiss(ctx, entryID)
	}
	return nil
}

// ResetRetryCount zeroes the retry counter of a processing entry.
func (s *Store) ResetRetryCount(ctx context.Context, entryID id.EntryID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deadletter_entries
		SET retry_count = 0, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("deadletter/postgres: reset retry count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.releaseMiss(ctx, entryID)
	}
	return nil
}

// ArchiveEntry retires a completed or permanently failed entry.
func (s *Store) ArchiveEntry(ctx context.Context, entryID id.EntryID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deadletter_entries
		SET status = 'archived', archived_at = NOW(), next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('completed', 'failed_permanently')`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("deadletter/postgres: archive entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.releaseMiss(ctx, entryID)
	}
	return nil
}

// ArchiveTerminalOlderThan archives terminal entries not touched since
// the cutoff. Returns the number archived.
func (s *Store) ArchiveTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deadletter_entries
		SET status = 'archived', archived_at = NOW(), next_retry_at = NULL, updated_at = NOW()
		WHERE status IN ('completed', 'failed_permanently') AND updated_at <= $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deadletter/postgres: archive terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeArchived removes archived entries whose ArchivedAt is before the
// given time. Returns the number removed.
func (s *Store) PurgeArchived(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM deadletter_entries WHERE status = 'archived' AND archived_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("deadletter/postgres: purge archived: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteEntry permanently removes an entry and its history.
func (s *Store) DeleteEntry(ctx context.Context, entryID id.EntryID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM deadletter_entries WHERE id = $1 AND status <> 'processing'`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("deadletter/postgres: delete entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err = s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM deadletter_entries WHERE id = $1)`,
			entryID.String(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("deadletter/postgres: delete miss check: %w", err)
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
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s, COUNT(*) FROM deadletter_entries GROUP BY %s`, column, column),
	)
	if err != nil {
		return fmt.Errorf("deadletter/postgres: count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if scanErr := rows.Scan(&key, &n); scanErr != nil {
			return fmt.Errorf("deadletter/postgres: scan count row: %w", scanErr)
		}
		collect(key, n)
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("deadletter/postgres: iterate count rows: %w", err)
	}
	return nil
}

// ActiveCreatedAt returns the creation timestamps of all active entries.
func (s *Store) ActiveCreatedAt(ctx context.Context) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT created_at FROM deadletter_entries
		WHERE status IN ('pending', 'processing', 'failed_permanently')`,
	)
	if err != nil {
		return nil, fmt.Errorf("deadletter/postgres: active created at: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if scanErr := rows.Scan(&t); scanErr != nil {
			return nil, fmt.Errorf("deadletter/postgres: scan created_at: %w", scanErr)
		}
		out = append(out, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter/postgres: iterate created_at rows: %w", err)
	}
	return out, nil
}

// collectEntries scans all rows into entries.
func collectEntries(rows pgx.Rows) ([]*entry.Entry, error) {
	var entries []*entry.Entry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("deadletter/postgres: scan entry row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter/postgres: iterate entry rows: %w", err)
	}
	return entries, nil
}

// scanEntry scans a single entry row.
func scanEntry(row pgx.Row) (*entry.Entry, error) {
	var (
		e            entry.Entry
		idStr        string
		category     string
		priority     string
		status       string
		claimedByStr *string
	)
	err := row.Scan(
		&idStr, &e.TaskID, &e.TaskName, &e.QueueName,
		&e.ErrorType, &e.ErrorMessage, &e.ErrorStackTrace,
		&category, &priority, &status, &e.RetryCount, &e.MaxRetries,
		&e.PayloadRef, &e.InvoiceID, &claimedByStr,
		&e.LastRetryAt, &e.NextRetryAt, &e.ArchivedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseEntryID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("deadletter/postgres: parse entry id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID
	e.Category = entry.Category(category)
	e.Priority = entry.Priority(priority)
	e.Status = entry.Status(status)

	if claimedByStr != nil && *claimedByStr != "" {
		worker, workerErr := id.ParseWorkerID(*claimedByStr)
		if workerErr != nil {
			return nil, fmt.Errorf("deadletter/postgres: parse worker id %q: %w", *claimedByStr, workerErr)
		}
		e.ClaimedBy = worker
	}

	return &e, nil
}

// workerIDOrNil maps a zero worker ID to SQL NULL.
func workerIDOrNil(w id.WorkerID) *string {
	if w.IsNil() {
		return nil
	}
	s := w.String()
	return &s
}
