//go:build integration

package bunstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/id"
	bunstore "github.com/xraph/deadletter/store/bun"
)

// setupTestStore creates a Postgres container and returns a connected Bun Store.
func setupTestStore(t *testing.T) *bunstore.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("deadletter_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	// Create Bun DB from pgdriver.
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	db := bun.NewDB(sqldb, pgdialect.New())

	t.Cleanup(func() {
		_ = db.Close()
	})

	store := bunstore.New(db, bunstore.WithLogger(slog.Default()))

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

// newEntry builds a due pending entry ready for insertion.
func newEntry(taskName string, status entry.Status, p entry.Priority) *entry.Entry {
	next := time.Now().UTC().Add(-time.Second)
	e := &entry.Entry{
		Entity:       deadletter.NewEntity(),
		ID:           id.NewEntryID(),
		TaskID:       "task-" + taskName,
		TaskName:     taskName,
		QueueName:    "default",
		ErrorType:    "TestError",
		ErrorMessage: "boom",
		Category:     entry.CategoryNetwork,
		Priority:     p,
		Status:       status,
		MaxRetries:   3,
	}
	if status == entry.StatusPending {
		e.NextRetryAt = &next
	}
	return e
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	// Second migrate should be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Entry CRUD
// ──────────────────────────────────────────────────

func TestEntryStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := newEntry("billing.charge", entry.StatusPending, entry.PriorityHigh)
	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Duplicate should fail.
	if dupErr := s.CreateEntry(ctx, e); !errors.Is(dupErr, deadletter.ErrEntryAlreadyExists) {
		t.Fatalf("expected ErrEntryAlreadyExists, got: %v", dupErr)
	}

	got, err := s.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TaskName != "billing.charge" {
		t.Fatalf("expected task billing.charge, got %s", got.TaskName)
	}
	if got.Priority != entry.PriorityHigh {
		t.Fatalf("expected priority high, got %s", got.Priority)
	}
	if got.Category != entry.CategoryNetwork {
		t.Fatalf("expected category network_error, got %s", got.Category)
	}

	_, getErr := s.GetEntry(ctx, id.NewEntryID())
	if !errors.Is(getErr, deadletter.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got: %v", getErr)
	}
}

func TestEntryStore_ListFilterAndPaginate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		status := entry.StatusPending
		if i >= 3 {
			status = entry.StatusFailedPermanently
		}
		e := newEntry(fmt.Sprintf("list-task-%d", i), status, entry.PriorityNormal)
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	pending, total, err := s.ListEntries(ctx, entry.ListOpts{Status: entry.StatusPending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 || total != 3 {
		t.Fatalf("expected 3/3 pending, got %d/%d", len(pending), total)
	}

	// Page through everything two at a time.
	page2, total, err := s.ListEntries(ctx, entry.ListOpts{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(page2) != 2 {
		t.Fatalf("expected 2 on page 2, got %d", len(page2))
	}
}

// ──────────────────────────────────────────────────
// Scheduling queries
// ──────────────────────────────────────────────────

func TestEntryStore_DueEntriesOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	low := newEntry("due-low", entry.StatusPending, entry.PriorityLow)
	critical := newEntry("due-critical", entry.StatusPending, entry.PriorityCritical)
	future := newEntry("due-future", entry.StatusPending, entry.PriorityCritical)
	later := time.Now().UTC().Add(time.Hour)
	future.NextRetryAt = &later
	parked := newEntry("due-parked", entry.StatusFailedPermanently, entry.PriorityCritical)

	for _, e := range []*entry.Entry{low, critical, future, parked} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create %s: %v", e.TaskName, err)
		}
	}

	due, err := s.DueEntries(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due, got %d", len(due))
	}
	if due[0].TaskName != "due-critical" {
		t.Fatalf("expected critical first, got %s", due[0].TaskName)
	}
	if due[1].TaskName != "due-low" {
		t.Fatalf("expected low second, got %s", due[1].TaskName)
	}
}

func TestEntryStore_ClaimExcludesConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := newEntry("claim-task", entry.StatusPending, entry.PriorityNormal)
	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	w := id.NewWorkerID()
	claimed, err := s.ClaimEntry(ctx, e.ID, []entry.Status{entry.StatusPending}, w)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != entry.StatusProcessing {
		t.Fatalf("expected processing, got %s", claimed.Status)
	}
	if claimed.ClaimedBy.String() != w.String() {
		t.Fatalf("expected claimed_by %s, got %s", w, claimed.ClaimedBy)
	}

	// A second claim loses the race.
	_, err = s.ClaimEntry(ctx, e.ID, []entry.Status{entry.StatusPending}, id.NewWorkerID())
	if !errors.Is(err, deadletter.ErrStaleEntry) {
		t.Fatalf("expected ErrStaleEntry, got: %v", err)
	}
}

func TestEntryStore_ReleaseOutcomes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := id.NewWorkerID()

	claim := func(t *testing.T, e *entry.Entry) {
		t.Helper()
		if _, err := s.ClaimEntry(ctx, e.ID, []entry.Status{entry.StatusPending}, w); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}

	t.Run("retry increments and reschedules", func(t *testing.T) {
		e := newEntry("release-retry", entry.StatusPending, entry.PriorityNormal)
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
		claim(t, e)

		next := time.Now().UTC().Add(time.Minute)
		err := s.ReleaseEntry(ctx, e.ID, entry.ReleaseOutcome{
			Result:      entry.ReleaseRetry,
			NextRetryAt: &next,
		})
		if err != nil {
			t.Fatalf("release: %v", err)
		}

		got, err := s.GetEntry(ctx, e.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != entry.StatusPending {
			t.Errorf("status = %s, want pending", got.Status)
		}
		if got.RetryCount != 1 {
			t.Errorf("retry count = %d, want 1", got.RetryCount)
		}
		if got.NextRetryAt == nil || !got.NextRetryAt.After(time.Now().UTC()) {
			t.Errorf("NextRetryAt = %v, want future", got.NextRetryAt)
		}
		if got.LastRetryAt == nil {
			t.Error("expected LastRetryAt to be set")
		}
	})

	t.Run("completed clears schedule", func(t *testing.T) {
		e := newEntry("release-complete", entry.StatusPending, entry.PriorityNormal)
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
		claim(t, e)

		if err := s.ReleaseEntry(ctx, e.ID, entry.ReleaseOutcome{Result: entry.ReleaseCompleted}); err != nil {
			t.Fatalf("release: %v", err)
		}

		got, err := s.GetEntry(ctx, e.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != entry.StatusCompleted {
			t.Errorf("status = %s, want completed", got.Status)
		}
		if got.NextRetryAt != nil {
			t.Errorf("NextRetryAt = %v, want nil", got.NextRetryAt)
		}
	})

	t.Run("failed permanently parks without consuming budget", func(t *testing.T) {
		e := newEntry("release-parked", entry.StatusPending, entry.PriorityNormal)
		e.RetryCount = 3
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
		claim(t, e)

		if err := s.ReleaseEntry(ctx, e.ID, entry.ReleaseOutcome{Result: entry.ReleaseFailedPermanently}); err != nil {
			t.Fatalf("release: %v", err)
		}

		got, err := s.GetEntry(ctx, e.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != entry.StatusFailedPermanently {
			t.Errorf("status = %s, want failed_permanently", got.Status)
		}
		if got.RetryCount != 3 {
			t.Errorf("retry count = %d, want 3 (unchanged at park)", got.RetryCount)
		}
		if got.NextRetryAt != nil {
			t.Errorf("NextRetryAt = %v, want nil", got.NextRetryAt)
		}
	})

	t.Run("forced permanent failure spends past the cap", func(t *testing.T) {
		e := newEntry("release-forced", entry.StatusPending, entry.PriorityNormal)
		e.RetryCount = 3
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
		claim(t, e)

		outcome := entry.ReleaseOutcome{Result: entry.ReleaseFailedPermanently, Forced: true}
		if err := s.ReleaseEntry(ctx, e.ID, outcome); err != nil {
			t.Fatalf("release: %v", err)
		}

		got, err := s.GetEntry(ctx, e.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.RetryCount != 4 {
			t.Errorf("retry count = %d, want 4 (forced attempt spent)", got.RetryCount)
		}
	})

	t.Run("returned leaves budget untouched", func(t *testing.T) {
		e := newEntry("release-returned", entry.StatusPending, entry.PriorityNormal)
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
		originalNext := *e.NextRetryAt
		claim(t, e)

		if err := s.ReleaseEntry(ctx, e.ID, entry.ReleaseOutcome{Result: entry.ReleaseReturned}); err != nil {
			t.Fatalf("release: %v", err)
		}

		got, err := s.GetEntry(ctx, e.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != entry.StatusPending {
			t.Errorf("status = %s, want pending", got.Status)
		}
		if got.RetryCount != 0 {
			t.Errorf("retry count = %d, want 0", got.RetryCount)
		}
		if got.NextRetryAt == nil || !got.NextRetryAt.Equal(originalNext) {
			t.Errorf("NextRetryAt = %v, want %v", got.NextRetryAt, originalNext)
		}
		if got.LastRetryAt != nil {
			t.Errorf("LastRetryAt = %v, want nil", got.LastRetryAt)
		}
	})

	t.Run("release of non-processing entry fails", func(t *testing.T) {
		e := newEntry("release-invalid", entry.StatusPending, entry.PriorityNormal)
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}

		err := s.ReleaseEntry(ctx, e.ID, entry.ReleaseOutcome{Result: entry.ReleaseCompleted})
		if !errors.Is(err, deadletter.ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got: %v", err)
		}
	})
}

func TestEntryStore_AppendAttemptNumbers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := newEntry("attempt-task", entry.StatusPending, entry.PriorityNormal)
	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 1; i <= 3; i++ {
		n, err := s.AppendAttempt(ctx, e.ID, false, fmt.Sprintf("failure %d", i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if n != i {
			t.Fatalf("attempt number = %d, want %d", n, i)
		}
	}

	got, err := s.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(got.History))
	}
	if got.History[2].ErrorMessage != "failure 3" {
		t.Fatalf("history[2] message = %q, want %q", got.History[2].ErrorMessage, "failure 3")
	}
}

// ──────────────────────────────────────────────────
// Operator mutations
// ──────────────────────────────────────────────────

func TestEntryStore_SetPriority(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := newEntry("priority-task", entry.StatusPending, entry.PriorityNormal)
	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.SetPriority(ctx, e.ID, entry.PriorityCritical); err != nil {
		t.Fatalf("set priority: %v", err)
	}

	got, err := s.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority != entry.PriorityCritical {
		t.Fatalf("priority = %s, want critical", got.Priority)
	}
}

func TestEntryStore_ResetRetryCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := newEntry("reset-task", entry.StatusPending, entry.PriorityNormal)
	e.RetryCount = 2
	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Only processing entries may be reset.
	if err := s.ResetRetryCount(ctx, e.ID); !errors.Is(err, deadletter.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got: %v", err)
	}

	if _, err := s.ClaimEntry(ctx, e.ID, []entry.Status{entry.StatusPending}, id.NewWorkerID()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ResetRetryCount(ctx, e.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, err := s.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", got.RetryCount)
	}
}

func TestEntryStore_DeleteProcessingGuard(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := newEntry("delete-task", entry.StatusPending, entry.PriorityNormal)
	if err := s.CreateEntry(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.ClaimEntry(ctx, e.ID, []entry.Status{entry.StatusPending}, id.NewWorkerID()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Cannot delete while a dispatch is in flight.
	if err := s.DeleteEntry(ctx, e.ID); !errors.Is(err, deadletter.ErrEntryProcessing) {
		t.Fatalf("expected ErrEntryProcessing, got: %v", err)
	}

	if err := s.ReleaseEntry(ctx, e.ID, entry.ReleaseOutcome{Result: entry.ReleaseCompleted}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.DeleteEntry(ctx, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, getErr := s.GetEntry(ctx, e.ID)
	if !errors.Is(getErr, deadletter.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got: %v", getErr)
	}
}

// ──────────────────────────────────────────────────
// Retention
// ──────────────────────────────────────────────────

func TestEntryStore_RetentionSweep(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := id.NewWorkerID()

	// A completed entry that the sweep should archive.
	old := newEntry("sweep-old", entry.StatusPending, entry.PriorityNormal)
	if err := s.CreateEntry(ctx, old); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.ClaimEntry(ctx, old.ID, []entry.Status{entry.StatusPending}, w); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ReleaseEntry(ctx, old.ID, entry.ReleaseOutcome{Result: entry.ReleaseCompleted}); err != nil {
		t.Fatalf("release: %v", err)
	}

	// An active entry the sweep must not touch.
	active := newEntry("sweep-active", entry.StatusPending, entry.PriorityNormal)
	if err := s.CreateEntry(ctx, active); err != nil {
		t.Fatalf("create active: %v", err)
	}

	// A future cutoff covers the just-completed entry.
	cutoff := time.Now().UTC().Add(time.Hour)
	archived, err := s.ArchiveTerminalOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("archive sweep: %v", err)
	}
	if archived != 1 {
		t.Fatalf("archived = %d, want 1", archived)
	}

	got, err := s.GetEntry(ctx, old.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != entry.StatusArchived {
		t.Fatalf("status = %s, want archived", got.Status)
	}
	if got.ArchivedAt == nil {
		t.Fatal("expected ArchivedAt to be set")
	}

	// Purge everything archived before the future cutoff.
	purged, err := s.PurgeArchived(ctx, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	// The active entry survived both passes.
	if _, err := s.GetEntry(ctx, active.ID); err != nil {
		t.Fatalf("active entry gone: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Aggregations
// ──────────────────────────────────────────────────

func TestEntryStore_Counts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		e := newEntry(fmt.Sprintf("count-pending-%d", i), entry.StatusPending, entry.PriorityHigh)
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	parked := newEntry("count-parked", entry.StatusFailedPermanently, entry.PriorityLow)
	if err := s.CreateEntry(ctx, parked); err != nil {
		t.Fatalf("create parked: %v", err)
	}

	byStatus, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}
	if byStatus[entry.StatusPending] != 2 {
		t.Fatalf("pending = %d, want 2", byStatus[entry.StatusPending])
	}
	if byStatus[entry.StatusFailedPermanently] != 1 {
		t.Fatalf("failed_permanently = %d, want 1", byStatus[entry.StatusFailedPermanently])
	}

	byPriority, err := s.CountByPriority(ctx)
	if err != nil {
		t.Fatalf("count by priority: %v", err)
	}
	if byPriority[entry.PriorityHigh] != 2 {
		t.Fatalf("high = %d, want 2", byPriority[entry.PriorityHigh])
	}

	created, err := s.ActiveCreatedAt(ctx)
	if err != nil {
		t.Fatalf("active created at: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("active timestamps = %d, want 3", len(created))
	}
}
