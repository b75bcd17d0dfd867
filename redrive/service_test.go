package redrive_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/backoff"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/executor"
	"github.com/xraph/deadletter/ext"
	"github.com/xraph/deadletter/id"
	"github.com/xraph/deadletter/redrive"
	"github.com/xraph/deadletter/store/memory"
	"github.com/xraph/deadletter/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func seedEntry(t *testing.T, s *memory.Store, taskName string, status entry.Status, retryCount int) *entry.Entry {
	t.Helper()
	due := time.Now().UTC().Add(-time.Second)
	e := &entry.Entry{
		Entity:       deadletter.NewEntity(),
		ID:           id.NewEntryID(),
		TaskID:       "task-" + taskName,
		TaskName:     taskName,
		QueueName:    "default",
		ErrorType:    "TestError",
		ErrorMessage: "boom",
		Category:     entry.CategoryProcessing,
		Priority:     entry.PriorityNormal,
		Status:       status,
		RetryCount:   retryCount,
		MaxRetries:   3,
		NextRetryAt:  &due,
	}
	if err := s.CreateEntry(context.Background(), e); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	return e
}

func newService(s *memory.Store, exec executor.Executor, opts ...redrive.Option) *redrive.Service {
	registry := ext.NewRegistry(discardLogger())
	runner := worker.NewRunner(s, exec, registry, backoff.DefaultSchedule(), discardLogger())
	return redrive.NewService(s, runner, registry, discardLogger(), opts...)
}

func succeedingExec() executor.Executor {
	return executor.Func(func(_ context.Context, _ executor.Request) error { return nil })
}

func TestRedrive_AccountingAlwaysSumsToRequested(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	// One will succeed, one will fail in the executor, one is missing,
	// one is mid-flight and cannot be claimed.
	good := seedEntry(t, s, "good.task", entry.StatusPending, 0)
	bad := seedEntry(t, s, "bad.task", entry.StatusFailedPermanently, 3)
	inFlight := seedEntry(t, s, "inflight.task", entry.StatusPending, 0)
	if _, err := s.ClaimEntry(ctx, inFlight.ID, []entry.Status{entry.StatusPending}, id.NewWorkerID()); err != nil {
		t.Fatalf("ClaimEntry: %v", err)
	}
	missing := id.NewEntryID()

	svc := newService(s, executor.Func(func(_ context.Context, req executor.Request) error {
		if req.TaskName == "bad.task" {
			return errors.New("still broken")
		}
		return nil
	}))

	ids := []id.EntryID{good.ID, bad.ID, inFlight.ID, missing}
	res, err := svc.Redrive(ctx, ids, false)
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}

	if res.Success != 1 || res.Failed != 1 || res.Skipped != 2 {
		t.Errorf("accounting = success %d, failed %d, skipped %d; want 1, 1, 2",
			res.Success, res.Failed, res.Skipped)
	}
	if got := res.Success + res.Failed + res.Skipped; got != len(ids) {
		t.Fatalf("accounting sum = %d, want %d", got, len(ids))
	}
	if len(res.Rejections) != 2 {
		t.Fatalf("rejections = %d, want 2", len(res.Rejections))
	}

	reasons := map[string]string{}
	for _, rej := range res.Rejections {
		reasons[rej.EntryID.String()] = rej.Reason
	}
	if reasons[missing.String()] != "entry not found" {
		t.Errorf("missing entry reason = %q", reasons[missing.String()])
	}
	if reasons[inFlight.ID.String()] == "" {
		t.Error("in-flight entry should carry a rejection reason")
	}
}

func TestRedrive_ManualRefusesCompletedAndArchived(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	done := seedEntry(t, s, "done.task", entry.StatusCompleted, 1)
	archived := seedEntry(t, s, "archived.task", entry.StatusCompleted, 1)
	if err := s.ArchiveEntry(ctx, archived.ID); err != nil {
		t.Fatalf("ArchiveEntry: %v", err)
	}

	svc := newService(s, succeedingExec())
	res, err := svc.Redrive(ctx, []id.EntryID{done.ID, archived.ID}, false)
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if res.Skipped != 2 || res.Success != 0 {
		t.Errorf("accounting = %+v, want both skipped", res)
	}
}

func TestRedrive_ForceAdmitsTerminalStates(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	done := seedEntry(t, s, "done.task", entry.StatusCompleted, 1)
	parked := seedEntry(t, s, "parked.task", entry.StatusFailedPermanently, 4)
	archived := seedEntry(t, s, "archived.task", entry.StatusCompleted, 1)
	if err := s.ArchiveEntry(ctx, archived.ID); err != nil {
		t.Fatalf("ArchiveEntry: %v", err)
	}

	svc := newService(s, succeedingExec())
	res, err := svc.Redrive(ctx, []id.EntryID{done.ID, parked.ID, archived.ID}, true)
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if res.Success != 3 || res.Skipped != 0 {
		t.Fatalf("accounting = %+v, want 3 successes", res)
	}

	for _, entryID := range []id.EntryID{done.ID, parked.ID, archived.ID} {
		got, err := s.GetEntry(ctx, entryID)
		if err != nil {
			t.Fatalf("GetEntry: %v", err)
		}
		if got.Status != entry.StatusCompleted {
			t.Errorf("entry %s status = %s, want %s", entryID, got.Status, entry.StatusCompleted)
		}
	}
}

func TestRedrive_ForceNeverClaimsProcessing(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	inFlight := seedEntry(t, s, "inflight.task", entry.StatusPending, 0)
	if _, err := s.ClaimEntry(ctx, inFlight.ID, []entry.Status{entry.StatusPending}, id.NewWorkerID()); err != nil {
		t.Fatalf("ClaimEntry: %v", err)
	}

	svc := newService(s, succeedingExec())
	res, err := svc.Redrive(ctx, []id.EntryID{inFlight.ID}, true)
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if res.Skipped != 1 {
		t.Fatalf("accounting = %+v, want 1 skipped", res)
	}
}

func TestRedrive_InfraFailureCountsFailedAndRecordsAttempt(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	parked := seedEntry(t, s, "parked.task", entry.StatusFailedPermanently, 3)

	svc := newService(s, executor.Func(func(_ context.Context, _ executor.Request) error {
		return executor.Infra(errors.New("broker unavailable"))
	}))

	res, err := svc.Redrive(ctx, []id.EntryID{parked.ID}, false)
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if res.Failed != 1 || res.Success != 0 || res.Skipped != 0 {
		t.Fatalf("accounting = %+v, want 1 failed", res)
	}

	// The failed count and the history must agree: the attempt is on
	// record even though the executor never received the task.
	got, _ := s.GetEntry(ctx, parked.ID)
	if len(got.History) != 1 || got.History[0].Success {
		t.Fatalf("history = %+v, want one failed attempt", got.History)
	}
	if got.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3 (no budget consumed)", got.RetryCount)
	}
	if got.Status != entry.StatusPending {
		t.Errorf("status = %s, want %s", got.Status, entry.StatusPending)
	}
}

func TestRedrive_ForcePreservesRetryCountByDefault(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	parked := seedEntry(t, s, "parked.task", entry.StatusFailedPermanently, 4)

	svc := newService(s, succeedingExec())
	if _, err := svc.Redrive(ctx, []id.EntryID{parked.ID}, true); err != nil {
		t.Fatalf("Redrive: %v", err)
	}

	got, _ := s.GetEntry(ctx, parked.ID)
	if got.RetryCount != 4 {
		t.Errorf("retry count = %d, want 4 (preserved)", got.RetryCount)
	}
}

func TestRedrive_ForcedFailureAccumulatesPastBudget(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	parked := seedEntry(t, s, "parked.task", entry.StatusFailedPermanently, 3)

	svc := newService(s, executor.Func(func(_ context.Context, _ executor.Request) error {
		return errors.New("still broken")
	}))

	res, err := svc.Redrive(ctx, []id.EntryID{parked.ID}, true)
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("accounting = %+v, want 1 failed", res)
	}

	// The forced attempt is the only write that pushes the counter past
	// MaxRetries.
	got, _ := s.GetEntry(ctx, parked.ID)
	if got.Status != entry.StatusFailedPermanently {
		t.Errorf("status = %s, want %s", got.Status, entry.StatusFailedPermanently)
	}
	if got.RetryCount != 4 {
		t.Errorf("retry count = %d, want 4 (forced attempt spent)", got.RetryCount)
	}
}

func TestRedrive_ForceWithResetRestoresBudget(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	parked := seedEntry(t, s, "parked.task", entry.StatusFailedPermanently, 4)

	// The executor fails, so after the reset the entry should go back to
	// pending with a fresh counter instead of failing permanently again.
	svc := newService(s, executor.Func(func(_ context.Context, _ executor.Request) error {
		return errors.New("still broken")
	}), redrive.WithResetOnForce(true))

	res, err := svc.Redrive(ctx, []id.EntryID{parked.ID}, true)
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("accounting = %+v, want 1 failed", res)
	}

	got, _ := s.GetEntry(ctx, parked.ID)
	if got.Status != entry.StatusPending {
		t.Errorf("status = %s, want %s (budget restored)", got.Status, entry.StatusPending)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1 (reset then one failed attempt)", got.RetryCount)
	}
}

func TestServicePassthroughs(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()
	svc := newService(s, succeedingExec())

	e := seedEntry(t, s, "ops.task", entry.StatusCompleted, 0)

	if err := svc.SetPriority(ctx, e.ID, entry.PriorityCritical); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	got, _ := s.GetEntry(ctx, e.ID)
	if got.Priority != entry.PriorityCritical {
		t.Errorf("priority = %s, want %s", got.Priority, entry.PriorityCritical)
	}

	if err := svc.Archive(ctx, e.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	got, _ = s.GetEntry(ctx, e.ID)
	if got.Status != entry.StatusArchived {
		t.Errorf("status = %s, want %s", got.Status, entry.StatusArchived)
	}

	if err := svc.Delete(ctx, e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetEntry(ctx, e.ID); !errors.Is(err, deadletter.ErrEntryNotFound) {
		t.Fatalf("expected entry gone, got %v", err)
	}
}

// Manual redrives dispatch through the same Runner the scheduler uses.
var _ redrive.Dispatcher = (*worker.Runner)(nil)
