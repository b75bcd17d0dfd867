// Package redrive provides operator-facing entry operations: manual and
// forced batch redrives with per-entry accounting, priority overrides,
// archival, and deletion.
package redrive

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/ext"
	"github.com/xraph/deadletter/id"
)

// Dispatcher redrives one claimed entry on behalf of an operator.
// worker.Runner satisfies this; its operator path records an attempt
// for every outcome, including an unreachable executor.
type Dispatcher interface {
	Redrive(ctx context.Context, e *entry.Entry, force bool) error
}

// redriveFrom are the states a manual redrive may claim from. Pending
// entries are allowed so an operator can jump the scheduler's backoff.
var redriveFrom = []entry.Status{entry.StatusPending, entry.StatusFailedPermanently}

// forceFrom additionally admits terminal and archived entries. Only a
// processing entry can never be redriven: its dispatch is in flight.
var forceFrom = []entry.Status{
	entry.StatusPending, entry.StatusFailedPermanently,
	entry.StatusCompleted, entry.StatusArchived,
}

// Rejection explains why one entry in a batch was skipped.
type Rejection struct {
	EntryID id.EntryID `json:"entry_id"`
	Reason  string     `json:"reason"`
}

// Result is the per-batch accounting of a redrive call.
// Success + Failed + Skipped always equals the number of requested IDs.
type Result struct {
	Success    int         `json:"success_count"`
	Failed     int         `json:"failed_count"`
	Skipped    int         `json:"skipped_count"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithResetOnForce controls whether a forced redrive restores the full
// retry budget. Off by default: force is a one-shot override and the
// counter keeps its history.
func WithResetOnForce(reset bool) Option {
	return func(s *Service) { s.resetOnForce = reset }
}

// Service executes operator-initiated entry operations.
type Service struct {
	store        entry.Store
	dispatcher   Dispatcher
	extensions   *ext.Registry
	workerID     id.WorkerID
	logger       *slog.Logger
	resetOnForce bool
}

// NewService creates a redrive service. The dispatcher is the same
// Runner the scheduler uses, so manual and automatic redrives share
// one lifecycle path.
func NewService(
	store entry.Store,
	dispatcher Dispatcher,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		extensions: extensions,
		workerID:   id.NewWorkerID(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Redrive dispatches a batch of entries synchronously, one at a time,
// and returns the per-entry accounting. Entries that cannot be claimed
// (wrong state, in-flight, missing) are skipped with a reason; one bad
// ID never aborts the batch.
func (s *Service) Redrive(ctx context.Context, ids []id.EntryID, force bool) (*Result, error) {
	from := redriveFrom
	if force {
		from = forceFrom
	}

	res := &Result{}
	for _, entryID := range ids {
		claimed, err := s.store.ClaimEntry(ctx, entryID, from, s.workerID)
		if err != nil {
			res.Skipped++
			res.Rejections = append(res.Rejections, Rejection{
				EntryID: entryID,
				Reason:  skipReason(err),
			})
			continue
		}

		if force && s.resetOnForce && claimed.RetryCount > 0 {
			if resetErr := s.store.ResetRetryCount(ctx, claimed.ID); resetErr != nil {
				s.logger.Error("failed to reset retry count",
					slog.String("entry_id", claimed.ID.String()),
					slog.String("error", resetErr.Error()),
				)
			} else {
				claimed.RetryCount = 0
			}
		}

		s.extensions.EmitEntryRedriven(ctx, claimed, force)

		if runErr := s.dispatcher.Redrive(ctx, claimed, force); runErr != nil {
			res.Failed++
			continue
		}
		res.Success++
	}

	s.logger.Info("redrive batch completed",
		slog.Int("requested", len(ids)),
		slog.Int("success", res.Success),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
		slog.Bool("force", force),
	)
	return res, nil
}

// skipReason maps a claim error to a human-readable rejection reason.
func skipReason(err error) string {
	switch {
	case errors.Is(err, deadletter.ErrEntryNotFound):
		return "entry not found"
	case errors.Is(err, deadletter.ErrStaleEntry):
		return "entry not eligible or claimed concurrently"
	default:
		return err.Error()
	}
}

// SetPriority overrides an entry's priority.
func (s *Service) SetPriority(ctx context.Context, entryID id.EntryID, p entry.Priority) error {
	if err := s.store.SetPriority(ctx, entryID, p); err != nil {
		return err
	}
	s.logger.Info("entry priority overridden",
		slog.String("entry_id", entryID.String()),
		slog.String("priority", string(p)),
	)
	return nil
}

// Archive retires a completed or permanently failed entry.
func (s *Service) Archive(ctx context.Context, entryID id.EntryID) error {
	if err := s.store.ArchiveEntry(ctx, entryID); err != nil {
		return err
	}
	s.extensions.EmitEntryArchived(ctx, entryID)
	return nil
}

// Delete permanently removes an entry and its history. Entries with a
// dispatch in flight are rejected.
func (s *Service) Delete(ctx context.Context, entryID id.EntryID) error {
	if err := s.store.DeleteEntry(ctx, entryID); err != nil {
		return err
	}
	s.extensions.EmitEntryDeleted(ctx, entryID)
	return nil
}
