// Package scheduler drives automatic redrives. A scan loop periodically
// asks the store for due pending entries, claims each one, and hands it
// to the worker Runner on a bounded set of dispatch goroutines. A
// separate sweep loop archives aged-out terminal entries and purges
// expired archives on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/ext"
	"github.com/xraph/deadletter/id"
)

// Dispatcher redrives one claimed entry. worker.Runner satisfies this.
type Dispatcher interface {
	Run(ctx context.Context, e *entry.Entry) error
}

// cronParser supports standard 5-field cron and descriptors like "@every 1h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithScanInterval sets how often the scan loop looks for due entries.
func WithScanInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.scanInterval = d }
}

// WithScanBatchSize sets the maximum number of due entries fetched per scan.
func WithScanBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithConcurrency bounds the number of in-flight dispatches.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.concurrency = n }
}

// WithArchiveSchedule sets the cron expression for the retention sweep.
// An empty expression disables the sweep loop.
func WithArchiveSchedule(expr string) Option {
	return func(s *Scheduler) { s.archiveSchedule = expr }
}

// WithRetention sets how long terminal entries are kept before the
// sweep archives them, and how long archived entries are kept before
// they are purged.
func WithRetention(d time.Duration) Option {
	return func(s *Scheduler) { s.retention = d }
}

// Scheduler owns the scan and sweep loops.
type Scheduler struct {
	store      entry.Store
	dispatcher Dispatcher
	extensions *ext.Registry
	workerID   id.WorkerID
	logger     *slog.Logger

	scanInterval    time.Duration
	batchSize       int
	concurrency     int
	archiveSchedule string
	retention       time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a Scheduler.
func New(
	store entry.Store,
	dispatcher Dispatcher,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deadletter.DefaultConfig()
	s := &Scheduler{
		store:           store,
		dispatcher:      dispatcher,
		extensions:      extensions,
		workerID:        id.NewWorkerID(),
		logger:          logger,
		scanInterval:    cfg.ScanInterval,
		batchSize:       cfg.ScanBatchSize,
		concurrency:     cfg.DispatchConcurrency,
		archiveSchedule: cfg.ArchiveSchedule,
		retention:       cfg.Retention,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WorkerID returns the scheduler's unique dispatcher identifier.
func (s *Scheduler) WorkerID() id.WorkerID { return s.workerID }

// Start launches the scan and sweep goroutines. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	// Validate the sweep schedule before anything starts: a bad
	// expression must not leave a scan loop running behind the error.
	var sweepSched cronlib.Schedule
	if s.archiveSchedule != "" {
		sched, err := ParseSchedule(s.archiveSchedule)
		if err != nil {
			return err
		}
		sweepSched = sched
	}

	s.running = true

	s.wg.Add(1)
	go s.scanLoop()

	if sweepSched != nil {
		s.wg.Add(1)
		go s.sweepLoop(sweepSched)
	}

	s.logger.Info("scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("scan_interval", s.scanInterval),
		slog.Int("concurrency", s.concurrency),
	)
	return nil
}

// Stop signals both loops to stop and waits for in-flight dispatches to
// drain. If the context has a deadline and it expires first, Stop
// returns the context error; dispatches already handed to the executor
// are never abandoned mid-write.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out with dispatches in flight")
		return ctx.Err()
	}
}

// scanLoop fires on each scan interval and processes due entries.
func (s *Scheduler) scanLoop() {
	defer s.wg.Done()

	// Bounded dispatch slots shared across scans.
	sem := make(chan struct{}, s.concurrency)

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scan(sem)
		}
	}
}

// scan claims and dispatches one batch of due entries. The store
// returns them priority-first; a lost claim means another dispatcher
// (or a manual redrive) got there first and is silently skipped.
func (s *Scheduler) scan(sem chan struct{}) {
	ctx := context.Background()

	due, err := s.store.DueEntries(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		s.logger.Error("due entries scan error", slog.String("error", err.Error()))
		return
	}

	for _, e := range due {
		select {
		case sem <- struct{}{}:
		case <-s.stopCh:
			return
		}

		claimed, claimErr := s.store.ClaimEntry(ctx, e.ID, []entry.Status{entry.StatusPending}, s.workerID)
		if claimErr != nil {
			<-sem
			if errors.Is(claimErr, deadletter.ErrStaleEntry) || errors.Is(claimErr, deadletter.ErrEntryNotFound) {
				continue
			}
			s.logger.Error("claim error",
				slog.String("entry_id", e.ID.String()),
				slog.String("error", claimErr.Error()),
			)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-sem }()

			if runErr := s.dispatcher.Run(ctx, claimed); runErr != nil {
				s.logger.Debug("redrive dispatch resolved with error",
					slog.String("entry_id", claimed.ID.String()),
					slog.String("task_name", claimed.TaskName),
					slog.String("error", runErr.Error()),
				)
			}
		}()
	}
}

// sweepLoop runs the retention sweep on its cron schedule.
func (s *Scheduler) sweepLoop(sched cronlib.Schedule) {
	defer s.wg.Done()

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.sweep()
		}
	}
}

// sweep archives terminal entries past retention and purges archives
// past a second retention window.
func (s *Scheduler) sweep() {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-s.retention)

	archived, err := s.store.ArchiveTerminalOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention archive error", slog.String("error", err.Error()))
		return
	}

	purged, err := s.store.PurgeArchived(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention purge error", slog.String("error", err.Error()))
		return
	}

	if archived > 0 || purged > 0 {
		s.logger.Info("retention sweep completed",
			slog.Int64("archived", archived),
			slog.Int64("purged", purged),
		)
	}

	s.extensions.EmitSweepCompleted(ctx, archived, purged)
}
