package deadletter

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Manager.
type Option func(*Manager) error

// Storer is the minimal store interface held by the Manager.
// It covers lifecycle operations only. The full persistence contract
// (store.Store) is used in subsystem layers that don't create import
// cycles; backends satisfy store.Store which embeds entry.Store.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// loopRunner is an internal interface for the scheduler lifecycle.
type loopRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Manager is the root coordinator for the dead letter engine. It holds
// the configuration, logger, and store, and owns the scheduler lifecycle.
//
// Create one with New() and functional options, then use engine.Build()
// to wire the subsystems together.
type Manager struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	scheduler  loopRunner

	started bool
}

// New creates a new Manager with the given options.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger { return m.logger }

// Store returns the manager's store.
func (m *Manager) Store() Storer { return m.store }

// Config returns a copy of the manager's configuration.
func (m *Manager) Config() Config { return m.config }

// SetScheduler sets the retry scheduler (called by the engine package).
func (m *Manager) SetScheduler(s loopRunner) { m.scheduler = s }

// SetExtensions sets the extension emitter (called by the engine package).
func (m *Manager) SetExtensions(e extensionEmitter) { m.extensions = e }

// Start begins the autonomous retry scheduling loop.
func (m *Manager) Start(ctx context.Context) error {
	if m.scheduler == nil {
		return ErrNoStore
	}
	if err := m.scheduler.Start(ctx); err != nil {
		return err
	}
	m.started = true
	return nil
}

// Stop gracefully shuts down the manager, draining in-flight dispatches.
func (m *Manager) Stop(ctx context.Context) error {
	if m.scheduler != nil && m.started {
		if err := m.scheduler.Stop(ctx); err != nil {
			m.logger.Error("scheduler stop error", "error", err)
		}
	}
	if m.extensions != nil {
		m.extensions.EmitShutdown(ctx)
	}
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// WithStore sets the persistence backend for the manager.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds the entry store contract.
func WithStore(s Storer) Option {
	return func(m *Manager) error {
		m.store = s
		return nil
	}
}

// WithLogger sets the structured logger for the manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) error {
		m.logger = l
		return nil
	}
}

// WithScanInterval sets how often the scheduler scans for due entries.
func WithScanInterval(d time.Duration) Option {
	return func(m *Manager) error {
		m.config.ScanInterval = d
		return nil
	}
}

// WithScanBatchSize sets the maximum entries claimed per scheduler pass.
func WithScanBatchSize(n int) Option {
	return func(m *Manager) error {
		m.config.ScanBatchSize = n
		return nil
	}
}

// WithDispatchConcurrency sets the maximum number of in-flight dispatches.
func WithDispatchConcurrency(n int) Option {
	return func(m *Manager) error {
		m.config.DispatchConcurrency = n
		return nil
	}
}

// WithShutdownTimeout sets the graceful shutdown drain deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(m *Manager) error {
		m.config.ShutdownTimeout = d
		return nil
	}
}

// WithArchiveSchedule sets the cron schedule for the retention sweep.
func WithArchiveSchedule(expr string) Option {
	return func(m *Manager) error {
		m.config.ArchiveSchedule = expr
		return nil
	}
}

// WithRetention sets how long terminal entries stay before archival.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) error {
		m.config.Retention = d
		return nil
	}
}

// WithMaxRetries sets the default retry budget.
func WithMaxRetries(n int) Option {
	return func(m *Manager) error {
		m.config.MaxRetries = n
		return nil
	}
}
