// Package engine wires all deadletter subsystems together. It creates
// the extension registry, classifier, middleware chain, runner,
// scheduler, and redrive service from a Manager.
//
// This package exists to break the import cycle: the root deadletter
// package defines Entity and Config (imported by entry, classify, etc.)
// and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/deadletter"
	"github.com/xraph/deadletter/backoff"
	"github.com/xraph/deadletter/classify"
	"github.com/xraph/deadletter/entry"
	"github.com/xraph/deadletter/executor"
	"github.com/xraph/deadletter/ext"
	mw "github.com/xraph/deadletter/middleware"
	"github.com/xraph/deadletter/observability"
	"github.com/xraph/deadletter/redrive"
	"github.com/xraph/deadletter/scheduler"
	"github.com/xraph/deadletter/stats"
	"github.com/xraph/deadletter/worker"
)

// Engine wraps a Manager with typed subsystem access.
// Use Build() to create one from a Manager.
type Engine struct {
	m          *deadletter.Manager
	extensions *ext.Registry
	entryStore entry.Store
	exec       executor.Executor
	classifier *classify.Classifier
	schedule   *backoff.Schedule
	runner     *worker.Runner
	scheduler  *scheduler.Scheduler
	redriveSvc *redrive.Service
	aggregator *stats.Aggregator
	mws        []mw.Middleware
	logger     *slog.Logger

	classifierOpts []classify.Option
	resetOnForce   bool

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor sets the executor that receives redriven tasks.
// Required: Build fails without one.
func WithExecutor(e executor.Executor) Option {
	return func(eng *Engine) {
		eng.exec = e
	}
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's redrive chain, after
// the built-in recover/tracing/metrics/logging stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithSchedule sets the per-category backoff schedule.
// If not set, backoff.DefaultSchedule() is used.
func WithSchedule(s *backoff.Schedule) Option {
	return func(eng *Engine) {
		eng.schedule = s
	}
}

// WithClassifierOptions forwards options to the classifier, for custom
// rules, budgets, and priorities.
func WithClassifierOptions(opts ...classify.Option) Option {
	return func(eng *Engine) {
		eng.classifierOpts = append(eng.classifierOpts, opts...)
	}
}

// WithResetOnForce controls whether forced redrives restore the full
// retry budget. Off by default.
func WithResetOnForce(reset bool) Option {
	return func(eng *Engine) {
		eng.resetOnForce = reset
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Manager.
// The Manager's store must implement entry.Store.
func Build(m *deadletter.Manager, opts ...Option) (*Engine, error) {
	logger := m.Logger()
	store := m.Store()

	if store == nil {
		return nil, deadletter.ErrNoStore
	}

	// Type-assert the store to get the entry.Store interface.
	es, ok := store.(entry.Store)
	if !ok {
		return nil, fmt.Errorf("deadletter: store does not implement entry.Store")
	}

	eng := &Engine{
		m:          m,
		extensions: ext.NewRegistry(logger),
		entryStore: es,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.exec == nil {
		return nil, deadletter.ErrNoExecutor
	}

	// Default backoff schedule if none provided.
	if eng.schedule == nil {
		eng.schedule = backoff.DefaultSchedule()
	}

	// Create the classifier. Engine-level options come first so the
	// caller's classifier options win.
	config := m.Config()
	classifierOpts := append([]classify.Option{
		classify.WithSchedule(eng.schedule),
		classify.WithMaxRetries(config.MaxRetries),
		classify.WithLogger(logger),
	}, eng.classifierOpts...)
	eng.classifier = classify.New(es, classifierOpts...)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/xraph/deadletter")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/deadletter")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/deadletter/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Build default middleware stack: recover → tracing → metrics → logging.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	// Create the runner shared by the scheduler and manual redrives.
	eng.runner = worker.NewRunner(es, eng.exec, eng.extensions, eng.schedule, logger, allMws...)

	eng.scheduler = scheduler.New(
		es,
		eng.runner,
		eng.extensions,
		logger,
		scheduler.WithScanInterval(config.ScanInterval),
		scheduler.WithScanBatchSize(config.ScanBatchSize),
		scheduler.WithConcurrency(config.DispatchConcurrency),
		scheduler.WithArchiveSchedule(config.ArchiveSchedule),
		scheduler.WithRetention(config.Retention),
	)

	eng.redriveSvc = redrive.NewService(
		es,
		eng.runner,
		eng.extensions,
		logger,
		redrive.WithResetOnForce(eng.resetOnForce),
	)

	eng.aggregator = stats.NewAggregator(es)

	// Wire back into the Manager.
	m.SetScheduler(eng.scheduler)
	m.SetExtensions(eng.extensions)

	return eng, nil
}

// Report classifies a task failure and persists it as a new pending
// entry, then notifies extensions.
func (eng *Engine) Report(ctx context.Context, report classify.Report) (*entry.Entry, error) {
	e, err := eng.classifier.Classify(ctx, report)
	if err != nil {
		return nil, err
	}

	eng.extensions.EmitEntryClassified(ctx, e)
	return e, nil
}

// Start begins autonomous retry scheduling and the retention sweep.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.m.Start(ctx)
}

// Stop gracefully shuts down the engine, draining in-flight dispatches.
// If the context carries no deadline, the configured shutdown timeout
// is applied.
func (eng *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.m.Config().ShutdownTimeout)
		defer cancel()
	}
	return eng.m.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Manager returns the underlying Manager.
func (eng *Engine) Manager() *deadletter.Manager { return eng.m }

// Store returns the entry store.
func (eng *Engine) Store() entry.Store { return eng.entryStore }

// Classifier returns the failure classifier.
func (eng *Engine) Classifier() *classify.Classifier { return eng.classifier }

// Runner returns the redrive runner.
func (eng *Engine) Runner() *worker.Runner { return eng.runner }

// Scheduler returns the retry scheduler.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.scheduler }

// RedriveService returns the operator-facing redrive service.
func (eng *Engine) RedriveService() *redrive.Service { return eng.redriveSvc }

// Stats returns the statistics aggregator.
func (eng *Engine) Stats() *stats.Aggregator { return eng.aggregator }
