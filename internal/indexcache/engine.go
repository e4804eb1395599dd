// Package indexcache keeps one ANN index per tenant in memory, absorbs
// single-vector inserts into a pending batch, and periodically commits the
// batch to a blob store with version tracking.
//
// Inserts never block on I/O. Searches see pending vectors through a
// transient merged view. A batch scheduler flushes tenants whose batch is
// old enough or large enough, and an eviction sweeper drops idle tenants
// that have nothing left to flush.
package indexcache

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"memcore/internal/ann"
	"memcore/internal/blobstore"
	"memcore/internal/maintenance"
	"memcore/internal/monitoring"
)

// UpdateHook is called once per successful flush with the new blob
// reference and the tenant's new version.
type UpdateHook func(tenant, blobRef string, version int64)

// Config tunes batching, flushing and eviction.
type Config struct {
	// BatchDelay is both the scheduler tick and the maximum age of a batch.
	BatchDelay time.Duration

	// MaxBatchSize pending vectors trigger an immediate flush.
	MaxBatchSize int

	// CacheTTL is how long an idle tenant stays cached.
	CacheTTL time.Duration

	// SweepInterval is how often idle tenants are evicted.
	SweepInterval time.Duration

	// FlushTimeout bounds a single blob store write.
	FlushTimeout time.Duration

	// PropagationGrace is how long a flush waits for a new blob to become
	// readable. Zero skips the check.
	PropagationGrace time.Duration

	// MaxFlushFailures consecutive failures raise an alert. Retries continue.
	MaxFlushFailures int

	// FlushConcurrency caps concurrent flushes per scheduler tick.
	FlushConcurrency int

	// InitialCapacity is the slot count of a freshly created index.
	InitialCapacity int

	// Retention is passed to the blob store as a retention hint.
	Retention time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		BatchDelay:       5 * time.Second,
		MaxBatchSize:     50,
		CacheTTL:         30 * time.Minute,
		SweepInterval:    5 * time.Minute,
		FlushTimeout:     30 * time.Second,
		MaxFlushFailures: 5,
		FlushConcurrency: 4,
		InitialCapacity:  ann.DefaultCapacity,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchDelay <= 0 {
		c.BatchDelay = d.BatchDelay
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	if c.MaxFlushFailures <= 0 {
		c.MaxFlushFailures = d.MaxFlushFailures
	}
	if c.FlushConcurrency <= 0 {
		c.FlushConcurrency = d.FlushConcurrency
	}
	if c.InitialCapacity <= 0 {
		c.InitialCapacity = d.InitialCapacity
	}
	return c
}

// Option customizes an Engine.
type Option func(*Engine)

// WithHook sets the callback invoked after every successful flush.
func WithHook(h UpdateHook) Option {
	return func(e *Engine) { e.hook = h }
}

// WithClock replaces time.Now for batch ages and idle times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger. Defaults to log.Default().
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithFactory sets how new tenant indexes are built. Defaults to HNSW with
// cosine distance.
func WithFactory(f ann.Factory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithMaintenance registers the eviction sweep on a shared maintenance
// scheduler instead of a private one. The caller starts and stops it.
func WithMaintenance(s *maintenance.Scheduler) Option {
	return func(e *Engine) { e.maint = s }
}

// WithMetrics shares a metrics collector with the caller. Each engine
// otherwise gets its own.
func WithMetrics(m *monitoring.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the per-tenant index cache.
type Engine struct {
	cfg     Config
	store   blobstore.Store
	hook    UpdateHook
	now     func() time.Time
	logger  *log.Logger
	factory ann.Factory
	metrics *monitoring.EngineMetrics

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	// async tracks size-triggered flushes started outside the scheduler.
	async   sync.WaitGroup
	asyncMu sync.Mutex

	maint     *maintenance.Scheduler
	ownsMaint bool
	sched     *batchScheduler
	lifecycle sync.Mutex
	started   bool
	closed    atomic.Bool
}

// New creates an Engine persisting to store.
func New(cfg Config, store blobstore.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("indexcache: blob store is required")
	}
	e := &Engine{
		cfg:     cfg.withDefaults(),
		store:   store,
		now:     time.Now,
		entries: make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	if e.factory == nil {
		f, err := ann.NewFactory(ann.Config{})
		if err != nil {
			return nil, err
		}
		e.factory = f
	}
	if e.metrics == nil {
		e.metrics = monitoring.NewEngineMetrics()
	}
	if e.maint == nil {
		e.maint = maintenance.NewScheduler(e.logger)
		e.ownsMaint = true
	}
	if err := e.maint.RegisterTask(&sweepTask{engine: e}); err != nil {
		return nil, fmt.Errorf("indexcache: register sweeper: %w", err)
	}
	e.sched = newBatchScheduler(e)
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Start launches the batch scheduler and the eviction sweeper.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if e.started {
		return fmt.Errorf("indexcache: engine already started")
	}
	if e.ownsMaint {
		if err := e.maint.Start(); err != nil {
			return fmt.Errorf("indexcache: start sweeper: %w", err)
		}
	}
	e.sched.start(ctx)
	e.started = true
	e.logger.Printf("[IndexCache] Started (batch_delay=%s, max_batch=%d, ttl=%s, sweep=%s)",
		e.cfg.BatchDelay, e.cfg.MaxBatchSize, e.cfg.CacheTTL, e.cfg.SweepInterval)
	return nil
}

// Stop halts the background loops, waits for in-flight flushes and then
// flushes every tenant that still has pending vectors. Further inserts fail
// with ErrClosed. Tenants that cannot be drained before ctx expires are
// reported in the returned error.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.asyncMu.Lock()
	wasClosed := e.closed.Swap(true)
	e.asyncMu.Unlock()
	if wasClosed {
		return nil
	}
	if e.started {
		e.sched.stop()
		if e.ownsMaint {
			e.maint.Stop()
		}
	}
	e.async.Wait()

	var failed []string
	for _, tenant := range e.tenants() {
		if err := e.flushTenant(ctx, tenant); err != nil {
			e.logger.Printf("[IndexCache] Drain failed for tenant %s: %v", tenant, err)
			failed = append(failed, tenant)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: %d tenant(s) not drained: %v", ErrFlushFailed, len(failed), failed)
	}
	e.logger.Println("[IndexCache] Stopped")
	return nil
}

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *monitoring.EngineMetrics { return e.metrics }

// Maintenance returns the scheduler that runs the eviction sweep.
func (e *Engine) Maintenance() *maintenance.Scheduler { return e.maint }
