package indexcache

import (
	"context"
	"sync"
	"time"
)

// batchScheduler ticks every BatchDelay and flushes due tenants.
type batchScheduler struct {
	engine   *Engine
	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

func newBatchScheduler(e *Engine) *batchScheduler {
	return &batchScheduler{
		engine:   e,
		interval: e.cfg.BatchDelay,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (s *batchScheduler) start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *batchScheduler) loop(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.engine.FlushDue(ctx)
		}
	}
}

// stop ends the loop and waits for the current tick to finish.
func (s *batchScheduler) stop() {
	close(s.stopCh)
	<-s.stopped
}

// FlushReport summarizes one scheduler pass.
type FlushReport struct {
	Due     int
	Flushed int
	Failed  int
}

// FlushDue flushes every tenant whose batch is at least BatchDelay old or
// holds MaxBatchSize vectors, at most FlushConcurrency at a time. A failing
// tenant keeps its batch for the next pass and does not affect others.
func (e *Engine) FlushDue(ctx context.Context) FlushReport {
	due := e.dueTenants(e.now())
	report := FlushReport{Due: len(due)}
	if len(due) == 0 {
		return report
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.cfg.FlushConcurrency)
	)
	for _, tenant := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(tenant string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := e.flushTenant(ctx, tenant)
			mu.Lock()
			if err != nil {
				report.Failed++
			} else {
				report.Flushed++
			}
			mu.Unlock()
		}(tenant)
	}
	wg.Wait()
	return report
}

func (e *Engine) dueTenants(now time.Time) []string {
	var due []string
	for _, tenant := range e.tenants() {
		ent := e.lockEntry(tenant, false, 0)
		if ent == nil {
			continue
		}
		if ent.job != nil &&
			(now.Sub(ent.job.scheduledAt) >= e.cfg.BatchDelay || len(ent.pending) >= e.cfg.MaxBatchSize) {
			due = append(due, tenant)
		}
		ent.mu.Unlock()
	}
	return due
}
