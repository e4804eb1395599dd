package indexcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"memcore/internal/maintenance"
)

// SweepResult lists what one eviction pass did.
type SweepResult struct {
	Evicted []string
	// Blocked are stale tenants kept because they still have unflushed
	// vectors.
	Blocked []string
}

// SweepStale evicts every tenant idle for longer than CacheTTL as of now.
// Tenants with an outstanding batch are never evicted.
func (e *Engine) SweepStale(now time.Time) SweepResult {
	var res SweepResult
	for _, tenant := range e.tenants() {
		evicted, err := e.evictIfStale(tenant, e.cfg.CacheTTL, now)
		switch {
		case errors.Is(err, ErrUnflushedEviction):
			e.logger.Printf("[IndexCache] FATAL: %v; skipping eviction", err)
			res.Blocked = append(res.Blocked, tenant)
		case evicted:
			res.Evicted = append(res.Evicted, tenant)
		}
	}
	e.metrics.RecordSweep(len(res.Evicted), len(res.Blocked))
	if len(res.Evicted) > 0 {
		e.logger.Printf("[IndexCache] Evicted %d idle tenant(s)", len(res.Evicted))
	}
	return res
}

// evictIfStale removes the tenant when now-lastModified exceeds ttl. A
// tenant whose lock is busy is in use and therefore not idle.
func (e *Engine) evictIfStale(tenant string, ttl time.Duration, now time.Time) (bool, error) {
	ent := e.get(tenant)
	if ent == nil || !ent.mu.TryLock() {
		return false, nil
	}
	defer ent.mu.Unlock()

	if ent.removed || now.Sub(ent.lastModified) <= ttl {
		return false, nil
	}
	if ent.job != nil || len(ent.pending) > 0 {
		return false, fmt.Errorf("%w: tenant %s idle %s with %d pending",
			ErrUnflushedEviction, tenant, now.Sub(ent.lastModified).Round(time.Second), len(ent.pending))
	}
	e.removeLocked(ent)
	return true, nil
}

// sweepTask runs SweepStale on the maintenance scheduler.
type sweepTask struct {
	engine *Engine
}

func (t *sweepTask) Name() string { return "cache-eviction" }

func (t *sweepTask) Description() string {
	return fmt.Sprintf("Evict tenants idle for more than %s", t.engine.cfg.CacheTTL)
}

func (t *sweepTask) Schedule() string {
	return "@every " + t.engine.cfg.SweepInterval.String()
}

func (t *sweepTask) Execute(ctx context.Context) maintenance.TaskResult {
	start := time.Now()
	res := t.engine.SweepStale(t.engine.now())
	result := maintenance.TaskResult{
		Success:          true,
		Duration:         time.Since(start),
		RecordsProcessed: len(res.Evicted),
		Message:          fmt.Sprintf("evicted %d tenant(s)", len(res.Evicted)),
	}
	if len(res.Blocked) > 0 {
		result.Message += fmt.Sprintf(", %d stale tenant(s) still have unflushed vectors", len(res.Blocked))
		result.Error = fmt.Errorf("%w: %v", ErrUnflushedEviction, res.Blocked)
	}
	return result
}
