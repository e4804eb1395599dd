package indexcache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"memcore/internal/ann"
)

// batchJob is a tenant's outstanding unit of flush work. vectors shares
// slices with the entry's pending map.
type batchJob struct {
	vectors     map[uint64][]float32
	scheduledAt time.Time
}

// cacheEntry is one tenant's index and staging state.
//
// mu guards every field. flushMu serializes flushes for the tenant and is
// always acquired before mu. The index is never mutated once installed:
// flushes build a private copy and swap it in.
type cacheEntry struct {
	tenant  string
	mu      sync.Mutex
	flushMu sync.Mutex

	index        ann.Index
	pending      map[uint64][]float32
	job          *batchJob
	dirty        bool
	version      int64
	lastModified time.Time

	dims        int
	dimsHint    int
	failures    int
	flushQueued bool

	// removed is set when the entry leaves the map. Holders of a stale
	// pointer must look the tenant up again.
	removed bool
}

// TenantStats describes one cached tenant.
type TenantStats struct {
	PendingCount        int       `json:"pending_count"`
	LastModified        time.Time `json:"last_modified"`
	IsDirty             bool      `json:"is_dirty"`
	Dimensions          int       `json:"dimensions"`
	Version             int64     `json:"version"`
	IndexedCount        int       `json:"indexed_count"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	HasBatchJob         bool      `json:"has_batch_job"`
}

// CacheStats is a point-in-time view of the whole cache.
type CacheStats struct {
	TotalTenants        int                    `json:"total_tenants"`
	TotalPendingVectors int                    `json:"total_pending_vectors"`
	ActiveBatchJobs     int                    `json:"active_batch_jobs"`
	PerTenant           map[string]TenantStats `json:"per_tenant"`
}

func (e *Engine) get(tenant string) *cacheEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entries[tenant]
}

// ensure returns the tenant's entry, creating an empty one if needed. The
// index is not allocated here: dimensions come from the first real vector.
func (e *Engine) ensure(tenant string, dimsHint int) *cacheEntry {
	if ent := e.get(tenant); ent != nil {
		return ent
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent := e.entries[tenant]; ent != nil {
		return ent
	}
	ent := &cacheEntry{
		tenant:       tenant,
		pending:      make(map[uint64][]float32),
		dimsHint:     dimsHint,
		lastModified: e.now(),
	}
	e.entries[tenant] = ent
	return ent
}

// lockEntry returns the tenant's entry with mu held, or nil when it does
// not exist and create is false.
func (e *Engine) lockEntry(tenant string, create bool, dimsHint int) *cacheEntry {
	for {
		var ent *cacheEntry
		if create {
			ent = e.ensure(tenant, dimsHint)
		} else if ent = e.get(tenant); ent == nil {
			return nil
		}
		ent.mu.Lock()
		if !ent.removed {
			return ent
		}
		ent.mu.Unlock()
	}
}

// removeLocked drops ent from the map. Caller holds ent.mu.
func (e *Engine) removeLocked(ent *cacheEntry) {
	e.mu.Lock()
	if e.entries[ent.tenant] == ent {
		delete(e.entries, ent.tenant)
	}
	e.mu.Unlock()
	ent.removed = true
	ent.pending = nil
	ent.job = nil
	ent.index = nil
	e.metrics.ForgetTenant(ent.tenant)
}

// tenants returns the cached tenant ids in sorted order.
func (e *Engine) tenants() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.entries))
	for t := range e.entries {
		out = append(out, t)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// EnsureTenant creates an empty cache entry for tenant, remembering the
// expected dimensionality. Existing entries are left as they are, apart
// from recording a hint they did not have.
func (e *Engine) EnsureTenant(tenant string, dimsHint int) error {
	if tenant == "" {
		return ErrInvalidTenant
	}
	ent := e.lockEntry(tenant, true, dimsHint)
	if ent.dimsHint == 0 {
		ent.dimsHint = dimsHint
	}
	ent.mu.Unlock()
	return nil
}

// Touch refreshes the tenant's idle timer. It reports whether the tenant
// is cached.
func (e *Engine) Touch(tenant string) bool {
	ent := e.lockEntry(tenant, false, 0)
	if ent == nil {
		return false
	}
	ent.lastModified = e.now()
	ent.mu.Unlock()
	return true
}

// AddVectorBatched stages vector under id for the tenant's next flush.
// It performs no I/O. Reaching MaxBatchSize pending vectors starts a flush
// in the background.
func (e *Engine) AddVectorBatched(tenant string, id uint64, vector []float32) error {
	if tenant == "" {
		return ErrInvalidTenant
	}
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	if e.closed.Load() {
		return ErrClosed
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	ent := e.lockEntry(tenant, true, 0)
	due, err := e.addLocked(ent, id, vec)
	ent.mu.Unlock()
	if err != nil {
		return err
	}
	if due {
		e.flushAsync(tenant)
	}
	return nil
}

// addLocked reports whether the tenant should be flushed immediately.
// closed is checked again under ent.mu so that nothing lands after Stop's
// drain has taken the tenant's pending set.
func (e *Engine) addLocked(ent *cacheEntry, id uint64, vec []float32) (bool, error) {
	if e.closed.Load() {
		return false, ErrClosed
	}
	if ent.index == nil {
		if ent.dims != 0 && ent.dims != len(vec) {
			return false, &DimensionMismatchError{Tenant: ent.tenant, Expected: ent.dims, Actual: len(vec)}
		}
		idx, err := e.factory(len(vec), e.cfg.InitialCapacity)
		if err != nil {
			return false, fmt.Errorf("indexcache: create index for %s: %w", ent.tenant, err)
		}
		ent.index = idx
		ent.dims = len(vec)
	} else if want := ent.index.Dimensions(); want != len(vec) {
		return false, &DimensionMismatchError{Tenant: ent.tenant, Expected: want, Actual: len(vec)}
	}

	now := e.now()
	ent.pending[id] = vec
	ent.dirty = true
	ent.lastModified = now
	if ent.job == nil {
		ent.job = &batchJob{vectors: make(map[uint64][]float32), scheduledAt: now}
	}
	ent.job.vectors[id] = vec

	if len(ent.pending) < e.cfg.MaxBatchSize || ent.flushQueued {
		return false, nil
	}
	ent.flushQueued = true
	return true, nil
}

// ClearTenant drops the tenant's entry and any outstanding batch,
// unflushed vectors included. It reports whether the tenant was cached.
func (e *Engine) ClearTenant(tenant string) bool {
	ent := e.lockEntry(tenant, false, 0)
	if ent == nil {
		return false
	}
	dropped := len(ent.pending)
	e.removeLocked(ent)
	ent.mu.Unlock()
	if dropped > 0 {
		e.logger.Printf("[IndexCache] Cleared tenant %s, discarding %d pending vectors", tenant, dropped)
	}
	return true
}

func (ent *cacheEntry) stats() TenantStats {
	s := TenantStats{
		PendingCount:        len(ent.pending),
		LastModified:        ent.lastModified,
		IsDirty:             ent.dirty,
		Dimensions:          ent.dims,
		Version:             ent.version,
		ConsecutiveFailures: ent.failures,
		HasBatchJob:         ent.job != nil,
	}
	if s.Dimensions == 0 {
		s.Dimensions = ent.dimsHint
	}
	if ent.index != nil {
		s.IndexedCount = ent.index.Len()
	}
	return s
}

// GetCacheStats returns counters for every cached tenant.
func (e *Engine) GetCacheStats() CacheStats {
	stats := CacheStats{PerTenant: make(map[string]TenantStats)}
	for _, tenant := range e.tenants() {
		ent := e.lockEntry(tenant, false, 0)
		if ent == nil {
			continue
		}
		ts := ent.stats()
		ent.mu.Unlock()

		stats.TotalTenants++
		stats.TotalPendingVectors += ts.PendingCount
		if ts.HasBatchJob {
			stats.ActiveBatchJobs++
		}
		stats.PerTenant[tenant] = ts
	}
	return stats
}

// TenantStats returns the stats for one tenant.
func (e *Engine) TenantStats(tenant string) (TenantStats, bool) {
	ent := e.lockEntry(tenant, false, 0)
	if ent == nil {
		return TenantStats{}, false
	}
	defer ent.mu.Unlock()
	return ent.stats(), true
}
