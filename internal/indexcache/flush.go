package indexcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"memcore/internal/ann"
	"memcore/internal/blobstore"
)

// ForceFlush synchronously commits the tenant's pending vectors. It is a
// no-op when nothing is pending.
func (e *Engine) ForceFlush(ctx context.Context, tenant string) error {
	if tenant == "" {
		return ErrInvalidTenant
	}
	if e.get(tenant) == nil {
		return fmt.Errorf("%w: tenant %s", ErrNoIndexFound, tenant)
	}
	return e.flushTenant(ctx, tenant)
}

// flushAsync runs a size-triggered flush outside the scheduler tick.
func (e *Engine) flushAsync(tenant string) {
	e.asyncMu.Lock()
	if e.closed.Load() {
		e.asyncMu.Unlock()
		return
	}
	e.async.Add(1)
	e.asyncMu.Unlock()

	go func() {
		defer e.async.Done()
		if err := e.flushTenant(context.Background(), tenant); err != nil {
			e.logger.Printf("[IndexCache] Size-triggered flush for %s failed: %v", tenant, err)
		}
	}()
}

// flushTenant commits the tenant's pending vectors:
//
//  1. copy the pending set and take a private clone of the canonical index
//  2. insert the copied vectors into the clone and encode it
//  3. write the blob under FlushTimeout, then allow PropagationGrace
//  4. swap the clone in, drop the flushed ids and bump the version
//  5. call the update hook
//
// No lock is held during steps 2 and 3. A failure leaves the entry as it
// was, so the next tick retries the same vectors plus any newer ones.
func (e *Engine) flushTenant(ctx context.Context, tenant string) error {
	ent := e.get(tenant)
	if ent == nil {
		return nil
	}
	ent.flushMu.Lock()
	defer ent.flushMu.Unlock()

	ent.mu.Lock()
	ent.flushQueued = false
	if ent.removed || len(ent.pending) == 0 {
		ent.mu.Unlock()
		return nil
	}
	batch := make(map[uint64][]float32, len(ent.pending))
	for id, v := range ent.pending {
		batch[id] = v
	}
	base := ent.index
	dims := ent.dims
	nextVersion := ent.version + 1
	startedAt := e.now()
	ent.mu.Unlock()

	start := time.Now()
	ref, next, err := e.persist(ctx, tenant, base, dims, batch, nextVersion)

	ent.mu.Lock()
	if err != nil {
		ent.failures++
		failures := ent.failures
		pending := len(ent.pending)
		removed := ent.removed
		ent.mu.Unlock()

		alert := failures >= e.cfg.MaxFlushFailures
		e.metrics.RecordFlushFailure(tenant, alert && !removed)
		if alert {
			e.logger.Printf("[IndexCache] ALERT: tenant %s failed %d consecutive flushes, %d vectors still pending: %v",
				tenant, failures, pending, err)
		} else {
			e.logger.Printf("[IndexCache] Flush failed for tenant %s (attempt %d): %v", tenant, failures, err)
		}
		return fmt.Errorf("%w: tenant %s: %w", ErrFlushFailed, tenant, err)
	}
	if ent.removed {
		ent.mu.Unlock()
		e.logger.Printf("[IndexCache] Tenant %s cleared during flush, discarding blob %s", tenant, ref)
		return nil
	}

	ent.index = next
	ent.dims = next.Dimensions()
	for id, v := range batch {
		// An id re-added during the upload keeps its newer vector pending.
		if cur, ok := ent.pending[id]; ok && sameVector(cur, v) {
			delete(ent.pending, id)
		}
	}
	ent.version++
	version := ent.version
	ent.failures = 0
	ent.lastModified = e.now()
	if len(ent.pending) == 0 {
		ent.dirty = false
		ent.job = nil
	} else {
		// Vectors that arrived mid-flush form the next job.
		job := &batchJob{vectors: make(map[uint64][]float32, len(ent.pending)), scheduledAt: startedAt}
		for id, v := range ent.pending {
			job.vectors[id] = v
		}
		ent.job = job
	}
	remaining := len(ent.pending)
	ent.mu.Unlock()
	e.metrics.RecordFlush(tenant, len(batch), time.Since(start))

	e.logger.Printf("[IndexCache] Flushed %d vectors for tenant %s -> %s (version %d, %d still pending, %s)",
		len(batch), tenant, ref, version, remaining, time.Since(start).Round(time.Millisecond))

	if e.hook != nil {
		e.hook(tenant, ref, version)
	}
	return nil
}

// persist builds the next index from base plus batch and writes it to the
// blob store. base is never modified.
func (e *Engine) persist(ctx context.Context, tenant string, base ann.Index, dims int, batch map[uint64][]float32, version int64) (string, ann.Index, error) {
	var (
		next ann.Index
		err  error
	)
	if base == nil {
		if dims == 0 {
			for _, v := range batch {
				dims = len(v)
				break
			}
		}
		next, err = e.factory(dims, max(e.cfg.InitialCapacity, len(batch)))
		if err != nil {
			return "", nil, fmt.Errorf("create index: %w", err)
		}
	} else {
		next, err = base.Snapshot()
		if err != nil {
			return "", nil, fmt.Errorf("clone index: %w", err)
		}
	}

	if err := insertAll(next, batch); err != nil {
		return "", nil, err
	}

	data, err := ann.Encode(next)
	if err != nil {
		return "", nil, err
	}

	putCtx, cancel := context.WithTimeout(ctx, e.cfg.FlushTimeout)
	defer cancel()
	ref, err := e.store.Put(putCtx, data, blobstore.PutOptions{
		Owner:     tenant,
		Retention: e.cfg.Retention,
		Tags: map[string]string{
			"tenant":  tenant,
			"version": strconv.FormatInt(version, 10),
			"vectors": strconv.Itoa(next.Len()),
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("write blob: %w", err)
	}

	if e.cfg.PropagationGrace > 0 {
		e.awaitPropagation(ctx, ref)
	}
	return ref, next, nil
}

// insertAll adds every vector, growing the index when it runs out of slots.
func insertAll(idx ann.Index, batch map[uint64][]float32) error {
	for id, v := range batch {
		err := idx.Add(id, v)
		if errors.Is(err, ann.ErrCapacityExceeded) {
			grown := max(idx.Capacity()*2, idx.Capacity()+len(batch))
			if rerr := idx.Resize(grown); rerr != nil {
				return fmt.Errorf("resize index to %d: %w", grown, rerr)
			}
			err = idx.Add(id, v)
		}
		if err != nil {
			return fmt.Errorf("insert vector %d: %w", id, err)
		}
	}
	return nil
}

// awaitPropagation polls Exists until the blob is visible or the grace
// period ends. Running out of grace is logged, not treated as a failure.
func (e *Engine) awaitPropagation(ctx context.Context, ref string) {
	deadline := time.NewTimer(e.cfg.PropagationGrace)
	defer deadline.Stop()
	poll := time.NewTicker(max(e.cfg.PropagationGrace/20, 10*time.Millisecond))
	defer poll.Stop()

	for {
		if ok, err := e.store.Exists(ctx, ref); err == nil && ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			e.logger.Printf("[IndexCache] Blob %s not visible after %s, continuing", ref, e.cfg.PropagationGrace)
			return
		case <-poll.C:
		}
	}
}

// sameVector reports whether a and b share a backing array. Inserts copy
// their input, so this distinguishes a re-added id from the original.
func sameVector(a, b []float32) bool {
	return len(a) == len(b) && len(a) > 0 && &a[0] == &b[0]
}
