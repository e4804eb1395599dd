package indexcache

import (
	"fmt"

	"memcore/internal/ann"
)

// SearchResult holds the nearest neighbors, closest first.
type SearchResult struct {
	IDs       []uint64   `json:"ids"`
	Distances []float32  `json:"distances"`
	Metric    ann.Metric `json:"metric"`
}

// Similarities converts distances into similarity scores: 1-d for cosine,
// -d for inner product and 1/(1+d) for squared L2.
func (r *SearchResult) Similarities() []float32 {
	out := make([]float32, len(r.Distances))
	for i, d := range r.Distances {
		out[i] = r.Metric.Similarity(d)
	}
	return out
}

// Search returns the k nearest neighbors of query in the tenant's index,
// including vectors that have not been flushed yet.
//
// With nothing pending the canonical index is searched directly. Otherwise
// the index is cloned with Snapshot, the pending vectors are inserted into
// the clone and the clone is searched and discarded. That copy costs O(n)
// in the index size on every search while writes are outstanding.
func (e *Engine) Search(tenant string, query []float32, k int) (*SearchResult, error) {
	if tenant == "" {
		return nil, ErrInvalidTenant
	}
	ent := e.lockEntry(tenant, false, 0)
	if ent == nil {
		return nil, fmt.Errorf("%w: tenant %s", ErrNoIndexFound, tenant)
	}
	base := ent.index
	if base == nil {
		ent.mu.Unlock()
		return nil, fmt.Errorf("%w: tenant %s", ErrNoIndexFound, tenant)
	}
	if want := base.Dimensions(); want != len(query) {
		ent.mu.Unlock()
		return nil, &DimensionMismatchError{Tenant: tenant, Expected: want, Actual: len(query)}
	}
	var pending map[uint64][]float32
	if len(ent.pending) > 0 {
		pending = make(map[uint64][]float32, len(ent.pending))
		for id, v := range ent.pending {
			pending[id] = v
		}
	}
	ent.mu.Unlock()

	e.metrics.RecordSearch(pending != nil)
	result := &SearchResult{Metric: ann.MetricOf(base)}
	if k <= 0 {
		return result, nil
	}

	view := base
	if pending != nil {
		merged, err := mergedView(base, pending)
		if err != nil {
			return nil, fmt.Errorf("indexcache: merged view for %s: %w", tenant, err)
		}
		view = merged
	}

	neighbors, err := view.Search(query, k)
	if err != nil {
		return nil, fmt.Errorf("indexcache: search %s: %w", tenant, err)
	}
	result.IDs = make([]uint64, len(neighbors))
	result.Distances = make([]float32, len(neighbors))
	for i, n := range neighbors {
		result.IDs[i] = n.ID
		result.Distances[i] = n.Distance
	}
	return result, nil
}

// mergedView returns a throwaway copy of base with pending inserted.
func mergedView(base ann.Index, pending map[uint64][]float32) (ann.Index, error) {
	view, err := base.Snapshot()
	if err != nil {
		return nil, err
	}
	if err := insertAll(view, pending); err != nil {
		return nil, err
	}
	return view, nil
}
