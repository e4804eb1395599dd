package ann

import (
	"bytes"
	"container/heap"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// HNSWConfig configures the HNSW index.
type HNSWConfig struct {
	M              int     // Max connections per node (default 16)
	EfConstruction int     // Construction search depth (default 200)
	EfSearch       int     // Query search depth (default 50)
	LevelMult      float64 // Level multiplier (default 1/ln(M))
	Metric         Metric  // Distance space (default cosine)
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	if c.M < 2 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
	if c.LevelMult == 0 {
		c.LevelMult = 1.0 / math.Log(float64(c.M))
	}
	if c.Metric == "" {
		c.Metric = Cosine
	}
	return c
}

// hnswNode is an HNSW graph node. Fields are exported for gob serialization.
type hnswNode struct {
	Label     uint64
	Vector    []float32
	Level     int
	Deleted   bool
	Neighbors [][]uint32 // Neighbors[level] = list of neighbor indices
}

// HNSW is a Hierarchical Navigable Small World graph index.
//
// Deletion is soft: a deleted node keeps its slot and its graph edges so
// traversal stays connected, but it is never returned from Search.
type HNSW struct {
	nodes      []hnswNode
	labels     map[uint64]uint32 // live label -> node index
	entryPoint int32             // -1 if empty
	maxLevel   int
	dims       int
	capacity   int
	deleted    int
	cfg        HNSWConfig
	dist       func(a, b []float32) float32
	mu         sync.RWMutex
}

var _ Index = (*HNSW)(nil)

// NewHNSW creates an empty index for vectors of the given dimensionality.
func NewHNSW(dims, capacity int, cfg HNSWConfig) (*HNSW, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("ann: dimensions must be positive, got %d", dims)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cfg = cfg.withDefaults()
	return &HNSW{
		labels:     make(map[uint64]uint32),
		entryPoint: -1,
		dims:       dims,
		capacity:   capacity,
		cfg:        cfg,
		dist:       cfg.Metric.distanceFunc(),
	}, nil
}

func (h *HNSW) Kind() Kind      { return KindHNSW }
func (h *HNSW) Dimensions() int { return h.dims }

// Metric returns the distance space the index was built with.
func (h *HNSW) Metric() Metric { return h.cfg.Metric }

func (h *HNSW) Capacity() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.capacity
}

// Len returns the number of live vectors in the index.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.labels)
}

func (h *HNSW) IDs() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]uint64, 0, len(h.labels))
	for id := range h.labels {
		ids = append(ids, id)
	}
	return ids
}

// Add inserts a vector. An existing id is soft-deleted and replaced.
func (h *HNSW) Add(id uint64, vector []float32) error {
	if err := checkDims(h.dims, vector); err != nil {
		return err
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.nodes) >= h.capacity {
		return fmt.Errorf("%w: all %d slots in use", ErrCapacityExceeded, h.capacity)
	}
	if old, ok := h.labels[id]; ok {
		h.nodes[old].Deleted = true
		h.deleted++
	}
	h.addNode(id, vec)
	return nil
}

func (h *HNSW) addNode(id uint64, vec []float32) {
	level := h.randomLevel()
	idx := uint32(len(h.nodes))

	h.nodes = append(h.nodes, hnswNode{
		Label:     id,
		Vector:    vec,
		Level:     level,
		Neighbors: make([][]uint32, level+1),
	})
	h.labels[id] = idx

	if h.entryPoint < 0 {
		h.entryPoint = int32(idx)
		h.maxLevel = level
		return
	}

	// Find entry point at top level and descend
	curr := uint32(h.entryPoint)
	for l := h.maxLevel; l > level; l-- {
		curr = h.searchLayerOne(vec, curr, l)
	}

	// Insert at each level from level down to 0
	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, curr, h.cfg.EfConstruction, l)
		h.selectAndConnect(idx, candidates, l)
		if len(candidates) > 0 {
			curr = candidates[0].idx
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = int32(idx)
	}
}

func (h *HNSW) randomLevel() int {
	r := max(rand.Float64(), math.SmallestNonzeroFloat64)
	return min(int(-math.Log(r)*h.cfg.LevelMult), 16)
}

func (h *HNSW) searchLayerOne(query []float32, entry uint32, level int) uint32 {
	curr := entry
	currDist := h.dist(query, h.nodes[curr].Vector)

	for {
		changed := false
		if level < len(h.nodes[curr].Neighbors) {
			for _, neighbor := range h.nodes[curr].Neighbors[level] {
				dist := h.dist(query, h.nodes[neighbor].Vector)
				if dist < currDist {
					curr = neighbor
					currDist = dist
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}
	return curr
}

// searchLayer returns up to ef nodes closest to query on one layer,
// sorted by ascending distance.
func (h *HNSW) searchLayer(query []float32, entry uint32, ef, level int) []distItem {
	visited := map[uint32]struct{}{entry: {}}
	d := h.dist(query, h.nodes[entry].Vector)
	candidates := &minDistHeap{{idx: entry, dist: d}}
	results := &maxDistHeap{{idx: entry, dist: d}}

	for candidates.Len() > 0 {
		curr := heap.Pop(candidates).(distItem)
		if results.Len() >= ef && curr.dist > (*results)[0].dist {
			break
		}

		node := &h.nodes[curr.idx]
		if level >= len(node.Neighbors) {
			continue
		}
		for _, neighbor := range node.Neighbors[level] {
			if _, seen := visited[neighbor]; seen {
				continue
			}
			visited[neighbor] = struct{}{}

			nDist := h.dist(query, h.nodes[neighbor].Vector)
			if results.Len() < ef || nDist < (*results)[0].dist {
				heap.Push(candidates, distItem{idx: neighbor, dist: nDist})
				heap.Push(results, distItem{idx: neighbor, dist: nDist})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]distItem, len(*results))
	copy(out, *results)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out
}

func (h *HNSW) selectAndConnect(idx uint32, candidates []distItem, level int) {
	m := h.cfg.M
	if level == 0 {
		m = h.cfg.M * 2
	}

	selected := candidates
	if len(selected) > m {
		selected = selected[:m]
	}

	// Connect bidirectionally
	own := make([]uint32, 0, len(selected))
	for _, c := range selected {
		own = append(own, c.idx)
	}
	h.nodes[idx].Neighbors[level] = own

	for _, c := range selected {
		n := &h.nodes[c.idx]
		if level >= len(n.Neighbors) {
			continue
		}
		n.Neighbors[level] = append(n.Neighbors[level], idx)
		if len(n.Neighbors[level]) > m {
			h.pruneConnections(c.idx, level, m)
		}
	}
}

func (h *HNSW) pruneConnections(idx uint32, level, m int) {
	neighbors := h.nodes[idx].Neighbors[level]
	if len(neighbors) <= m {
		return
	}

	// Sort by distance to idx and keep closest M
	nds := make([]distItem, len(neighbors))
	for i, n := range neighbors {
		nds[i] = distItem{idx: n, dist: h.dist(h.nodes[idx].Vector, h.nodes[n].Vector)}
	}
	sort.Slice(nds, func(i, j int) bool { return nds[i].dist < nds[j].dist })

	kept := make([]uint32, m)
	for i := 0; i < m; i++ {
		kept[i] = nds[i].idx
	}
	h.nodes[idx].Neighbors[level] = kept
}

// Search returns the k nearest live neighbors to the query.
func (h *HNSW) Search(query []float32, k int) ([]Neighbor, error) {
	if err := checkDims(h.dims, query); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint < 0 || k <= 0 || len(h.labels) == 0 {
		return nil, nil
	}

	// Descend from top to level 0
	curr := uint32(h.entryPoint)
	for l := h.maxLevel; l > 0; l-- {
		curr = h.searchLayerOne(query, curr, l)
	}

	// Widen the beam by the number of tombstones so deleted nodes
	// don't crowd live ones out of the top k.
	ef := max(h.cfg.EfSearch, k+h.deleted)
	candidates := h.searchLayer(query, curr, ef, 0)

	results := make([]Neighbor, 0, min(k, len(candidates)))
	for _, c := range candidates {
		n := &h.nodes[c.idx]
		if n.Deleted {
			continue
		}
		results = append(results, Neighbor{ID: n.Label, Distance: c.dist})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// MarkDeleted soft-deletes id.
func (h *HNSW) MarkDeleted(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, ok := h.labels[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	h.nodes[idx].Deleted = true
	delete(h.labels, id)
	h.deleted++
	return nil
}

// Resize changes the slot capacity. It cannot shrink below the slots in use.
func (h *HNSW) Resize(capacity int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if capacity < len(h.nodes) {
		return fmt.Errorf("ann: cannot resize to %d, %d slots in use", capacity, len(h.nodes))
	}
	h.capacity = capacity
	return nil
}

// hnswData is the serializable representation of the HNSW index.
type hnswData struct {
	Dims       int
	Capacity   int
	Nodes      []hnswNode
	EntryPoint int32
	MaxLevel   int
	Cfg        HNSWConfig
}

// Marshal serializes the index.
func (h *HNSW) Marshal() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data := hnswData{
		Dims:       h.dims,
		Capacity:   h.capacity,
		Nodes:      h.nodes,
		EntryPoint: h.entryPoint,
		MaxLevel:   h.maxLevel,
		Cfg:        h.cfg,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Snapshot returns a deep copy produced by a Marshal round trip.
func (h *HNSW) Snapshot() (Index, error) {
	data, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	return unmarshalHNSW(data)
}

func unmarshalHNSW(payload []byte) (*HNSW, error) {
	var d hnswData
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if d.Dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions %d", ErrCorrupt, d.Dims)
	}
	if d.EntryPoint < -1 || int(d.EntryPoint) >= len(d.Nodes) {
		return nil, fmt.Errorf("%w: entry point %d out of range", ErrCorrupt, d.EntryPoint)
	}

	h, err := NewHNSW(d.Dims, max(d.Capacity, len(d.Nodes)), d.Cfg)
	if err != nil {
		return nil, err
	}
	h.nodes = d.Nodes
	h.entryPoint = d.EntryPoint
	h.maxLevel = d.MaxLevel

	for i := range h.nodes {
		n := &h.nodes[i]
		if len(n.Vector) != d.Dims {
			return nil, fmt.Errorf("%w: node %d has %d dimensions, want %d", ErrCorrupt, i, len(n.Vector), d.Dims)
		}
		for _, layer := range n.Neighbors {
			for _, nb := range layer {
				if int(nb) >= len(h.nodes) {
					return nil, fmt.Errorf("%w: node %d links to missing node %d", ErrCorrupt, i, nb)
				}
			}
		}
		if n.Deleted {
			h.deleted++
			continue
		}
		h.labels[n.Label] = uint32(i)
	}
	return h, nil
}

// distItem for priority queues
type distItem struct {
	idx  uint32
	dist float32
}

// minDistHeap pops the closest item first.
type minDistHeap []distItem

func (h minDistHeap) Len() int           { return len(h) }
func (h minDistHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *minDistHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// maxDistHeap keeps the farthest item on top for result pruning.
type maxDistHeap []distItem

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *maxDistHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
