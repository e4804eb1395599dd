package ann

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const chromemCollection = "vectors"

// Chromem is an exact (brute-force) cosine index backed by chromem-go.
// It trades query speed for perfect recall and is useful for small tenants
// or as a reference when tuning HNSW parameters.
type Chromem struct {
	db       *chromem.DB
	col      *chromem.Collection
	ids      map[uint64]struct{}
	dims     int
	capacity int
	mu       sync.RWMutex
}

var _ Index = (*Chromem)(nil)

// NewChromem creates an empty chromem-backed index.
func NewChromem(dims, capacity int) (*Chromem, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("ann: dimensions must be positive, got %d", dims)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	db := chromem.NewDB()
	// No embedding func: vectors always arrive pre-computed.
	col, err := db.CreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ann: create collection: %w", err)
	}
	return &Chromem{
		db:       db,
		col:      col,
		ids:      make(map[uint64]struct{}),
		dims:     dims,
		capacity: capacity,
	}, nil
}

func (c *Chromem) Kind() Kind      { return KindChromem }
func (c *Chromem) Dimensions() int { return c.dims }

// Metric is always cosine; chromem normalizes every embedding.
func (c *Chromem) Metric() Metric { return Cosine }

func (c *Chromem) Capacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

func (c *Chromem) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

func (c *Chromem) IDs() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint64, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	return out
}

func (c *Chromem) Add(id uint64, vector []float32) error {
	if err := checkDims(c.dims, vector); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.ids[id]; !exists && len(c.ids) >= c.capacity {
		return fmt.Errorf("%w: all %d slots in use", ErrCapacityExceeded, c.capacity)
	}

	// chromem normalizes in place; hand it a copy.
	vec := make([]float32, len(vector))
	copy(vec, vector)
	err := c.col.AddDocument(context.Background(), chromem.Document{
		ID:        strconv.FormatUint(id, 10),
		Embedding: vec,
	})
	if err != nil {
		return fmt.Errorf("ann: add document %d: %w", id, err)
	}
	c.ids[id] = struct{}{}
	return nil
}

func (c *Chromem) Search(query []float32, k int) ([]Neighbor, error) {
	if err := checkDims(c.dims, query); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	// chromem-go rejects nResults larger than the collection.
	n := min(k, c.col.Count())
	if n <= 0 {
		return nil, nil
	}
	results, err := c.col.QueryEmbedding(context.Background(), query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ann: chromem query: %w", err)
	}

	out := make([]Neighbor, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseUint(r.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: document id %q", ErrCorrupt, r.ID)
		}
		out = append(out, Neighbor{ID: id, Distance: 1 - r.Similarity})
	}
	return out, nil
}

func (c *Chromem) MarkDeleted(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err := c.col.Delete(context.Background(), nil, nil, strconv.FormatUint(id, 10)); err != nil {
		return fmt.Errorf("ann: delete document %d: %w", id, err)
	}
	delete(c.ids, id)
	return nil
}

func (c *Chromem) Resize(capacity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if capacity < len(c.ids) {
		return fmt.Errorf("ann: cannot resize to %d, %d slots in use", capacity, len(c.ids))
	}
	c.capacity = capacity
	return nil
}

// chromemData wraps a chromem-go export with the fields chromem does not
// track itself.
type chromemData struct {
	Dims     int
	Capacity int
	IDs      []uint64
	Export   []byte
}

func (c *Chromem) Marshal() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var export bytes.Buffer
	if err := c.db.ExportToWriter(&export, false, "", chromemCollection); err != nil {
		return nil, fmt.Errorf("ann: chromem export: %w", err)
	}
	d := chromemData{
		Dims:     c.dims,
		Capacity: c.capacity,
		IDs:      make([]uint64, 0, len(c.ids)),
		Export:   export.Bytes(),
	}
	for id := range c.ids {
		d.IDs = append(d.IDs, id)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Chromem) Snapshot() (Index, error) {
	data, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	return unmarshalChromem(data)
}

func unmarshalChromem(payload []byte) (*Chromem, error) {
	var d chromemData
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if d.Dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions %d", ErrCorrupt, d.Dims)
	}

	db := chromem.NewDB()
	if err := db.ImportFromReader(bytes.NewReader(d.Export), "", chromemCollection); err != nil {
		return nil, fmt.Errorf("%w: chromem import: %v", ErrCorrupt, err)
	}
	col := db.GetCollection(chromemCollection, nil)
	if col == nil {
		return nil, fmt.Errorf("%w: collection %q missing", ErrCorrupt, chromemCollection)
	}

	c := &Chromem{
		db:       db,
		col:      col,
		ids:      make(map[uint64]struct{}, len(d.IDs)),
		dims:     d.Dims,
		capacity: max(d.Capacity, len(d.IDs)),
	}
	for _, id := range d.IDs {
		c.ids[id] = struct{}{}
	}
	if col.Count() != len(c.ids) {
		return nil, fmt.Errorf("%w: %d documents for %d ids", ErrCorrupt, col.Count(), len(c.ids))
	}
	return c, nil
}
