// Package ann provides the approximate nearest-neighbor indexes that back
// each tenant's memory cache.
//
// Two backends implement [Index]: an in-process HNSW graph ([HNSW]) and an
// exact-search backend built on chromem-go ([Chromem]). Both can be encoded
// into a self-describing byte buffer with [Encode] and restored with
// [Decode], which is how indexes travel to and from the blob store.
package ann

import (
	"errors"
	"fmt"
	"strings"
)

// Default sizing used when a caller has no better estimate.
const DefaultCapacity = 1000

var (
	ErrDimensionMismatch = errors.New("ann: vector dimension mismatch")
	ErrCapacityExceeded  = errors.New("ann: index capacity exceeded")
	ErrNotFound          = errors.New("ann: id not found")
	ErrCorrupt           = errors.New("ann: corrupt index data")
)

// Neighbor is a single search hit.
type Neighbor struct {
	ID       uint64
	Distance float32
}

// Index is a fixed-dimension nearest-neighbor index keyed by integer ids.
//
// Implementations are safe for concurrent use.
type Index interface {
	// Kind identifies the backend for encoding.
	Kind() Kind

	// Dimensions is the vector size fixed at construction.
	Dimensions() int

	// Capacity is the number of slots available before Add fails.
	// Soft-deleted entries still occupy a slot.
	Capacity() int

	// Len returns the number of live (not deleted) vectors.
	Len() int

	// IDs returns the live ids in unspecified order.
	IDs() []uint64

	// Add inserts a vector. Re-adding an existing id replaces it.
	Add(id uint64, vector []float32) error

	// Search returns up to k nearest neighbors, closest first.
	Search(query []float32, k int) ([]Neighbor, error)

	// MarkDeleted soft-deletes an id so it no longer appears in results.
	MarkDeleted(id uint64) error

	// Resize grows the slot capacity.
	Resize(capacity int) error

	// Marshal serializes the backend-specific payload. Use Encode for a
	// buffer that Decode can read back.
	Marshal() ([]byte, error)

	// Snapshot returns an independent deep copy. Neither backend supports
	// copy-on-write, so this is a full serialize and deserialize: O(n) in
	// both time and memory.
	Snapshot() (Index, error)
}

// Kind is the backend identifier stored in encoded buffers.
type Kind uint8

const (
	KindHNSW    Kind = 1
	KindChromem Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindHNSW:
		return "hnsw"
	case KindChromem:
		return "chromem"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind converts a config string to a Kind. Empty means HNSW.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hnsw":
		return KindHNSW, nil
	case "chromem", "exact":
		return KindChromem, nil
	default:
		return 0, fmt.Errorf("ann: unknown backend %q", s)
	}
}

// Config selects and tunes a backend.
type Config struct {
	Backend        Kind
	Metric         Metric
	M              int
	EfConstruction int
	EfSearch       int
}

// Factory builds an empty index for the given dimensionality and capacity.
type Factory func(dims, capacity int) (Index, error)

// NewFactory returns a Factory for the configured backend.
func NewFactory(cfg Config) (Factory, error) {
	if cfg.Metric == "" {
		cfg.Metric = Cosine
	}
	switch cfg.Backend {
	case 0, KindHNSW:
		hc := HNSWConfig{
			M:              cfg.M,
			EfConstruction: cfg.EfConstruction,
			EfSearch:       cfg.EfSearch,
			Metric:         cfg.Metric,
		}
		return func(dims, capacity int) (Index, error) {
			return NewHNSW(dims, capacity, hc)
		}, nil
	case KindChromem:
		if cfg.Metric != Cosine {
			return nil, fmt.Errorf("ann: chromem backend only supports %s, got %s", Cosine, cfg.Metric)
		}
		return func(dims, capacity int) (Index, error) {
			return NewChromem(dims, capacity)
		}, nil
	default:
		return nil, fmt.Errorf("ann: unknown backend %v", cfg.Backend)
	}
}

// MetricOf reports the distance space an index measures in.
func MetricOf(idx Index) Metric {
	if m, ok := idx.(interface{ Metric() Metric }); ok {
		return m.Metric()
	}
	return Cosine
}

func checkDims(want int, v []float32) error {
	if len(v) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), want)
	}
	return nil
}
