package ann

import (
	"errors"
	"math"
	"sort"
	"testing"
)

func TestEncodeDecode_HNSW(t *testing.T) {
	h, err := NewHNSW(3, 10, HNSWConfig{M: 8, Metric: L2})
	if err != nil {
		t.Fatalf("NewHNSW failed: %v", err)
	}
	h.Add(7, []float32{1, 0, 0})
	h.Add(8, []float32{0, 1, 0})
	h.Add(9, []float32{0, 0, 1})
	h.MarkDeleted(9)

	data, err := Encode(h)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	idx, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if idx.Kind() != KindHNSW {
		t.Errorf("expected kind hnsw, got %v", idx.Kind())
	}
	if idx.Dimensions() != 3 || idx.Capacity() != 10 || idx.Len() != 2 {
		t.Errorf("restored index has dims=%d cap=%d len=%d", idx.Dimensions(), idx.Capacity(), idx.Len())
	}
	if restored, ok := idx.(*HNSW); !ok || restored.Metric() != L2 {
		t.Errorf("metric not preserved")
	}

	ids := idx.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 8 {
		t.Errorf("unexpected ids after decode: %v", ids)
	}

	results, _ := idx.Search([]float32{0, 1, 0}, 1)
	if len(results) != 1 || results[0].ID != 8 {
		t.Errorf("search after decode failed: %v", results)
	}
}

func TestDecode_Corrupt(t *testing.T) {
	h, _ := NewHNSW(2, 0, HNSWConfig{})
	h.Add(1, []float32{1, 0})
	good, _ := Encode(h)

	cases := map[string][]byte{
		"empty":       nil,
		"bad magic":   append([]byte("XXXX"), good[4:]...),
		"bad version": append(append([]byte{}, good[:4]...), append([]byte{99}, good[5:]...)...),
		"bad kind":    append(append([]byte{}, good[:5]...), append([]byte{42}, good[6:]...)...),
		"truncated":   good[:len(good)/2],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(data); !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestParseMetricAndSimilarity(t *testing.T) {
	m, err := ParseMetric("")
	if err != nil || m != Cosine {
		t.Fatalf("expected default cosine, got %v, %v", m, err)
	}
	if _, err := ParseMetric("manhattan"); err == nil {
		t.Error("expected error for unknown metric")
	}

	if got := Cosine.Similarity(0.25); math.Abs(float64(got-0.75)) > 1e-6 {
		t.Errorf("cosine similarity = %v, want 0.75", got)
	}
	if got := L2.Similarity(1); math.Abs(float64(got-0.5)) > 1e-6 {
		t.Errorf("l2 similarity = %v, want 0.5", got)
	}
	if got := InnerProduct.Similarity(-3); got != 3 {
		t.Errorf("ip similarity = %v, want 3", got)
	}
}

func TestCosineDistance(t *testing.T) {
	if d := CosineDistance([]float32{1, 0}, []float32{1, 0}); math.Abs(float64(d)) > 1e-6 {
		t.Errorf("identical vectors distance = %v, want 0", d)
	}
	if d := CosineDistance([]float32{1, 0}, []float32{-1, 0}); math.Abs(float64(d-2)) > 1e-6 {
		t.Errorf("opposite vectors distance = %v, want 2", d)
	}
	if d := SquaredL2([]float32{0, 0}, []float32{3, 4}); d != 25 {
		t.Errorf("SquaredL2 = %v, want 25", d)
	}
}

func TestNewFactory(t *testing.T) {
	f, err := NewFactory(Config{})
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	idx, err := f(4, 0)
	if err != nil || idx.Kind() != KindHNSW || idx.Dimensions() != 4 {
		t.Fatalf("unexpected default index: %v, %v", idx, err)
	}

	if _, err := NewFactory(Config{Backend: KindChromem, Metric: L2}); err == nil {
		t.Error("expected chromem with l2 to be rejected")
	}
	if _, err := ParseKind("faiss"); err == nil {
		t.Error("expected unknown backend to be rejected")
	}
}
