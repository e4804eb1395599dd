package ann

import (
	"fmt"
	"math"
	"strings"
)

// Metric names the distance space an index is built in.
type Metric string

const (
	// Cosine distance, 1 - cos(a, b). Range [0, 2].
	Cosine Metric = "cosine"
	// L2 is squared Euclidean distance.
	L2 Metric = "l2"
	// InnerProduct distance is the negated dot product.
	InnerProduct Metric = "ip"
)

// ParseMetric converts a config string to a Metric. Empty means Cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(s))) {
	case "", Cosine:
		return Cosine, nil
	case L2, "euclidean":
		return L2, nil
	case InnerProduct, "dot":
		return InnerProduct, nil
	default:
		return "", fmt.Errorf("ann: unknown metric %q", s)
	}
}

// Similarity maps a distance in this metric to a score where larger is
// more similar. For Cosine this is 1 - d. For InnerProduct it is the dot
// product itself. For L2 it is 1 / (1 + d).
func (m Metric) Similarity(d float32) float32 {
	switch m {
	case L2:
		return 1 / (1 + d)
	case InnerProduct:
		return -d
	default:
		return 1 - d
	}
}

func (m Metric) distanceFunc() func(a, b []float32) float32 {
	switch m {
	case L2:
		return SquaredL2
	case InnerProduct:
		return func(a, b []float32) float32 { return -DotProduct(a, b) }
	default:
		return CosineDistance
	}
}

// DotProduct computes the dot product of two vectors.
func DotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm computes the L2 norm (magnitude) of a vector.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(DotProduct(v, v))))
}

// Normalize returns a unit vector in the same direction.
func Normalize(v []float32) []float32 {
	norm := Norm(v)
	if norm == 0 {
		return v
	}
	result := make([]float32, len(v))
	for i := range v {
		result[i] = v[i] / norm
	}
	return result
}

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 1 for identical directions, 0 for perpendicular, -1 for opposite.
func CosineSimilarity(a, b []float32) float32 {
	dot := DotProduct(a, b)
	normA := Norm(a)
	normB := Norm(b)
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}

// CosineDistance converts cosine similarity to a distance metric.
// Returns 0 for identical vectors, 2 for opposite vectors.
func CosineDistance(a, b []float32) float32 {
	return 1 - CosineSimilarity(a, b)
}

// SquaredL2 is the squared Euclidean distance between a and b.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
