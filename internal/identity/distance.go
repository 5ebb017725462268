package identity

import (
	"fmt"
	"math"

	"github.com/coder/hnsw"
)

// Metric selects the distance function used for matching.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
)

// ParseMetric validates a configured metric name.
func ParseMetric(name string) (Metric, error) {
	switch Metric(name) {
	case MetricCosine, MetricEuclidean:
		return Metric(name), nil
	}
	return "", fmt.Errorf("unknown distance metric %q", name)
}

// Distance computes the distance between two equally sized vectors.
// Accumulation happens in float64 so results do not depend on vector order.
func (m Metric) Distance(a, b []float32) float64 {
	switch m {
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	default:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	}
}

func (m Metric) graphDistance() hnsw.DistanceFunc {
	if m == MetricEuclidean {
		return hnsw.EuclideanDistance
	}
	return hnsw.CosineDistance
}
