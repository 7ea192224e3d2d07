package model

import (
	"fmt"
	"sort"
)

// KNNConfig configures the brute-force nearest-neighbor baseline.
type KNNConfig struct {
	K *int `json:"k,omitempty"`
}

// GetK returns the neighbor count (default 5).
func (c *KNNConfig) GetK() int {
	if c.K == nil {
		return 5
	}
	return *c.K
}

// Validate rejects out-of-range hyperparameters.
func (c *KNNConfig) Validate() error {
	if c.GetK() < 1 {
		return fmt.Errorf("k must be >= 1, got %d", c.GetK())
	}
	return nil
}

// KNN is a brute-force k-nearest-neighbor classifier. It keeps the
// training matrix and votes among the k closest rows by squared
// Euclidean distance. Sample weights are ignored; the baseline is
// deliberately the classical unweighted form.
type KNN struct {
	K           int
	TrainX      [][]float64
	TrainY      []int
	ClassList   []int
	NumFeatures int
}

// NewKNN resolves a config into an unfitted classifier.
func NewKNN(cfg KNNConfig) *KNN {
	return &KNN{K: cfg.GetK()}
}

// Fit stores the training set.
func (m *KNN) Fit(X [][]float64, y []int, w []float64) error {
	n := len(X)
	if n == 0 {
		return fmt.Errorf("no training samples")
	}
	if len(y) != n {
		return fmt.Errorf("%d labels for %d samples", len(y), n)
	}
	if m.K > n {
		return fmt.Errorf("k=%d exceeds %d training points", m.K, n)
	}
	m.TrainX = X
	m.TrainY = y
	m.ClassList = distinctSorted(y)
	m.NumFeatures = len(X[0])
	return nil
}

func (m *KNN) nearest(x []float64) []int {
	d2 := make([]float64, len(m.TrainX))
	for i, t := range m.TrainX {
		s := 0.0
		for j := range t {
			d := x[j] - t[j]
			s += d * d
		}
		d2[i] = s
	}
	order := make([]int, len(m.TrainX))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if d2[order[a]] != d2[order[b]] {
			return d2[order[a]] < d2[order[b]]
		}
		return order[a] < order[b]
	})
	return order[:m.K]
}

// Predict votes among the k nearest training rows. Ties resolve to the
// smaller class value.
func (m *KNN) Predict(X [][]float64) ([]int, error) {
	if m.TrainX == nil {
		return nil, fmt.Errorf("knn is not fitted")
	}
	out := make([]int, len(X))
	for r, x := range X {
		if len(x) != m.NumFeatures {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", r, len(x), m.NumFeatures)
		}
		votes := make(map[int]int)
		for _, i := range m.nearest(x) {
			votes[m.TrainY[i]]++
		}
		best, bestN := 0, -1
		for _, c := range m.ClassList {
			if n := votes[c]; n > bestN {
				best, bestN = c, n
			}
		}
		out[r] = best
	}
	return out, nil
}

// PredictProba returns neighbor vote fractions, columns aligned with
// Classes().
func (m *KNN) PredictProba(X [][]float64) ([][]float64, error) {
	if m.TrainX == nil {
		return nil, fmt.Errorf("knn is not fitted")
	}
	col := make(map[int]int, len(m.ClassList))
	for k, c := range m.ClassList {
		col[c] = k
	}
	out := make([][]float64, len(X))
	for r, x := range X {
		if len(x) != m.NumFeatures {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", r, len(x), m.NumFeatures)
		}
		p := make([]float64, len(m.ClassList))
		for _, i := range m.nearest(x) {
			p[col[m.TrainY[i]]] += 1.0 / float64(m.K)
		}
		out[r] = p
	}
	return out, nil
}

// Classes returns the sorted class values seen at fit time.
func (m *KNN) Classes() []int { return m.ClassList }
