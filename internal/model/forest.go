package model

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// RandomForestConfig extends the tree hyperparameters with ensemble
// controls. With MaxFeatures unset, each split draws sqrt(d) candidate
// features, the usual forest default.
type RandomForestConfig struct {
	DecisionTreeConfig
	NumTrees    *int     `json:"num_trees,omitempty"`
	SampleRatio *float64 `json:"sample_ratio,omitempty"`
}

// GetNumTrees returns the ensemble size (default 100).
func (c *RandomForestConfig) GetNumTrees() int {
	if c.NumTrees == nil {
		return 100
	}
	return *c.NumTrees
}

// GetSampleRatio returns the bootstrap sample size as a fraction of the
// training set (default 1.0).
func (c *RandomForestConfig) GetSampleRatio() float64 {
	if c.SampleRatio == nil {
		return 1.0
	}
	return *c.SampleRatio
}

// Validate rejects out-of-range hyperparameters.
func (c *RandomForestConfig) Validate() error {
	if err := c.DecisionTreeConfig.Validate(); err != nil {
		return err
	}
	if c.GetNumTrees() < 1 {
		return fmt.Errorf("num_trees must be >= 1, got %d", c.GetNumTrees())
	}
	if r := c.GetSampleRatio(); r <= 0 || r > 1 {
		return fmt.Errorf("sample_ratio must be in (0, 1], got %g", r)
	}
	return nil
}

// RandomForest bags seeded CART trees over bootstrap samples. Tree b
// always fits with seed Seed+b, so a forest is bit-reproducible for a
// given seed regardless of how the tree fits are scheduled.
type RandomForest struct {
	NumTrees        int
	SampleRatio     float64
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int
	Criterion       string
	Seed            int64

	Trees       []*DecisionTree
	ClassList   []int
	NumFeatures int
}

// NewRandomForest resolves a config into an unfitted forest.
func NewRandomForest(cfg RandomForestConfig, seed int64) *RandomForest {
	return &RandomForest{
		NumTrees:        cfg.GetNumTrees(),
		SampleRatio:     cfg.GetSampleRatio(),
		MaxDepth:        cfg.GetMaxDepth(),
		MinSamplesSplit: cfg.GetMinSamplesSplit(),
		MinSamplesLeaf:  cfg.GetMinSamplesLeaf(),
		MaxFeatures:     cfg.GetMaxFeatures(),
		Criterion:       cfg.GetCriterion(),
		Seed:            seed,
	}
}

// Fit grows every tree, one goroutine per tree.
func (f *RandomForest) Fit(X [][]float64, y []int, w []float64) error {
	n := len(X)
	if n == 0 {
		return fmt.Errorf("no training samples")
	}
	f.NumFeatures = len(X[0])
	f.ClassList = distinctSorted(y)

	maxFeat := f.MaxFeatures
	if maxFeat == 0 {
		maxFeat = int(math.Sqrt(float64(f.NumFeatures)))
		if maxFeat < 1 {
			maxFeat = 1
		}
	}
	sampleN := int(f.SampleRatio * float64(n))
	if sampleN < 1 {
		sampleN = 1
	}

	f.Trees = make([]*DecisionTree, f.NumTrees)
	errs := make([]error, f.NumTrees)
	var wg sync.WaitGroup
	for b := 0; b < f.NumTrees; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(f.Seed + int64(b)))
			Xb := make([][]float64, sampleN)
			yb := make([]int, sampleN)
			var wb []float64
			if w != nil {
				wb = make([]float64, sampleN)
			}
			for s := 0; s < sampleN; s++ {
				i := rng.Intn(n)
				Xb[s] = X[i]
				yb[s] = y[i]
				if w != nil {
					wb[s] = w[i]
				}
			}
			t := &DecisionTree{
				MaxDepth:        f.MaxDepth,
				MinSamplesSplit: f.MinSamplesSplit,
				MinSamplesLeaf:  f.MinSamplesLeaf,
				MaxFeatures:     maxFeat,
				Criterion:       f.Criterion,
				Seed:            f.Seed + int64(b),
			}
			errs[b] = t.Fit(Xb, yb, wb)
			f.Trees[b] = t
		}(b)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Predict majority-votes the trees. Ties resolve to the smaller class
// value.
func (f *RandomForest) Predict(X [][]float64) ([]int, error) {
	if len(f.Trees) == 0 {
		return nil, fmt.Errorf("random forest is not fitted")
	}
	votes := make([]map[int]int, len(X))
	for r := range votes {
		votes[r] = make(map[int]int)
	}
	for _, t := range f.Trees {
		preds, err := t.Predict(X)
		if err != nil {
			return nil, err
		}
		for r, p := range preds {
			votes[r][p]++
		}
	}
	out := make([]int, len(X))
	for r, v := range votes {
		best, bestN := 0, -1
		for _, c := range f.ClassList {
			if n := v[c]; n > bestN {
				best, bestN = c, n
			}
		}
		out[r] = best
	}
	return out, nil
}

// PredictProba averages the trees' leaf distributions, columns aligned
// with Classes(). Trees whose bootstrap missed a class contribute zero
// to that column.
func (f *RandomForest) PredictProba(X [][]float64) ([][]float64, error) {
	if len(f.Trees) == 0 {
		return nil, fmt.Errorf("random forest is not fitted")
	}
	col := make(map[int]int, len(f.ClassList))
	for k, c := range f.ClassList {
		col[c] = k
	}
	out := make([][]float64, len(X))
	for r := range out {
		out[r] = make([]float64, len(f.ClassList))
	}
	for _, t := range f.Trees {
		probs, err := t.PredictProba(X)
		if err != nil {
			return nil, err
		}
		for r, p := range probs {
			for k, c := range t.ClassList {
				out[r][col[c]] += p[k]
			}
		}
	}
	inv := 1.0 / float64(len(f.Trees))
	for r := range out {
		for k := range out[r] {
			out[r][k] *= inv
		}
	}
	return out, nil
}

// Classes returns the sorted class values seen at fit time.
func (f *RandomForest) Classes() []int { return f.ClassList }

// FeatureImportance sums each tree's weighted impurity decreases and
// normalizes them to sum to one.
func (f *RandomForest) FeatureImportance() []float64 {
	imp := make([]float64, f.NumFeatures)
	for _, t := range f.Trees {
		for j, v := range t.FeatImportance {
			imp[j] += v
		}
	}
	total := 0.0
	for _, v := range imp {
		total += v
	}
	if total > 0 {
		for j := range imp {
			imp[j] /= total
		}
	}
	return imp
}
