package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// DecisionTreeConfig is the hyperparameter set of a single CART tree.
// Pointer fields distinguish "absent" from zero; the Get accessors
// return the documented defaults.
type DecisionTreeConfig struct {
	MaxDepth        *int    `json:"max_depth,omitempty"`
	MinSamplesSplit *int    `json:"min_samples_split,omitempty"`
	MinSamplesLeaf  *int    `json:"min_samples_leaf,omitempty"`
	MaxFeatures     *int    `json:"max_features,omitempty"`
	Criterion       *string `json:"criterion,omitempty"`
}

// GetMaxDepth returns the depth cap (default 12).
func (c *DecisionTreeConfig) GetMaxDepth() int {
	if c.MaxDepth == nil {
		return 12
	}
	return *c.MaxDepth
}

// GetMinSamplesSplit returns the minimum node size to attempt a split
// (default 2).
func (c *DecisionTreeConfig) GetMinSamplesSplit() int {
	if c.MinSamplesSplit == nil {
		return 2
	}
	return *c.MinSamplesSplit
}

// GetMinSamplesLeaf returns the minimum samples either child must keep
// (default 1).
func (c *DecisionTreeConfig) GetMinSamplesLeaf() int {
	if c.MinSamplesLeaf == nil {
		return 1
	}
	return *c.MinSamplesLeaf
}

// GetMaxFeatures returns how many features each split considers;
// 0 means all.
func (c *DecisionTreeConfig) GetMaxFeatures() int {
	if c.MaxFeatures == nil {
		return 0
	}
	return *c.MaxFeatures
}

// GetCriterion returns the impurity criterion (default "gini").
func (c *DecisionTreeConfig) GetCriterion() string {
	if c.Criterion == nil {
		return "gini"
	}
	return *c.Criterion
}

// Validate rejects out-of-range hyperparameters.
func (c *DecisionTreeConfig) Validate() error {
	if c.GetMaxDepth() < 1 {
		return fmt.Errorf("max_depth must be >= 1, got %d", c.GetMaxDepth())
	}
	if c.GetMinSamplesSplit() < 2 {
		return fmt.Errorf("min_samples_split must be >= 2, got %d", c.GetMinSamplesSplit())
	}
	if c.GetMinSamplesLeaf() < 1 {
		return fmt.Errorf("min_samples_leaf must be >= 1, got %d", c.GetMinSamplesLeaf())
	}
	if c.GetMaxFeatures() < 0 {
		return fmt.Errorf("max_features must be >= 0, got %d", c.GetMaxFeatures())
	}
	switch c.GetCriterion() {
	case "gini", "entropy":
	default:
		return fmt.Errorf("criterion must be gini or entropy, got %q", c.GetCriterion())
	}
	return nil
}

// TreeNode is one node of a fitted tree. Exported fields keep the tree
// gob-serializable for bundles and the run store.
type TreeNode struct {
	Leaf        bool
	Feature     int
	Threshold   float64
	MissingLeft bool // which branch NaN values follow
	Counts      []float64
	Left, Right *TreeNode
}

// DecisionTree is a CART classifier over continuous features. NaN
// feature values are legal at both fit and predict time: fitting sends
// them to the heavier child of each split and records the direction.
type DecisionTree struct {
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int
	Criterion       string
	Seed            int64

	Root        *TreeNode
	ClassList   []int
	NumFeatures int

	// FeatImportance accumulates weighted impurity decrease per
	// feature during fitting.
	FeatImportance []float64
}

// NewDecisionTree resolves a config into an unfitted tree.
func NewDecisionTree(cfg DecisionTreeConfig, seed int64) *DecisionTree {
	return &DecisionTree{
		MaxDepth:        cfg.GetMaxDepth(),
		MinSamplesSplit: cfg.GetMinSamplesSplit(),
		MinSamplesLeaf:  cfg.GetMinSamplesLeaf(),
		MaxFeatures:     cfg.GetMaxFeatures(),
		Criterion:       cfg.GetCriterion(),
		Seed:            seed,
	}
}

// Fit grows the tree. w is an optional sample weight vector; nil means
// uniform weights.
func (t *DecisionTree) Fit(X [][]float64, y []int, w []float64) error {
	n := len(X)
	if n == 0 {
		return fmt.Errorf("no training samples")
	}
	if len(y) != n {
		return fmt.Errorf("%d labels for %d samples", len(y), n)
	}
	if w != nil && len(w) != n {
		return fmt.Errorf("%d weights for %d samples", len(w), n)
	}
	if w == nil {
		w = make([]float64, n)
		for i := range w {
			w[i] = 1
		}
	}
	t.NumFeatures = len(X[0])
	t.ClassList = distinctSorted(y)
	t.FeatImportance = make([]float64, t.NumFeatures)

	ci := make(map[int]int, len(t.ClassList))
	for k, c := range t.ClassList {
		ci[c] = k
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewSource(t.Seed))
	t.Root = t.build(X, y, w, ci, idx, 0, rng)
	return nil
}

func distinctSorted(y []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, v := range y {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func (t *DecisionTree) impurity(counts []float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	if t.Criterion == "entropy" {
		e := 0.0
		for _, c := range counts {
			if c > 0 {
				p := c / total
				e -= p * math.Log2(p)
			}
		}
		return e
	}
	g := 1.0
	for _, c := range counts {
		p := c / total
		g -= p * p
	}
	return g
}

type splitChoice struct {
	found     bool
	feature   int
	threshold float64
	gain      float64
}

func (t *DecisionTree) build(X [][]float64, y []int, w []float64, ci map[int]int, idx []int, depth int, rng *rand.Rand) *TreeNode {
	counts := make([]float64, len(t.ClassList))
	total := 0.0
	for _, i := range idx {
		counts[ci[y[i]]] += w[i]
		total += w[i]
	}
	leaf := &TreeNode{Leaf: true, Counts: counts}
	if depth >= t.MaxDepth || len(idx) < t.MinSamplesSplit || isPure(counts) {
		return leaf
	}

	best := t.findBestSplit(X, y, w, ci, idx, rng)
	if !best.found || best.gain <= 0 {
		return leaf
	}

	var left, right, missing []int
	var leftW, rightW float64
	for _, i := range idx {
		v := X[i][best.feature]
		switch {
		case math.IsNaN(v):
			missing = append(missing, i)
		case v <= best.threshold:
			left = append(left, i)
			leftW += w[i]
		default:
			right = append(right, i)
			rightW += w[i]
		}
	}
	if len(left) < t.MinSamplesLeaf || len(right) < t.MinSamplesLeaf {
		return leaf
	}
	missingLeft := leftW >= rightW
	if missingLeft {
		left = append(left, missing...)
	} else {
		right = append(right, missing...)
	}

	t.FeatImportance[best.feature] += best.gain * total

	return &TreeNode{
		Feature:     best.feature,
		Threshold:   best.threshold,
		MissingLeft: missingLeft,
		Left:        t.build(X, y, w, ci, left, depth+1, rng),
		Right:       t.build(X, y, w, ci, right, depth+1, rng),
	}
}

func isPure(counts []float64) bool {
	nonzero := 0
	for _, c := range counts {
		if c > 0 {
			nonzero++
		}
	}
	return nonzero <= 1
}

// findBestSplit scans candidate features for the threshold with the
// highest weighted impurity decrease. NaN rows are left out of the
// scan; they rejoin the heavier child afterwards.
func (t *DecisionTree) findBestSplit(X [][]float64, y []int, w []float64, ci map[int]int, idx []int, rng *rand.Rand) splitChoice {
	var best splitChoice
	feats := t.featureSubset(rng)

	type valIdx struct {
		v float64
		i int
	}
	for _, f := range feats {
		clean := make([]valIdx, 0, len(idx))
		for _, i := range idx {
			if v := X[i][f]; !math.IsNaN(v) {
				clean = append(clean, valIdx{v, i})
			}
		}
		if len(clean) < 2 {
			continue
		}
		sort.Slice(clean, func(a, b int) bool {
			if clean[a].v != clean[b].v {
				return clean[a].v < clean[b].v
			}
			return clean[a].i < clean[b].i
		})

		cleanCounts := make([]float64, len(t.ClassList))
		cleanTotal := 0.0
		for _, e := range clean {
			cleanCounts[ci[y[e.i]]] += w[e.i]
			cleanTotal += w[e.i]
		}
		parent := t.impurity(cleanCounts, cleanTotal)

		leftCounts := make([]float64, len(t.ClassList))
		rightCounts := append([]float64(nil), cleanCounts...)
		leftTotal := 0.0
		for j := 0; j < len(clean)-1; j++ {
			wi := w[clean[j].i]
			k := ci[y[clean[j].i]]
			leftCounts[k] += wi
			rightCounts[k] -= wi
			leftTotal += wi
			if clean[j].v == clean[j+1].v {
				continue
			}
			rightTotal := cleanTotal - leftTotal
			child := (leftTotal*t.impurity(leftCounts, leftTotal) +
				rightTotal*t.impurity(rightCounts, rightTotal)) / cleanTotal
			gain := parent - child
			if gain > best.gain+1e-12 {
				best = splitChoice{
					found:     true,
					feature:   f,
					threshold: (clean[j].v + clean[j+1].v) / 2,
					gain:      gain,
				}
			}
		}
	}
	return best
}

// featureSubset returns the features each split may use: all of them in
// order, or a seeded random draw of MaxFeatures, sorted so the split
// scan stays deterministic.
func (t *DecisionTree) featureSubset(rng *rand.Rand) []int {
	d := t.NumFeatures
	m := t.MaxFeatures
	if m <= 0 || m >= d {
		all := make([]int, d)
		for i := range all {
			all[i] = i
		}
		return all
	}
	perm := rng.Perm(d)[:m]
	sort.Ints(perm)
	return perm
}

func (t *DecisionTree) leafFor(x []float64) *TreeNode {
	node := t.Root
	for !node.Leaf {
		v := x[node.Feature]
		goLeft := false
		if math.IsNaN(v) {
			goLeft = node.MissingLeft
		} else {
			goLeft = v <= node.Threshold
		}
		if goLeft {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node
}

// Predict returns the majority class per row. Ties resolve to the
// smaller class value.
func (t *DecisionTree) Predict(X [][]float64) ([]int, error) {
	if t.Root == nil {
		return nil, fmt.Errorf("decision tree is not fitted")
	}
	out := make([]int, len(X))
	for r, x := range X {
		if len(x) != t.NumFeatures {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", r, len(x), t.NumFeatures)
		}
		leaf := t.leafFor(x)
		bestK, bestC := 0, leaf.Counts[0]
		for k := 1; k < len(leaf.Counts); k++ {
			if leaf.Counts[k] > bestC {
				bestK, bestC = k, leaf.Counts[k]
			}
		}
		out[r] = t.ClassList[bestK]
	}
	return out, nil
}

// PredictProba returns the per-class leaf distribution per row, columns
// aligned with Classes().
func (t *DecisionTree) PredictProba(X [][]float64) ([][]float64, error) {
	if t.Root == nil {
		return nil, fmt.Errorf("decision tree is not fitted")
	}
	out := make([][]float64, len(X))
	for r, x := range X {
		if len(x) != t.NumFeatures {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", r, len(x), t.NumFeatures)
		}
		leaf := t.leafFor(x)
		total := 0.0
		for _, c := range leaf.Counts {
			total += c
		}
		p := make([]float64, len(leaf.Counts))
		if total > 0 {
			for k, c := range leaf.Counts {
				p[k] = c / total
			}
		}
		out[r] = p
	}
	return out, nil
}

// Classes returns the sorted class values seen at fit time.
func (t *DecisionTree) Classes() []int { return t.ClassList }

// Depth returns the fitted tree depth, 0 for a bare root.
func (t *DecisionTree) Depth() int { return nodeDepth(t.Root) }

func nodeDepth(n *TreeNode) int {
	if n == nil || n.Leaf {
		return 0
	}
	l, r := nodeDepth(n.Left), nodeDepth(n.Right)
	if l > r {
		return l + 1
	}
	return r + 1
}
