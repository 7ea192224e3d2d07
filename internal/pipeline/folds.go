package pipeline

import (
	"fmt"
	"math/rand"
)

// Fold holds the train and held-out point indices of one
// cross-validation fold. Both slices are sorted ascending so subset
// clouds keep their original point order.
type Fold struct {
	Train []int
	Test  []int
}

// Partition splits n points into k cross-validation folds,
// deterministically for a given seed.
//
// Without stratification, a seeded permutation is dealt round-robin
// across folds. With stratification, points are grouped by label in
// first-appearance order and each group is dealt round-robin in
// insertion order, continuing the fold cursor across groups so class
// proportions carry into every fold; the seed only rotates the starting
// fold. Ties always resolve in insertion order.
func Partition(n, k int, seed int64, labels []int, stratify bool) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("fold count must be >= 2, got %d", k)
	}
	if k > n {
		return nil, fmt.Errorf("%d folds for %d points", k, n)
	}
	if stratify && labels == nil {
		return nil, fmt.Errorf("stratified partition requires labels")
	}
	if stratify && len(labels) != n {
		return nil, fmt.Errorf("%d labels for %d points", len(labels), n)
	}

	rng := rand.New(rand.NewSource(seed))
	assign := make([]int, n)

	if stratify {
		order := make([]int, 0, n)
		byLabel := make(map[int][]int)
		var labelOrder []int
		for i := 0; i < n; i++ {
			l := labels[i]
			if _, ok := byLabel[l]; !ok {
				labelOrder = append(labelOrder, l)
			}
			byLabel[l] = append(byLabel[l], i)
		}
		for _, l := range labelOrder {
			order = append(order, byLabel[l]...)
		}
		cursor := rng.Intn(k)
		for _, idx := range order {
			assign[idx] = cursor
			cursor = (cursor + 1) % k
		}
	} else {
		perm := rng.Perm(n)
		for pos, idx := range perm {
			assign[idx] = pos % k
		}
	}

	folds := make([]Fold, k)
	for i := 0; i < n; i++ {
		f := assign[i]
		folds[f].Test = append(folds[f].Test, i)
		for other := range folds {
			if other != f {
				folds[other].Train = append(folds[other].Train, i)
			}
		}
	}
	for f := range folds {
		if len(folds[f].Test) == 0 {
			return nil, fmt.Errorf("fold %d received no points", f)
		}
	}
	return folds, nil
}
