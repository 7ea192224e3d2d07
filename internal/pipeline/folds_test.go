package pipeline

import (
	"reflect"
	"testing"
)

func TestPartitionCoversEveryPointOnce(t *testing.T) {
	for _, stratify := range []bool{false, true} {
		labels := make([]int, 30)
		for i := range labels {
			labels[i] = i % 3
		}
		folds, err := Partition(30, 5, 7, labels, stratify)
		if err != nil {
			t.Fatalf("Partition(stratify=%v): %v", stratify, err)
		}
		seen := make([]int, 30)
		for f, fold := range folds {
			if len(fold.Test) == 0 {
				t.Fatalf("fold %d has empty test split", f)
			}
			if len(fold.Train)+len(fold.Test) != 30 {
				t.Fatalf("fold %d covers %d points", f, len(fold.Train)+len(fold.Test))
			}
			for _, i := range fold.Test {
				seen[i]++
			}
		}
		for i, n := range seen {
			if n != 1 {
				t.Errorf("stratify=%v: point %d held out %d times, want once", stratify, i, n)
			}
		}
	}
}

func TestPartitionDeterministicBySeed(t *testing.T) {
	labels := make([]int, 24)
	for i := range labels {
		labels[i] = i % 2
	}
	a, err := Partition(24, 4, 99, labels, true)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	b, err := Partition(24, 4, 99, labels, true)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("same seed produced different partitions")
	}

	c, err := Partition(24, 4, 100, nil, false)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	d, err := Partition(24, 4, 101, nil, false)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if reflect.DeepEqual(c, d) {
		t.Error("different seeds produced identical random partitions")
	}
}

func TestPartitionStratifiedBalance(t *testing.T) {
	// 20 of label 0, 10 of label 1, 5 folds: every fold should hold out
	// 4 of label 0 and 2 of label 1.
	labels := make([]int, 30)
	for i := 20; i < 30; i++ {
		labels[i] = 1
	}
	folds, err := Partition(30, 5, 3, labels, true)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	for f, fold := range folds {
		count := [2]int{}
		for _, i := range fold.Test {
			count[labels[i]]++
		}
		if count[0] != 4 || count[1] != 2 {
			t.Errorf("fold %d class counts = %v, want [4 2]", f, count)
		}
	}
}

func TestPartitionErrors(t *testing.T) {
	if _, err := Partition(10, 1, 0, nil, false); err == nil {
		t.Error("k=1 accepted")
	}
	if _, err := Partition(3, 5, 0, nil, false); err == nil {
		t.Error("more folds than points accepted")
	}
	if _, err := Partition(10, 2, 0, nil, true); err == nil {
		t.Error("stratified without labels accepted")
	}
	if _, err := Partition(10, 2, 0, []int{0, 1}, true); err == nil {
		t.Error("label length mismatch accepted")
	}
}

func TestPartitionTestSplitsSorted(t *testing.T) {
	folds, err := Partition(12, 3, 5, nil, false)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	for f, fold := range folds {
		for j := 1; j < len(fold.Test); j++ {
			if fold.Test[j] <= fold.Test[j-1] {
				t.Fatalf("fold %d test split not ascending: %v", f, fold.Test)
			}
		}
		for j := 1; j < len(fold.Train); j++ {
			if fold.Train[j] <= fold.Train[j-1] {
				t.Fatalf("fold %d train split not ascending: %v", f, fold.Train)
			}
		}
	}
}
