package model

import (
	"math"
	"testing"
)

func TestKNNNearestNeighbor(t *testing.T) {
	X := [][]float64{{0, 0}, {0, 1}, {10, 10}, {10, 11}}
	y := []int{0, 0, 1, 1}

	knn := NewKNN(KNNConfig{K: intPtr(1)})
	if err := knn.Fit(X, y, nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	preds, err := knn.Predict([][]float64{{0.2, 0.2}, {9.8, 10.5}})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if preds[0] != 0 || preds[1] != 1 {
		t.Errorf("Predict = %v, want [0 1]", preds)
	}
}

func TestKNNMajorityVote(t *testing.T) {
	// Three class-0 points near origin outvote the single class-1 point.
	X := [][]float64{{0, 0}, {1, 0}, {0, 1}, {0.5, 0.5}}
	y := []int{0, 0, 0, 1}

	knn := NewKNN(KNNConfig{K: intPtr(3)})
	if err := knn.Fit(X, y, nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	preds, err := knn.Predict([][]float64{{0.4, 0.4}})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if preds[0] != 0 {
		t.Errorf("majority vote predicted %d, want 0", preds[0])
	}
}

func TestKNNTieBreaksToSmallerClass(t *testing.T) {
	// Equidistant split vote with k=2: class 1 vs class 2.
	X := [][]float64{{-1, 0}, {1, 0}}
	y := []int{2, 1}

	knn := NewKNN(KNNConfig{K: intPtr(2)})
	if err := knn.Fit(X, y, nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	preds, err := knn.Predict([][]float64{{0, 0}})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if preds[0] != 1 {
		t.Errorf("tie resolved to %d, want smaller class 1", preds[0])
	}
}

func TestKNNRejectsOversizedK(t *testing.T) {
	knn := NewKNN(KNNConfig{K: intPtr(5)})
	err := knn.Fit([][]float64{{0}, {1}}, []int{0, 1}, nil)
	if err == nil {
		t.Fatal("Fit accepted k larger than the training set")
	}
}

func TestKNNProba(t *testing.T) {
	X := [][]float64{{0, 0}, {0.1, 0}, {0.2, 0}, {5, 5}}
	y := []int{0, 0, 1, 1}

	knn := NewKNN(KNNConfig{K: intPtr(3)})
	if err := knn.Fit(X, y, nil); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	probs, err := knn.PredictProba([][]float64{{0.05, 0}})
	if err != nil {
		t.Fatalf("PredictProba: %v", err)
	}
	// Neighbors are the three points near the origin: two class 0, one class 1.
	if math.Abs(probs[0][0]-2.0/3.0) > 1e-9 || math.Abs(probs[0][1]-1.0/3.0) > 1e-9 {
		t.Errorf("proba = %v, want [2/3 1/3]", probs[0])
	}
}

func TestKNNConfigValidate(t *testing.T) {
	if err := (&KNNConfig{K: intPtr(0)}).Validate(); err == nil {
		t.Error("k=0 accepted, want error")
	}
	if err := (&KNNConfig{}).Validate(); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}
