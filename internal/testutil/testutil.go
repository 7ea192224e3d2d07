// Package testutil provides shared fixtures for tests that need a
// labeled cloud without caring about its exact contents.
package testutil

import (
	"math/rand"
	"testing"

	"github.com/veldt-data/pointpipe/internal/cloud"
)

// LabeledCloud builds a deterministic cloud of n points spread over
// the given number of classes. Each class occupies its own region of
// space and carries a class-correlated intensity column, so both
// spatial feature miners and trained models can separate the classes.
func LabeledCloud(t *testing.T, n, classes int, seed int64) *cloud.Cloud {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	pts := make([]cloud.Point, n)
	labels := make([]int, n)
	intensity := make([]float64, n)
	for i := range pts {
		class := i % classes
		base := float64(class) * 10
		pts[i] = cloud.Point{
			X: base + rng.Float64(),
			Y: base + rng.Float64(),
			Z: rng.Float64(),
		}
		labels[i] = class
		intensity[i] = base + rng.NormFloat64()
	}
	c := cloud.New("fixture", pts)
	if err := c.AddAttribute("intensity", intensity); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLabels(labels); err != nil {
		t.Fatal(err)
	}
	return c
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
