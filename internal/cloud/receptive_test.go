package cloud

import (
	"math"
	"testing"
)

func TestReceptiveFieldAssignment(t *testing.T) {
	// Four points in the corners of a 2x1x1 box.
	c := New("corners", []Point{
		{0, 0, 0},
		{10, 0, 0},
		{0, 10, 0},
		{10, 10, 0},
	})
	f, err := NewReceptiveField(2, 2, 1)
	if err != nil {
		t.Fatalf("NewReceptiveField: %v", err)
	}
	if err := f.Fit(c); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	if f.NumCells() != 4 {
		t.Fatalf("NumCells = %d, want 4", f.NumCells())
	}
	// Each corner lands in its own cell.
	seen := map[int]bool{}
	for i := range c.Points {
		cell := f.CellOf(i)
		if seen[cell] {
			t.Errorf("point %d shares cell %d", i, cell)
		}
		seen[cell] = true
	}
	if f.OccupiedCells() != 4 {
		t.Errorf("OccupiedCells = %d, want 4", f.OccupiedCells())
	}
}

func TestReceptiveFieldPropagate(t *testing.T) {
	c := New("split", []Point{
		{0, 0, 0},
		{1, 0, 0},
		{9, 0, 0},
		{10, 0, 0},
	})
	f, err := NewReceptiveField(2, 1, 1)
	if err != nil {
		t.Fatalf("NewReceptiveField: %v", err)
	}
	if err := f.Fit(c); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	vals := make([]float64, f.NumCells())
	for cell := range vals {
		vals[cell] = float64(cell * 100)
	}
	got, err := f.Propagate(vals)
	if err != nil {
		t.Fatalf("Propagate: %v", err)
	}
	if got[0] != got[1] {
		t.Errorf("points 0 and 1 split across cells: %v", got)
	}
	if got[2] != got[3] {
		t.Errorf("points 2 and 3 split across cells: %v", got)
	}
	if got[0] == got[2] {
		t.Errorf("left and right halves share a cell: %v", got)
	}

	if _, err := f.Propagate([]float64{1}); err == nil {
		t.Error("expected error for wrong cell value count")
	}
}

func TestReceptiveFieldCentroids(t *testing.T) {
	c := New("pair", []Point{
		{0, 0, 0},
		{2, 0, 0},
		{10, 0, 0},
	})
	f, err := NewReceptiveField(2, 1, 1)
	if err != nil {
		t.Fatalf("NewReceptiveField: %v", err)
	}
	if err := f.Fit(c); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	cents, err := f.Centroids()
	if err != nil {
		t.Fatalf("Centroids: %v", err)
	}
	left := cents[f.CellOf(0)]
	if math.Abs(left.X-1.0) > 1e-9 {
		t.Errorf("left centroid X = %g, want 1.0", left.X)
	}
	right := cents[f.CellOf(2)]
	if math.Abs(right.X-10.0) > 1e-9 {
		t.Errorf("right centroid X = %g, want 10.0", right.X)
	}
}

func TestReceptiveFieldFlatAxis(t *testing.T) {
	// All points share Z; normalization must not divide by zero.
	c := New("flat", []Point{{0, 0, 5}, {1, 1, 5}, {2, 2, 5}})
	f, err := NewReceptiveField(2, 2, 2)
	if err != nil {
		t.Fatalf("NewReceptiveField: %v", err)
	}
	if err := f.Fit(c); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for i := range c.Points {
		_, _, z := f.Normalize(c.Points[i])
		if math.IsNaN(z) || math.IsInf(z, 0) {
			t.Fatalf("Normalize produced non-finite z for point %d", i)
		}
	}
}

func TestReceptiveFieldEmptyCloud(t *testing.T) {
	f, err := NewReceptiveField(2, 2, 2)
	if err != nil {
		t.Fatalf("NewReceptiveField: %v", err)
	}
	if err := f.Fit(New("empty", nil)); err == nil {
		t.Error("expected error fitting empty cloud")
	}
}
