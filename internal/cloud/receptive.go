package cloud

import "fmt"

// ReceptiveField discretizes a cloud into a fixed axis-aligned grid of
// cells spanning the cloud's bounding box. It supports the grid-mode
// miners: compute a value once per cell, then propagate it back to every
// member point. Cell membership is stable for a given cloud.
type ReceptiveField struct {
	// CellsPerAxis is the grid resolution along X, Y, Z.
	CellsPerAxis [3]int

	// Center and Half describe the fitted bounding box: coordinates are
	// normalized to [-1, 1] per axis before cell assignment.
	Center [3]float64
	Half   [3]float64

	pts    []Point
	cells  [][]int
	assign []int
	fitted bool
}

// NewReceptiveField returns an unfitted field with the given resolution.
// Each axis needs at least one cell.
func NewReceptiveField(nx, ny, nz int) (*ReceptiveField, error) {
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("cells per axis must be >= 1, got %dx%dx%d", nx, ny, nz)
	}
	return &ReceptiveField{CellsPerAxis: [3]int{nx, ny, nz}}, nil
}

// Fit computes the bounding box and assigns every point to a cell.
func (f *ReceptiveField) Fit(c *Cloud) error {
	if c.Count() == 0 {
		return fmt.Errorf("cannot fit receptive field on empty cloud")
	}
	min, max := c.Bounds()
	lo := [3]float64{min.X, min.Y, min.Z}
	hi := [3]float64{max.X, max.Y, max.Z}
	for a := 0; a < 3; a++ {
		f.Center[a] = (hi[a] + lo[a]) / 2
		f.Half[a] = (hi[a] - lo[a]) / 2
		// Flat axes still need a nonzero extent for normalization.
		if f.Half[a] < 1e-9 {
			f.Half[a] = 1e-9
		}
	}
	f.pts = c.Points
	f.cells = make([][]int, f.NumCells())
	f.assign = make([]int, c.Count())
	for i, p := range c.Points {
		cell := f.cellIndex(p)
		f.assign[i] = cell
		f.cells[cell] = append(f.cells[cell], i)
	}
	f.fitted = true
	return nil
}

// NumCells returns the total cell count of the grid.
func (f *ReceptiveField) NumCells() int {
	return f.CellsPerAxis[0] * f.CellsPerAxis[1] * f.CellsPerAxis[2]
}

// Normalize maps a point into the fitted [-1, 1] cube.
func (f *ReceptiveField) Normalize(p Point) (x, y, z float64) {
	x = (p.X - f.Center[0]) / f.Half[0]
	y = (p.Y - f.Center[1]) / f.Half[1]
	z = (p.Z - f.Center[2]) / f.Half[2]
	return
}

func (f *ReceptiveField) cellIndex(p Point) int {
	x, y, z := f.Normalize(p)
	ix := axisCell(x, f.CellsPerAxis[0])
	iy := axisCell(y, f.CellsPerAxis[1])
	iz := axisCell(z, f.CellsPerAxis[2])
	return (ix*f.CellsPerAxis[1]+iy)*f.CellsPerAxis[2] + iz
}

func axisCell(norm float64, n int) int {
	i := int((norm + 1) / 2 * float64(n))
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}

// CellOf returns the fitted cell index of point i.
func (f *ReceptiveField) CellOf(i int) int { return f.assign[i] }

// Members returns the point indices assigned to a cell, in point order.
func (f *ReceptiveField) Members(cell int) []int { return f.cells[cell] }

// Centroids returns one representative location per cell: the mean of
// the member points, or the geometric cell center when the cell is
// empty.
func (f *ReceptiveField) Centroids() ([]Point, error) {
	if !f.fitted {
		return nil, fmt.Errorf("receptive field not fitted")
	}
	nx, ny, nz := f.CellsPerAxis[0], f.CellsPerAxis[1], f.CellsPerAxis[2]
	out := make([]Point, f.NumCells())
	for ix := 0; ix < nx; ix++ {
		for iy := 0; iy < ny; iy++ {
			for iz := 0; iz < nz; iz++ {
				cell := (ix*ny+iy)*nz + iz
				out[cell] = Point{
					X: f.Center[0] + f.Half[0]*cellCenter(ix, nx),
					Y: f.Center[1] + f.Half[1]*cellCenter(iy, ny),
					Z: f.Center[2] + f.Half[2]*cellCenter(iz, nz),
				}
			}
		}
	}
	for cell, members := range f.cells {
		if len(members) == 0 {
			continue
		}
		var sx, sy, sz float64
		for _, i := range members {
			p := f.pts[i]
			sx += p.X
			sy += p.Y
			sz += p.Z
		}
		n := float64(len(members))
		out[cell] = Point{X: sx / n, Y: sy / n, Z: sz / n}
	}
	return out, nil
}

func cellCenter(i, n int) float64 {
	return -1 + (2*float64(i)+1)/float64(n)
}

// Propagate maps one value per cell back to one value per point using
// the fitted assignment.
func (f *ReceptiveField) Propagate(cellVals []float64) ([]float64, error) {
	if !f.fitted {
		return nil, fmt.Errorf("receptive field not fitted")
	}
	if len(cellVals) != f.NumCells() {
		return nil, fmt.Errorf("got %d cell values for %d cells", len(cellVals), f.NumCells())
	}
	out := make([]float64, len(f.assign))
	for i, cell := range f.assign {
		out[i] = cellVals[cell]
	}
	return out, nil
}

// OccupiedCells returns how many cells have at least one member point.
func (f *ReceptiveField) OccupiedCells() int {
	n := 0
	for _, m := range f.cells {
		if len(m) > 0 {
			n++
		}
	}
	return n
}
