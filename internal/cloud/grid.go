package cloud

import (
	"fmt"
	"math"
)

// GridIndex is a voxel-hash spatial index over a cloud's points. Cells
// are cubes of CellSize meters; each cell records the indices of the
// points it contains, in point order, so neighborhood queries are
// deterministic for a given cloud.
type GridIndex struct {
	CellSize float64

	cells map[[3]int32][]int32
	cloud *Cloud
}

// NewGridIndex builds a voxel index over the cloud. CellSize must be
// positive.
func NewGridIndex(c *Cloud, cellSize float64) (*GridIndex, error) {
	if cellSize <= 0 || math.IsNaN(cellSize) {
		return nil, fmt.Errorf("cell size must be positive, got %g", cellSize)
	}
	g := &GridIndex{
		CellSize: cellSize,
		cells:    make(map[[3]int32][]int32),
		cloud:    c,
	}
	for i, p := range c.Points {
		k := g.cellOf(p)
		g.cells[k] = append(g.cells[k], int32(i))
	}
	return g, nil
}

func (g *GridIndex) cellOf(p Point) [3]int32 {
	return [3]int32{
		int32(math.Floor(p.X / g.CellSize)),
		int32(math.Floor(p.Y / g.CellSize)),
		int32(math.Floor(p.Z / g.CellSize)),
	}
}

// CellCount returns the number of occupied voxels.
func (g *GridIndex) CellCount() int { return len(g.cells) }

// Neighbors returns the indices of all points in the query point's voxel
// and the 26 surrounding voxels, including the query point itself. The
// result order is fixed for a given cloud.
func (g *GridIndex) Neighbors(i int) []int {
	center := g.cellOf(g.cloud.Points[i])
	var out []int
	for dx := int32(-1); dx <= 1; dx++ {
		for dy := int32(-1); dy <= 1; dy++ {
			for dz := int32(-1); dz <= 1; dz++ {
				k := [3]int32{center[0] + dx, center[1] + dy, center[2] + dz}
				for _, p := range g.cells[k] {
					out = append(out, int(p))
				}
			}
		}
	}
	return out
}

// NeighborsWithin returns the indices of points within radius of point i,
// including i itself. The voxel walk covers every cell the sphere can
// touch, so results are exact.
func (g *GridIndex) NeighborsWithin(i int, radius float64) []int {
	q := g.cloud.Points[i]
	return g.Near(q, radius)
}

// Near returns the indices of points within radius of an arbitrary
// query location, in deterministic order.
func (g *GridIndex) Near(q Point, radius float64) []int {
	if radius <= 0 {
		return nil
	}
	r2 := radius * radius
	span := int32(math.Ceil(radius / g.CellSize))
	center := g.cellOf(q)
	var out []int
	for dx := -span; dx <= span; dx++ {
		for dy := -span; dy <= span; dy++ {
			for dz := -span; dz <= span; dz++ {
				k := [3]int32{center[0] + dx, center[1] + dy, center[2] + dz}
				for _, pi := range g.cells[k] {
					p := g.cloud.Points[pi]
					ddx, ddy, ddz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
					if ddx*ddx+ddy*ddy+ddz*ddz <= r2 {
						out = append(out, int(pi))
					}
				}
			}
		}
	}
	return out
}
