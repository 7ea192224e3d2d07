// Package mine implements the feature miners: components that read
// cloud geometry and add derived per-point attributes. Miners only add
// attributes, never remove or rename them, and their output is a pure
// function of the geometry and the config, which keeps them replayable
// inside an exported predictive pipeline.
//
// Every miner supports two neighborhood scopes. Exact mode queries a
// voxel index for the true spherical neighborhood of each point; grid
// mode discretizes the cloud into a receptive field, computes each
// feature once per cell, and propagates the value to the member points.
// Grid mode trades fidelity for a bound on the number of neighborhood
// evaluations, which is what makes large clouds tractable.
package mine

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

const (
	// ModeExact evaluates the true spherical neighborhood of every point.
	ModeExact = "exact"
	// ModeGrid evaluates one neighborhood per receptive-field cell.
	ModeGrid = "grid"
)

// ScopeConfig holds the neighborhood parameters shared by all miners.
type ScopeConfig struct {
	// Mode selects exact (default) or grid neighborhoods.
	Mode *string `json:"mode,omitempty"`

	// Radius is the exact-mode neighborhood radius in cloud units
	// (default 1.0).
	Radius *float64 `json:"radius,omitempty"`

	// CellSize is the exact-mode voxel size (default: the radius).
	CellSize *float64 `json:"cell_size,omitempty"`

	// Cells is the grid-mode resolution: one value for a uniform grid
	// or three values for per-axis resolutions (default 16x16x8).
	Cells []int `json:"cells,omitempty"`

	// Prefix is prepended to every attribute the miner writes.
	Prefix string `json:"prefix,omitempty"`
}

// GetMode returns the neighborhood mode.
func (c *ScopeConfig) GetMode() string {
	if c.Mode == nil {
		return ModeExact
	}
	return *c.Mode
}

// GetRadius returns the exact-mode neighborhood radius.
func (c *ScopeConfig) GetRadius() float64 {
	if c.Radius == nil {
		return 1.0
	}
	return *c.Radius
}

// GetCellSize returns the exact-mode voxel size.
func (c *ScopeConfig) GetCellSize() float64 {
	if c.CellSize == nil {
		return c.GetRadius()
	}
	return *c.CellSize
}

// GetCells returns the grid-mode per-axis resolutions.
func (c *ScopeConfig) GetCells() [3]int {
	switch len(c.Cells) {
	case 1:
		return [3]int{c.Cells[0], c.Cells[0], c.Cells[0]}
	case 3:
		return [3]int{c.Cells[0], c.Cells[1], c.Cells[2]}
	}
	return [3]int{16, 16, 8}
}

// Validate rejects out-of-range neighborhood parameters.
func (c *ScopeConfig) Validate() error {
	switch c.GetMode() {
	case ModeExact, ModeGrid:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeExact, ModeGrid, c.GetMode())
	}
	if r := c.GetRadius(); r <= 0 || math.IsNaN(r) {
		return fmt.Errorf("radius must be positive, got %g", r)
	}
	if s := c.GetCellSize(); s <= 0 || math.IsNaN(s) {
		return fmt.Errorf("cell_size must be positive, got %g", s)
	}
	if n := len(c.Cells); n != 0 && n != 1 && n != 3 {
		return fmt.Errorf("cells wants 1 or 3 values, got %d", n)
	}
	for _, v := range c.Cells {
		if v < 1 {
			return fmt.Errorf("cells values must be >= 1, got %d", v)
		}
	}
	return nil
}

// scope is a resolved neighborhood source over one cloud.
type scope struct {
	mode   string
	radius float64

	index *cloud.GridIndex      // exact mode
	field *cloud.ReceptiveField // grid mode
}

func newScope(c *cloud.Cloud, cfg *ScopeConfig) (*scope, error) {
	s := &scope{mode: cfg.GetMode(), radius: cfg.GetRadius()}
	switch s.mode {
	case ModeExact:
		idx, err := cloud.NewGridIndex(c, cfg.GetCellSize())
		if err != nil {
			return nil, err
		}
		s.index = idx
	case ModeGrid:
		cells := cfg.GetCells()
		f, err := cloud.NewReceptiveField(cells[0], cells[1], cells[2])
		if err != nil {
			return nil, err
		}
		if err := f.Fit(c); err != nil {
			return nil, err
		}
		s.field = f
	}
	return s, nil
}

// groups returns how many neighborhoods mine will evaluate.
func (s *scope) groups(c *cloud.Cloud) int {
	if s.mode == ModeGrid {
		return s.field.OccupiedCells()
	}
	return c.Count()
}

// cellVolume returns the volume one grid cell covers.
func (s *scope) cellVolume() float64 {
	n := s.field.CellsPerAxis
	v := 1.0
	for a := 0; a < 3; a++ {
		v *= 2 * s.field.Half[a] / float64(n[a])
	}
	return v
}

// sphereVolume returns the volume of the exact-mode query ball.
func (s *scope) sphereVolume() float64 {
	return 4.0 / 3.0 * math.Pi * s.radius * s.radius * s.radius
}

// mine evaluates compute once per neighborhood and returns nFeatures
// point-aligned columns. compute receives the member point indices of
// one neighborhood and writes one value per feature; in grid mode the
// cell's values are propagated to every member point.
func (s *scope) mine(c *cloud.Cloud, nFeatures int, compute func(members []int, out []float64)) ([][]float64, error) {
	n := c.Count()
	cols := make([][]float64, nFeatures)

	if s.mode == ModeGrid {
		cellVals := make([][]float64, nFeatures)
		for f := range cellVals {
			cellVals[f] = make([]float64, s.field.NumCells())
			for i := range cellVals[f] {
				cellVals[f][i] = math.NaN()
			}
		}
		row := make([]float64, nFeatures)
		for cell := 0; cell < s.field.NumCells(); cell++ {
			members := s.field.Members(cell)
			if len(members) == 0 {
				continue
			}
			compute(members, row)
			for f := range row {
				cellVals[f][cell] = row[f]
			}
		}
		for f := range cols {
			vals, err := s.field.Propagate(cellVals[f])
			if err != nil {
				return nil, err
			}
			cols[f] = vals
		}
		return cols, nil
	}

	for f := range cols {
		cols[f] = make([]float64, n)
	}
	row := make([]float64, nFeatures)
	for i := 0; i < n; i++ {
		members := s.index.NeighborsWithin(i, s.radius)
		compute(members, row)
		for f := range row {
			cols[f][i] = row[f]
		}
	}
	return cols, nil
}

// neighborhoodOf returns the member indices a point's feature values
// were computed from. Exact mode queries the index; grid mode returns
// the point's cell members.
func (s *scope) neighborhoodOf(i int) []int {
	if s.mode == ModeGrid {
		return s.field.Members(s.field.CellOf(i))
	}
	return s.index.NeighborsWithin(i, s.radius)
}

// addMined writes the mined columns onto the cloud, refusing to clobber
// an existing attribute.
func addMined(st *pipeline.State, component string, names []string, cols [][]float64) error {
	for k, name := range names {
		if st.Cloud.HasAttribute(name) {
			return pipeline.Contractf(component, -1, "attribute %q already present; set a prefix to disambiguate", name)
		}
		if err := st.Cloud.AddAttribute(name, cols[k]); err != nil {
			return pipeline.Execf(component, -1, "adding %q: %v", name, err)
		}
	}
	return nil
}

// minerArtifact builds the common miner artifact shape.
func minerArtifact(name string, s *scope, c *cloud.Cloud, attrs []string) *pipeline.Artifact {
	art := pipeline.NewArtifact(name, pipeline.KindMiner, nil)
	art.Summary["mode"] = s.mode
	art.Summary["neighborhoods"] = s.groups(c)
	art.Summary["attributes"] = attrs
	return art
}

func decodeScoped(name string, raw json.RawMessage, cfg interface{ Validate() error }) error {
	if err := pipeline.StrictUnmarshal(raw, cfg); err != nil {
		return pipeline.Configf(name, -1, "miner config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return pipeline.Configf(name, -1, "%v", err)
	}
	return nil
}
