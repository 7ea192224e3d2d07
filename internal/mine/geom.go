package mine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// GeomTag is the registry type tag of the geometric feature miner.
const GeomTag = "mine_geom"

// covarianceEpsilon is the smallest leading eigenvalue treated as a
// usable spread. Neighborhoods below it yield NaN features.
const covarianceEpsilon = 1e-12

// geomFeatureNames lists the eigenfeatures in output order.
var geomFeatureNames = []string{
	"linearity",
	"planarity",
	"sphericity",
	"anisotropy",
	"surface_variation",
	"verticality",
}

// GeomConfig configures the geometric feature miner.
type GeomConfig struct {
	ScopeConfig

	// MinPoints is the smallest neighborhood that still gets features
	// (default 3). Smaller neighborhoods are degenerate and produce NaN.
	MinPoints *int `json:"min_points,omitempty"`
}

// GetMinPoints returns the degenerate-neighborhood threshold.
func (c *GeomConfig) GetMinPoints() int {
	if c.MinPoints == nil {
		return 3
	}
	return *c.MinPoints
}

// Validate extends the scope checks.
func (c *GeomConfig) Validate() error {
	if err := c.ScopeConfig.Validate(); err != nil {
		return err
	}
	if c.GetMinPoints() < 3 {
		return fmt.Errorf("min_points must be >= 3, got %d", c.GetMinPoints())
	}
	return nil
}

// GeomMiner adds the classic covariance eigenfeatures of each point's
// neighborhood: linearity, planarity, sphericity, anisotropy, surface
// variation and verticality. Neighborhoods with fewer than MinPoints
// members, or with no measurable spread, get NaN for every feature;
// an imputer downstream decides what to do with those.
type GeomMiner struct {
	name string
	cfg  GeomConfig
}

func buildGeom(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg GeomConfig
	if err := decodeScoped(name, raw, &cfg); err != nil {
		return nil, err
	}
	return &GeomMiner{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (m *GeomMiner) Name() string { return m.name }

// Kind implements pipeline.Component.
func (m *GeomMiner) Kind() pipeline.Kind { return pipeline.KindMiner }

// ReproducibleAtInference is true: eigenfeatures are a pure function of
// geometry and config.
func (m *GeomMiner) ReproducibleAtInference() bool { return true }

// Attributes returns the names this miner writes, in output order.
func (m *GeomMiner) Attributes() []string {
	out := make([]string, len(geomFeatureNames))
	for k, f := range geomFeatureNames {
		out[k] = m.cfg.Prefix + f
	}
	return out
}

// Run computes the eigenfeatures for every neighborhood.
func (m *GeomMiner) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	if st.Cloud.Count() == 0 {
		return nil, pipeline.Contractf(m.name, -1, "cloud is empty")
	}
	s, err := newScope(st.Cloud, &m.cfg.ScopeConfig)
	if err != nil {
		return nil, pipeline.Execf(m.name, -1, "%v", err)
	}

	minPts := m.cfg.GetMinPoints()
	degenerate := 0
	cols, err := s.mine(st.Cloud, len(geomFeatureNames), func(members []int, out []float64) {
		if len(members) < minPts {
			degenerate++
			nanRow(out)
			return
		}
		if !eigenFeatures(st, members, out) {
			degenerate++
		}
	})
	if err != nil {
		return nil, pipeline.Execf(m.name, -1, "%v", err)
	}

	attrs := m.Attributes()
	if err := addMined(st, m.name, attrs, cols); err != nil {
		return nil, err
	}

	diag.Tracef("%s: mined eigenfeatures over %d neighborhoods (%s mode, %d degenerate)",
		m.name, s.groups(st.Cloud), s.mode, degenerate)
	art := minerArtifact(m.name, s, st.Cloud, attrs)
	art.Summary["degenerate"] = degenerate
	return art, nil
}

func nanRow(out []float64) {
	for k := range out {
		out[k] = math.NaN()
	}
}

// eigenFeatures fills out with the six eigenfeatures of the members'
// covariance matrix. It reports false (and NaN features) when the
// neighborhood has no usable spread.
func eigenFeatures(st *pipeline.State, members []int, out []float64) bool {
	var mx, my, mz float64
	for _, i := range members {
		p := st.Cloud.Points[i]
		mx += p.X
		my += p.Y
		mz += p.Z
	}
	n := float64(len(members))
	mx /= n
	my /= n
	mz /= n

	var cxx, cxy, cxz, cyy, cyz, czz float64
	for _, i := range members {
		p := st.Cloud.Points[i]
		dx, dy, dz := p.X-mx, p.Y-my, p.Z-mz
		cxx += dx * dx
		cxy += dx * dy
		cxz += dx * dz
		cyy += dy * dy
		cyz += dy * dz
		czz += dz * dz
	}
	cov := mat.NewSymDense(3, []float64{
		cxx / n, cxy / n, cxz / n,
		cxy / n, cyy / n, cyz / n,
		cxz / n, cyz / n, czz / n,
	})

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		nanRow(out)
		return false
	}
	// Eigenvalues come back ascending; the features are defined on the
	// descending order l1 >= l2 >= l3.
	vals := eig.Values(nil)
	l1, l2, l3 := vals[2], vals[1], vals[0]
	if l3 < 0 {
		l3 = 0 // numerical noise on flat neighborhoods
	}
	if l1 < covarianceEpsilon {
		nanRow(out)
		return false
	}

	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Column 0 pairs with the smallest eigenvalue: the normal direction.
	normalZ := math.Abs(vecs.At(2, 0))

	sum := l1 + l2 + l3
	out[0] = (l1 - l2) / l1
	out[1] = (l2 - l3) / l1
	out[2] = l3 / l1
	out[3] = (l1 - l3) / l1
	out[4] = l3 / sum
	out[5] = 1 - normalZ
	return true
}
