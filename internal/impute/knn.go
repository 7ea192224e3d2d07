package impute

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// KNNTag is the registry type tag of the neighborhood imputer.
const KNNTag = "impute_knn"

// KNNConfig configures the neighborhood imputer.
type KNNConfig struct {
	// Attributes are the columns to repair; empty means all.
	Attributes []string `json:"attributes,omitempty"`

	// Radius bounds the donor search around each missing point
	// (default 1.0).
	Radius *float64 `json:"radius,omitempty"`

	// CellSize is the spatial index voxel size (default: the radius).
	CellSize *float64 `json:"cell_size,omitempty"`

	// K caps how many nearest donors feed one repair (default 5).
	K *int `json:"k,omitempty"`

	// Sentinel is an additional value treated as missing.
	Sentinel *float64 `json:"sentinel,omitempty"`
}

// GetRadius returns the donor search radius.
func (c *KNNConfig) GetRadius() float64 {
	if c.Radius == nil {
		return 1.0
	}
	return *c.Radius
}

// GetCellSize returns the spatial index voxel size.
func (c *KNNConfig) GetCellSize() float64 {
	if c.CellSize == nil {
		return c.GetRadius()
	}
	return *c.CellSize
}

// GetK returns the donor cap.
func (c *KNNConfig) GetK() int {
	if c.K == nil {
		return 5
	}
	return *c.K
}

// Validate rejects out-of-range parameters.
func (c *KNNConfig) Validate() error {
	if r := c.GetRadius(); r <= 0 || math.IsNaN(r) {
		return fmt.Errorf("radius must be positive, got %g", r)
	}
	if s := c.GetCellSize(); s <= 0 || math.IsNaN(s) {
		return fmt.Errorf("cell_size must be positive, got %g", s)
	}
	if c.GetK() < 1 {
		return fmt.Errorf("k must be >= 1, got %d", c.GetK())
	}
	return nil
}

// KNNImputer repairs each missing value from the mean of its nearest
// spatial donors: points within the radius whose own value is present.
// A missing value with no donor in range falls back to the column mean,
// counted separately in the report.
type KNNImputer struct {
	name string
	cfg  KNNConfig
}

func buildKNN(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg KNNConfig
	if err := pipeline.StrictUnmarshal(raw, &cfg); err != nil {
		return nil, pipeline.Configf(name, -1, "impute_knn config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, pipeline.Configf(name, -1, "%v", err)
	}
	return &KNNImputer{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (m *KNNImputer) Name() string { return m.name }

// Kind implements pipeline.Component.
func (m *KNNImputer) Kind() pipeline.Kind { return pipeline.KindImputer }

// ReproducibleAtInference is true.
func (m *KNNImputer) ReproducibleAtInference() bool { return true }

// Run repairs each target attribute from spatial donors.
func (m *KNNImputer) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	attrs, err := targetAttributes(m.name, st.Cloud, m.cfg.Attributes)
	if err != nil {
		return nil, err
	}

	idx, err := cloud.NewGridIndex(st.Cloud, m.cfg.GetCellSize())
	if err != nil {
		return nil, pipeline.Execf(m.name, -1, "%v", err)
	}

	rep := &Report{Strategy: "knn", Imputed: make(map[string]int)}
	radius := m.cfg.GetRadius()
	k := m.cfg.GetK()

	for _, attr := range attrs {
		vals, _ := st.Cloud.Attribute(attr)
		mask := missingMask(vals, m.cfg.Sentinel)
		miss := countMissing(mask)
		rep.Imputed[attr] = miss
		if miss == 0 {
			continue
		}

		obs := observed(vals, mask)
		if len(obs) == 0 {
			return nil, pipeline.Execf(m.name, -1, "attribute %q has no observed values to impute from", attr)
		}
		colMean := meanOf(obs)

		repaired := append([]float64(nil), vals...)
		for i, missing := range mask {
			if !missing {
				continue
			}
			v, ok := m.donorMean(st, idx, i, vals, mask, radius, k)
			if !ok {
				v = colMean
				rep.Fallbacks++
			}
			repaired[i] = v
		}
		if err := st.Cloud.SetAttribute(attr, repaired); err != nil {
			return nil, pipeline.Execf(m.name, -1, "writing %q: %v", attr, err)
		}
	}

	diag.Tracef("%s: knn-imputed %d values (%d column-mean fallbacks)", m.name, rep.Total(), rep.Fallbacks)
	art := pipeline.NewArtifact(m.name, pipeline.KindImputer, rep)
	art.Summary["strategy"] = rep.Strategy
	art.Summary["imputed"] = rep.Total()
	art.Summary["fallbacks"] = rep.Fallbacks
	return art, nil
}

// donorMean averages the k nearest in-range donors of point i.
func (m *KNNImputer) donorMean(st *pipeline.State, idx *cloud.GridIndex, i int, vals []float64, mask []bool, radius float64, k int) (float64, bool) {
	q := st.Cloud.Points[i]
	type donor struct {
		d2  float64
		idx int
	}
	var donors []donor
	for _, j := range idx.NeighborsWithin(i, radius) {
		if j == i || mask[j] {
			continue
		}
		p := st.Cloud.Points[j]
		dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
		donors = append(donors, donor{dx*dx + dy*dy + dz*dz, j})
	}
	if len(donors) == 0 {
		return 0, false
	}
	sort.Slice(donors, func(a, b int) bool {
		if donors[a].d2 != donors[b].d2 {
			return donors[a].d2 < donors[b].d2
		}
		return donors[a].idx < donors[b].idx
	})
	if len(donors) > k {
		donors = donors[:k]
	}
	s := 0.0
	for _, d := range donors {
		s += vals[d.idx]
	}
	return s / float64(len(donors)), true
}

// RegisterComponents adds the imputer builders to a registry.
func RegisterComponents(reg *pipeline.Registry) {
	reg.Register(UniversalTag, pipeline.KindImputer, buildUniversal)
	reg.Register(KNNTag, pipeline.KindImputer, buildKNN)
}
