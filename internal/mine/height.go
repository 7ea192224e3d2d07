package mine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// HeightTag is the registry type tag of the height miner.
const HeightTag = "mine_height"

// HeightConfig configures the height miner.
type HeightConfig struct {
	ScopeConfig

	// Percentiles are the neighborhood z percentiles to emit, in
	// percent (default 50).
	Percentiles []float64 `json:"percentiles,omitempty"`
}

// GetPercentiles returns the requested z percentiles.
func (c *HeightConfig) GetPercentiles() []float64 {
	if len(c.Percentiles) == 0 {
		return []float64{50}
	}
	return c.Percentiles
}

// Validate extends the scope checks with percentile bounds.
func (c *HeightConfig) Validate() error {
	if err := c.ScopeConfig.Validate(); err != nil {
		return err
	}
	for _, p := range c.Percentiles {
		if p < 0 || p > 100 {
			return fmt.Errorf("percentile %g out of [0, 100]", p)
		}
	}
	return nil
}

// HeightMiner adds per-point neighborhood height statistics: the z
// range of the neighborhood, the point's height above the neighborhood
// minimum and configurable z percentiles.
type HeightMiner struct {
	name string
	cfg  HeightConfig
}

func buildHeight(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg HeightConfig
	if err := decodeScoped(name, raw, &cfg); err != nil {
		return nil, err
	}
	return &HeightMiner{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (m *HeightMiner) Name() string { return m.name }

// Kind implements pipeline.Component.
func (m *HeightMiner) Kind() pipeline.Kind { return pipeline.KindMiner }

// ReproducibleAtInference is true: height features are a pure function
// of geometry and config.
func (m *HeightMiner) ReproducibleAtInference() bool { return true }

// Attributes returns the names this miner writes, in output order.
func (m *HeightMiner) Attributes() []string {
	out := []string{
		m.cfg.Prefix + "height_range",
		m.cfg.Prefix + "height_above_min",
	}
	for _, p := range m.cfg.GetPercentiles() {
		out = append(out, fmt.Sprintf("%sz_p%g", m.cfg.Prefix, p))
	}
	return out
}

// Run computes the height statistics for every neighborhood.
func (m *HeightMiner) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	if st.Cloud.Count() == 0 {
		return nil, pipeline.Contractf(m.name, -1, "cloud is empty")
	}
	s, err := newScope(st.Cloud, &m.cfg.ScopeConfig)
	if err != nil {
		return nil, pipeline.Execf(m.name, -1, "%v", err)
	}

	pcts := m.cfg.GetPercentiles()
	// Group features: zmin, zrange, then one slot per percentile.
	nFeat := 2 + len(pcts)
	cols, err := s.mine(st.Cloud, nFeat, func(members []int, out []float64) {
		zs := make([]float64, len(members))
		for k, i := range members {
			zs[k] = st.Cloud.Points[i].Z
		}
		sort.Float64s(zs)
		out[0] = zs[0]
		out[1] = zs[len(zs)-1] - zs[0]
		for k, p := range pcts {
			out[2+k] = stat.Quantile(p/100, stat.Empirical, zs, nil)
		}
	})
	if err != nil {
		return nil, pipeline.Execf(m.name, -1, "%v", err)
	}

	// height_above_min is per point: its own z against the group minimum.
	n := st.Cloud.Count()
	above := make([]float64, n)
	for i := 0; i < n; i++ {
		above[i] = st.Cloud.Points[i].Z - cols[0][i]
	}

	attrs := m.Attributes()
	outCols := append([][]float64{cols[1], above}, cols[2:]...)
	if err := addMined(st, m.name, attrs, outCols); err != nil {
		return nil, err
	}

	diag.Tracef("%s: mined %d height attributes over %d neighborhoods (%s mode)",
		m.name, len(attrs), s.groups(st.Cloud), s.mode)
	return minerArtifact(m.name, s, st.Cloud, attrs), nil
}
