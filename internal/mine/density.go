package mine

import (
	"context"
	"encoding/json"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// DensityTag is the registry type tag of the density miner.
const DensityTag = "mine_density"

// DensityConfig configures the density miner.
type DensityConfig struct {
	ScopeConfig
}

// DensityMiner adds the neighborhood population of each point and its
// volumetric density: neighbors per query-ball volume in exact mode,
// members per cell volume in grid mode.
type DensityMiner struct {
	name string
	cfg  DensityConfig
}

func buildDensity(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg DensityConfig
	if err := decodeScoped(name, raw, &cfg); err != nil {
		return nil, err
	}
	return &DensityMiner{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (m *DensityMiner) Name() string { return m.name }

// Kind implements pipeline.Component.
func (m *DensityMiner) Kind() pipeline.Kind { return pipeline.KindMiner }

// ReproducibleAtInference is true: density is a pure function of
// geometry and config.
func (m *DensityMiner) ReproducibleAtInference() bool { return true }

// Attributes returns the names this miner writes, in output order.
func (m *DensityMiner) Attributes() []string {
	return []string{
		m.cfg.Prefix + "neighbor_count",
		m.cfg.Prefix + "density",
	}
}

// Run counts each neighborhood and divides by the volume it covers.
func (m *DensityMiner) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	if st.Cloud.Count() == 0 {
		return nil, pipeline.Contractf(m.name, -1, "cloud is empty")
	}
	s, err := newScope(st.Cloud, &m.cfg.ScopeConfig)
	if err != nil {
		return nil, pipeline.Execf(m.name, -1, "%v", err)
	}

	volume := s.sphereVolume()
	if s.mode == ModeGrid {
		volume = s.cellVolume()
	}
	cols, err := s.mine(st.Cloud, 2, func(members []int, out []float64) {
		out[0] = float64(len(members))
		out[1] = float64(len(members)) / volume
	})
	if err != nil {
		return nil, pipeline.Execf(m.name, -1, "%v", err)
	}

	attrs := m.Attributes()
	if err := addMined(st, m.name, attrs, cols); err != nil {
		return nil, err
	}

	diag.Tracef("%s: mined density over %d neighborhoods (%s mode)",
		m.name, s.groups(st.Cloud), s.mode)
	return minerArtifact(m.name, s, st.Cloud, attrs), nil
}

// RegisterComponents adds the miner builders to a registry.
func RegisterComponents(reg *pipeline.Registry) {
	reg.Register(HeightTag, pipeline.KindMiner, buildHeight)
	reg.Register(GeomTag, pipeline.KindMiner, buildGeom)
	reg.Register(DensityTag, pipeline.KindMiner, buildDensity)
}
