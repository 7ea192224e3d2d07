// Package transform implements the transformer components: fitted,
// replayable mappings over attribute columns. A transformer fits its
// parameters once on the training cloud and carries them in its
// artifact; when a loaded predictive pipeline replays the component,
// the stored parameters are applied verbatim, never refit, which is
// what keeps training-time and inference-time features identical.
package transform

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// Registry type tags of the scaler components.
const (
	StandardizeTag = "standardize"
	MinMaxTag      = "minmax"
)

func init() {
	gob.Register(&ScalerState{})
	gob.Register(&PCAState{})
}

// ScalerState is the fitted scaler artifact payload: one affine map
// per attribute, v' = (v - Shift[a]) / Scale[a].
type ScalerState struct {
	Method     string
	Attributes []string
	Shift      map[string]float64
	Scale      map[string]float64
}

// Transform maps one value of an attribute forward.
func (s *ScalerState) Transform(attr string, v float64) float64 {
	return (v - s.Shift[attr]) / s.Scale[attr]
}

// Inverse maps one scaled value back to the original range.
func (s *ScalerState) Inverse(attr string, v float64) float64 {
	return v*s.Scale[attr] + s.Shift[attr]
}

// apply rewrites every fitted attribute on the cloud in place.
func (s *ScalerState) apply(component string, c *cloud.Cloud) error {
	for _, attr := range s.Attributes {
		vals, ok := c.Attribute(attr)
		if !ok {
			return pipeline.Contractf(component, -1, "fitted attribute %q not present (have: %v)", attr, c.AttributeNames())
		}
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = s.Transform(attr, v)
		}
		if err := c.SetAttribute(attr, out); err != nil {
			return pipeline.Execf(component, -1, "writing %q: %v", attr, err)
		}
	}
	return nil
}

// ScaleConfig configures a scaler component.
type ScaleConfig struct {
	// Attributes are the columns to scale; empty means all.
	Attributes []string `json:"attributes,omitempty"`
}

// Scaler normalizes attribute columns in place: z-score for
// standardize, [0, 1] for minmax. NaN values pass through as NaN so an
// imputer can still find them.
type Scaler struct {
	name     string
	method   string
	cfg      ScaleConfig
	restored *ScalerState
}

func buildScaler(method string) pipeline.Builder {
	return func(name string, raw json.RawMessage) (pipeline.Component, error) {
		var cfg ScaleConfig
		if err := pipeline.StrictUnmarshal(raw, &cfg); err != nil {
			return nil, pipeline.Configf(name, -1, "%s config: %v", method, err)
		}
		return &Scaler{name: name, method: method, cfg: cfg}, nil
	}
}

// Name implements pipeline.Component.
func (m *Scaler) Name() string { return m.name }

// Kind implements pipeline.Component.
func (m *Scaler) Kind() pipeline.Kind { return pipeline.KindTransformer }

// ReproducibleAtInference is true: the fitted parameters replay on any
// cloud.
func (m *Scaler) ReproducibleAtInference() bool { return true }

// Restore adopts a previously fitted scaler state.
func (m *Scaler) Restore(a *pipeline.Artifact) error {
	s, ok := a.Payload.(*ScalerState)
	if !ok {
		return fmt.Errorf("scaler %s: artifact payload is %T, want *ScalerState", m.name, a.Payload)
	}
	if s.Method != m.method {
		return fmt.Errorf("scaler %s: artifact was fitted as %s, component is %s", m.name, s.Method, m.method)
	}
	m.restored = s
	return nil
}

// Run fits (or reuses) the per-attribute parameters and rewrites the
// columns.
func (m *Scaler) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	state := m.restored
	if state == nil {
		var err error
		state, err = m.fit(st.Cloud)
		if err != nil {
			return nil, err
		}
	}
	if err := state.apply(m.name, st.Cloud); err != nil {
		return nil, err
	}

	diag.Tracef("%s: scaled %d attributes (%s)", m.name, len(state.Attributes), m.method)
	art := pipeline.NewArtifact(m.name, pipeline.KindTransformer, state)
	art.Summary["method"] = m.method
	art.Summary["attributes"] = len(state.Attributes)
	art.Summary["refit"] = m.restored == nil
	return art, nil
}

func (m *Scaler) fit(c *cloud.Cloud) (*ScalerState, error) {
	attrs := m.cfg.Attributes
	if len(attrs) == 0 {
		attrs = c.AttributeNames()
	}
	if len(attrs) == 0 {
		return nil, pipeline.Contractf(m.name, -1, "cloud has no attributes to scale")
	}

	state := &ScalerState{
		Method:     m.method,
		Attributes: append([]string(nil), attrs...),
		Shift:      make(map[string]float64, len(attrs)),
		Scale:      make(map[string]float64, len(attrs)),
	}
	for _, attr := range attrs {
		vals, ok := c.Attribute(attr)
		if !ok {
			return nil, pipeline.Contractf(m.name, -1, "attribute %q not present (have: %v)", attr, c.AttributeNames())
		}
		obs := withoutNaN(vals)
		if len(obs) == 0 {
			return nil, pipeline.Execf(m.name, -1, "attribute %q has no observed values to fit on", attr)
		}
		shift, scale := fitColumn(m.method, obs)
		if scale == 0 || math.IsNaN(scale) {
			scale = 1 // constant column: shift only
		}
		state.Shift[attr] = shift
		state.Scale[attr] = scale
	}
	return state, nil
}

func fitColumn(method string, obs []float64) (shift, scale float64) {
	if method == MinMaxTag {
		lo, hi := obs[0], obs[0]
		for _, v := range obs {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		return lo, hi - lo
	}
	return stat.Mean(obs, nil), stat.PopStdDev(obs, nil)
}

func withoutNaN(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
