package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// PCATag is the registry type tag of the PCA transformer.
const PCATag = "pca"

// PCAConfig configures the PCA transformer.
type PCAConfig struct {
	// Attributes are the source columns, in the order they feed the
	// decomposition. Required.
	Attributes []string `json:"attributes"`

	// Components is how many principal components to keep (default:
	// all, one per source attribute).
	Components *int `json:"components,omitempty"`

	// OutPrefix names the output columns <prefix>0..<prefix>k-1
	// (default "pca_").
	OutPrefix string `json:"out_prefix,omitempty"`

	// KeepInput leaves the source attributes on the cloud (default
	// true). Setting it false drops them after the projection is
	// written.
	KeepInput *bool `json:"keep_input,omitempty"`
}

// GetComponents returns the kept component count.
func (c *PCAConfig) GetComponents() int {
	if c.Components == nil {
		return len(c.Attributes)
	}
	return *c.Components
}

// GetOutPrefix returns the output column prefix.
func (c *PCAConfig) GetOutPrefix() string {
	if c.OutPrefix == "" {
		return "pca_"
	}
	return c.OutPrefix
}

// GetKeepInput returns whether source attributes survive.
func (c *PCAConfig) GetKeepInput() bool {
	if c.KeepInput == nil {
		return true
	}
	return *c.KeepInput
}

// Validate rejects an unusable decomposition shape.
func (c *PCAConfig) Validate() error {
	if len(c.Attributes) == 0 {
		return fmt.Errorf("attributes must list at least one column")
	}
	if k := c.GetComponents(); k < 1 || k > len(c.Attributes) {
		return fmt.Errorf("components must be in [1, %d], got %d", len(c.Attributes), k)
	}
	return nil
}

// PCAState is the fitted projection: center by Mean, project onto
// Projection (one row per source attribute, one column per kept
// component).
type PCAState struct {
	Attributes []string
	Mean       []float64
	Projection [][]float64
	OutPrefix  string
	KeepInput  bool
}

// OutAttributes returns the output column names in order.
func (s *PCAState) OutAttributes() []string {
	k := 0
	if len(s.Projection) > 0 {
		k = len(s.Projection[0])
	}
	out := make([]string, k)
	for j := range out {
		out[j] = fmt.Sprintf("%s%d", s.OutPrefix, j)
	}
	return out
}

// PCA projects configured attributes onto their principal components
// and writes the scores as new columns. The fitted mean and projection
// ride in the artifact, so inference applies the training-time map
// without re-fitting.
type PCA struct {
	name     string
	cfg      PCAConfig
	restored *PCAState
}

func buildPCA(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg PCAConfig
	if err := pipeline.StrictUnmarshal(raw, &cfg); err != nil {
		return nil, pipeline.Configf(name, -1, "pca config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, pipeline.Configf(name, -1, "%v", err)
	}
	return &PCA{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (m *PCA) Name() string { return m.name }

// Kind implements pipeline.Component.
func (m *PCA) Kind() pipeline.Kind { return pipeline.KindTransformer }

// ReproducibleAtInference is true: the stored projection replays on
// any cloud.
func (m *PCA) ReproducibleAtInference() bool { return true }

// Restore adopts a previously fitted projection.
func (m *PCA) Restore(a *pipeline.Artifact) error {
	s, ok := a.Payload.(*PCAState)
	if !ok {
		return fmt.Errorf("pca %s: artifact payload is %T, want *PCAState", m.name, a.Payload)
	}
	m.restored = s
	return nil
}

// Run fits (or reuses) the projection and writes the score columns.
func (m *PCA) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	state := m.restored
	var explained []float64
	if state == nil {
		var err error
		state, explained, err = m.fit(st)
		if err != nil {
			return nil, err
		}
	}

	// The projection needs complete values for its source columns.
	for _, attr := range state.Attributes {
		if !st.Cloud.HasAttribute(attr) {
			return nil, pipeline.Contractf(m.name, -1, "attribute %q not present (have: %v)", attr, st.Cloud.AttributeNames())
		}
		if n := st.Cloud.CountNaN(attr); n > 0 {
			return nil, pipeline.Contractf(m.name, -1, "attribute %q has %d missing values; impute before pca", attr, n)
		}
	}
	X, err := st.Cloud.Matrix(state.Attributes)
	if err != nil {
		return nil, pipeline.Contractf(m.name, -1, "%v", err)
	}

	k := len(state.Projection[0])
	outNames := state.OutAttributes()
	scores := make([][]float64, k)
	for j := range scores {
		scores[j] = make([]float64, len(X))
	}
	for i, row := range X {
		for j := 0; j < k; j++ {
			s := 0.0
			for a := range row {
				s += (row[a] - state.Mean[a]) * state.Projection[a][j]
			}
			scores[j][i] = s
		}
	}
	for j, name := range outNames {
		if err := st.Cloud.SetAttribute(name, scores[j]); err != nil {
			return nil, pipeline.Execf(m.name, -1, "writing %q: %v", name, err)
		}
	}
	if !state.KeepInput {
		for _, attr := range state.Attributes {
			if err := st.Cloud.DropAttribute(attr); err != nil {
				return nil, pipeline.Execf(m.name, -1, "dropping %q: %v", attr, err)
			}
		}
	}

	diag.Tracef("%s: projected %d attributes onto %d components", m.name, len(state.Attributes), k)
	art := pipeline.NewArtifact(m.name, pipeline.KindTransformer, state)
	art.Summary["components"] = k
	art.Summary["refit"] = m.restored == nil
	if explained != nil {
		art.Summary["explained_variance_ratio"] = explained
	}
	return art, nil
}

// fit runs the SVD of the centered training matrix and keeps the first
// k right singular vectors.
func (m *PCA) fit(st *pipeline.State) (*PCAState, []float64, error) {
	attrs := m.cfg.Attributes
	for _, attr := range attrs {
		if !st.Cloud.HasAttribute(attr) {
			return nil, nil, pipeline.Contractf(m.name, -1, "attribute %q not present (have: %v)", attr, st.Cloud.AttributeNames())
		}
		if n := st.Cloud.CountNaN(attr); n > 0 {
			return nil, nil, pipeline.Contractf(m.name, -1, "attribute %q has %d missing values; impute before pca", attr, n)
		}
	}
	X, err := st.Cloud.Matrix(attrs)
	if err != nil {
		return nil, nil, pipeline.Contractf(m.name, -1, "%v", err)
	}
	n, d := len(X), len(attrs)
	if n < 2 {
		return nil, nil, pipeline.Execf(m.name, -1, "pca needs at least 2 points, got %d", n)
	}

	mean := make([]float64, d)
	for _, row := range X {
		for a, v := range row {
			mean[a] += v
		}
	}
	for a := range mean {
		mean[a] /= float64(n)
	}
	centered := mat.NewDense(n, d, nil)
	for i, row := range X {
		for a, v := range row {
			centered.Set(i, a, v-mean[a])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(centered, mat.SVDThin) {
		return nil, nil, pipeline.Execf(m.name, -1, "svd failed to converge on %dx%d matrix", n, d)
	}
	var v mat.Dense
	svd.VTo(&v)
	sigma := svd.Values(nil)

	k := m.cfg.GetComponents()
	if k > len(sigma) {
		k = len(sigma)
	}
	proj := make([][]float64, d)
	for a := range proj {
		proj[a] = make([]float64, k)
		for j := 0; j < k; j++ {
			proj[a][j] = v.At(a, j)
		}
	}

	var total float64
	for _, s := range sigma {
		total += s * s
	}
	explained := make([]float64, k)
	if total > 0 {
		for j := 0; j < k; j++ {
			explained[j] = sigma[j] * sigma[j] / total
		}
	}

	return &PCAState{
		Attributes: append([]string(nil), attrs...),
		Mean:       mean,
		Projection: proj,
		OutPrefix:  m.cfg.GetOutPrefix(),
		KeepInput:  m.cfg.GetKeepInput(),
	}, explained, nil
}

// RegisterComponents adds the transformer builders to a registry.
func RegisterComponents(reg *pipeline.Registry) {
	reg.Register(StandardizeTag, pipeline.KindTransformer, buildScaler(StandardizeTag))
	reg.Register(MinMaxTag, pipeline.KindTransformer, buildScaler(MinMaxTag))
	reg.Register(PCATag, pipeline.KindTransformer, buildPCA)
}
