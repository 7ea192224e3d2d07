package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// TrainTag is the registry type tag of the trainer component.
const TrainTag = "train"

// TrainConfig configures a trainer component.
type TrainConfig struct {
	// Model selects the classifier (see KnownModels).
	Model string `json:"model"`

	// Hyperparameters is the model-specific hyperparameter object.
	Hyperparameters json.RawMessage `json:"hyperparameters,omitempty"`

	// Attributes is the ordered feature column list. The order is
	// recorded on the trained model and enforced at prediction time.
	Attributes []string `json:"attributes"`

	// LabelAttr names an attribute column holding integer labels.
	// Empty means the cloud's label slice.
	LabelAttr string `json:"label_attr,omitempty"`

	// UseWeights applies the cloud's sample weights when present
	// (default true).
	UseWeights *bool `json:"use_weights,omitempty"`
}

// GetUseWeights returns whether cloud weights feed the fit.
func (c *TrainConfig) GetUseWeights() bool {
	if c.UseWeights == nil {
		return true
	}
	return *c.UseWeights
}

// TrainComponent fits a classifier on the pipeline state and publishes
// the TrainedModel artifact.
type TrainComponent struct {
	name string
	cfg  TrainConfig
}

func buildTrain(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg TrainConfig
	if err := pipeline.StrictUnmarshal(raw, &cfg); err != nil {
		return nil, pipeline.Configf(name, -1, "train config: %v", err)
	}
	if cfg.Model == "" {
		return nil, pipeline.Configf(name, -1, "model is required (known: %v)", KnownModels())
	}
	if len(cfg.Attributes) == 0 {
		return nil, pipeline.Configf(name, -1, "attributes must list at least one feature column")
	}
	// Building a throwaway instance validates the hyperparameters now
	// rather than mid-run.
	if _, err := New(cfg.Model, cfg.Hyperparameters, 0); err != nil {
		return nil, pipeline.Configf(name, -1, "%v", err)
	}
	return &TrainComponent{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (c *TrainComponent) Name() string { return c.name }

// Kind implements pipeline.Component.
func (c *TrainComponent) Kind() pipeline.Kind { return pipeline.KindTrainer }

// ReproducibleAtInference is false: trainers fit, they are never part
// of an exported predictive pipeline.
func (c *TrainComponent) ReproducibleAtInference() bool { return false }

// Run fits the configured model under the state's gate.
func (c *TrainComponent) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	X, y, w, err := TrainingData(st, c.name, c.cfg.Attributes, c.cfg.LabelAttr, c.cfg.GetUseWeights())
	if err != nil {
		return nil, err
	}

	clf, err := New(c.cfg.Model, c.cfg.Hyperparameters, st.RandSeed())
	if err != nil {
		return nil, err
	}

	if err := st.Gate.Acquire(ctx); err != nil {
		return nil, err
	}
	err = clf.Fit(X, y, w)
	st.Gate.Release()
	if err != nil {
		return nil, fmt.Errorf("fitting %s: %w", c.cfg.Model, err)
	}

	diag.Tracef("%s: fitted %s on %d points x %d features", c.name, c.cfg.Model, len(X), len(c.cfg.Attributes))

	tm := &TrainedModel{
		ModelTag:   c.cfg.Model,
		Attributes: append([]string(nil), c.cfg.Attributes...),
		LabelAttr:  c.cfg.LabelAttr,
		Classes:    clf.Classes(),
		Model:      clf,
	}
	art := pipeline.NewArtifact(c.name, pipeline.KindTrainer, tm)
	art.Summary["model"] = c.cfg.Model
	art.Summary["points"] = len(X)
	art.Summary["features"] = len(c.cfg.Attributes)
	art.Summary["classes"] = len(tm.Classes)
	if rf, ok := clf.(*RandomForest); ok {
		art.Summary["trees"] = rf.NumTrees
	}
	return art, nil
}

// TrainingData assembles the feature matrix, labels and weights a fit
// needs, enforcing the data contract: all attributes present, no
// missing values, labels available and integral.
func TrainingData(st *pipeline.State, component string, attrs []string, labelAttr string, useWeights bool) ([][]float64, []int, []float64, error) {
	for _, a := range attrs {
		if !st.Cloud.HasAttribute(a) {
			return nil, nil, nil, pipeline.Contractf(component, -1, "attribute %q not present (have: %v)", a, st.Cloud.AttributeNames())
		}
		if n := st.Cloud.CountNaN(a); n > 0 {
			return nil, nil, nil, pipeline.Contractf(component, -1, "attribute %q has %d missing values; impute before training", a, n)
		}
	}
	X, err := st.Cloud.Matrix(attrs)
	if err != nil {
		return nil, nil, nil, pipeline.Contractf(component, -1, "%v", err)
	}

	var y []int
	if labelAttr != "" {
		col, ok := st.Cloud.Attribute(labelAttr)
		if !ok {
			return nil, nil, nil, pipeline.Contractf(component, -1, "label attribute %q not present", labelAttr)
		}
		y = make([]int, len(col))
		for i, v := range col {
			if math.IsNaN(v) {
				return nil, nil, nil, pipeline.Contractf(component, -1, "label attribute %q is missing at point %d", labelAttr, i)
			}
			r := math.Round(v)
			if math.Abs(v-r) > 1e-9 {
				return nil, nil, nil, pipeline.Contractf(component, -1, "label attribute %q has non-integer value %g at point %d", labelAttr, v, i)
			}
			y[i] = int(r)
		}
	} else {
		y = st.Cloud.Labels()
		if y == nil {
			return nil, nil, nil, pipeline.Contractf(component, -1, "cloud has no labels; set label_attr or load a labeled cloud")
		}
	}

	var w []float64
	if useWeights {
		w = st.Cloud.Weights()
	}
	return X, y, w, nil
}
