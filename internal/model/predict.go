package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// PredictTag is the registry type tag of the predictor component.
const PredictTag = "predict"

// PredictConfig configures a predictor component.
type PredictConfig struct {
	// ModelFrom names the component whose artifact carries the model.
	// Empty means the single model-producing artifact in the state.
	ModelFrom string `json:"model_from,omitempty"`

	// OutAttr is the prediction column name (default "prediction").
	OutAttr string `json:"out_attr,omitempty"`

	// Proba additionally writes one <out_attr>_proba_<class> column
	// per class.
	Proba *bool `json:"proba,omitempty"`
}

// GetOutAttr returns the prediction attribute name.
func (c *PredictConfig) GetOutAttr() string {
	if c.OutAttr == "" {
		return "prediction"
	}
	return c.OutAttr
}

// GetProba returns whether per-class probability columns are written.
func (c *PredictConfig) GetProba() bool {
	if c.Proba == nil {
		return false
	}
	return *c.Proba
}

// ModelCarrier is implemented by artifact payloads that can hand out a
// trained model, such as the tuner's result.
type ModelCarrier interface {
	TrainedModel() *TrainedModel
}

// PredictorState is the predictor's artifact payload. It embeds the
// model it applied, which makes the predictor step of an exported
// bundle self-contained.
type PredictorState struct {
	Model   *TrainedModel
	OutAttr string
	Proba   bool
}

// TrainedModel implements ModelCarrier.
func (ps *PredictorState) TrainedModel() *TrainedModel { return ps.Model }

// PredictComponent applies a trained model to the cloud, writing the
// prediction attribute and optionally per-class probabilities.
type PredictComponent struct {
	name     string
	cfg      PredictConfig
	restored *PredictorState
}

func buildPredict(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg PredictConfig
	if err := pipeline.StrictUnmarshal(raw, &cfg); err != nil {
		return nil, pipeline.Configf(name, -1, "predict config: %v", err)
	}
	return &PredictComponent{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (c *PredictComponent) Name() string { return c.name }

// Kind implements pipeline.Component.
func (c *PredictComponent) Kind() pipeline.Kind { return pipeline.KindPredictor }

// ReproducibleAtInference is true: applying a fitted model to new data
// is exactly what an exported pipeline replays.
func (c *PredictComponent) ReproducibleAtInference() bool { return true }

// Restore adopts a previously exported predictor state.
func (c *PredictComponent) Restore(a *pipeline.Artifact) error {
	ps, ok := a.Payload.(*PredictorState)
	if !ok {
		return fmt.Errorf("predictor %s: artifact payload is %T, want *PredictorState", c.name, a.Payload)
	}
	c.restored = ps
	return nil
}

func carriedModel(a *pipeline.Artifact) *TrainedModel {
	switch p := a.Payload.(type) {
	case *TrainedModel:
		return p
	case ModelCarrier:
		return p.TrainedModel()
	}
	return nil
}

func (c *PredictComponent) resolveModel(st *pipeline.State) (*TrainedModel, error) {
	if c.restored != nil {
		return c.restored.Model, nil
	}
	if c.cfg.ModelFrom != "" {
		a, ok := st.Artifact(c.cfg.ModelFrom)
		if !ok {
			return nil, pipeline.Contractf(c.name, -1, "model_from %q has no artifact in the pipeline state", c.cfg.ModelFrom)
		}
		tm := carriedModel(a)
		if tm == nil {
			return nil, pipeline.Contractf(c.name, -1, "artifact of %q carries no trained model", c.cfg.ModelFrom)
		}
		return tm, nil
	}

	var found *TrainedModel
	var from string
	for name, a := range st.Artifacts {
		tm := carriedModel(a)
		if tm == nil {
			continue
		}
		if found != nil && found != tm {
			return nil, pipeline.Contractf(c.name, -1, "multiple trained models in state (%q, %q); set model_from", from, name)
		}
		found = tm
		from = name
	}
	if found == nil {
		return nil, pipeline.Contractf(c.name, -1, "no trained model in the pipeline state")
	}
	return found, nil
}

// Run applies the model under the state's gate.
func (c *PredictComponent) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	tm, err := c.resolveModel(st)
	if err != nil {
		return nil, err
	}

	for _, a := range tm.Attributes {
		if !st.Cloud.HasAttribute(a) {
			return nil, pipeline.Contractf(c.name, -1, "model expects attribute %q which is not present (have: %v)", a, st.Cloud.AttributeNames())
		}
		if n := st.Cloud.CountNaN(a); n > 0 {
			return nil, pipeline.Contractf(c.name, -1, "attribute %q has %d missing values; impute before predicting", a, n)
		}
	}
	X, err := st.Cloud.Matrix(tm.Attributes)
	if err != nil {
		return nil, pipeline.Contractf(c.name, -1, "%v", err)
	}

	outAttr := c.cfg.GetOutAttr()
	proba := c.cfg.GetProba()
	if c.restored != nil {
		outAttr = c.restored.OutAttr
		proba = c.restored.Proba
	}

	if err := st.Gate.Acquire(ctx); err != nil {
		return nil, err
	}
	preds, err := tm.Model.Predict(X)
	var probs [][]float64
	if err == nil && proba {
		probs, err = tm.Model.PredictProba(X)
	}
	st.Gate.Release()
	if err != nil {
		return nil, fmt.Errorf("applying %s: %w", tm.ModelTag, err)
	}

	col := make([]float64, len(preds))
	classCounts := make(map[int]int)
	for i, p := range preds {
		col[i] = float64(p)
		classCounts[p]++
	}
	if err := st.Cloud.SetAttribute(outAttr, col); err != nil {
		return nil, fmt.Errorf("writing %s: %w", outAttr, err)
	}
	if proba {
		for k, class := range tm.Classes {
			pc := make([]float64, len(probs))
			for i := range probs {
				pc[i] = probs[i][k]
			}
			name := fmt.Sprintf("%s_proba_%d", outAttr, class)
			if err := st.Cloud.SetAttribute(name, pc); err != nil {
				return nil, fmt.Errorf("writing %s: %w", name, err)
			}
		}
	}

	diag.Tracef("%s: predicted %d points with %s (%d classes seen)", c.name, len(preds), tm.ModelTag, len(classCounts))

	art := pipeline.NewArtifact(c.name, pipeline.KindPredictor, &PredictorState{
		Model:   tm,
		OutAttr: outAttr,
		Proba:   proba,
	})
	art.Summary["points"] = len(preds)
	art.Summary["out_attr"] = outAttr
	art.Summary["classes_seen"] = len(classCounts)
	return art, nil
}

// RegisterComponents adds the trainer and predictor builders to a
// registry.
func RegisterComponents(reg *pipeline.Registry) {
	reg.Register(TrainTag, pipeline.KindTrainer, buildTrain)
	reg.Register(PredictTag, pipeline.KindPredictor, buildPredict)
}
