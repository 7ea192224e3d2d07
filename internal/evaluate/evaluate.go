// Package evaluate implements the evaluator component: it compares a
// prediction attribute against ground truth and produces a metrics
// report artifact. Evaluators never mutate the cloud; inside
// cross-validation the per-fold reports are aggregated into mean and
// standard deviation per metric, with every fold's report kept
// alongside, since per-fold variance is diagnostic.
package evaluate

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"math"
	"sort"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// Tag is the registry type tag of the evaluator component.
const Tag = "evaluate"

func init() {
	gob.Register(&Report{})
	gob.Register(&CVReport{})
}

// Config configures an evaluator.
type Config struct {
	// PredAttr is the prediction column (default "prediction").
	PredAttr string `json:"pred_attr,omitempty"`

	// LabelAttr names an attribute column holding the ground truth.
	// Empty means the cloud's label slice.
	LabelAttr string `json:"label_attr,omitempty"`

	// UseWeights additionally reports weighted accuracy when the cloud
	// carries sample weights (default true).
	UseWeights *bool `json:"use_weights,omitempty"`
}

// GetPredAttr returns the prediction column name.
func (c *Config) GetPredAttr() string {
	if c.PredAttr == "" {
		return "prediction"
	}
	return c.PredAttr
}

// GetUseWeights returns whether weighted accuracy is reported.
func (c *Config) GetUseWeights() bool {
	if c.UseWeights == nil {
		return true
	}
	return *c.UseWeights
}

// ClassMetrics holds the per-class diagnostics of one evaluation.
type ClassMetrics struct {
	Class     int     `json:"class"`
	Support   int     `json:"support"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	IoU       float64 `json:"iou"`
}

// Report is the evaluator artifact payload.
type Report struct {
	// Fold is the cross-validation fold this report scored, -1 outside
	// cross-validation.
	Fold   int `json:"fold"`
	Points int `json:"points"`

	// Classes is the ascending union of truth and predicted classes;
	// Confusion rows index truth, columns index prediction, both in
	// Classes order.
	Classes   []int   `json:"classes"`
	Confusion [][]int `json:"confusion"`

	Accuracy         float64 `json:"accuracy"`
	WeightedAccuracy float64 `json:"weighted_accuracy,omitempty"`
	Kappa            float64 `json:"kappa"`
	MacroPrecision   float64 `json:"macro_precision"`
	MacroRecall      float64 `json:"macro_recall"`
	MacroF1          float64 `json:"macro_f1"`
	MeanIoU          float64 `json:"mean_iou"`

	PerClass []ClassMetrics `json:"per_class"`
}

// Scalars returns the scalar metrics by name, the unit of fold
// aggregation.
func (r *Report) Scalars() map[string]float64 {
	m := map[string]float64{
		"accuracy":        r.Accuracy,
		"kappa":           r.Kappa,
		"macro_precision": r.MacroPrecision,
		"macro_recall":    r.MacroRecall,
		"macro_f1":        r.MacroF1,
		"mean_iou":        r.MeanIoU,
	}
	if r.WeightedAccuracy != 0 {
		m["weighted_accuracy"] = r.WeightedAccuracy
	}
	return m
}

// Evaluator scores a prediction attribute against ground truth.
type Evaluator struct {
	name string
	cfg  Config
}

func build(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg Config
	if err := pipeline.StrictUnmarshal(raw, &cfg); err != nil {
		return nil, pipeline.Configf(name, -1, "evaluate config: %v", err)
	}
	return &Evaluator{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (m *Evaluator) Name() string { return m.name }

// Kind implements pipeline.Component.
func (m *Evaluator) Kind() pipeline.Kind { return pipeline.KindEvaluator }

// ReproducibleAtInference is false: evaluation needs ground truth,
// which inference clouds do not have.
func (m *Evaluator) ReproducibleAtInference() bool { return false }

// Run scores the cloud and returns the report artifact. The cloud is
// read, never written.
func (m *Evaluator) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	preds, err := m.intColumn(st, m.cfg.GetPredAttr())
	if err != nil {
		return nil, err
	}

	var truth []int
	if m.cfg.LabelAttr != "" {
		truth, err = m.intColumn(st, m.cfg.LabelAttr)
		if err != nil {
			return nil, err
		}
	} else {
		truth = st.Cloud.Labels()
		if truth == nil {
			return nil, pipeline.Contractf(m.name, -1, "cloud has no labels; set label_attr or load a labeled cloud")
		}
	}

	var weights []float64
	if m.cfg.GetUseWeights() {
		weights = st.Cloud.Weights()
	}

	rep := Score(truth, preds, weights)
	rep.Fold = st.Fold

	diag.Tracef("%s: accuracy %.4f over %d points, %d classes",
		m.name, rep.Accuracy, rep.Points, len(rep.Classes))

	art := pipeline.NewArtifact(m.name, pipeline.KindEvaluator, rep)
	art.Summary["accuracy"] = rep.Accuracy
	art.Summary["macro_f1"] = rep.MacroF1
	art.Summary["points"] = rep.Points
	return art, nil
}

func (m *Evaluator) intColumn(st *pipeline.State, attr string) ([]int, error) {
	col, ok := st.Cloud.Attribute(attr)
	if !ok {
		return nil, pipeline.Contractf(m.name, -1, "attribute %q not present (have: %v)", attr, st.Cloud.AttributeNames())
	}
	out := make([]int, len(col))
	for i, v := range col {
		if math.IsNaN(v) {
			return nil, pipeline.Contractf(m.name, -1, "attribute %q is missing at point %d", attr, i)
		}
		r := math.Round(v)
		if math.Abs(v-r) > 1e-9 {
			return nil, pipeline.Contractf(m.name, -1, "attribute %q has non-integer value %g at point %d", attr, v, i)
		}
		out[i] = int(r)
	}
	return out, nil
}

// Score computes the full metric set for one truth/prediction pair.
// weights may be nil.
func Score(truth, preds []int, weights []float64) *Report {
	classes := classUnion(truth, preds)
	idx := make(map[int]int, len(classes))
	for k, c := range classes {
		idx[c] = k
	}

	n := len(truth)
	conf := make([][]int, len(classes))
	for i := range conf {
		conf[i] = make([]int, len(classes))
	}
	correct := 0
	var wCorrect, wTotal float64
	for i := 0; i < n; i++ {
		conf[idx[truth[i]]][idx[preds[i]]]++
		if truth[i] == preds[i] {
			correct++
		}
		if weights != nil {
			wTotal += weights[i]
			if truth[i] == preds[i] {
				wCorrect += weights[i]
			}
		}
	}

	rep := &Report{
		Fold:      -1,
		Points:    n,
		Classes:   classes,
		Confusion: conf,
	}
	if n > 0 {
		rep.Accuracy = float64(correct) / float64(n)
	}
	if wTotal > 0 {
		rep.WeightedAccuracy = wCorrect / wTotal
	}

	for k, class := range classes {
		tp := conf[k][k]
		fp, fn := 0, 0
		for j := range classes {
			if j == k {
				continue
			}
			fp += conf[j][k]
			fn += conf[k][j]
		}
		cm := ClassMetrics{
			Class:     class,
			Support:   tp + fn,
			Precision: ratio(tp, tp+fp),
			Recall:    ratio(tp, tp+fn),
			IoU:       ratio(tp, tp+fp+fn),
		}
		if cm.Precision+cm.Recall > 0 {
			cm.F1 = 2 * cm.Precision * cm.Recall / (cm.Precision + cm.Recall)
		}
		rep.PerClass = append(rep.PerClass, cm)
		rep.MacroPrecision += cm.Precision
		rep.MacroRecall += cm.Recall
		rep.MacroF1 += cm.F1
		rep.MeanIoU += cm.IoU
	}
	if len(classes) > 0 {
		k := float64(len(classes))
		rep.MacroPrecision /= k
		rep.MacroRecall /= k
		rep.MacroF1 /= k
		rep.MeanIoU /= k
	}

	rep.Kappa = cohenKappa(conf, n, rep.Accuracy)
	return rep
}

func classUnion(truth, preds []int) []int {
	seen := make(map[int]bool)
	for _, c := range truth {
		seen[c] = true
	}
	for _, c := range preds {
		seen[c] = true
	}
	out := make([]int, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// cohenKappa measures agreement beyond chance from the confusion
// matrix marginals.
func cohenKappa(conf [][]int, n int, po float64) float64 {
	if n == 0 {
		return 0
	}
	pe := 0.0
	for k := range conf {
		rowSum, colSum := 0, 0
		for j := range conf {
			rowSum += conf[k][j]
			colSum += conf[j][k]
		}
		pe += float64(rowSum) * float64(colSum)
	}
	pe /= float64(n) * float64(n)
	if 1-pe == 0 {
		return 0
	}
	return (po - pe) / (1 - pe)
}
