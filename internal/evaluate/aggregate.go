package evaluate

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// CVReport is the cross-validation artifact payload: every fold's
// report plus mean and sample standard deviation per scalar metric.
type CVReport struct {
	Folds []*Report          `json:"folds"`
	Mean  map[string]float64 `json:"mean"`
	Std   map[string]float64 `json:"std"`
}

// MetricNames returns the aggregated metric names in sorted order.
func (r *CVReport) MetricNames() []string {
	out := make([]string, 0, len(r.Mean))
	for name := range r.Mean {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AggregateFolds implements pipeline.FoldAggregator: the per-fold
// evaluation artifacts collapse into one CVReport artifact. Fold order
// follows the artifact order, which the executor provides ascending.
func (m *Evaluator) AggregateFolds(arts []*pipeline.Artifact) (*pipeline.Artifact, error) {
	if len(arts) == 0 {
		return nil, fmt.Errorf("evaluator %s: no fold artifacts to aggregate", m.name)
	}

	cv := &CVReport{
		Mean: make(map[string]float64),
		Std:  make(map[string]float64),
	}
	series := make(map[string][]float64)
	for _, a := range arts {
		rep, ok := a.Payload.(*Report)
		if !ok {
			return nil, fmt.Errorf("evaluator %s: fold artifact payload is %T, want *Report", m.name, a.Payload)
		}
		cv.Folds = append(cv.Folds, rep)
		for name, v := range rep.Scalars() {
			series[name] = append(series[name], v)
		}
	}
	for name, vals := range series {
		mean, std := stat.MeanStdDev(vals, nil)
		if len(vals) < 2 {
			std = 0
		}
		cv.Mean[name] = mean
		cv.Std[name] = std
	}

	art := pipeline.NewArtifact(m.name, pipeline.KindEvaluator, cv)
	art.Summary["folds"] = len(cv.Folds)
	art.Summary["accuracy_mean"] = cv.Mean["accuracy"]
	art.Summary["accuracy_std"] = cv.Std["accuracy"]
	return art, nil
}

// RegisterComponents adds the evaluator builder to a registry.
func RegisterComponents(reg *pipeline.Registry) {
	reg.Register(Tag, pipeline.KindEvaluator, build)
}
