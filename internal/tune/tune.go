package tune

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/evaluate"
	"github.com/veldt-data/pointpipe/internal/model"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// Tag is the registry type tag of the tuner component.
const Tag = "tune"

// Search strategies.
const (
	StrategyGrid   = "grid"
	StrategyRandom = "random"
)

func init() {
	gob.Register(&Result{})
}

// knownMetrics are the scalar metric names a tuner can optimize.
var knownMetrics = map[string]bool{
	"accuracy":          true,
	"weighted_accuracy": true,
	"kappa":             true,
	"macro_precision":   true,
	"macro_recall":      true,
	"macro_f1":          true,
	"mean_iou":          true,
}

// Config configures a tuner component.
type Config struct {
	// Model selects the classifier under search (see model.KnownModels).
	Model string `json:"model"`

	// Attributes is the ordered feature column list.
	Attributes []string `json:"attributes"`

	// LabelAttr names an attribute column holding integer labels;
	// empty means the cloud's label slice.
	LabelAttr string `json:"label_attr,omitempty"`

	// UseWeights applies cloud sample weights (default true).
	UseWeights *bool `json:"use_weights,omitempty"`

	// Params declares the searched dimensions by hyperparameter name.
	Params map[string]ParamSpec `json:"params"`

	// Fixed holds hyperparameters shared by every trial.
	Fixed json.RawMessage `json:"fixed,omitempty"`

	// Strategy is grid (default) or random.
	Strategy *string `json:"strategy,omitempty"`

	// MaxTrials caps the random strategy's sample size (default 20).
	MaxTrials *int `json:"max_trials,omitempty"`

	// Folds is the internal cross-validation depth per trial
	// (default 3).
	Folds *int `json:"folds,omitempty"`

	// Stratify controls internal fold stratification (default true).
	Stratify *bool `json:"stratify,omitempty"`

	// Metric is the scalar to maximize (default accuracy).
	Metric *string `json:"metric,omitempty"`

	// Workers bounds concurrent trials (default 4).
	Workers *int `json:"workers,omitempty"`
}

// GetUseWeights returns whether cloud weights feed the trial fits.
func (c *Config) GetUseWeights() bool {
	if c.UseWeights == nil {
		return true
	}
	return *c.UseWeights
}

// GetStrategy returns the search strategy.
func (c *Config) GetStrategy() string {
	if c.Strategy == nil {
		return StrategyGrid
	}
	return *c.Strategy
}

// GetMaxTrials returns the random-strategy trial budget.
func (c *Config) GetMaxTrials() int {
	if c.MaxTrials == nil {
		return 20
	}
	return *c.MaxTrials
}

// GetFolds returns the internal cross-validation depth.
func (c *Config) GetFolds() int {
	if c.Folds == nil {
		return 3
	}
	return *c.Folds
}

// GetStratify returns whether internal folds stratify on labels.
func (c *Config) GetStratify() bool {
	if c.Stratify == nil {
		return true
	}
	return *c.Stratify
}

// GetMetric returns the optimized metric name.
func (c *Config) GetMetric() string {
	if c.Metric == nil {
		return "accuracy"
	}
	return *c.Metric
}

// GetWorkers returns the trial concurrency bound.
func (c *Config) GetWorkers() int {
	if c.Workers == nil {
		return 4
	}
	return *c.Workers
}

// TrialResult is one scored parameter combination.
type TrialResult struct {
	Params map[string]float64 `json:"params"`
	Score  float64            `json:"score"`
	Std    float64            `json:"std"`
	Folds  int                `json:"folds"`
}

// Result is the tuner artifact payload: the full leaderboard plus the
// best configuration refit on the whole cloud.
type Result struct {
	ModelTag string        `json:"model"`
	Metric   string        `json:"metric"`
	Trials   []TrialResult `json:"trials"`
	Best     TrialResult   `json:"best"`

	BestModel *model.TrainedModel `json:"-"`
}

// TrainedModel implements model.ModelCarrier, so a predictor can
// consume the tuner's artifact directly.
func (r *Result) TrainedModel() *model.TrainedModel { return r.BestModel }

// Tuner searches a hyperparameter space for one classifier.
type Tuner struct {
	name string
	cfg  Config

	paramNames []string    // sorted declaration of the search dims
	dims       [][]float64 // expanded candidates per dimension
}

func build(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg Config
	if err := pipeline.StrictUnmarshal(raw, &cfg); err != nil {
		return nil, pipeline.Configf(name, -1, "tune config: %v", err)
	}
	if cfg.Model == "" {
		return nil, pipeline.Configf(name, -1, "model is required (known: %v)", model.KnownModels())
	}
	if len(cfg.Attributes) == 0 {
		return nil, pipeline.Configf(name, -1, "attributes must list at least one feature column")
	}
	if len(cfg.Params) == 0 {
		return nil, pipeline.Configf(name, -1, "params must declare at least one search dimension")
	}
	switch cfg.GetStrategy() {
	case StrategyGrid, StrategyRandom:
	default:
		return nil, pipeline.Configf(name, -1, "strategy must be %q or %q, got %q", StrategyGrid, StrategyRandom, cfg.GetStrategy())
	}
	if !knownMetrics[cfg.GetMetric()] {
		return nil, pipeline.Configf(name, -1, "unknown metric %q", cfg.GetMetric())
	}
	if cfg.GetFolds() < 2 {
		return nil, pipeline.Configf(name, -1, "folds must be >= 2, got %d", cfg.GetFolds())
	}
	if cfg.GetMaxTrials() < 1 {
		return nil, pipeline.Configf(name, -1, "max_trials must be >= 1, got %d", cfg.GetMaxTrials())
	}
	if cfg.GetWorkers() < 1 {
		return nil, pipeline.Configf(name, -1, "workers must be >= 1, got %d", cfg.GetWorkers())
	}

	t := &Tuner{name: name, cfg: cfg}
	for p := range cfg.Params {
		t.paramNames = append(t.paramNames, p)
	}
	sort.Strings(t.paramNames)
	for _, p := range t.paramNames {
		spec := cfg.Params[p]
		vals, err := spec.Expand()
		if err != nil {
			return nil, pipeline.Configf(name, -1, "param %q: %v", p, err)
		}
		t.dims = append(t.dims, vals)
	}
	if comboCount(t.dims) > maxCombos {
		return nil, pipeline.Configf(name, -1, "search space exceeds %d combinations", maxCombos)
	}

	// Validate the hyperparameter names against the model's config by
	// materializing the first combination now.
	hyper, err := t.hyperFor(comboAt(0, t.dims))
	if err != nil {
		return nil, pipeline.Configf(name, -1, "%v", err)
	}
	if _, err := model.New(cfg.Model, hyper, 0); err != nil {
		return nil, pipeline.Configf(name, -1, "%v", err)
	}
	return t, nil
}

// Name implements pipeline.Component.
func (t *Tuner) Name() string { return t.name }

// Kind implements pipeline.Component.
func (t *Tuner) Kind() pipeline.Kind { return pipeline.KindTuner }

// ReproducibleAtInference is false: tuning is a training-side search.
func (t *Tuner) ReproducibleAtInference() bool { return false }

// hyperFor merges the fixed hyperparameters with one combination's
// searched values.
func (t *Tuner) hyperFor(combo []float64) (json.RawMessage, error) {
	merged := make(map[string]any)
	if len(t.cfg.Fixed) > 0 {
		if err := json.Unmarshal(t.cfg.Fixed, &merged); err != nil {
			return nil, fmt.Errorf("fixed hyperparameters: %v", err)
		}
	}
	for d, p := range t.paramNames {
		merged[p] = combo[d]
	}
	return json.Marshal(merged)
}

// combos materializes the trial list for this run's seed.
func (t *Tuner) combos(seed int64) [][]float64 {
	total := comboCount(t.dims)
	if t.cfg.GetStrategy() == StrategyGrid || total <= int64(t.cfg.GetMaxTrials()) {
		out := make([][]float64, total)
		for i := int64(0); i < total; i++ {
			out[i] = comboAt(i, t.dims)
		}
		return out
	}
	// Random search: a seeded draw without replacement over the grid.
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(int(total))
	out := make([][]float64, t.cfg.GetMaxTrials())
	for i := range out {
		out[i] = comboAt(int64(perm[i]), t.dims)
	}
	return out
}

// Run searches the space and publishes the refit best model.
func (t *Tuner) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	X, y, w, err := model.TrainingData(st, t.name, t.cfg.Attributes, t.cfg.LabelAttr, t.cfg.GetUseWeights())
	if err != nil {
		return nil, err
	}

	folds, err := pipeline.Partition(len(X), t.cfg.GetFolds(), st.RandSeed(), y, t.cfg.GetStratify())
	if err != nil {
		return nil, pipeline.Execf(t.name, -1, "internal folds: %v", err)
	}

	combos := t.combos(st.RandSeed())
	trials := make([]TrialResult, len(combos))
	errs := make([]error, len(combos))

	workers := t.cfg.GetWorkers()
	if workers > len(combos) {
		workers = len(combos)
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for ci := range combos {
		wg.Add(1)
		go func(ci int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				errs[ci] = ctx.Err()
				return
			}
			trials[ci], errs[ci] = t.runTrial(ctx, st, combos[ci], X, y, w, folds)
		}(ci)
	}
	wg.Wait()
	for ci, err := range errs {
		if err != nil {
			return nil, pipeline.Execf(t.name, -1, "trial %d %v: %v", ci, trials[ci].Params, err)
		}
	}

	// Leaderboard: best score first, earlier combination on ties.
	order := make([]int, len(trials))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return trials[order[a]].Score > trials[order[b]].Score
	})
	res := &Result{
		ModelTag: t.cfg.Model,
		Metric:   t.cfg.GetMetric(),
		Trials:   make([]TrialResult, len(order)),
	}
	for k, i := range order {
		res.Trials[k] = trials[i]
	}
	res.Best = res.Trials[0]

	// Refit the winner on the full cloud; this is the model the
	// pipeline's predictor will consume.
	bestCombo := make([]float64, len(t.paramNames))
	for d, p := range t.paramNames {
		bestCombo[d] = res.Best.Params[p]
	}
	hyper, err := t.hyperFor(bestCombo)
	if err != nil {
		return nil, pipeline.Execf(t.name, -1, "%v", err)
	}
	clf, err := model.New(t.cfg.Model, hyper, st.RandSeed())
	if err != nil {
		return nil, pipeline.Execf(t.name, -1, "%v", err)
	}
	if err := st.Gate.Acquire(ctx); err != nil {
		return nil, err
	}
	err = clf.Fit(X, y, w)
	st.Gate.Release()
	if err != nil {
		return nil, pipeline.Execf(t.name, -1, "refitting best combination: %v", err)
	}
	res.BestModel = &model.TrainedModel{
		ModelTag:   t.cfg.Model,
		Attributes: append([]string(nil), t.cfg.Attributes...),
		LabelAttr:  t.cfg.LabelAttr,
		Classes:    clf.Classes(),
		Model:      clf,
	}

	diag.Diagf("%s: %d trials, best %s %.4f with %v",
		t.name, len(res.Trials), res.Metric, res.Best.Score, res.Best.Params)

	art := pipeline.NewArtifact(t.name, pipeline.KindTuner, res)
	art.Summary["model"] = t.cfg.Model
	art.Summary["metric"] = res.Metric
	art.Summary["trials"] = len(res.Trials)
	art.Summary["best_score"] = res.Best.Score
	art.Summary["best_params"] = res.Best.Params
	return art, nil
}

// runTrial scores one combination across the shared internal folds.
func (t *Tuner) runTrial(ctx context.Context, st *pipeline.State, combo []float64, X [][]float64, y []int, w []float64, folds []pipeline.Fold) (TrialResult, error) {
	params := make(map[string]float64, len(t.paramNames))
	for d, p := range t.paramNames {
		params[p] = combo[d]
	}
	tr := TrialResult{Params: params, Folds: len(folds)}

	hyper, err := t.hyperFor(combo)
	if err != nil {
		return tr, err
	}

	scores := make([]float64, len(folds))
	for f, fold := range folds {
		Xtr, ytr, wtr := rows(X, y, w, fold.Train)
		Xte, yte, wte := rows(X, y, w, fold.Test)

		// Same per-fold seed for every combination keeps the
		// comparison fair and the search deterministic.
		clf, err := model.New(t.cfg.Model, hyper, st.RandSeed()+int64(f))
		if err != nil {
			return tr, err
		}
		if err := st.Gate.Acquire(ctx); err != nil {
			return tr, err
		}
		err = clf.Fit(Xtr, ytr, wtr)
		var preds []int
		if err == nil {
			preds, err = clf.Predict(Xte)
		}
		st.Gate.Release()
		if err != nil {
			return tr, fmt.Errorf("fold %d: %w", f, err)
		}

		rep := evaluate.Score(yte, preds, wte)
		scores[f] = rep.Scalars()[t.cfg.GetMetric()]
	}

	mean, std := stat.MeanStdDev(scores, nil)
	if len(scores) < 2 {
		std = 0
	}
	tr.Score = mean
	tr.Std = std
	return tr, nil
}

func rows(X [][]float64, y []int, w []float64, idx []int) ([][]float64, []int, []float64) {
	Xs := make([][]float64, len(idx))
	ys := make([]int, len(idx))
	var ws []float64
	if w != nil {
		ws = make([]float64, len(idx))
	}
	for k, i := range idx {
		Xs[k] = X[i]
		ys[k] = y[i]
		if w != nil {
			ws[k] = w[i]
		}
	}
	return Xs, ys, ws
}

// RegisterComponents adds the tuner builder to a registry.
func RegisterComponents(reg *pipeline.Registry) {
	reg.Register(Tag, pipeline.KindTuner, build)
}
