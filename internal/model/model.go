// Package model implements the point classifiers behind the trainer
// and predictor components: a CART decision tree, a bagged random
// forest and a nearest-neighbor baseline. All three fit deterministic
// given a seed, carry their class lists, and serialize with gob so
// trained models travel through artifacts, the run store and exported
// pipeline bundles.
package model

import (
	"encoding/gob"
	"fmt"

	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// Classifier is the contract every model implements. Fit takes an
// optional sample weight vector (nil = uniform); Predict and
// PredictProba require the same column order the model was fitted
// with.
type Classifier interface {
	Fit(X [][]float64, y []int, w []float64) error
	Predict(X [][]float64) ([]int, error)
	PredictProba(X [][]float64) ([][]float64, error)
	Classes() []int
}

// Model type tags accepted by the trainer config.
const (
	TagDecisionTree = "decision_tree"
	TagRandomForest = "random_forest"
	TagKNN          = "knn"
)

// KnownModels lists the accepted model tags.
func KnownModels() []string {
	return []string{TagDecisionTree, TagKNN, TagRandomForest}
}

// New builds an unfitted classifier from a model tag and its raw
// hyperparameter JSON. Unknown hyperparameter keys are rejected.
func New(tag string, hyper []byte, seed int64) (Classifier, error) {
	switch tag {
	case TagDecisionTree:
		var cfg DecisionTreeConfig
		if err := pipeline.StrictUnmarshal(hyper, &cfg); err != nil {
			return nil, fmt.Errorf("%s hyperparameters: %w", tag, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", tag, err)
		}
		return NewDecisionTree(cfg, seed), nil
	case TagRandomForest:
		var cfg RandomForestConfig
		if err := pipeline.StrictUnmarshal(hyper, &cfg); err != nil {
			return nil, fmt.Errorf("%s hyperparameters: %w", tag, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", tag, err)
		}
		return NewRandomForest(cfg, seed), nil
	case TagKNN:
		var cfg KNNConfig
		if err := pipeline.StrictUnmarshal(hyper, &cfg); err != nil {
			return nil, fmt.Errorf("%s hyperparameters: %w", tag, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", tag, err)
		}
		return NewKNN(cfg), nil
	default:
		return nil, fmt.Errorf("unknown model %q (known: %v)", tag, KnownModels())
	}
}

// TrainedModel is the trainer's artifact payload: the fitted classifier
// plus the attribute contract it was fitted under. Predictors verify
// the contract before applying the model, so feature columns can never
// silently misalign.
type TrainedModel struct {
	ModelTag   string
	Attributes []string
	LabelAttr  string
	Classes    []int
	Model      Classifier
}

func init() {
	gob.Register(&DecisionTree{})
	gob.Register(&RandomForest{})
	gob.Register(&KNN{})
	gob.Register(&TrainedModel{})
	gob.Register(&PredictorState{})
}
