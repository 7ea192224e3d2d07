// Package pipeline defines the component contract, the JSON pipeline
// spec, and the executor that drives configured components over a point
// cloud. Components come from a Registry of type-tagged builders;
// everything a component learns is carried in Artifacts, never on the
// component itself, so one instance can serve every cross-validation
// fold concurrently.
package pipeline

import (
	"context"
	"encoding/gob"

	"github.com/google/uuid"
	"github.com/veldt-data/pointpipe/internal/cloud"
)

func init() {
	// Container types that appear inside artifact summaries. Payload
	// types register in their own packages.
	gob.Register([]string{})
	gob.Register([]int{})
	gob.Register([]float64{})
	gob.Register(map[string]int{})
	gob.Register(map[string]float64{})
	gob.Register(map[string]any{})
}

// Kind classifies a component by its role in the pipeline.
type Kind string

const (
	KindMiner       Kind = "miner"
	KindImputer     Kind = "imputer"
	KindTransformer Kind = "transformer"
	KindTrainer     Kind = "trainer"
	KindPredictor   Kind = "predictor"
	KindEvaluator   Kind = "evaluator"
	KindTuner       Kind = "tuner"
	KindWriter      Kind = "writer"
)

// Component is a configured pipeline step. Implementations are built by
// registry builders, which validate the raw config up front; Run only
// sees well-formed parameters.
//
// Run must be safe for concurrent use: during cross-validation the same
// instance runs once per fold, each call with its own State. All fitted
// output belongs in the returned Artifact.
type Component interface {
	// Name is the unique per-pipeline component name.
	Name() string

	// Kind reports the component's role.
	Kind() Kind

	// ReproducibleAtInference reports whether re-running this component
	// on a new cloud, given its artifact, reproduces its training-time
	// behavior exactly. Only reproducible components enter an exported
	// predictive pipeline.
	ReproducibleAtInference() bool

	// Run executes the step against the state. A non-nil artifact is
	// recorded under the component's name for downstream steps.
	Run(ctx context.Context, st *State) (*Artifact, error)
}

// Restorer is implemented by components that can adopt a previously
// fitted artifact instead of fitting again. Loading a predictive
// pipeline restores each step this way.
type Restorer interface {
	Restore(a *Artifact) error
}

// FoldAggregator is implemented by evaluators that can merge their
// per-fold artifacts into a single cross-validated result.
type FoldAggregator interface {
	AggregateFolds(arts []*Artifact) (*Artifact, error)
}

// State is the mutable pipeline state handed to each component. During
// cross-validation every fold gets an isolated deep copy.
type State struct {
	// Cloud is the evolving point cloud. Components mutate it in place
	// or replace it (point-removing imputation).
	Cloud *cloud.Cloud

	// Artifacts holds the outputs of completed upstream components,
	// keyed by component name.
	Artifacts map[string]*Artifact

	// Seed is the run's base random seed. Components derive their own
	// streams from it; fold f uses Seed+int64(f)+1.
	Seed int64

	// Fold is the current cross-validation fold, -1 outside of one.
	Fold int

	// OutDir is the run's output directory, already created.
	OutDir string

	// Gate serializes access to the scarce fitting resource.
	Gate *Gate
}

// Artifact returns the named upstream artifact, if recorded.
func (st *State) Artifact(name string) (*Artifact, bool) {
	a, ok := st.Artifacts[name]
	return a, ok
}

// RandSeed returns the seed components should feed their random
// streams: the run seed outside cross-validation, a distinct derived
// seed per fold inside it.
func (st *State) RandSeed() int64 {
	if st.Fold >= 0 {
		return st.Seed + int64(st.Fold) + 1
	}
	return st.Seed
}

// ArtifactsOfKind returns all recorded artifacts of one kind, in no
// particular order.
func (st *State) ArtifactsOfKind(k Kind) []*Artifact {
	var out []*Artifact
	for _, a := range st.Artifacts {
		if a.Kind == k {
			out = append(out, a)
		}
	}
	return out
}

// Artifact is a component's recorded output: fitted parameters, a
// trained model, an evaluation report. Payload must be gob-serializable
// so artifacts can enter bundles and the run store.
type Artifact struct {
	ID        string
	Component string
	Kind      Kind

	// Payload is the typed output consumed by downstream components.
	Payload any

	// Summary holds small JSON-friendly values for logs, reports and
	// the run store.
	Summary map[string]any
}

// NewArtifact builds an artifact for a component with a fresh id.
func NewArtifact(component string, kind Kind, payload any) *Artifact {
	return &Artifact{
		ID:        uuid.NewString(),
		Component: component,
		Kind:      kind,
		Payload:   payload,
		Summary:   make(map[string]any),
	}
}
