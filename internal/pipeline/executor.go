package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/timeutil"
)

// Status is the executor lifecycle state.
type Status string

const (
	StatusConstructing Status = "constructing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Component outcome states within a run report.
const (
	OutcomePending = "pending"
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// ComponentOutcome records how one pipeline position fared.
type ComponentOutcome struct {
	Position int            `json:"position"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Kind     Kind           `json:"kind"`
	Critical bool           `json:"critical"`
	Status   string         `json:"status"`
	Duration time.Duration  `json:"duration_ns"`
	Error    string         `json:"error,omitempty"`
	Summary  map[string]any `json:"summary,omitempty"`
}

// RunReport is the full account of one pipeline run.
type RunReport struct {
	RunID      string             `json:"run_id"`
	Status     Status             `json:"status"`
	Seed       int64              `json:"seed"`
	Folds      int                `json:"folds"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Components []ComponentOutcome `json:"components"`

	// PersistenceNotes surfaces run-store write failures. They never
	// abort a run but are always reported.
	PersistenceNotes []string `json:"persistence_notes,omitempty"`

	Err string `json:"error,omitempty"`
}

// RunRecorder receives run lifecycle events, typically backed by the
// run store. Recorder failures surface as persistence notes on the
// report rather than failing the run.
type RunRecorder interface {
	RecordRunStart(runID string, spec *Spec, startedAt time.Time) error
	RecordComponent(runID string, oc ComponentOutcome) error
	RecordRunEnd(runID string, status Status, finishedAt time.Time, runErr error) error
}

// Executor drives a parsed spec over a point cloud. It is single-shot:
// construct, Execute once, then inspect. Construction builds and
// validates every component before anything runs, so a pipeline that
// starts running has no configuration errors left.
type Executor struct {
	spec  *Spec
	reg   *Registry
	runID string
	comps []Component

	mu     sync.Mutex
	status Status

	state      *State
	inputAttrs []string
	seedArts   map[string]*Artifact
	clock      timeutil.Clock
	recorder   RunRecorder
	gateWidth  int
}

// NewExecutor builds all components up front. On a configuration error
// it returns both the failed executor (status Failed, for reporting)
// and the error; no component has run at that point.
func NewExecutor(spec *Spec, reg *Registry) (*Executor, error) {
	ex := &Executor{
		spec:      spec,
		reg:       reg,
		runID:     uuid.NewString(),
		status:    StatusConstructing,
		clock:     timeutil.RealClock{},
		gateWidth: 1,
	}
	for i := range spec.Components {
		cs := &spec.Components[i]
		c, err := reg.Build(cs.Type, cs.Name, cs.Config)
		if err != nil {
			if ce, ok := err.(*ConfigError); ok && ce.Pos < 0 {
				ce.Pos = i
			}
			ex.status = StatusFailed
			return ex, err
		}
		ex.comps = append(ex.comps, c)
	}
	return ex, nil
}

// RunID returns the run's identifier.
func (ex *Executor) RunID() string { return ex.runID }

// Status returns the executor lifecycle state.
func (ex *Executor) Status() Status {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.status
}

// SetRecorder attaches a run recorder. Must be called before Execute.
func (ex *Executor) SetRecorder(r RunRecorder) { ex.recorder = r }

// SetClock swaps the wall clock, for tests.
func (ex *Executor) SetClock(c timeutil.Clock) { ex.clock = c }

// SetGateWidth sets how many model fits may run concurrently.
func (ex *Executor) SetGateWidth(n int) { ex.gateWidth = n }

// SeedArtifacts places artifacts into the run's state before any
// component runs, under their original names. Loaded bundles use this
// so components that consume another component's artifact find it
// without its producer re-running. Must be called before Execute.
func (ex *Executor) SeedArtifacts(arts map[string]*Artifact) {
	ex.seedArts = arts
}

// Artifacts returns the artifacts recorded on the base state. Only
// meaningful after Execute returns.
func (ex *Executor) Artifacts() map[string]*Artifact {
	if ex.state == nil {
		return nil
	}
	return ex.state.Artifacts
}

// Components returns the built components in pipeline order.
func (ex *Executor) Components() []Component { return ex.comps }

// Cloud returns the final cloud state. Only meaningful after Execute
// returns.
func (ex *Executor) Cloud() *cloud.Cloud {
	if ex.state == nil {
		return nil
	}
	return ex.state.Cloud
}

// InputAttributes returns the attribute names the input cloud carried
// when Execute started, in column order. Only attribute-preserving
// components run before the first inference-reproducible one, so this
// is the attribute contract a bundled pipeline expects of its input.
func (ex *Executor) InputAttributes() []string { return ex.inputAttrs }

// Spec returns the executor's pipeline spec.
func (ex *Executor) Spec() *Spec { return ex.spec }

func (ex *Executor) setStatus(s Status) {
	ex.mu.Lock()
	ex.status = s
	ex.mu.Unlock()
}

// Execute runs the pipeline over the cloud. The report is non-nil
// whenever execution began, including failed runs.
func (ex *Executor) Execute(ctx context.Context, c *cloud.Cloud) (*RunReport, error) {
	ex.mu.Lock()
	if ex.status != StatusConstructing {
		st := ex.status
		ex.mu.Unlock()
		return nil, fmt.Errorf("executor is %s; each executor runs exactly once", st)
	}
	ex.status = StatusRunning
	ex.inputAttrs = append([]string(nil), c.AttributeNames()...)
	ex.mu.Unlock()

	started := ex.clock.Now()
	report := &RunReport{
		RunID:      ex.runID,
		Status:     StatusRunning,
		Seed:       ex.spec.GetSeed(),
		Folds:      ex.spec.GetFolds(),
		StartedAt:  started,
		Components: make([]ComponentOutcome, len(ex.comps)),
	}
	for i := range ex.comps {
		cs := &ex.spec.Components[i]
		report.Components[i] = ComponentOutcome{
			Position: i,
			Name:     cs.Name,
			Type:     cs.Type,
			Kind:     ex.comps[i].Kind(),
			Critical: cs.IsCritical(),
			Status:   OutcomePending,
		}
	}

	if ex.recorder != nil {
		if err := ex.recorder.RecordRunStart(ex.runID, ex.spec, started); err != nil {
			ex.notePersistence(report, fmt.Errorf("recording run start: %w", err))
		}
	}

	diag.Diagf("run %s: %d components, seed %d, folds %d",
		ex.runID, len(ex.comps), report.Seed, report.Folds)

	outDir := ex.spec.GetOutputDir()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return ex.fail(report, &PersistenceError{Component: "", Pos: -1, Path: outDir, Err: err})
	}

	st := &State{
		Cloud:     c,
		Artifacts: make(map[string]*Artifact, len(ex.seedArts)),
		Seed:      ex.spec.GetSeed(),
		Fold:      -1,
		OutDir:    outDir,
		Gate:      NewGate(ex.gateWidth),
	}
	for name, art := range ex.seedArts {
		st.Artifacts[name] = art
	}
	ex.state = st

	first, last := ex.spec.windowBounds(ex.reg)
	if ex.spec.GetFolds() > 1 && first >= 0 {
		if err := ex.runRange(ctx, report, st, 0, first); err != nil {
			return ex.fail(report, err)
		}
		if err := ex.runFolds(ctx, report, st, first, last); err != nil {
			return ex.fail(report, err)
		}
		if err := ex.runRange(ctx, report, st, last+1, len(ex.comps)); err != nil {
			return ex.fail(report, err)
		}
	} else {
		if err := ex.runRange(ctx, report, st, 0, len(ex.comps)); err != nil {
			return ex.fail(report, err)
		}
	}

	ex.setStatus(StatusCompleted)
	report.Status = StatusCompleted
	report.FinishedAt = ex.clock.Now()
	if ex.recorder != nil {
		if err := ex.recorder.RecordRunEnd(ex.runID, StatusCompleted, report.FinishedAt, nil); err != nil {
			ex.notePersistence(report, fmt.Errorf("recording run end: %w", err))
		}
	}
	diag.Diagf("run %s: completed in %.3f seconds", ex.runID, report.FinishedAt.Sub(report.StartedAt).Seconds())
	return report, nil
}

// runRange executes components [from, to) sequentially on st, applying
// the critical/best-effort contract: a best-effort failure rolls the
// state back to just before the component and moves on.
func (ex *Executor) runRange(ctx context.Context, report *RunReport, st *State, from, to int) error {
	for i := from; i < to; i++ {
		cs := &ex.spec.Components[i]
		comp := ex.comps[i]
		oc := &report.Components[i]

		if err := ctx.Err(); err != nil {
			oc.Status = OutcomeFailed
			oc.Error = err.Error()
			return &ExecutionError{Component: cs.Name, Pos: i, Fold: st.Fold, Err: err}
		}

		var snapCloud *cloud.Cloud
		var snapArts map[string]*Artifact
		if !cs.IsCritical() {
			snapCloud = st.Cloud.Clone()
			snapArts = copyArtifacts(st.Artifacts)
		}

		diag.Tracef("run %s: %s (%s) starting", ex.runID, cs.Name, comp.Kind())
		t0 := ex.clock.Now()
		art, err := comp.Run(ctx, st)
		oc.Duration = ex.clock.Since(t0)

		if err != nil {
			oc.Error = err.Error()
			if !cs.IsCritical() {
				st.Cloud = snapCloud
				st.Artifacts = snapArts
				oc.Status = OutcomeSkipped
				diag.Opsf("run %s: best-effort component %s failed, skipping: %v", ex.runID, cs.Name, err)
				ex.recordComponent(report, i)
				continue
			}
			oc.Status = OutcomeFailed
			ex.recordComponent(report, i)
			return ex.classify(err, cs.Name, i, st.Fold)
		}

		if art != nil {
			st.Artifacts[cs.Name] = art
			oc.Summary = art.Summary
		}
		oc.Status = OutcomeOK
		diag.Diagf("run %s: %s (%s) done in %.3f seconds", ex.runID, cs.Name, comp.Kind(), oc.Duration.Seconds())
		ex.recordComponent(report, i)
	}
	return nil
}

// runFolds cross-validates the window [first, last]: each fold runs the
// trainers on its train split and the predictors and evaluators on its
// held-out split, concurrently with the other folds. Afterwards the
// evaluators aggregate their per-fold results and the trainers refit on
// the full cloud so downstream steps and bundle export see a final
// model.
func (ex *Executor) runFolds(ctx context.Context, report *RunReport, base *State, first, last int) error {
	k := ex.spec.GetFolds()
	window := last - first + 1

	stratify := ex.spec.GetStratify() && base.Cloud.HasLabels()
	if ex.spec.GetStratify() && !base.Cloud.HasLabels() {
		diag.Opsf("run %s: stratified folds requested but cloud has no labels, using random folds", ex.runID)
	}
	for i := first; i <= last; i++ {
		if !ex.spec.Components[i].IsCritical() {
			diag.Opsf("run %s: component %s is inside the cross-validated block and runs as critical", ex.runID, ex.spec.Components[i].Name)
		}
	}

	folds, err := Partition(base.Cloud.Count(), k, base.Seed, base.Cloud.Labels(), stratify)
	if err != nil {
		cs := &ex.spec.Components[first]
		report.Components[first].Status = OutcomeFailed
		report.Components[first].Error = err.Error()
		return &ExecutionError{Component: cs.Name, Pos: first, Fold: -1, Err: err}
	}

	foldErrs := make([]error, k)
	foldPos := make([]int, k)
	durs := make([][]time.Duration, k)
	artsPerFold := make([]map[string]*Artifact, k)
	var wg sync.WaitGroup

	for f := 0; f < k; f++ {
		durs[f] = make([]time.Duration, window)
		wg.Add(1)
		go func(f int) {
			defer wg.Done()
			trainCloud := base.Cloud.Subset(folds[f].Train)
			testCloud := base.Cloud.Subset(folds[f].Test)
			fst := &State{
				Cloud:     trainCloud,
				Artifacts: copyArtifacts(base.Artifacts),
				Seed:      base.Seed,
				Fold:      f,
				OutDir:    base.OutDir,
				Gate:      base.Gate,
			}
			onHeldOut := false
			for i := first; i <= last; i++ {
				if err := ctx.Err(); err != nil {
					foldErrs[f] = err
					foldPos[f] = i
					return
				}
				comp := ex.comps[i]
				if !onHeldOut && comp.Kind() != KindTrainer {
					fst.Cloud = testCloud
					onHeldOut = true
				}
				t0 := ex.clock.Now()
				art, err := comp.Run(ctx, fst)
				durs[f][i-first] = ex.clock.Since(t0)
				if err != nil {
					foldErrs[f] = err
					foldPos[f] = i
					return
				}
				if art != nil {
					fst.Artifacts[ex.spec.Components[i].Name] = art
				}
				diag.Tracef("run %s: fold %d %s done in %.3f seconds",
					ex.runID, f, ex.spec.Components[i].Name, durs[f][i-first].Seconds())
			}
			artsPerFold[f] = fst.Artifacts
		}(f)
	}
	wg.Wait()

	for f := 0; f < k; f++ {
		if foldErrs[f] != nil {
			i := foldPos[f]
			oc := &report.Components[i]
			oc.Status = OutcomeFailed
			oc.Error = foldErrs[f].Error()
			oc.Duration = sumDurations(durs, i-first)
			return ex.classify(foldErrs[f], ex.spec.Components[i].Name, i, f)
		}
	}

	// All folds succeeded: fill outcomes with per-fold totals.
	for i := first; i <= last; i++ {
		oc := &report.Components[i]
		oc.Status = OutcomeOK
		oc.Duration = sumDurations(durs, i-first)
		oc.Summary = map[string]any{"folds": k}
	}

	// Evaluators merge their per-fold artifacts into one result on the
	// base state.
	for i := first; i <= last; i++ {
		comp := ex.comps[i]
		if comp.Kind() != KindEvaluator {
			continue
		}
		name := ex.spec.Components[i].Name
		perFold := make([]*Artifact, 0, k)
		for f := 0; f < k; f++ {
			if a := artsPerFold[f][name]; a != nil {
				perFold = append(perFold, a)
			}
		}
		if agg, ok := comp.(FoldAggregator); ok {
			art, err := agg.AggregateFolds(perFold)
			if err != nil {
				report.Components[i].Status = OutcomeFailed
				report.Components[i].Error = err.Error()
				return ex.classify(err, name, i, -1)
			}
			base.Artifacts[name] = art
			mergeSummary(&report.Components[i], art)
		} else if len(perFold) > 0 {
			base.Artifacts[name] = perFold[len(perFold)-1]
			diag.Opsf("run %s: evaluator %s cannot aggregate folds, keeping last fold's result", ex.runID, name)
		}
	}

	// Trainers refit on the full cloud so the exported model sees all
	// the data; cross-validated metrics above stay untouched.
	for i := first; i <= last; i++ {
		comp := ex.comps[i]
		name := ex.spec.Components[i].Name
		switch comp.Kind() {
		case KindTrainer:
			t0 := ex.clock.Now()
			art, err := comp.Run(ctx, base)
			d := ex.clock.Since(t0)
			report.Components[i].Duration += d
			if err != nil {
				report.Components[i].Status = OutcomeFailed
				report.Components[i].Error = err.Error()
				return ex.classify(err, name, i, -1)
			}
			if art != nil {
				base.Artifacts[name] = art
				mergeSummary(&report.Components[i], art)
			}
			diag.Diagf("run %s: %s refit on full cloud in %.3f seconds", ex.runID, name, d.Seconds())
		case KindPredictor:
			diag.Diagf("run %s: predictor %s ran per fold only; full-cloud predictions come from the exported pipeline", ex.runID, name)
		}
	}

	for i := first; i <= last; i++ {
		ex.recordComponent(report, i)
	}
	return nil
}

func sumDurations(durs [][]time.Duration, col int) time.Duration {
	var total time.Duration
	for f := range durs {
		total += durs[f][col]
	}
	return total
}

func mergeSummary(oc *ComponentOutcome, art *Artifact) {
	if oc.Summary == nil {
		oc.Summary = make(map[string]any)
	}
	for k, v := range art.Summary {
		oc.Summary[k] = v
	}
}

func copyArtifacts(src map[string]*Artifact) map[string]*Artifact {
	out := make(map[string]*Artifact, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// classify keeps taxonomy errors as they are and wraps anything else as
// an ExecutionError at the failing position.
func (ex *Executor) classify(err error, component string, pos, fold int) error {
	if IsConfigError(err) || IsDataContractError(err) || IsExecutionError(err) || IsPersistenceError(err) {
		return err
	}
	return &ExecutionError{Component: component, Pos: pos, Fold: fold, Err: err}
}

func (ex *Executor) fail(report *RunReport, err error) (*RunReport, error) {
	ex.setStatus(StatusFailed)
	report.Status = StatusFailed
	report.FinishedAt = ex.clock.Now()
	report.Err = err.Error()
	if ex.recorder != nil {
		if rerr := ex.recorder.RecordRunEnd(ex.runID, StatusFailed, report.FinishedAt, err); rerr != nil {
			ex.notePersistence(report, fmt.Errorf("recording run end: %w", rerr))
		}
	}
	diag.Opsf("run %s: failed: %v", ex.runID, err)
	return report, err
}

func (ex *Executor) recordComponent(report *RunReport, i int) {
	if ex.recorder == nil {
		return
	}
	if err := ex.recorder.RecordComponent(ex.runID, report.Components[i]); err != nil {
		ex.notePersistence(report, fmt.Errorf("recording component %s: %w", report.Components[i].Name, err))
	}
}

func (ex *Executor) notePersistence(report *RunReport, err error) {
	report.PersistenceNotes = append(report.PersistenceNotes, err.Error())
	diag.Opsf("run %s: %v", ex.runID, err)
}
