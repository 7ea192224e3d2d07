package runstore

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/veldt-data/pointpipe/internal/pipeline"
)

var _ pipeline.RunRecorder = (*RunStore)(nil)

func openStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSpec() *pipeline.Spec {
	return &pipeline.Spec{
		OutputDir: "out",
		Components: []pipeline.ComponentSpec{
			{Type: "standardize", Name: "scale", Config: json.RawMessage(`{}`)},
		},
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"pipeline_runs", "component_runs", "evaluations", "bundles"} {
		var n int
		err := s.DB().QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&n)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("table %s missing", table)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// reopening must tolerate already-applied migrations
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2.Close()
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	started := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	if err := s.RecordRunStart("run-1", testSpec(), started); err != nil {
		t.Fatal(err)
	}
	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != string(pipeline.StatusRunning) {
		t.Errorf("status = %s, want running", run.Status)
	}
	if run.StartedAt != started.UnixNano() {
		t.Errorf("started_at = %d, want %d", run.StartedAt, started.UnixNano())
	}
	if run.FinishedAt != 0 || run.Error != "" {
		t.Errorf("fresh run has finish data: %+v", run)
	}
	var back pipeline.Spec
	if err := json.Unmarshal([]byte(run.SpecJSON), &back); err != nil {
		t.Fatalf("spec_json does not parse: %v", err)
	}
	if len(back.Components) != 1 || back.Components[0].Name != "scale" {
		t.Errorf("spec round trip: %+v", back)
	}

	outcomes := []pipeline.ComponentOutcome{
		{Position: 0, Name: "scale", Type: "standardize", Kind: pipeline.KindTransformer,
			Status: pipeline.OutcomeOK, Duration: 1500 * time.Microsecond,
			Summary: map[string]any{"attributes": 3}},
		{Position: 1, Name: "fit", Type: "train", Kind: pipeline.KindTrainer,
			Status: pipeline.OutcomeFailed, Duration: time.Millisecond, Error: "no labels"},
	}
	for _, oc := range outcomes {
		if err := s.RecordComponent("run-1", oc); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.RecordRunEnd("run-1", pipeline.StatusFailed, started.Add(time.Second), errors.New("fit: no labels")); err != nil {
		t.Fatal(err)
	}
	run, err = s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != string(pipeline.StatusFailed) {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if run.FinishedAt != started.Add(time.Second).UnixNano() {
		t.Errorf("finished_at = %d", run.FinishedAt)
	}
	if run.Error != "fit: no labels" {
		t.Errorf("error = %q", run.Error)
	}

	comps, err := s.ComponentsForRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	wantComps := []ComponentRun{
		{RunID: "run-1", Position: 0, Component: "scale", Type: "standardize",
			Kind: "transformer", Status: pipeline.OutcomeOK, DurationUS: 1500,
			Summary: `{"attributes":3}`},
		{RunID: "run-1", Position: 1, Component: "fit", Type: "train",
			Kind: "trainer", Status: pipeline.OutcomeFailed, DurationUS: 1000,
			Error: "no labels"},
	}
	if diff := cmp.Diff(wantComps, comps); diff != "" {
		t.Errorf("components mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordComponentReplacesPosition(t *testing.T) {
	s := openStore(t)
	if err := s.RecordRunStart("run-1", testSpec(), time.Now()); err != nil {
		t.Fatal(err)
	}
	oc := pipeline.ComponentOutcome{Position: 0, Name: "scale", Type: "standardize",
		Kind: pipeline.KindTransformer, Status: pipeline.OutcomePending}
	if err := s.RecordComponent("run-1", oc); err != nil {
		t.Fatal(err)
	}
	oc.Status = pipeline.OutcomeOK
	if err := s.RecordComponent("run-1", oc); err != nil {
		t.Fatal(err)
	}

	comps, err := s.ComponentsForRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 1 {
		t.Fatalf("components = %d, want 1 after replace", len(comps))
	}
	if comps[0].Status != pipeline.OutcomeOK {
		t.Errorf("status = %s, want ok", comps[0].Status)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.RecordRunStart(id, testSpec(), base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.ListRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].RunID != "c" || runs[1].RunID != "b" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestGetRunMissing(t *testing.T) {
	s := openStore(t)
	if _, err := s.GetRun("ghost"); !pipeline.IsPersistenceError(err) {
		t.Fatalf("want persistence error, got %v", err)
	}
}

func TestInsertEvaluationFillsDefaults(t *testing.T) {
	s := openStore(t)
	ev := &Evaluation{
		RunID:       "run-1",
		Component:   "scorer",
		Accuracy:    0.91,
		MacroF1:     0.88,
		MeanIoU:     0.8,
		Kappa:       0.82,
		Folds:       5,
		MetricsJSON: json.RawMessage(`{"accuracy":0.91}`),
	}
	if err := s.InsertEvaluation(ev); err != nil {
		t.Fatal(err)
	}
	if ev.EvaluationID == "" {
		t.Error("evaluation id not generated")
	}
	if ev.CreatedAt == 0 {
		t.Error("created_at not filled")
	}

	evs, err := s.EvaluationsForRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("evaluations = %d, want 1", len(evs))
	}
	got := evs[0]
	if got.Accuracy != 0.91 || got.Folds != 5 {
		t.Errorf("round trip = %+v", got)
	}
	if string(got.MetricsJSON) != `{"accuracy":0.91}` {
		t.Errorf("metrics json = %s", got.MetricsJSON)
	}
}

func TestInsertBundle(t *testing.T) {
	s := openStore(t)
	b := &Bundle{
		RunID:             "run-1",
		Path:              "/data/out/model.ppl",
		AttributeContract: json.RawMessage(`["height","intensity"]`),
	}
	if err := s.InsertBundle(b); err != nil {
		t.Fatal(err)
	}
	if b.BundleID == "" || b.CreatedAt == 0 {
		t.Errorf("defaults not filled: %+v", b)
	}

	bundles, err := s.BundlesForRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(bundles) != 1 || bundles[0].Path != "/data/out/model.ppl" {
		t.Fatalf("bundles = %+v", bundles)
	}
	if string(bundles[0].AttributeContract) != `["height","intensity"]` {
		t.Errorf("contract = %s", bundles[0].AttributeContract)
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"busy token", errors.New("SQLITE_BUSY"), true},
		{"other", errors.New("constraint failed"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Errorf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Run("first try", func(t *testing.T) {
		calls := 0
		if err := retryOnBusy(func() error { calls++; return nil }); err != nil {
			t.Fatal(err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("succeeds after contention", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked (5) (SQLITE_BUSY)")
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("non-busy fails immediately", func(t *testing.T) {
		calls := 0
		want := errors.New("constraint failed")
		err := retryOnBusy(func() error { calls++; return want })
		if err != want {
			t.Errorf("err = %v, want %v", err, want)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if calls != maxBusyRetries {
			t.Errorf("calls = %d, want %d", calls, maxBusyRetries)
		}
	})
}
