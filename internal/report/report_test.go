package report

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/evaluate"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

func foldReport(fold int, classes []int, conf [][]int, acc float64) *evaluate.Report {
	return &evaluate.Report{
		Fold:      fold,
		Points:    10,
		Classes:   classes,
		Confusion: conf,
		Accuracy:  acc,
		MacroF1:   acc,
	}
}

func cvFixture() *evaluate.CVReport {
	return &evaluate.CVReport{
		Folds: []*evaluate.Report{
			foldReport(0, []int{0, 1}, [][]int{{4, 1}, {0, 5}}, 0.9),
			foldReport(1, []int{0, 1}, [][]int{{5, 0}, {2, 3}}, 0.8),
		},
		Mean: map[string]float64{"accuracy": 0.85, "macro_f1": 0.85},
		Std:  map[string]float64{"accuracy": 0.05, "macro_f1": 0.05},
	}
}

func reportState(t *testing.T, arts map[string]*pipeline.Artifact) *pipeline.State {
	t.Helper()
	c := cloud.New("scene", []cloud.Point{{X: 1}, {Y: 1}, {Z: 1}})
	return &pipeline.State{
		Cloud:     c,
		Artifacts: arts,
		Seed:      3,
		Fold:      -1,
		OutDir:    t.TempDir(),
		Gate:      pipeline.NewGate(1),
	}
}

func TestSummaryFromSingleReport(t *testing.T) {
	rep := foldReport(-1, []int{0, 1}, [][]int{{3, 1}, {0, 6}}, 0.9)
	s, err := newSummary(rep)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Folds) != 1 {
		t.Fatalf("folds = %d, want 1", len(s.Folds))
	}
	if s.Mean["accuracy"] != 0.9 {
		t.Errorf("mean accuracy = %v, want 0.9", s.Mean["accuracy"])
	}
	for name, std := range s.Std {
		if std != 0 {
			t.Errorf("std[%s] = %v, want 0 for a single report", name, std)
		}
	}
	if !reflect.DeepEqual(s.Confusion, [][]int{{3, 1}, {0, 6}}) {
		t.Errorf("confusion = %v", s.Confusion)
	}
}

func TestSummaryPoolsFoldConfusions(t *testing.T) {
	cv := &evaluate.CVReport{
		Folds: []*evaluate.Report{
			foldReport(0, []int{0, 1}, [][]int{{2, 1}, {0, 3}}, 0.8),
			foldReport(1, []int{1, 2}, [][]int{{4, 0}, {1, 2}}, 0.8),
		},
		Mean: map[string]float64{"accuracy": 0.8},
		Std:  map[string]float64{"accuracy": 0},
	}
	s, err := newSummary(cv)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s.Classes, []int{0, 1, 2}) {
		t.Fatalf("classes = %v, want [0 1 2]", s.Classes)
	}
	want := [][]int{
		{2, 1, 0},
		{0, 7, 0},
		{0, 1, 2},
	}
	if !reflect.DeepEqual(s.Confusion, want) {
		t.Errorf("pooled confusion = %v, want %v", s.Confusion, want)
	}
}

func TestSummaryRejectsForeignPayload(t *testing.T) {
	if _, err := newSummary("not a report"); err == nil {
		t.Fatal("string payload accepted")
	}
}

func TestPooledClassMetrics(t *testing.T) {
	// truth 0: 8 right, 2 called 1. truth 1: 1 called 0, 9 right.
	per := pooledClassMetrics([]int{0, 1}, [][]int{{8, 2}, {1, 9}})

	c0 := per[0]
	if c0.Support != 10 {
		t.Errorf("class 0 support = %d, want 10", c0.Support)
	}
	if math.Abs(c0.Precision-8.0/9.0) > 1e-12 {
		t.Errorf("class 0 precision = %v, want 8/9", c0.Precision)
	}
	if math.Abs(c0.Recall-0.8) > 1e-12 {
		t.Errorf("class 0 recall = %v, want 0.8", c0.Recall)
	}
	if math.Abs(c0.IoU-8.0/11.0) > 1e-12 {
		t.Errorf("class 0 iou = %v, want 8/11", c0.IoU)
	}
	pr, rc := 8.0/9.0, 0.8
	if math.Abs(c0.F1-2*pr*rc/(pr+rc)) > 1e-12 {
		t.Errorf("class 0 f1 = %v", c0.F1)
	}
}

func TestPooledClassMetricsZeroSupport(t *testing.T) {
	// class 1 never occurs in truth or prediction
	per := pooledClassMetrics([]int{0, 1}, [][]int{{5, 0}, {0, 0}})
	if per[1].Precision != 0 || per[1].Recall != 0 || per[1].F1 != 0 || per[1].IoU != 0 {
		t.Errorf("empty class metrics = %+v, want zeros", per[1])
	}
}

func mustBuild(t *testing.T, raw string) pipeline.Component {
	t.Helper()
	comp, err := build("reporter", json.RawMessage(raw))
	if err != nil {
		t.Fatal(err)
	}
	return comp
}

func TestWriterRendersAllFiles(t *testing.T) {
	art := pipeline.NewArtifact("scorer", pipeline.KindEvaluator, cvFixture())
	st := reportState(t, map[string]*pipeline.Artifact{"scorer": art})

	comp := mustBuild(t, `{"prefix": "eval/report"}`)
	out, err := comp.Run(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}

	wantFiles := []string{
		"eval/report.json",
		"eval/report.html",
		"eval/report_confusion.png",
		"eval/report_folds.png",
	}
	if !reflect.DeepEqual(out.Summary["files"], wantFiles) {
		t.Errorf("files = %v, want %v", out.Summary["files"], wantFiles)
	}
	if out.Summary["evaluator"] != "scorer" {
		t.Errorf("evaluator = %v, want scorer", out.Summary["evaluator"])
	}
	for _, rel := range wantFiles {
		full := filepath.Join(st.OutDir, rel)
		info, err := os.Stat(full)
		if err != nil {
			t.Fatalf("%s: %v", rel, err)
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", rel)
		}
	}

	data, err := os.ReadFile(filepath.Join(st.OutDir, "eval", "report.json"))
	if err != nil {
		t.Fatal(err)
	}
	var back evaluate.CVReport
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if len(back.Folds) != 2 || back.Mean["accuracy"] != 0.85 {
		t.Errorf("json round trip: folds=%d mean=%v", len(back.Folds), back.Mean["accuracy"])
	}
}

func TestWriterSingleFoldSkipsFoldChart(t *testing.T) {
	rep := foldReport(-1, []int{0, 1}, [][]int{{3, 0}, {0, 3}}, 1.0)
	art := pipeline.NewArtifact("scorer", pipeline.KindEvaluator, rep)
	st := reportState(t, map[string]*pipeline.Artifact{"scorer": art})

	comp := mustBuild(t, `{}`)
	out, err := comp.Run(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	files, ok := out.Summary["files"].([]string)
	if !ok {
		t.Fatalf("files summary is %T", out.Summary["files"])
	}
	for _, f := range files {
		if f == "report_folds.png" {
			t.Error("single-report run wrote a fold chart")
		}
	}
	if _, err := os.Stat(filepath.Join(st.OutDir, "report_folds.png")); !os.IsNotExist(err) {
		t.Errorf("fold chart stat: %v", err)
	}
	if _, err := os.Stat(filepath.Join(st.OutDir, "report_confusion.png")); err != nil {
		t.Errorf("confusion chart missing: %v", err)
	}
}

func TestWriterChartToggleOff(t *testing.T) {
	art := pipeline.NewArtifact("scorer", pipeline.KindEvaluator, cvFixture())
	st := reportState(t, map[string]*pipeline.Artifact{"scorer": art})

	comp := mustBuild(t, `{"html": false, "charts": false}`)
	if _, err := comp.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(st.OutDir, "report.json")); err != nil {
		t.Fatalf("json always written: %v", err)
	}
	for _, rel := range []string{"report.html", "report_confusion.png"} {
		if _, err := os.Stat(filepath.Join(st.OutDir, rel)); !os.IsNotExist(err) {
			t.Errorf("%s written despite toggle (stat: %v)", rel, err)
		}
	}
}

func TestWriterResolvesNamedEvaluator(t *testing.T) {
	arts := map[string]*pipeline.Artifact{
		"a": pipeline.NewArtifact("a", pipeline.KindEvaluator, cvFixture()),
		"b": pipeline.NewArtifact("b", pipeline.KindEvaluator, cvFixture()),
	}
	st := reportState(t, arts)

	// ambiguous without a name
	if _, err := mustBuild(t, `{}`).Run(context.Background(), st); !pipeline.IsDataContractError(err) {
		t.Fatalf("ambiguous artifacts: want contract error, got %v", err)
	}

	comp := mustBuild(t, `{"evaluator": "b"}`)
	out, err := comp.Run(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if out.Summary["evaluator"] != "b" {
		t.Errorf("evaluator = %v, want b", out.Summary["evaluator"])
	}
}

func TestWriterContractErrors(t *testing.T) {
	st := reportState(t, map[string]*pipeline.Artifact{})
	if _, err := mustBuild(t, `{}`).Run(context.Background(), st); !pipeline.IsDataContractError(err) {
		t.Errorf("no artifacts: want contract error, got %v", err)
	}

	st = reportState(t, map[string]*pipeline.Artifact{
		"scorer": pipeline.NewArtifact("scorer", pipeline.KindEvaluator, cvFixture()),
	})
	if _, err := mustBuild(t, `{"evaluator": "ghost"}`).Run(context.Background(), st); !pipeline.IsDataContractError(err) {
		t.Errorf("missing named evaluator: want contract error, got %v", err)
	}
}

func TestWriterConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"absolute prefix", `{"prefix": "/tmp/report"}`},
		{"prefix with extension", `{"prefix": "report.html"}`},
		{"unknown key", `{"format": "pdf"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := build("reporter", json.RawMessage(tc.raw)); !pipeline.IsConfigError(err) {
				t.Fatalf("want config error, got %v", err)
			}
		})
	}
}

func TestWriterEscapingPrefixFails(t *testing.T) {
	art := pipeline.NewArtifact("scorer", pipeline.KindEvaluator, cvFixture())
	st := reportState(t, map[string]*pipeline.Artifact{"scorer": art})
	comp := mustBuild(t, `{"prefix": "../outside"}`)
	if _, err := comp.Run(context.Background(), st); !pipeline.IsPersistenceError(err) {
		t.Fatalf("want persistence error, got %v", err)
	}
}

func TestRegisterComponents(t *testing.T) {
	reg := pipeline.NewRegistry()
	RegisterComponents(reg)
	if !reg.Has(Tag) {
		t.Fatalf("%s not registered", Tag)
	}
	if kind, _ := reg.KindOf(Tag); kind != pipeline.KindWriter {
		t.Errorf("kind = %s, want %s", kind, pipeline.KindWriter)
	}
}
