package predictive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/evaluate"
	"github.com/veldt-data/pointpipe/internal/impute"
	"github.com/veldt-data/pointpipe/internal/model"
	"github.com/veldt-data/pointpipe/internal/pipeline"
	"github.com/veldt-data/pointpipe/internal/transform"
)

func testRegistry() *pipeline.Registry {
	reg := pipeline.NewRegistry()
	model.RegisterComponents(reg)
	transform.RegisterComponents(reg)
	impute.RegisterComponents(reg)
	evaluate.RegisterComponents(reg)
	return reg
}

// trainCloud builds 30 labeled points whose class follows the height
// attribute.
func trainCloud() *cloud.Cloud {
	var pts []cloud.Point
	var height []float64
	var labels []int
	for i := 0; i < 30; i++ {
		h := float64(i%2)*10 + float64(i)*0.01
		pts = append(pts, cloud.Point{X: float64(i), Y: 0, Z: h})
		height = append(height, h)
		labels = append(labels, i%2)
	}
	c := cloud.New("train", pts)
	if err := c.AddAttribute("height", height); err != nil {
		panic(err)
	}
	if err := c.SetLabels(labels); err != nil {
		panic(err)
	}
	return c
}

// inferenceCloud mirrors trainCloud's geometry without labels, the way
// a production cloud arrives.
func inferenceCloud() *cloud.Cloud {
	c := trainCloud()
	out := cloud.New("inference", c.Points)
	h, _ := c.Attribute("height")
	if err := out.AddAttribute("height", h); err != nil {
		panic(err)
	}
	return out
}

const trainSpec = `{
	"seed": 42,
	"output_dir": "%s",
	"components": [
		{"type": "standardize", "name": "scale", "config": {"attributes": ["height"]}},
		{"type": "train", "name": "fit", "config": {"model": "decision_tree", "attributes": ["height"]}},
		{"type": "predict", "name": "label", "config": {}}
	]
}`

func completedRun(t *testing.T) (*pipeline.Executor, *cloud.Cloud) {
	t.Helper()
	reg := testRegistry()
	specJSON := []byte(trimSpec(t, trainSpec))
	spec, err := pipeline.ParseSpec(specJSON, reg)
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	ex, err := pipeline.NewExecutor(spec, reg)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	c := trainCloud()
	if _, err := ex.Execute(context.Background(), c); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ex.Status() != pipeline.StatusCompleted {
		t.Fatalf("status = %s", ex.Status())
	}
	return ex, ex.Cloud()
}

func trimSpec(t *testing.T, tmpl string) string {
	t.Helper()
	return fmt.Sprintf(tmpl, t.TempDir())
}

func TestExportRefusesUnstartedRun(t *testing.T) {
	reg := testRegistry()
	spec, err := pipeline.ParseSpec([]byte(trimSpec(t, trainSpec)), reg)
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	ex, err := pipeline.NewExecutor(spec, reg)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	_, err = Export(ex, filepath.Join(t.TempDir(), "m.ppl"))
	if !errors.Is(err, ErrRunNotCompleted) {
		t.Fatalf("error = %v, want ErrRunNotCompleted", err)
	}
}

func TestExportRefusesFailedRun(t *testing.T) {
	reg := testRegistry()
	spec, err := pipeline.ParseSpec([]byte(trimSpec(t, trainSpec)), reg)
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	ex, err := pipeline.NewExecutor(spec, reg)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	// No labels: the trainer's data contract fails the run.
	c := inferenceCloud()
	if _, err := ex.Execute(context.Background(), c); err == nil {
		t.Fatal("expected run failure")
	}
	if ex.Status() != pipeline.StatusFailed {
		t.Fatalf("status = %s", ex.Status())
	}
	_, err = Export(ex, filepath.Join(t.TempDir(), "m.ppl"))
	if !errors.Is(err, ErrRunNotCompleted) {
		t.Fatalf("error = %v, want ErrRunNotCompleted", err)
	}
}

func TestExportKeepsOnlyInferenceComponents(t *testing.T) {
	ex, _ := completedRun(t)
	path := filepath.Join(t.TempDir(), "m.ppl")
	man, err := Export(ex, path)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if man.RunID != ex.RunID() || man.Seed != 42 {
		t.Fatalf("manifest header = %+v", man)
	}
	var names []string
	for _, ci := range man.Components {
		names = append(names, ci.Name)
	}
	if len(names) != 2 || names[0] != "scale" || names[1] != "label" {
		t.Fatalf("bundled components = %v, want [scale label]", names)
	}
	for _, ci := range man.Components {
		if !ci.Restored {
			t.Fatalf("component %s not marked restored", ci.Name)
		}
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("bundle file: %v", err)
	}
}

func TestBundleRoundTripReproducesPredictions(t *testing.T) {
	ex, trained := completedRun(t)
	want, ok := trained.Attribute("prediction")
	if !ok {
		t.Fatal("training run produced no prediction column")
	}

	path := filepath.Join(t.TempDir(), "m.ppl")
	if _, err := Export(ex, path); err != nil {
		t.Fatalf("export: %v", err)
	}
	p, err := Load(path, testRegistry())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	out, report, err := p.Predict(context.Background(), inferenceCloud())
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if report.Status != pipeline.StatusCompleted {
		t.Fatalf("inference status = %s", report.Status)
	}
	got, ok := out.Attribute("prediction")
	if !ok {
		t.Fatal("inference produced no prediction column")
	}
	if len(got) != len(want) {
		t.Fatalf("prediction length %d, want %d", len(got), len(want))
	}
	for i := range got {
		if math.Float64bits(got[i]) != math.Float64bits(want[i]) {
			t.Fatalf("prediction %d = %v, training run had %v", i, got[i], want[i])
		}
	}
}

const cvSpec = `{
	"seed": 42,
	"folds": 3,
	"output_dir": "%s",
	"components": [
		{"type": "standardize", "name": "scale", "config": {"attributes": ["height"]}},
		{"type": "train", "name": "fit", "config": {"model": "decision_tree", "attributes": ["height"]}},
		{"type": "predict", "name": "label", "config": {}},
		{"type": "evaluate", "name": "score", "config": {}}
	]
}`

// A cross-validated run leaves the predictor without a base-state
// artifact of its own; the bundle must still carry the refit model.
func TestCrossValidatedBundlePredicts(t *testing.T) {
	reg := testRegistry()
	spec, err := pipeline.ParseSpec([]byte(trimSpec(t, cvSpec)), reg)
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	ex, err := pipeline.NewExecutor(spec, reg)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	if _, err := ex.Execute(context.Background(), trainCloud()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	path := filepath.Join(t.TempDir(), "cv.ppl")
	man, err := Export(ex, path)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(man.Components) != 2 {
		t.Fatalf("bundled steps = %d (%v), want scale and label", len(man.Components), man.Components)
	}

	p, err := Load(path, testRegistry())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out, report, err := p.Predict(context.Background(), inferenceCloud())
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if report.Status != pipeline.StatusCompleted {
		t.Fatalf("inference status = %s", report.Status)
	}
	preds, ok := out.Attribute("prediction")
	if !ok {
		t.Fatal("no prediction column")
	}
	for i, v := range preds {
		if want := float64(i % 2); v != want {
			t.Fatalf("prediction %d = %g, want %g", i, v, want)
		}
	}
}

func TestExportRecordsAttributeContract(t *testing.T) {
	ex, _ := completedRun(t)
	path := filepath.Join(t.TempDir(), "m.ppl")
	man, err := Export(ex, path)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(man.AttributeContract) != 1 || man.AttributeContract[0] != "height" {
		t.Fatalf("attribute contract = %v, want [height]", man.AttributeContract)
	}

	p, err := Load(path, testRegistry())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.Manifest.AttributeContract) != 1 || p.Manifest.AttributeContract[0] != "height" {
		t.Fatalf("loaded contract = %v, want [height]", p.Manifest.AttributeContract)
	}
}

func TestPredictRejectsCloudMissingContractAttributes(t *testing.T) {
	ex, _ := completedRun(t)
	path := filepath.Join(t.TempDir(), "m.ppl")
	if _, err := Export(ex, path); err != nil {
		t.Fatalf("export: %v", err)
	}
	p, err := Load(path, testRegistry())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	bare := cloud.New("bare", trainCloud().Points)
	_, _, err = p.Predict(context.Background(), bare)
	if !pipeline.IsDataContractError(err) {
		t.Fatalf("want data contract error, got %v", err)
	}
	if !strings.Contains(err.Error(), "height") {
		t.Errorf("error does not name the missing attribute: %v", err)
	}
}

func TestLoadedScalerReplaysWithoutRefitting(t *testing.T) {
	ex, _ := completedRun(t)
	path := filepath.Join(t.TempDir(), "m.ppl")
	if _, err := Export(ex, path); err != nil {
		t.Fatalf("export: %v", err)
	}
	p, err := Load(path, testRegistry())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, report, err := p.Predict(context.Background(), inferenceCloud())
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if refit, ok := report.Components[0].Summary["refit"]; !ok || refit != false {
		t.Fatalf("scale summary = %v, want refit=false", report.Components[0].Summary)
	}
}

func TestPipelinePredictsRepeatedly(t *testing.T) {
	ex, _ := completedRun(t)
	path := filepath.Join(t.TempDir(), "m.ppl")
	if _, err := Export(ex, path); err != nil {
		t.Fatalf("export: %v", err)
	}
	p, err := Load(path, testRegistry())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	first, _, err := p.Predict(context.Background(), inferenceCloud())
	if err != nil {
		t.Fatalf("first predict: %v", err)
	}
	second, _, err := p.Predict(context.Background(), inferenceCloud())
	if err != nil {
		t.Fatalf("second predict: %v", err)
	}
	a, _ := first.Attribute("prediction")
	b, _ := second.Attribute("prediction")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("repeat predictions diverge at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestLoadMissingBundleIsPersistenceError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.ppl"), testRegistry())
	if err == nil {
		t.Fatal("expected error")
	}
	if !pipeline.IsPersistenceError(err) {
		t.Fatalf("error type = %T: %v", err, err)
	}
}

func TestLoadRejectsCorruptBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.ppl")
	if err := os.WriteFile(path, []byte("not a bundle"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path, testRegistry())
	if err == nil {
		t.Fatal("expected error")
	}
	if !pipeline.IsPersistenceError(err) {
		t.Fatalf("error type = %T: %v", err, err)
	}
}

func TestLoadRejectsUnknownComponentType(t *testing.T) {
	ex, _ := completedRun(t)
	path := filepath.Join(t.TempDir(), "m.ppl")
	if _, err := Export(ex, path); err != nil {
		t.Fatalf("export: %v", err)
	}
	_, err := Load(path, pipeline.NewRegistry())
	if err == nil {
		t.Fatal("expected error")
	}
	if !pipeline.IsConfigError(err) {
		t.Fatalf("error type = %T: %v", err, err)
	}
}
