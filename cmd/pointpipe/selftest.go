package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/components"
	"github.com/veldt-data/pointpipe/internal/evaluate"
	"github.com/veldt-data/pointpipe/internal/fsutil"
	"github.com/veldt-data/pointpipe/internal/pipeline"
	"github.com/veldt-data/pointpipe/internal/predictive"
)

const selfTestSpec = `{
	"seed": 11,
	"output_dir": %q,
	"components": [
		{"type": "mine_height", "name": "relief"},
		{"type": "impute", "name": "repair", "config": {"attributes": ["intensity"]}},
		{"type": "standardize", "name": "scale", "config": {"attributes": ["z_p50", "intensity"]}},
		{"type": "train", "name": "fit", "config": {"model": "decision_tree", "attributes": ["z_p50", "intensity"]}},
		{"type": "predict", "name": "label"},
		{"type": "evaluate", "name": "score"}
	]
}`

// selfTest exercises the training-to-inference path end to end on a
// synthetic cloud, printing one line per check. It needs no input
// files and cleans up after itself.
func selfTest(ctx context.Context, w io.Writer) error {
	step := func(name string, err error) error {
		if err != nil {
			fmt.Fprintf(w, "%-36s FAIL: %v\n", name, err)
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(w, "%-36s ok\n", name)
		return nil
	}

	dir, err := os.MkdirTemp("", "pointpipe-selftest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	spec, err := pipeline.ParseSpec([]byte(fmt.Sprintf(selfTestSpec, dir)), components.Default)
	if err := step("parse pipeline spec", err); err != nil {
		return err
	}

	ex, err := pipeline.NewExecutor(spec, components.Default)
	if err := step("construct components", err); err != nil {
		return err
	}

	report, err := ex.Execute(ctx, selfTestCloud(true))
	if err == nil && report.Status != pipeline.StatusCompleted {
		err = fmt.Errorf("run finished %s", report.Status)
	}
	if err := step("mine, impute, train, predict", err); err != nil {
		return err
	}

	var acc float64
	err = nil
	if art, ok := ex.Artifacts()["score"]; !ok {
		err = fmt.Errorf("no evaluation artifact")
	} else if rep, ok := art.Payload.(*evaluate.Report); !ok {
		err = fmt.Errorf("evaluation payload is %T", art.Payload)
	} else if acc = rep.Accuracy; acc < 0.9 {
		err = fmt.Errorf("accuracy %.3f below 0.9 on separable data", acc)
	}
	if err := step(fmt.Sprintf("evaluate (accuracy %.3f)", acc), err); err != nil {
		return err
	}

	bundlePath := filepath.Join(dir, "selftest.ppl")
	_, err = predictive.Export(ex, bundlePath)
	if err == nil && !fsutil.Exists(bundlePath) {
		err = fmt.Errorf("bundle file missing after export")
	}
	if err := step("export predictive bundle", err); err != nil {
		return err
	}

	loaded, err := predictive.Load(bundlePath, components.Default)
	if err := step("reload bundle", err); err != nil {
		return err
	}

	out, _, err := loaded.Predict(ctx, selfTestCloud(false))
	if err == nil {
		err = samePredictions(ex.Cloud(), out)
	}
	if err := step("inference reproduces training", err); err != nil {
		return err
	}

	if err := step("gate serializes accelerator work", gateSerializes(ctx)); err != nil {
		return err
	}
	return nil
}

// selfTestCloud builds two classes separated both in height and in
// intensity, with a scatter of missing intensity values for the
// imputer to repair. The generator is deterministic so the labeled
// training cloud and the unlabeled inference cloud are point for point
// identical.
func selfTestCloud(labeled bool) *cloud.Cloud {
	rng := rand.New(rand.NewSource(11))
	const n = 200
	pts := make([]cloud.Point, n)
	intensity := make([]float64, n)
	labels := make([]int, n)
	for i := range pts {
		class := i % 2
		pts[i] = cloud.Point{
			X: rng.Float64() * 20,
			Y: rng.Float64() * 20,
			Z: float64(class)*8 + rng.Float64(),
		}
		intensity[i] = float64(class)*5 + rng.NormFloat64()
		if i%10 == 3 {
			intensity[i] = math.NaN()
		}
		labels[i] = class
	}
	c := cloud.New("selftest", pts)
	if err := c.AddAttribute("intensity", intensity); err != nil {
		panic(err)
	}
	if labeled {
		if err := c.SetLabels(labels); err != nil {
			panic(err)
		}
	}
	return c
}

func samePredictions(trained, inferred *cloud.Cloud) error {
	want, ok := trained.Attribute("prediction")
	if !ok {
		return fmt.Errorf("training run has no prediction column")
	}
	got, ok := inferred.Attribute("prediction")
	if !ok {
		return fmt.Errorf("inference run has no prediction column")
	}
	if len(got) != len(want) {
		return fmt.Errorf("prediction count %d, training had %d", len(got), len(want))
	}
	for i := range got {
		if math.Float64bits(got[i]) != math.Float64bits(want[i]) {
			return fmt.Errorf("prediction %d = %v, training run had %v", i, got[i], want[i])
		}
	}
	return nil
}

// gateSerializes checks that a width-1 gate never admits two holders
// at once.
func gateSerializes(ctx context.Context) error {
	gate := pipeline.NewGate(1)
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gate.Acquire(ctx); err != nil {
				errs <- err
				return
			}
			now := inside.Add(1)
			if old := peak.Load(); now > old {
				peak.CompareAndSwap(old, now)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			gate.Release()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	if p := peak.Load(); p != 1 {
		return fmt.Errorf("gate of width 1 admitted %d holders", p)
	}
	return nil
}
