// Command pointpipe runs JSON pipeline specs over point cloud files:
// feature mining, imputation, training, inference, evaluation and
// export of trained pipelines as predictive bundles.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/veldt-data/pointpipe/internal/components"
	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/evaluate"
	"github.com/veldt-data/pointpipe/internal/inout"
	"github.com/veldt-data/pointpipe/internal/pipeline"
	"github.com/veldt-data/pointpipe/internal/predictive"
	"github.com/veldt-data/pointpipe/internal/runstore"
	"github.com/veldt-data/pointpipe/internal/security"
	"github.com/veldt-data/pointpipe/internal/version"
)

var (
	pipelineFlag = flag.String("pipeline", "", "pipeline spec file (.json)")
	inFlag       = flag.String("in", "", "input cloud file(s), comma separated (.xyz, .csv, .pcap)")
	outFlag      = flag.String("out", "", "output directory, overrides the spec's output_dir")
	dbFlag       = flag.String("db", "", "run history database, created when missing")
	exportFlag   = flag.String("export", "", "write the trained predictive bundle here (.ppl)")
	seedFlag     = flag.Int64("seed", 0, "override the spec's random seed")
	foldsFlag    = flag.Int("folds", 0, "override the spec's cross-validation folds")
	gateFlag     = flag.Int("gate", 1, "accelerator slots for training and inference; 0 grants one per CPU")
	verboseFlag  = flag.Bool("verbose", false, "log component diagnostics")
	traceFlag    = flag.Bool("trace", false, "log per-step tracing (implies -verbose)")
	versionFlag  = flag.Bool("version", false, "print build information and exit")
	selftestFlag = flag.Bool("selftest", false, "run the built-in check suite and exit")
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *versionFlag {
		fmt.Println(version.String())
		return exitOK
	}

	logs := diag.LogWriters{Ops: os.Stderr}
	if *verboseFlag || *traceFlag {
		logs.Diag = os.Stderr
	}
	if *traceFlag {
		logs.Trace = os.Stderr
	}
	diag.SetLogWriters(logs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *selftestFlag {
		if err := selfTest(ctx, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "pointpipe: selftest: %v\n", err)
			return exitFail
		}
		return exitOK
	}

	if *pipelineFlag == "" || *inFlag == "" {
		fmt.Fprintln(os.Stderr, "pointpipe: -pipeline and -in are required")
		flag.Usage()
		return exitUsage
	}
	inputs := splitInputs(*inFlag)
	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "pointpipe: -in names no files")
		return exitUsage
	}
	if *exportFlag != "" && len(inputs) > 1 {
		fmt.Fprintln(os.Stderr, "pointpipe: -export takes a single input")
		return exitUsage
	}

	var store *runstore.RunStore
	if *dbFlag != "" {
		var err error
		store, err = runstore.Open(*dbFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pointpipe: %v\n", err)
			return exitFail
		}
		defer store.Close()
	}

	ov := gatherOverrides()
	ov.perInput = len(inputs) > 1
	code := exitOK
	for _, input := range inputs {
		if err := runOne(ctx, *pipelineFlag, input, ov, store, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "pointpipe: %s: %v\n", input, err)
			code = exitFail
		}
	}
	return code
}

// overrides carries the flag values that replace spec fields. Seed and
// folds are pointers so an explicit zero can override the spec.
type overrides struct {
	outDir   string
	export   string
	seed     *int64
	folds    *int
	gate     *int
	perInput bool
}

func gatherOverrides() overrides {
	ov := overrides{outDir: *outFlag, export: *exportFlag}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			v := *seedFlag
			ov.seed = &v
		case "folds":
			v := *foldsFlag
			ov.folds = &v
		case "gate":
			v := *gateFlag
			ov.gate = &v
		}
	})
	return ov
}

func splitInputs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// runOne executes the spec over a single input cloud. With perInput
// set, outputs land in a per-input subdirectory named after the file,
// so batch runs never overwrite each other.
func runOne(ctx context.Context, specPath, input string, ov overrides, store *runstore.RunStore, w io.Writer) error {
	spec, err := pipeline.LoadSpec(specPath, components.Default)
	if err != nil {
		return err
	}
	if ov.outDir != "" {
		spec.OutputDir = ov.outDir
	}
	if ov.seed != nil {
		s := *ov.seed
		spec.Seed = &s
	}
	if ov.folds != nil {
		f := *ov.folds
		spec.Folds = &f
	}
	if ov.perInput {
		stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		spec.OutputDir = filepath.Join(spec.GetOutputDir(), security.SanitizeFilename(stem))
	}

	cl, err := inout.ReadCloud(input)
	if err != nil {
		return err
	}

	ex, err := pipeline.NewExecutor(spec, components.Default)
	if err != nil {
		return err
	}
	if ov.gate != nil {
		width := *ov.gate
		if width <= 0 {
			width = runtime.GOMAXPROCS(0)
		}
		ex.SetGateWidth(width)
	}
	if store != nil {
		ex.SetRecorder(store)
	}

	report, runErr := ex.Execute(ctx, cl)
	printReport(w, input, report)
	if store != nil {
		recordEvaluations(store, ex)
	}
	if runErr != nil {
		return runErr
	}

	if ov.export != "" {
		man, err := predictive.Export(ex, ov.export)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "exported %s (%d steps)\n", ov.export, len(man.Components))
		if store != nil {
			recordBundle(store, ex.RunID(), ov.export, man)
		}
	}
	return nil
}

func printReport(w io.Writer, input string, report *pipeline.RunReport) {
	if report == nil {
		return
	}
	elapsed := report.FinishedAt.Sub(report.StartedAt)
	fmt.Fprintf(w, "%s: run %s %s in %.3f seconds\n",
		filepath.Base(input), report.RunID, report.Status, elapsed.Seconds())
	for _, oc := range report.Components {
		line := fmt.Sprintf("  [%d] %-16s %-14s %-8s %v",
			oc.Position, oc.Name, oc.Type, oc.Status, oc.Duration.Round(time.Millisecond))
		if oc.Error != "" {
			line += "  " + oc.Error
		}
		fmt.Fprintln(w, line)
	}
	for _, note := range report.PersistenceNotes {
		fmt.Fprintf(w, "  note: %s\n", note)
	}
	if report.Err != "" {
		fmt.Fprintf(w, "  error: %s\n", report.Err)
	}
}

// recordEvaluations stores one evaluations row per evaluator artifact.
// Store failures are logged, not fatal; the run itself already
// finished.
func recordEvaluations(store *runstore.RunStore, ex *pipeline.Executor) {
	for name, art := range ex.Artifacts() {
		if art.Kind != pipeline.KindEvaluator {
			continue
		}
		ev := &runstore.Evaluation{RunID: ex.RunID(), Component: name}
		switch rep := art.Payload.(type) {
		case *evaluate.Report:
			s := rep.Scalars()
			ev.Accuracy, ev.MacroF1 = s["accuracy"], s["macro_f1"]
			ev.MeanIoU, ev.Kappa = s["mean_iou"], s["kappa"]
		case *evaluate.CVReport:
			ev.Accuracy, ev.MacroF1 = rep.Mean["accuracy"], rep.Mean["macro_f1"]
			ev.MeanIoU, ev.Kappa = rep.Mean["mean_iou"], rep.Mean["kappa"]
			ev.Folds = len(rep.Folds)
		default:
			continue
		}
		if data, err := json.Marshal(art.Payload); err == nil {
			ev.MetricsJSON = data
		}
		if err := store.InsertEvaluation(ev); err != nil {
			diag.Opsf("recording evaluation %s: %v", name, err)
		}
	}
}

func recordBundle(store *runstore.RunStore, runID, path string, man *predictive.Manifest) {
	b := &runstore.Bundle{RunID: runID, Path: path}
	if data, err := json.Marshal(man.AttributeContract); err == nil {
		b.AttributeContract = data
	}
	if err := store.InsertBundle(b); err != nil {
		diag.Opsf("recording bundle %s: %v", path, err)
	}
}
