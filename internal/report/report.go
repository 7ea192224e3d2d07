// Package report renders evaluation results into files a person can
// read: a JSON dump of the raw report, an HTML page of charts, and PNG
// plots of the confusion matrix and per-fold metrics. The write_report
// component drives all of them from the evaluator's artifact.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/evaluate"
	"github.com/veldt-data/pointpipe/internal/fsutil"
	"github.com/veldt-data/pointpipe/internal/pipeline"
	"github.com/veldt-data/pointpipe/internal/security"
)

// Tag is the component type tag.
const Tag = "write_report"

// Summary is the rendering view of one run's evaluation: every fold's
// report, the aggregate statistics, and the confusion matrix pooled
// over folds.
type Summary struct {
	Cloud  string
	Points int
	Seed   int64

	// Folds holds one report outside cross-validation.
	Folds []*evaluate.Report
	Mean  map[string]float64
	Std   map[string]float64

	// Classes is the sorted union over folds; Confusion sums the fold
	// matrices, rows truth and columns prediction in Classes order.
	Classes   []int
	Confusion [][]int
}

// newSummary builds the view from an evaluator artifact payload.
func newSummary(payload any) (*Summary, error) {
	switch rep := payload.(type) {
	case *evaluate.Report:
		s := &Summary{
			Folds: []*evaluate.Report{rep},
			Mean:  rep.Scalars(),
			Std:   make(map[string]float64),
		}
		for name := range s.Mean {
			s.Std[name] = 0
		}
		s.Classes, s.Confusion = poolConfusion(s.Folds)
		return s, nil
	case *evaluate.CVReport:
		s := &Summary{Folds: rep.Folds, Mean: rep.Mean, Std: rep.Std}
		s.Classes, s.Confusion = poolConfusion(s.Folds)
		return s, nil
	default:
		return nil, fmt.Errorf("artifact payload is %T, not an evaluation report", payload)
	}
}

// MetricNames returns the aggregated metric names in sorted order.
func (s *Summary) MetricNames() []string {
	out := make([]string, 0, len(s.Mean))
	for name := range s.Mean {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// poolConfusion sums fold confusion matrices over the union of their
// class sets.
func poolConfusion(folds []*evaluate.Report) ([]int, [][]int) {
	seen := map[int]bool{}
	for _, rep := range folds {
		for _, cl := range rep.Classes {
			seen[cl] = true
		}
	}
	classes := make([]int, 0, len(seen))
	for cl := range seen {
		classes = append(classes, cl)
	}
	sort.Ints(classes)
	pos := make(map[int]int, len(classes))
	for i, cl := range classes {
		pos[cl] = i
	}

	conf := make([][]int, len(classes))
	for i := range conf {
		conf[i] = make([]int, len(classes))
	}
	for _, rep := range folds {
		for ti, row := range rep.Confusion {
			for pi, n := range row {
				conf[pos[rep.Classes[ti]]][pos[rep.Classes[pi]]] += n
			}
		}
	}
	return classes, conf
}

// Config configures the report writer.
type Config struct {
	// Evaluator names the evaluator component whose artifact to render.
	// Optional when the pipeline has exactly one evaluation artifact.
	Evaluator string `json:"evaluator,omitempty"`

	// Prefix is the output file stem, relative to the output directory.
	// Defaults to "report"; the writer appends .json, .html and .png
	// suffixes to it.
	Prefix string `json:"prefix,omitempty"`

	// HTML and Charts switch the HTML page and the PNG plots. The JSON
	// report is always written.
	HTML   *bool `json:"html,omitempty"`
	Charts *bool `json:"charts,omitempty"`
}

func (c *Config) wantHTML() bool   { return c.HTML == nil || *c.HTML }
func (c *Config) wantCharts() bool { return c.Charts == nil || *c.Charts }

// Writer is the write_report component.
type Writer struct {
	name string
	cfg  Config
}

func build(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg Config
	if err := pipeline.StrictUnmarshal(raw, &cfg); err != nil {
		return nil, pipeline.Configf(name, -1, "%s config: %v", Tag, err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "report"
	}
	if filepath.IsAbs(cfg.Prefix) {
		return nil, pipeline.Configf(name, -1, "prefix %q must be relative to the output directory", cfg.Prefix)
	}
	if filepath.Ext(cfg.Prefix) != "" {
		return nil, pipeline.Configf(name, -1, "prefix %q is a file stem; extensions are appended", cfg.Prefix)
	}
	return &Writer{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (m *Writer) Name() string { return m.name }

// Kind implements pipeline.Component.
func (m *Writer) Kind() pipeline.Kind { return pipeline.KindWriter }

// ReproducibleAtInference is false: reports are training-run output.
func (m *Writer) ReproducibleAtInference() bool { return false }

// Run renders the evaluation artifact into the configured files.
func (m *Writer) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	payload, evaluator, err := m.findEvaluation(st)
	if err != nil {
		return nil, err
	}
	s, err := newSummary(payload)
	if err != nil {
		return nil, pipeline.Contractf(m.name, -1, "%v", err)
	}
	s.Cloud = st.Cloud.Name
	s.Points = st.Cloud.Count()
	s.Seed = st.Seed

	files := []string{m.cfg.Prefix + ".json"}
	if m.cfg.wantHTML() {
		files = append(files, m.cfg.Prefix+".html")
	}
	if m.cfg.wantCharts() {
		files = append(files, m.cfg.Prefix+"_confusion.png")
		if len(s.Folds) > 1 {
			files = append(files, m.cfg.Prefix+"_folds.png")
		}
	}

	full := make([]string, len(files))
	for i, rel := range files {
		p, err := security.ResolveOutputPath(st.OutDir, rel)
		if err != nil {
			return nil, pipeline.Persistf(m.name, rel, "%v", err)
		}
		full[i] = p
	}
	if dir := filepath.Dir(full[0]); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pipeline.Persistf(m.name, full[0], "%v", err)
		}
	}

	if err := writeJSON(payload, full[0]); err != nil {
		return nil, pipeline.Persistf(m.name, full[0], "%v", err)
	}
	next := 1
	if m.cfg.wantHTML() {
		if err := WriteHTML(s, full[next]); err != nil {
			return nil, pipeline.Persistf(m.name, full[next], "%v", err)
		}
		next++
	}
	if m.cfg.wantCharts() {
		if err := ConfusionPNG(s, full[next]); err != nil {
			return nil, pipeline.Persistf(m.name, full[next], "%v", err)
		}
		next++
		if len(s.Folds) > 1 {
			if err := FoldMetricsPNG(s, full[next]); err != nil {
				return nil, pipeline.Persistf(m.name, full[next], "%v", err)
			}
		}
	}
	diag.Diagf("report %s: wrote %d files for evaluator %s", m.name, len(files), evaluator)

	art := pipeline.NewArtifact(m.name, pipeline.KindWriter, nil)
	art.Summary["evaluator"] = evaluator
	art.Summary["files"] = files
	art.Summary["folds"] = len(s.Folds)
	return art, nil
}

// findEvaluation locates the evaluation artifact to render.
func (m *Writer) findEvaluation(st *pipeline.State) (any, string, error) {
	if m.cfg.Evaluator != "" {
		art, ok := st.Artifacts[m.cfg.Evaluator]
		if !ok {
			return nil, "", pipeline.Contractf(m.name, -1, "no artifact from evaluator %q", m.cfg.Evaluator)
		}
		return art.Payload, m.cfg.Evaluator, nil
	}

	var names []string
	for name, art := range st.Artifacts {
		switch art.Payload.(type) {
		case *evaluate.Report, *evaluate.CVReport:
			names = append(names, name)
		}
	}
	switch len(names) {
	case 0:
		return nil, "", pipeline.Contractf(m.name, -1, "no evaluation artifact; place %s after an evaluator", Tag)
	case 1:
		return st.Artifacts[names[0]].Payload, names[0], nil
	default:
		sort.Strings(names)
		return nil, "", pipeline.Contractf(m.name, -1, "multiple evaluation artifacts %v; set the evaluator option", names)
	}
}

func writeJSON(payload any, path string) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(path, append(data, '\n'), 0o644)
}

// RegisterComponents adds the report writer builder to a registry.
func RegisterComponents(reg *pipeline.Registry) {
	reg.Register(Tag, pipeline.KindWriter, build)
}
