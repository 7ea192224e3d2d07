// Package predictive exports a completed pipeline run as a predictive
// bundle and loads bundles back for inference. A bundle keeps the
// inference-relevant slice of the pipeline: every component that is
// reproducible at inference, in original order, with its fitted
// artifact. Training-side components (trainers, tuners, evaluators,
// writers) stay behind; the predictor carries its trained model in its
// own artifact. Running a loaded bundle on the training input
// reproduces the training run's predictions bit for bit.
package predictive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/fsutil"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// FormatVersion is bumped whenever the bundle encoding changes shape.
const FormatVersion = 1

// ErrRunNotCompleted is returned when exporting anything but a
// completed run. Failed and still-running executors hold partial fits
// that must never reach inference.
var ErrRunNotCompleted = errors.New("predictive bundle requires a completed run")

// ComponentInfo describes one bundled inference step.
type ComponentInfo struct {
	Name string        `json:"name"`
	Type string        `json:"type"`
	Kind pipeline.Kind `json:"kind"`

	// Restored is set when the step replays a fitted artifact instead
	// of fitting on the inference cloud.
	Restored bool `json:"restored"`
}

// Manifest summarizes a bundle's origin and contents.
type Manifest struct {
	RunID      string          `json:"run_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Seed       int64           `json:"seed"`
	Components []ComponentInfo `json:"components"`

	// AttributeContract lists, in column order, the attributes an input
	// cloud must carry before the first bundled step can run. It is the
	// attribute set of the training input.
	AttributeContract []string `json:"attribute_contract,omitempty"`
}

// bundleFile is the on-disk shape, gob-encoded inside gzip.
type bundleFile struct {
	Version   int
	Manifest  Manifest
	Spec      pipeline.Spec
	Artifacts map[string]*pipeline.Artifact
}

// Export writes the run's inference slice to path. Only a Completed
// executor may be exported.
func Export(ex *pipeline.Executor, path string) (*Manifest, error) {
	if st := ex.Status(); st != pipeline.StatusCompleted {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotCompleted, ex.RunID(), st)
	}

	src := ex.Spec()
	arts := ex.Artifacts()
	man := Manifest{
		RunID:             ex.RunID(),
		CreatedAt:         time.Now().UTC(),
		Seed:              src.GetSeed(),
		AttributeContract: append([]string(nil), ex.InputAttributes()...),
	}
	bf := bundleFile{
		Version:   FormatVersion,
		Manifest:  man,
		Artifacts: make(map[string]*pipeline.Artifact),
	}
	seed := src.GetSeed()
	bf.Spec = pipeline.Spec{Seed: &seed}

	for i, comp := range ex.Components() {
		cs := src.Components[i]
		if !comp.ReproducibleAtInference() {
			// Trainers and tuners stay out of the bundled steps, but
			// their artifacts carry the trained model the predictor
			// resolves at inference. A cross-validated run leaves the
			// predictor without a fitted state of its own, so these
			// artifacts are its only model source.
			switch comp.Kind() {
			case pipeline.KindTrainer, pipeline.KindTuner:
				if art, ok := arts[cs.Name]; ok {
					bf.Artifacts[cs.Name] = art
				}
			}
			continue
		}
		kept := pipeline.ComponentSpec{
			Type:     cs.Type,
			Name:     cs.Name,
			Critical: cs.Critical,
			Config:   append(json.RawMessage(nil), cs.Config...),
		}
		bf.Spec.Components = append(bf.Spec.Components, kept)

		info := ComponentInfo{Name: cs.Name, Type: cs.Type, Kind: comp.Kind()}
		if art, ok := arts[cs.Name]; ok {
			bf.Artifacts[cs.Name] = art
			_, canRestore := comp.(pipeline.Restorer)
			info.Restored = canRestore
		}
		bf.Manifest.Components = append(bf.Manifest.Components, info)
	}
	if len(bf.Spec.Components) == 0 {
		return nil, fmt.Errorf("run %s has no components reproducible at inference", ex.RunID())
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(&bf); err != nil {
		gz.Close()
		return nil, pipeline.Persistf("export", path, "encoding bundle: %v", err)
	}
	if err := gz.Close(); err != nil {
		return nil, pipeline.Persistf("export", path, "compressing bundle: %v", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pipeline.Persistf("export", path, "creating bundle directory: %v", err)
		}
	}
	if err := fsutil.WriteAtomic(path, buf.Bytes(), 0o644); err != nil {
		return nil, pipeline.Persistf("export", path, "writing bundle: %v", err)
	}
	diag.Opsf("exported predictive bundle %s: %d components, %d artifacts, %d bytes",
		path, len(bf.Spec.Components), len(bf.Artifacts), buf.Len())
	return &bf.Manifest, nil
}

// Pipeline is a loaded predictive bundle, ready to predict. Each
// Predict call builds a fresh executor from the bundled spec, restores
// the fitted artifacts into it and runs it over the given cloud, so a
// Pipeline may be used repeatedly and concurrently.
type Pipeline struct {
	Manifest Manifest

	spec      pipeline.Spec
	reg       *pipeline.Registry
	artifacts map[string]*pipeline.Artifact
}

// Load reads a bundle and binds it to a component registry.
func Load(path string, reg *pipeline.Registry) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Persistf("load", path, "reading bundle: %v", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, pipeline.Persistf("load", path, "not a bundle (gzip): %v", err)
	}
	var bf bundleFile
	if err := gob.NewDecoder(gz).Decode(&bf); err != nil {
		gz.Close()
		return nil, pipeline.Persistf("load", path, "decoding bundle: %v", err)
	}
	if err := gz.Close(); err != nil {
		return nil, pipeline.Persistf("load", path, "decompressing bundle: %v", err)
	}
	if bf.Version != FormatVersion {
		return nil, pipeline.Persistf("load", path, "bundle format v%d, this build reads v%d", bf.Version, FormatVersion)
	}
	for i, cs := range bf.Spec.Components {
		if !reg.Has(cs.Type) {
			return nil, pipeline.Configf(cs.Name, i, "bundle needs unknown component type %q", cs.Type)
		}
	}

	// Inference runs never write beside the training outputs; point the
	// executor's output directory somewhere that already exists.
	bf.Spec.OutputDir = os.TempDir()

	diag.Diagf("loaded bundle %s: run %s, %d components", path, bf.Manifest.RunID, len(bf.Spec.Components))
	return &Pipeline{
		Manifest:  bf.Manifest,
		spec:      bf.Spec,
		reg:       reg,
		artifacts: bf.Artifacts,
	}, nil
}

// Predict runs the bundled steps over the cloud and returns the final
// cloud state, prediction columns included, along with the run report.
func (p *Pipeline) Predict(ctx context.Context, c *cloud.Cloud) (*cloud.Cloud, *pipeline.RunReport, error) {
	var missing []string
	for _, name := range p.Manifest.AttributeContract {
		if !c.HasAttribute(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		first := p.Manifest.Components[0].Name
		return nil, nil, pipeline.Contractf(first, 0,
			"input cloud lacks attributes %v; the bundle expects %v", missing, p.Manifest.AttributeContract)
	}

	spec := p.spec
	ex, err := pipeline.NewExecutor(&spec, p.reg)
	if err != nil {
		return nil, nil, err
	}
	for i, comp := range ex.Components() {
		r, ok := comp.(pipeline.Restorer)
		if !ok {
			continue
		}
		art, ok := p.artifacts[comp.Name()]
		if !ok {
			continue
		}
		if err := r.Restore(art); err != nil {
			return nil, nil, pipeline.Execf(comp.Name(), i, "restoring fitted state: %v", err)
		}
	}
	ex.SeedArtifacts(p.artifacts)
	report, err := ex.Execute(ctx, c)
	if err != nil {
		return nil, report, err
	}
	return ex.Cloud(), report, nil
}
