package inout

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/veldt-data/pointpipe/internal/pipeline"
	"github.com/veldt-data/pointpipe/internal/security"
)

// WriteConfig configures a cloud writer component.
type WriteConfig struct {
	// Path is the output file, relative to the run's output directory.
	// A trailing * expands to the cloud's name with a .xyz extension,
	// so one spec can serve differently named inputs.
	Path string `json:"path"`
}

// CloudWriter writes the current cloud state to a file. Writers are
// training-run conveniences and never enter predictive bundles.
type CloudWriter struct {
	name string
	cfg  WriteConfig
}

func buildWriter(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg WriteConfig
	if err := pipeline.StrictUnmarshal(raw, &cfg); err != nil {
		return nil, pipeline.Configf(name, -1, "%s config: %v", pipeline.WriteCloudTag, err)
	}
	if cfg.Path == "" {
		return nil, pipeline.Configf(name, -1, "path is required")
	}
	if filepath.IsAbs(cfg.Path) {
		return nil, pipeline.Configf(name, -1, "path %q must be relative to the output directory", cfg.Path)
	}
	if !strings.HasSuffix(cfg.Path, "*") {
		switch strings.ToLower(filepath.Ext(cfg.Path)) {
		case ExtXYZ, ExtCSV:
		default:
			return nil, pipeline.Configf(name, -1, "path %q: want a %s or %s file", cfg.Path, ExtXYZ, ExtCSV)
		}
	}
	return &CloudWriter{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (m *CloudWriter) Name() string { return m.name }

// Kind implements pipeline.Component.
func (m *CloudWriter) Kind() pipeline.Kind { return pipeline.KindWriter }

// ReproducibleAtInference is false: inference runs produce no files.
func (m *CloudWriter) ReproducibleAtInference() bool { return false }

// Run writes the cloud and records where it went.
func (m *CloudWriter) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	rel := m.cfg.Path
	if strings.HasSuffix(rel, "*") {
		rel = strings.TrimSuffix(rel, "*") + security.SanitizeFilename(st.Cloud.Name) + ExtXYZ
	}
	full, err := security.ResolveOutputPath(st.OutDir, rel)
	if err != nil {
		return nil, pipeline.Persistf(m.name, rel, "%v", err)
	}
	if dir := filepath.Dir(full); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pipeline.Persistf(m.name, full, "%v", err)
		}
	}
	if err := WriteCloud(full, st.Cloud); err != nil {
		return nil, err
	}

	art := pipeline.NewArtifact(m.name, pipeline.KindWriter, nil)
	art.Summary["path"] = full
	art.Summary["points"] = st.Cloud.Count()
	art.Summary["format"] = strings.ToLower(filepath.Ext(full))
	return art, nil
}

// RegisterComponents adds the cloud writer builder to a registry.
func RegisterComponents(reg *pipeline.Registry) {
	reg.Register(pipeline.WriteCloudTag, pipeline.KindWriter, buildWriter)
}
