package components

import (
	"testing"

	"github.com/veldt-data/pointpipe/internal/pipeline"
)

func TestNewRegistryCoversAllBuiltins(t *testing.T) {
	want := map[string]pipeline.Kind{
		"mine_height":  pipeline.KindMiner,
		"mine_geom":    pipeline.KindMiner,
		"mine_density": pipeline.KindMiner,
		"impute":       pipeline.KindImputer,
		"impute_knn":   pipeline.KindImputer,
		"standardize":  pipeline.KindTransformer,
		"minmax":       pipeline.KindTransformer,
		"pca":          pipeline.KindTransformer,
		"train":        pipeline.KindTrainer,
		"predict":      pipeline.KindPredictor,
		"evaluate":     pipeline.KindEvaluator,
		"tune":         pipeline.KindTuner,
		"write_cloud":  pipeline.KindWriter,
		"write_report": pipeline.KindWriter,
	}

	reg := NewRegistry()
	known := reg.Known()
	if len(known) != len(want) {
		t.Errorf("registry has %d types %v, want %d", len(known), known, len(want))
	}
	for tag, kind := range want {
		got, ok := reg.KindOf(tag)
		if !ok {
			t.Errorf("type %s not registered", tag)
			continue
		}
		if got != kind {
			t.Errorf("type %s registered as %s, want %s", tag, got, kind)
		}
	}
}

func TestDefaultRegistryPopulated(t *testing.T) {
	if !Default.Has("train") || !Default.Has("evaluate") {
		t.Fatal("default registry missing core types")
	}
}
