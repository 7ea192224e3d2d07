package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxSpecBytes caps pipeline spec files. Specs are small JSON documents;
// anything larger is almost certainly the wrong file.
const maxSpecBytes = 1 << 20

// ComponentSpec is one entry of the pipeline's component list.
type ComponentSpec struct {
	// Type selects the registered component builder.
	Type string `json:"type"`

	// Name overrides the auto-generated component name. Names must be
	// unique within a pipeline.
	Name string `json:"name,omitempty"`

	// Critical marks whether a failure of this component fails the
	// whole run. Defaults to true; best-effort components opt out
	// explicitly.
	Critical *bool `json:"critical,omitempty"`

	// OutCloud asks for the cloud state to be written to this path
	// right after the component runs. A trailing * is treated as a
	// filename prefix under the output directory.
	OutCloud string `json:"out_cloud,omitempty"`

	// Config is the component-specific configuration, validated by the
	// component's builder.
	Config json.RawMessage `json:"config,omitempty"`
}

// IsCritical reports whether a failure aborts the run. Components are
// critical unless the spec opts them out.
func (cs *ComponentSpec) IsCritical() bool {
	if cs.Critical == nil {
		return true
	}
	return *cs.Critical
}

// Spec is a parsed pipeline document.
type Spec struct {
	// Seed is the base random seed for the run. Every random decision
	// in the pipeline derives from it.
	Seed *int64 `json:"seed,omitempty"`

	// Folds enables k-fold cross-validation of the training stage when
	// set to 2 or more. 0 disables cross-validation.
	Folds *int `json:"folds,omitempty"`

	// Stratify selects label-stratified fold assignment. Defaults to
	// true; ignored when the cloud is unlabeled.
	Stratify *bool `json:"stratify,omitempty"`

	// OutputDir receives run outputs. Relative component paths resolve
	// against it.
	OutputDir string `json:"output_dir,omitempty"`

	Components []ComponentSpec `json:"components"`
}

// GetSeed returns the configured seed, defaulting to 0.
func (s *Spec) GetSeed() int64 {
	if s.Seed == nil {
		return 0
	}
	return *s.Seed
}

// GetFolds returns the fold count, defaulting to 0 (no cross-validation).
func (s *Spec) GetFolds() int {
	if s.Folds == nil {
		return 0
	}
	return *s.Folds
}

// GetStratify returns whether folds are label-stratified, defaulting to
// true.
func (s *Spec) GetStratify() bool {
	if s.Stratify == nil {
		return true
	}
	return *s.Stratify
}

// GetOutputDir returns the output directory, defaulting to "out".
func (s *Spec) GetOutputDir() string {
	if s.OutputDir == "" {
		return "out"
	}
	return s.OutputDir
}

// StrictUnmarshal decodes JSON into v, rejecting unknown fields and
// trailing data. Component builders use it so that a typo in a config
// key fails the run before anything executes.
func StrictUnmarshal(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON document")
	}
	return nil
}

// ParseSpec parses and validates a pipeline document against a
// registry. The returned spec has every component named and every
// out_cloud request expanded into an explicit writer step.
func ParseSpec(data []byte, reg *Registry) (*Spec, error) {
	var s Spec
	if err := StrictUnmarshal(data, &s); err != nil {
		return nil, &ConfigError{Pos: -1, Err: fmt.Errorf("parsing pipeline spec: %w", err)}
	}
	if err := s.expandOutClouds(reg); err != nil {
		return nil, err
	}
	if err := s.validate(reg); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteCloudTag is the type tag of the cloud writer component the
// out_cloud shorthand expands to.
const WriteCloudTag = "write_cloud"

// expandOutClouds rewrites each out_cloud request into an explicit
// writer component right after its owner, inheriting the owner's
// criticality.
func (s *Spec) expandOutClouds(reg *Registry) error {
	expanded := make([]ComponentSpec, 0, len(s.Components))
	for i := range s.Components {
		cs := s.Components[i]
		out := cs.OutCloud
		cs.OutCloud = ""
		expanded = append(expanded, cs)
		if out == "" {
			continue
		}
		if !reg.Has(WriteCloudTag) {
			return Configf(cs.Name, i, "out_cloud requires the %s component type", WriteCloudTag)
		}
		cfg, err := json.Marshal(map[string]string{"path": out})
		if err != nil {
			return Configf(cs.Name, i, "out_cloud config: %v", err)
		}
		name := cs.Name
		if name == "" {
			name = fmt.Sprintf("%s#%d", cs.Type, i)
		}
		expanded = append(expanded, ComponentSpec{
			Type:     WriteCloudTag,
			Name:     name + ".out",
			Critical: cs.Critical,
			Config:   cfg,
		})
	}
	s.Components = expanded
	return nil
}

// LoadSpec reads a pipeline document from disk. Only .json files within
// the size cap are accepted.
func LoadSpec(path string, reg *Registry) (*Spec, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		return nil, &ConfigError{Pos: -1, Err: fmt.Errorf("pipeline spec %s: want a .json file, got %q", path, ext)}
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &ConfigError{Pos: -1, Err: fmt.Errorf("pipeline spec: %w", err)}
	}
	if fi.Size() > maxSpecBytes {
		return nil, &ConfigError{Pos: -1, Err: fmt.Errorf("pipeline spec %s: %d bytes exceeds %d byte limit", path, fi.Size(), maxSpecBytes)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Pos: -1, Err: fmt.Errorf("pipeline spec: %w", err)}
	}
	return ParseSpec(data, reg)
}

func (s *Spec) validate(reg *Registry) error {
	if len(s.Components) == 0 {
		return &ConfigError{Pos: -1, Err: fmt.Errorf("pipeline has no components")}
	}
	if f := s.GetFolds(); f < 0 || f == 1 {
		return &ConfigError{Pos: -1, Err: fmt.Errorf("folds must be 0 or >= 2, got %d", f)}
	}

	seen := make(map[string]int)
	for i := range s.Components {
		cs := &s.Components[i]
		if cs.Type == "" {
			return Configf("", i, "component %d has no type", i)
		}
		if !reg.Has(cs.Type) {
			return Configf(cs.Name, i, "unknown component type %q (known: %v)", cs.Type, reg.Known())
		}
		if cs.Name == "" {
			cs.Name = fmt.Sprintf("%s#%d", cs.Type, i)
		}
		if prev, dup := seen[cs.Name]; dup {
			return Configf(cs.Name, i, "component name %q already used at position %d", cs.Name, prev)
		}
		seen[cs.Name] = i
	}

	if s.GetFolds() > 1 {
		if err := s.validateFoldWindow(reg); err != nil {
			return err
		}
	}
	return nil
}

func isFoldWindowKind(k Kind) bool {
	return k == KindTrainer || k == KindPredictor || k == KindEvaluator
}

// validateFoldWindow checks the pipeline shape needed for k-fold runs:
// the trainer, predictor and evaluator steps must form one contiguous
// block, ordered trainers then predictors then evaluators, so each fold
// can fit on its train split and score its held-out split.
func (s *Spec) validateFoldWindow(reg *Registry) error {
	first, last := s.windowBounds(reg)
	if first < 0 {
		return &ConfigError{Pos: -1, Err: fmt.Errorf("folds > 1 requires a trainer component")}
	}
	rank := map[Kind]int{KindTrainer: 0, KindPredictor: 1, KindEvaluator: 2}
	hasTrainer := false
	prev := -1
	for i := first; i <= last; i++ {
		k, ok := reg.KindOf(s.Components[i].Type)
		if !ok {
			continue
		}
		if !isFoldWindowKind(k) {
			return Configf(s.Components[i].Name, i,
				"component of kind %s cannot sit between training stages when folds > 1", k)
		}
		if rank[k] < prev {
			return Configf(s.Components[i].Name, i,
				"cross-validated stages must be ordered trainer, predictor, evaluator")
		}
		prev = rank[k]
		if k == KindTrainer {
			hasTrainer = true
		}
	}
	if !hasTrainer {
		return &ConfigError{Pos: -1, Err: fmt.Errorf("folds > 1 requires a trainer component")}
	}
	return nil
}

// windowBounds returns the [first, last] positions of the
// cross-validated block, or (-1, -1) when the pipeline has none.
func (s *Spec) windowBounds(reg *Registry) (int, int) {
	first, last := -1, -1
	for i := range s.Components {
		if k, ok := reg.KindOf(s.Components[i].Type); ok && isFoldWindowKind(k) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	return first, last
}
