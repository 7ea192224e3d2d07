package impute

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// UniversalTag is the registry type tag of the universal imputer.
const UniversalTag = "impute"

// UniversalConfig configures the universal imputer.
type UniversalConfig struct {
	// Attributes are the columns to repair; empty means all.
	Attributes []string `json:"attributes,omitempty"`

	// Strategy is one of mean, median, constant, remove (default mean).
	Strategy *string `json:"strategy,omitempty"`

	// Sentinel is an additional value treated as missing, compared
	// exactly. NaN is always missing.
	Sentinel *float64 `json:"sentinel,omitempty"`

	// Value is the fill for the constant strategy.
	Value *float64 `json:"value,omitempty"`
}

// GetStrategy returns the configured strategy.
func (c *UniversalConfig) GetStrategy() string {
	if c.Strategy == nil {
		return StrategyMean
	}
	return *c.Strategy
}

// Validate rejects unknown strategies and a constant fill without a
// value.
func (c *UniversalConfig) Validate() error {
	switch c.GetStrategy() {
	case StrategyMean, StrategyMedian, StrategyRemove:
	case StrategyConstant:
		if c.Value == nil {
			return fmt.Errorf("constant strategy requires a value")
		}
	default:
		return fmt.Errorf("strategy must be one of mean, median, constant, remove; got %q", c.GetStrategy())
	}
	return nil
}

// UniversalImputer repairs missing values column by column with one
// statistical strategy, or drops the offending points entirely.
type UniversalImputer struct {
	name string
	cfg  UniversalConfig
}

func buildUniversal(name string, raw json.RawMessage) (pipeline.Component, error) {
	var cfg UniversalConfig
	if err := pipeline.StrictUnmarshal(raw, &cfg); err != nil {
		return nil, pipeline.Configf(name, -1, "impute config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, pipeline.Configf(name, -1, "%v", err)
	}
	return &UniversalImputer{name: name, cfg: cfg}, nil
}

// Name implements pipeline.Component.
func (m *UniversalImputer) Name() string { return m.name }

// Kind implements pipeline.Component.
func (m *UniversalImputer) Kind() pipeline.Kind { return pipeline.KindImputer }

// ReproducibleAtInference is true for the value-filling strategies,
// which recompute deterministically on whatever cloud flows through.
// The remove strategy changes the point count, so a bundle replaying it
// could not return one prediction per input point; it stays out.
func (m *UniversalImputer) ReproducibleAtInference() bool {
	return m.cfg.GetStrategy() != StrategyRemove
}

// Run repairs each target attribute and reports the counts.
func (m *UniversalImputer) Run(ctx context.Context, st *pipeline.State) (*pipeline.Artifact, error) {
	attrs, err := targetAttributes(m.name, st.Cloud, m.cfg.Attributes)
	if err != nil {
		return nil, err
	}

	rep := &Report{Strategy: m.cfg.GetStrategy(), Imputed: make(map[string]int)}

	if rep.Strategy == StrategyRemove {
		return m.runRemove(st, attrs, rep)
	}

	for _, attr := range attrs {
		vals, _ := st.Cloud.Attribute(attr)
		mask := missingMask(vals, m.cfg.Sentinel)
		miss := countMissing(mask)
		if miss == 0 {
			rep.Imputed[attr] = 0
			continue
		}

		var fill float64
		if rep.Strategy == StrategyConstant {
			fill = *m.cfg.Value
		} else {
			fill, err = fillValue(m.name, attr, rep.Strategy, observed(vals, mask))
			if err != nil {
				return nil, err
			}
		}
		repaired := append([]float64(nil), vals...)
		for i, missing := range mask {
			if missing {
				repaired[i] = fill
			}
		}
		if err := st.Cloud.SetAttribute(attr, repaired); err != nil {
			return nil, pipeline.Execf(m.name, -1, "writing %q: %v", attr, err)
		}
		rep.Imputed[attr] = miss
	}

	diag.Tracef("%s: imputed %d values across %d attributes (%s)",
		m.name, rep.Total(), len(attrs), rep.Strategy)
	return m.artifact(rep), nil
}

// runRemove drops every point that is missing in any target attribute.
func (m *UniversalImputer) runRemove(st *pipeline.State, attrs []string, rep *Report) (*pipeline.Artifact, error) {
	n := st.Cloud.Count()
	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	for _, attr := range attrs {
		vals, _ := st.Cloud.Attribute(attr)
		mask := missingMask(vals, m.cfg.Sentinel)
		dropped := 0
		for i, missing := range mask {
			if missing && keep[i] {
				keep[i] = false
			}
			if missing {
				dropped++
			}
		}
		rep.Imputed[attr] = dropped
	}

	filtered, removed := st.Cloud.Filter(keep)
	if filtered.Count() == 0 {
		return nil, pipeline.Execf(m.name, -1, "remove strategy would drop all %d points", n)
	}
	st.Cloud = filtered
	rep.Removed = removed

	diag.Tracef("%s: removed %d of %d points with missing values", m.name, removed, n)
	return m.artifact(rep), nil
}

func (m *UniversalImputer) artifact(rep *Report) *pipeline.Artifact {
	art := pipeline.NewArtifact(m.name, pipeline.KindImputer, rep)
	art.Summary["strategy"] = rep.Strategy
	art.Summary["imputed"] = rep.Total()
	if rep.Removed > 0 {
		art.Summary["removed"] = rep.Removed
	}
	return art
}
