// Package impute implements the imputer components: they find missing
// attribute values (NaN, or a configured sentinel) and repair them with
// a configured strategy. Every imputer reports how many values it
// touched per attribute in its artifact, so a run's repairs are always
// auditable.
package impute

import (
	"encoding/gob"
	"fmt"
	"math"
	"sort"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

func init() {
	gob.Register(&Report{})
}

// Strategies of the universal imputer.
const (
	StrategyMean     = "mean"
	StrategyMedian   = "median"
	StrategyConstant = "constant"
	StrategyRemove   = "remove"
)

// Report is the imputer artifact payload: what was repaired, where and
// how.
type Report struct {
	Strategy string `json:"strategy"`

	// Imputed maps attribute name to the number of values replaced.
	Imputed map[string]int `json:"imputed"`

	// Removed is the number of points dropped (remove strategy only).
	Removed int `json:"removed,omitempty"`

	// Fallbacks counts missing values repaired from the column mean
	// because no neighborhood donor existed (knn imputer only).
	Fallbacks int `json:"fallbacks,omitempty"`
}

// Total returns the number of repaired values across attributes.
func (r *Report) Total() int {
	n := 0
	for _, v := range r.Imputed {
		n += v
	}
	return n
}

// targetAttributes resolves the configured attribute list: empty means
// every attribute on the cloud, in insertion order.
func targetAttributes(component string, c *cloud.Cloud, configured []string) ([]string, error) {
	if len(configured) == 0 {
		return c.AttributeNames(), nil
	}
	for _, a := range configured {
		if !c.HasAttribute(a) {
			return nil, pipeline.Contractf(component, -1, "attribute %q not present (have: %v)", a, c.AttributeNames())
		}
	}
	return configured, nil
}

// missingMask flags the values considered missing: NaN always, plus an
// optional exact sentinel.
func missingMask(vals []float64, sentinel *float64) []bool {
	mask := make([]bool, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) || (sentinel != nil && v == *sentinel) {
			mask[i] = true
		}
	}
	return mask
}

// observed collects the non-missing values of a column.
func observed(vals []float64, mask []bool) []float64 {
	out := make([]float64, 0, len(vals))
	for i, v := range vals {
		if !mask[i] {
			out = append(out, v)
		}
	}
	return out
}

func meanOf(vals []float64) float64 {
	s := 0.0
	for _, v := range vals {
		s += v
	}
	return s / float64(len(vals))
}

func medianOf(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func countMissing(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}

// fillValue resolves the replacement for one fully-masked column under
// mean or median.
func fillValue(component, attr, strategy string, obs []float64) (float64, error) {
	if len(obs) == 0 {
		return 0, pipeline.Execf(component, -1, "attribute %q has no observed values to impute from", attr)
	}
	switch strategy {
	case StrategyMean:
		return meanOf(obs), nil
	case StrategyMedian:
		return medianOf(obs), nil
	}
	return 0, fmt.Errorf("no fill value for strategy %q", strategy)
}
