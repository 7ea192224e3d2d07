// Package tune implements the hyperparameter tuner component: a grid
// or random search over a declared parameter space, each trial scored
// by internal cross-validation, with the winning configuration refit on
// the full cloud and published as a trained-model artifact a predictor
// can consume directly.
package tune

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxCombos bounds the search space one tuner may declare.
const maxCombos = 10000

// ParamSpec declares one search dimension: either an explicit value
// list or a "min:max:step" range string, not both.
type ParamSpec struct {
	Values []float64 `json:"values,omitempty"`
	Range  string    `json:"range,omitempty"`
}

// Expand materializes the dimension's candidate values.
func (s *ParamSpec) Expand() ([]float64, error) {
	if len(s.Values) > 0 && s.Range != "" {
		return nil, fmt.Errorf("values and range are mutually exclusive")
	}
	if len(s.Values) > 0 {
		return append([]float64(nil), s.Values...), nil
	}
	if s.Range == "" {
		return nil, fmt.Errorf("empty parameter spec: set values or range")
	}
	min, max, step, err := parseRange(s.Range)
	if err != nil {
		return nil, err
	}
	return generateRange(min, max, step)
}

// parseRange parses "min:max:step".
func parseRange(s string) (min, max, step float64, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid range format %q: expected min:max:step", s)
	}
	min, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid min value %q: %w", parts[0], err)
	}
	max, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid max value %q: %w", parts[1], err)
	}
	step, err = strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid step value %q: %w", parts[2], err)
	}
	if step <= 0 {
		return 0, 0, 0, fmt.Errorf("step must be positive, got %g", step)
	}
	if min > max {
		return 0, 0, 0, fmt.Errorf("min %g exceeds max %g", min, max)
	}
	return min, max, step, nil
}

// generateRange walks min..max inclusive by step, rounding away float
// accumulation error.
func generateRange(min, max, step float64) ([]float64, error) {
	expected := int((max-min)/step) + 1
	if expected > maxCombos || expected < 0 {
		return nil, fmt.Errorf("range %g:%g:%g expands to more than %d values", min, max, step, maxCombos)
	}
	var out []float64
	for v := min; v <= max+step/1000; v += step {
		rounded := math.Round(v*1e9) / 1e9
		if rounded <= max {
			out = append(out, rounded)
		}
	}
	return out, nil
}

// comboCount returns the grid size of the dimensions.
func comboCount(dims [][]float64) int64 {
	total := int64(1)
	for _, d := range dims {
		total *= int64(len(d))
		if total > maxCombos || total < 0 {
			return maxCombos + 1
		}
	}
	return total
}

// comboAt decodes combination i of the grid: the last dimension cycles
// fastest.
func comboAt(i int64, dims [][]float64) []float64 {
	out := make([]float64, len(dims))
	repeat := int64(1)
	for d := len(dims) - 1; d >= 0; d-- {
		cycle := int64(len(dims[d]))
		out[d] = dims[d][(i/repeat)%cycle]
		repeat *= cycle
	}
	return out
}
