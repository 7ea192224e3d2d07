// Package cloud holds the in-memory point cloud that pipeline components
// read and mutate. A Cloud couples raw XYZ points with an ordered set of
// named per-point attribute columns, optional classification labels, and
// optional per-point weights. Column order is insertion order and is part
// of the data contract: feature matrices and file output both follow it.
package cloud

import (
	"fmt"
	"math"
)

// Point is a single XYZ sample in sensor or world coordinates.
type Point struct {
	X, Y, Z float64
}

// Cloud is the mutable pipeline state. Every attribute column, the label
// slice and the weight slice are kept exactly as long as Points; the
// mutators below enforce that.
type Cloud struct {
	// Name identifies the cloud in logs and reports, usually derived
	// from the source filename.
	Name string

	// SourcePath is the file the cloud was read from, if any.
	SourcePath string

	Points []Point

	names   []string
	columns map[string][]float64
	labels  []int
	weights []float64
}

// New returns an empty cloud with the given name and points.
func New(name string, pts []Point) *Cloud {
	return &Cloud{
		Name:    name,
		Points:  pts,
		columns: make(map[string][]float64),
	}
}

// Count returns the number of points.
func (c *Cloud) Count() int { return len(c.Points) }

// AddAttribute appends a named column. It fails if the name is already
// present or the column length does not match the point count.
func (c *Cloud) AddAttribute(name string, vals []float64) error {
	if name == "" {
		return fmt.Errorf("attribute name must not be empty")
	}
	if _, ok := c.columns[name]; ok {
		return fmt.Errorf("attribute %q already present", name)
	}
	if len(vals) != len(c.Points) {
		return fmt.Errorf("attribute %q has %d values for %d points", name, len(vals), len(c.Points))
	}
	if c.columns == nil {
		c.columns = make(map[string][]float64)
	}
	c.names = append(c.names, name)
	c.columns[name] = vals
	return nil
}

// SetAttribute replaces an existing column in place, or appends it when
// absent. Replacing keeps the column's original position.
func (c *Cloud) SetAttribute(name string, vals []float64) error {
	if _, ok := c.columns[name]; !ok {
		return c.AddAttribute(name, vals)
	}
	if len(vals) != len(c.Points) {
		return fmt.Errorf("attribute %q has %d values for %d points", name, len(vals), len(c.Points))
	}
	c.columns[name] = vals
	return nil
}

// Attribute returns the named column. The slice is shared, not copied.
func (c *Cloud) Attribute(name string) ([]float64, bool) {
	v, ok := c.columns[name]
	return v, ok
}

// HasAttribute reports whether the named column exists.
func (c *Cloud) HasAttribute(name string) bool {
	_, ok := c.columns[name]
	return ok
}

// AttributeNames returns the column names in insertion order.
func (c *Cloud) AttributeNames() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// DropAttribute removes a column. Unknown names are an error.
func (c *Cloud) DropAttribute(name string) error {
	if _, ok := c.columns[name]; !ok {
		return fmt.Errorf("attribute %q not present", name)
	}
	delete(c.columns, name)
	for i, n := range c.names {
		if n == name {
			c.names = append(c.names[:i], c.names[i+1:]...)
			break
		}
	}
	return nil
}

// Matrix assembles a row-major feature matrix with one column per
// requested attribute, in the requested order. Missing attributes are
// reported by name so callers can surface a contract violation.
func (c *Cloud) Matrix(names []string) ([][]float64, error) {
	cols := make([][]float64, len(names))
	for j, n := range names {
		col, ok := c.columns[n]
		if !ok {
			return nil, fmt.Errorf("attribute %q not present", n)
		}
		cols[j] = col
	}
	m := make([][]float64, len(c.Points))
	for i := range c.Points {
		row := make([]float64, len(names))
		for j := range cols {
			row[j] = cols[j][i]
		}
		m[i] = row
	}
	return m, nil
}

// SetLabels attaches per-point classification labels.
func (c *Cloud) SetLabels(labels []int) error {
	if labels != nil && len(labels) != len(c.Points) {
		return fmt.Errorf("%d labels for %d points", len(labels), len(c.Points))
	}
	c.labels = labels
	return nil
}

// Labels returns the label slice, or nil when the cloud is unlabeled.
func (c *Cloud) Labels() []int { return c.labels }

// HasLabels reports whether labels are attached.
func (c *Cloud) HasLabels() bool { return c.labels != nil }

// SetWeights attaches per-point sample weights.
func (c *Cloud) SetWeights(w []float64) error {
	if w != nil && len(w) != len(c.Points) {
		return fmt.Errorf("%d weights for %d points", len(w), len(c.Points))
	}
	c.weights = w
	return nil
}

// Weights returns the weight slice, or nil when unweighted.
func (c *Cloud) Weights() []float64 { return c.weights }

// Subset returns a deep copy restricted to the given point indices, in
// the given order. Attribute columns keep their insertion order; labels
// and weights come along when present.
func (c *Cloud) Subset(idx []int) *Cloud {
	out := &Cloud{
		Name:       c.Name,
		SourcePath: c.SourcePath,
		Points:     make([]Point, len(idx)),
		columns:    make(map[string][]float64, len(c.names)),
		names:      make([]string, len(c.names)),
	}
	copy(out.names, c.names)
	for i, p := range idx {
		out.Points[i] = c.Points[p]
	}
	for _, n := range c.names {
		src := c.columns[n]
		col := make([]float64, len(idx))
		for i, p := range idx {
			col[i] = src[p]
		}
		out.columns[n] = col
	}
	if c.labels != nil {
		out.labels = make([]int, len(idx))
		for i, p := range idx {
			out.labels[i] = c.labels[p]
		}
	}
	if c.weights != nil {
		out.weights = make([]float64, len(idx))
		for i, p := range idx {
			out.weights[i] = c.weights[p]
		}
	}
	return out
}

// Clone returns a deep copy of the whole cloud.
func (c *Cloud) Clone() *Cloud {
	idx := make([]int, len(c.Points))
	for i := range idx {
		idx[i] = i
	}
	return c.Subset(idx)
}

// Filter returns a deep copy keeping only points where keep[i] is true,
// along with the number of points removed.
func (c *Cloud) Filter(keep []bool) (*Cloud, int) {
	idx := make([]int, 0, len(c.Points))
	for i, k := range keep {
		if k {
			idx = append(idx, i)
		}
	}
	return c.Subset(idx), len(c.Points) - len(idx)
}

// CountNaN returns how many values in the named column are NaN. Unknown
// columns count as zero.
func (c *Cloud) CountNaN(name string) int {
	col, ok := c.columns[name]
	if !ok {
		return 0
	}
	n := 0
	for _, v := range col {
		if math.IsNaN(v) {
			n++
		}
	}
	return n
}

// Bounds returns the axis-aligned bounding box of the points. An empty
// cloud yields zero bounds.
func (c *Cloud) Bounds() (min, max Point) {
	if len(c.Points) == 0 {
		return
	}
	min, max = c.Points[0], c.Points[0]
	for _, p := range c.Points[1:] {
		if p.X < min.X {
			min.X = p.X
		}
		if p.Y < min.Y {
			min.Y = p.Y
		}
		if p.Z < min.Z {
			min.Z = p.Z
		}
		if p.X > max.X {
			max.X = p.X
		}
		if p.Y > max.Y {
			max.Y = p.Y
		}
		if p.Z > max.Z {
			max.Z = p.Z
		}
	}
	return
}
