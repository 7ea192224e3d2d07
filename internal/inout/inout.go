// Package inout reads and writes point cloud files. Three formats are
// supported: .xyz whitespace columns with a # header naming them, .csv
// with a header row, and .pcap sweep packet captures. The column names
// "label" and "weight" are reserved in both text formats: they round
// trip through the cloud's label and weight slices rather than
// attribute columns. Attribute column order in written files is the
// cloud's insertion order.
package inout

import (
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// Supported cloud file extensions.
const (
	ExtXYZ  = ".xyz"
	ExtCSV  = ".csv"
	ExtPCAP = ".pcap"
)

// Reserved column names in text formats.
const (
	labelColumn  = "label"
	weightColumn = "weight"
)

// ReadCloud reads a point cloud, dispatching on the file extension.
func ReadCloud(path string) (*cloud.Cloud, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtXYZ:
		return readXYZ(path)
	case ExtCSV:
		return readCSV(path)
	case ExtPCAP:
		return readPCAP(path)
	default:
		return nil, pipeline.Persistf("reader", path, "unsupported cloud format %q (want %s, %s or %s)",
			filepath.Ext(path), ExtXYZ, ExtCSV, ExtPCAP)
	}
}

// WriteCloud writes a point cloud, dispatching on the file extension.
// Existing files are truncated.
func WriteCloud(path string, c *cloud.Cloud) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtXYZ:
		return writeXYZ(path, c)
	case ExtCSV:
		return writeCSV(path, c)
	default:
		return pipeline.Persistf("writer", path, "unsupported output format %q (want %s or %s)",
			filepath.Ext(path), ExtXYZ, ExtCSV)
	}
}

// cloudName derives the cloud's name from its source file.
func cloudName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// columnNames returns the written column order for a cloud: x y z,
// attributes in insertion order, then the reserved columns if present.
func columnNames(c *cloud.Cloud) []string {
	names := append([]string{"x", "y", "z"}, c.AttributeNames()...)
	if c.HasLabels() {
		names = append(names, labelColumn)
	}
	if c.Weights() != nil {
		names = append(names, weightColumn)
	}
	return names
}

// rowValues formats one point's row in columnNames order.
func rowValues(c *cloud.Cloud, cols [][]float64, i int) []string {
	p := c.Points[i]
	out := make([]string, 0, 3+len(cols)+2)
	out = append(out, formatFloat(p.X), formatFloat(p.Y), formatFloat(p.Z))
	for _, col := range cols {
		out = append(out, formatFloat(col[i]))
	}
	if c.HasLabels() {
		out = append(out, strconv.Itoa(c.Labels()[i]))
	}
	if w := c.Weights(); w != nil {
		out = append(out, formatFloat(w[i]))
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// assemble builds a cloud from parsed rows. names describes the columns
// beyond x y z; reserved names become labels and weights.
func assemble(path, name string, rows [][]float64, names []string) (*cloud.Cloud, error) {
	pts := make([]cloud.Point, len(rows))
	for i, row := range rows {
		pts[i] = cloud.Point{X: row[0], Y: row[1], Z: row[2]}
	}
	c := cloud.New(name, pts)
	c.SourcePath = path

	for j, colName := range names {
		col := make([]float64, len(rows))
		for i, row := range rows {
			col[i] = row[3+j]
		}
		switch colName {
		case labelColumn:
			labels := make([]int, len(col))
			for i, v := range col {
				iv, ok := asLabel(v)
				if !ok {
					return nil, pipeline.Persistf("reader", path, "point %d: label %v is not an integer", i, v)
				}
				labels[i] = iv
			}
			if err := c.SetLabels(labels); err != nil {
				return nil, pipeline.Persistf("reader", path, "%v", err)
			}
		case weightColumn:
			if err := c.SetWeights(col); err != nil {
				return nil, pipeline.Persistf("reader", path, "%v", err)
			}
		default:
			if err := c.AddAttribute(colName, col); err != nil {
				return nil, pipeline.Persistf("reader", path, "%v", err)
			}
		}
	}
	return c, nil
}

// asLabel converts a parsed number to an integer class, rejecting NaN
// and fractional values.
func asLabel(v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	r := math.Round(v)
	if math.Abs(v-r) > 1e-9 {
		return 0, false
	}
	return int(r), true
}
