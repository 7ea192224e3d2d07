package inout

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// readXYZ reads whitespace-separated columns. A leading # comment line
// names the columns; without one, extra columns become attr_0, attr_1
// and so on.
func readXYZ(path string) (*cloud.Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pipeline.Persistf("reader", path, "%v", err)
	}
	defer f.Close()

	var header []string
	var rows [][]float64
	width := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if header == nil && len(rows) == 0 {
				header = strings.Fields(strings.TrimPrefix(line, "#"))
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, pipeline.Persistf("reader", path, "line %d: need at least x y z, got %d columns", lineNo, len(fields))
		}
		if width == 0 {
			width = len(fields)
			if header != nil && len(header) != width {
				return nil, pipeline.Persistf("reader", path, "header names %d columns, data has %d", len(header), width)
			}
		} else if len(fields) != width {
			return nil, pipeline.Persistf("reader", path, "line %d: %d columns, expected %d", lineNo, len(fields), width)
		}
		row := make([]float64, width)
		for j, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, pipeline.Persistf("reader", path, "line %d column %d: %q is not a number", lineNo, j+1, field)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, pipeline.Persistf("reader", path, "%v", err)
	}
	if len(rows) == 0 {
		return nil, pipeline.Persistf("reader", path, "no points")
	}

	names, err := extraColumnNames(path, header, width)
	if err != nil {
		return nil, err
	}
	c, err := assemble(path, cloudName(path), rows, names)
	if err != nil {
		return nil, err
	}
	diag.Diagf("read %s: %d points, %d attribute columns", path, c.Count(), len(c.AttributeNames()))
	return c, nil
}

// extraColumnNames resolves the names of columns beyond x y z.
func extraColumnNames(path string, header []string, width int) ([]string, error) {
	if header == nil {
		names := make([]string, width-3)
		for j := range names {
			names[j] = fmt.Sprintf("attr_%d", j)
		}
		return names, nil
	}
	for j, want := range []string{"x", "y", "z"} {
		if strings.ToLower(header[j]) != want {
			return nil, pipeline.Persistf("reader", path, "header must start with x y z, got %v", header[:3])
		}
	}
	return header[3:], nil
}

// writeXYZ writes the cloud with a # header naming every column.
func writeXYZ(path string, c *cloud.Cloud) error {
	f, err := os.Create(path)
	if err != nil {
		return pipeline.Persistf("writer", path, "%v", err)
	}
	w := bufio.NewWriter(f)

	names := columnNames(c)
	fmt.Fprintf(w, "# %s\n", strings.Join(names, " "))

	cols := attributeColumns(c)
	for i := range c.Points {
		if _, err := w.WriteString(strings.Join(rowValues(c, cols, i), " ") + "\n"); err != nil {
			f.Close()
			return pipeline.Persistf("writer", path, "%v", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return pipeline.Persistf("writer", path, "%v", err)
	}
	if err := f.Close(); err != nil {
		return pipeline.Persistf("writer", path, "%v", err)
	}
	diag.Diagf("wrote %s: %d points, %d columns", path, c.Count(), len(names))
	return nil
}

// attributeColumns collects the cloud's columns in insertion order.
func attributeColumns(c *cloud.Cloud) [][]float64 {
	names := c.AttributeNames()
	cols := make([][]float64, len(names))
	for j, name := range names {
		cols[j], _ = c.Attribute(name)
	}
	return cols
}
