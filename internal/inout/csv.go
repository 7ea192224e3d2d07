package inout

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

// readCSV reads a comma-separated cloud. The header row is required;
// x, y and z columns may appear anywhere in it. Empty attribute cells
// read as NaN so imputers can repair them.
func readCSV(path string) (*cloud.Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pipeline.Persistf("reader", path, "%v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, pipeline.Persistf("reader", path, "missing header row: %v", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	coord := [3]int{-1, -1, -1}
	var extraIdx []int
	var extraNames []string
	for i, name := range header {
		switch strings.ToLower(name) {
		case "x":
			coord[0] = i
		case "y":
			coord[1] = i
		case "z":
			coord[2] = i
		default:
			extraIdx = append(extraIdx, i)
			extraNames = append(extraNames, name)
		}
	}
	for d, name := range []string{"x", "y", "z"} {
		if coord[d] < 0 {
			return nil, pipeline.Persistf("reader", path, "header has no %q column: %v", name, header)
		}
	}

	var rows [][]float64
	lineNo := 1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, pipeline.Persistf("reader", path, "%v", err)
		}
		lineNo++
		row := make([]float64, 3+len(extraIdx))
		for d := 0; d < 3; d++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[coord[d]]), 64)
			if err != nil {
				return nil, pipeline.Persistf("reader", path, "line %d: coordinate %q is not a number", lineNo, record[coord[d]])
			}
			row[d] = v
		}
		for j, idx := range extraIdx {
			cell := strings.TrimSpace(record[idx])
			if cell == "" {
				row[3+j] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, pipeline.Persistf("reader", path, "line %d column %q: %q is not a number", lineNo, extraNames[j], cell)
			}
			row[3+j] = v
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, pipeline.Persistf("reader", path, "no points")
	}

	c, err := assemble(path, cloudName(path), rows, extraNames)
	if err != nil {
		return nil, err
	}
	diag.Diagf("read %s: %d points, %d attribute columns", path, c.Count(), len(c.AttributeNames()))
	return c, nil
}

// writeCSV writes the cloud with a header row.
func writeCSV(path string, c *cloud.Cloud) error {
	f, err := os.Create(path)
	if err != nil {
		return pipeline.Persistf("writer", path, "%v", err)
	}
	w := csv.NewWriter(f)

	names := columnNames(c)
	if err := w.Write(names); err != nil {
		f.Close()
		return pipeline.Persistf("writer", path, "%v", err)
	}
	cols := attributeColumns(c)
	for i := range c.Points {
		if err := w.Write(rowValues(c, cols, i)); err != nil {
			f.Close()
			return pipeline.Persistf("writer", path, "%v", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return pipeline.Persistf("writer", path, "%v", err)
	}
	if err := f.Close(); err != nil {
		return pipeline.Persistf("writer", path, "%v", err)
	}
	diag.Diagf("wrote %s: %d points, %d columns", path, c.Count(), len(names))
	return nil
}
