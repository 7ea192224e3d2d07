package inout

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/veldt-data/pointpipe/internal/pipeline"
)

func TestCSVRoundTrip(t *testing.T) {
	want := sampleCloud(t)
	path := filepath.Join(t.TempDir(), "sample.csv")
	if err := WriteCloud(path, want); err != nil {
		t.Fatal(err)
	}

	got, err := ReadCloud(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "sample" {
		t.Errorf("name = %q, want sample", got.Name)
	}
	assertCloudsEqual(t, got, want)
}

func TestCSVWritesHeaderRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.csv")
	if err := WriteCloud(path, sampleCloud(t)); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	first := strings.SplitN(string(data), "\n", 2)[0]
	if first != "x,y,z,intensity,curvature,label,weight" {
		t.Fatalf("header = %q", first)
	}
}

func TestReadCSVCoordinatesAnywhereInHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shuffled.csv")
	body := "intensity,Z,y,label,X\n7,3,2,1,1\n8,6,5,0,4\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := ReadCloud(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Points[0].X != 1 || c.Points[0].Y != 2 || c.Points[0].Z != 3 {
		t.Errorf("point 0 = %+v, want {1 2 3}", c.Points[0])
	}
	if c.Points[1].X != 4 || c.Points[1].Y != 5 || c.Points[1].Z != 6 {
		t.Errorf("point 1 = %+v, want {4 5 6}", c.Points[1])
	}
	if got := c.AttributeNames(); !reflect.DeepEqual(got, []string{"intensity"}) {
		t.Errorf("attributes %v, want [intensity]", got)
	}
	if !reflect.DeepEqual(c.Labels(), []int{1, 0}) {
		t.Errorf("labels %v, want [1 0]", c.Labels())
	}
}

func TestReadCSVEmptyAttributeCellsBecomeNaN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gaps.csv")
	body := "x,y,z,height\n1,1,1,5\n2,2,2,\n3,3,3,7\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := ReadCloud(path)
	if err != nil {
		t.Fatal(err)
	}
	vals, ok := c.Attribute("height")
	if !ok {
		t.Fatal("height attribute missing")
	}
	if vals[0] != 5 || !math.IsNaN(vals[1]) || vals[2] != 7 {
		t.Fatalf("height = %v, want [5 NaN 7]", vals)
	}
	if n := c.CountNaN("height"); n != 1 {
		t.Errorf("CountNaN = %d, want 1", n)
	}
}

func TestReadCSVRejectsMalformedFiles(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"empty", "", "missing header row"},
		{"missing coordinate", "x,y,height\n1,2,3\n", `no "z" column`},
		{"bad coordinate", "x,y,z\n1,oops,3\n", "line 2"},
		{"empty coordinate cell", "x,y,z\n1,,3\n", "line 2"},
		{"header only", "x,y,z\n", "no points"},
		{"bad label", "x,y,z,label\n1,2,3,0.5\n", "not an integer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.csv")
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := ReadCloud(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !pipeline.IsPersistenceError(err) {
				t.Errorf("error %v is not a persistence error", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
