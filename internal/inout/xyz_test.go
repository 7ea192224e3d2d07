package inout

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/veldt-data/pointpipe/internal/cloud"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

func sampleCloud(t *testing.T) *cloud.Cloud {
	t.Helper()
	c := cloud.New("sample", []cloud.Point{
		{X: 0, Y: 0, Z: 0},
		{X: 1.5, Y: -2.25, Z: 0.125},
		{X: 100, Y: 200, Z: -300},
	})
	if err := c.AddAttribute("intensity", []float64{10, 20, 30}); err != nil {
		t.Fatal(err)
	}
	if err := c.AddAttribute("curvature", []float64{0.5, math.NaN(), 0.75}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLabels([]int{0, 1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetWeights([]float64{1, 0.5, 2}); err != nil {
		t.Fatal(err)
	}
	return c
}

func assertCloudsEqual(t *testing.T, got, want *cloud.Cloud) {
	t.Helper()
	if got.Count() != want.Count() {
		t.Fatalf("count = %d, want %d", got.Count(), want.Count())
	}
	for i := range want.Points {
		if got.Points[i] != want.Points[i] {
			t.Errorf("point %d = %+v, want %+v", i, got.Points[i], want.Points[i])
		}
	}
	if !reflect.DeepEqual(got.AttributeNames(), want.AttributeNames()) {
		t.Fatalf("attributes %v, want %v", got.AttributeNames(), want.AttributeNames())
	}
	for _, name := range want.AttributeNames() {
		gv, _ := got.Attribute(name)
		wv, _ := want.Attribute(name)
		for i := range wv {
			same := gv[i] == wv[i] || (math.IsNaN(gv[i]) && math.IsNaN(wv[i]))
			if !same {
				t.Errorf("%s[%d] = %v, want %v", name, i, gv[i], wv[i])
			}
		}
	}
	if !reflect.DeepEqual(got.Labels(), want.Labels()) {
		t.Errorf("labels %v, want %v", got.Labels(), want.Labels())
	}
	if !reflect.DeepEqual(got.Weights(), want.Weights()) {
		t.Errorf("weights %v, want %v", got.Weights(), want.Weights())
	}
}

func TestXYZRoundTrip(t *testing.T) {
	want := sampleCloud(t)
	path := filepath.Join(t.TempDir(), "sample.xyz")
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
	if got.SourcePath != path {
		t.Errorf("source = %q, want %q", got.SourcePath, path)
	}
	assertCloudsEqual(t, got, want)
}

func TestXYZHeaderNamesColumnsInOrder(t *testing.T) {
	c := sampleCloud(t)
	path := filepath.Join(t.TempDir(), "sample.xyz")
	if err := WriteCloud(path, c); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	first := strings.SplitN(string(data), "\n", 2)[0]
	want := "# x y z intensity curvature label weight"
	if first != want {
		t.Fatalf("header = %q, want %q", first, want)
	}
}

func TestReadXYZHeaderlessNamesExtraColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.xyz")
	body := "1 2 3 9 0.5\n4 5 6 8 0.25\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := ReadCloud(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.AttributeNames(); !reflect.DeepEqual(got, []string{"attr_0", "attr_1"}) {
		t.Fatalf("attributes %v, want [attr_0 attr_1]", got)
	}
	vals, _ := c.Attribute("attr_0")
	if vals[0] != 9 || vals[1] != 8 {
		t.Errorf("attr_0 = %v, want [9 8]", vals)
	}
	if c.HasLabels() {
		t.Error("headerless file should not produce labels")
	}
}

func TestReadXYZIgnoresLateComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comments.xyz")
	body := "# x y z\n1 2 3\n# stray note\n4 5 6\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := ReadCloud(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Count() != 2 {
		t.Fatalf("count = %d, want 2", c.Count())
	}
}

func TestReadXYZRejectsMalformedFiles(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"empty", "", "no points"},
		{"only header", "# x y z\n", "no points"},
		{"too few columns", "1 2\n", "need at least x y z"},
		{"ragged width", "1 2 3 4\n1 2 3\n", "line 2"},
		{"bad number", "1 2 3\n1 oops 3\n", "line 2 column 2"},
		{"header width mismatch", "# x y z a b\n1 2 3 4\n", "header names 5"},
		{"header not xyz first", "# a b c\n1 2 3\n", "must start with x y z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.xyz")
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

func TestWriteCloudTruncatesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "over.xyz")
	big := cloud.New("big", make([]cloud.Point, 50))
	if err := WriteCloud(path, big); err != nil {
		t.Fatal(err)
	}
	small := cloud.New("small", []cloud.Point{{X: 1, Y: 2, Z: 3}})
	if err := WriteCloud(path, small); err != nil {
		t.Fatal(err)
	}
	got, err := ReadCloud(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count() != 1 {
		t.Fatalf("count after rewrite = %d, want 1", got.Count())
	}
}

func TestReadCloudUnknownExtension(t *testing.T) {
	_, err := ReadCloud(filepath.Join(t.TempDir(), "cloud.las"))
	if !pipeline.IsPersistenceError(err) {
		t.Fatalf("want persistence error, got %v", err)
	}
	if err := WriteCloud(filepath.Join(t.TempDir(), "cloud.pcap"), sampleCloud(t)); !pipeline.IsPersistenceError(err) {
		t.Fatalf("pcap output should be rejected, got %v", err)
	}
}
