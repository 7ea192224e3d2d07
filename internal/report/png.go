package report

import (
	"image/color"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// confusionGrid adapts the pooled confusion matrix to the heatmap
// interface. Truth runs up the Y axis, prediction along X.
type confusionGrid struct {
	conf [][]int
}

func (g confusionGrid) Dims() (c, r int)   { return len(g.conf), len(g.conf) }
func (g confusionGrid) X(c int) float64    { return float64(c) }
func (g confusionGrid) Y(r int) float64    { return float64(r) }
func (g confusionGrid) Z(c, r int) float64 { return float64(g.conf[r][c]) }

// ConfusionPNG renders the pooled confusion matrix as a heatmap with
// the raw counts printed on the cells.
func ConfusionPNG(s *Summary, path string) error {
	p := plot.New()
	p.Title.Text = "Confusion Matrix"
	p.X.Label.Text = "predicted"
	p.Y.Label.Text = "actual"

	p.Add(plotter.NewHeatMap(confusionGrid{s.Confusion}, palette.Heat(16, 1)))

	ticks := make([]plot.Tick, len(s.Classes))
	for i, cl := range s.Classes {
		ticks[i] = plot.Tick{Value: float64(i), Label: strconv.Itoa(cl)}
	}
	p.X.Tick.Marker = plot.ConstantTicks(ticks)
	p.Y.Tick.Marker = plot.ConstantTicks(ticks)

	var cells plotter.XYLabels
	for r, row := range s.Confusion {
		for c, n := range row {
			cells.XYs = append(cells.XYs, plotter.XY{X: float64(c), Y: float64(r)})
			cells.Labels = append(cells.Labels, strconv.Itoa(n))
		}
	}
	counts, err := plotter.NewLabels(cells)
	if err != nil {
		return err
	}
	p.Add(counts)

	return p.Save(6*vg.Inch, 6*vg.Inch, path)
}

// FoldMetricsPNG renders every scalar metric across folds as a line
// with per-fold markers.
func FoldMetricsPNG(s *Summary, path string) error {
	p := plot.New()
	p.Title.Text = "Metrics by Fold"
	p.X.Label.Text = "fold"
	p.Y.Label.Text = "score"

	names := s.MetricNames()
	colors := metricColors(len(names))
	for i, name := range names {
		pts := make(plotter.XYs, 0, len(s.Folds))
		for _, rep := range s.Folds {
			if v, ok := rep.Scalars()[name]; ok {
				pts = append(pts, plotter.XY{X: float64(rep.Fold), Y: v})
			}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)

		dots, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		dots.GlyphStyle.Color = colors[i]
		dots.GlyphStyle.Radius = vg.Points(2)
		p.Add(dots)

		p.Legend.Add(name, line)
	}
	p.Legend.Top = true
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(10*vg.Inch, 5*vg.Inch, path)
}

// metricColors spreads n distinct hues over the color wheel.
func metricColors(n int) []color.Color {
	out := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		out[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64
	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		q := l + s - l*s
		if l < 0.5 {
			q = l * (1 + s)
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	default:
		return p
	}
}
