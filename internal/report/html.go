package report

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/veldt-data/pointpipe/internal/evaluate"
)

// WriteHTML renders the summary as a chart page: per-fold scores with
// the fold means overlaid, and per-class diagnostics from the pooled
// confusion matrix.
func WriteHTML(s *Summary, path string) error {
	page := components.NewPage()
	page.AddCharts(foldChart(s), classChart(s))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := page.Render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Summary) subtitle() string {
	return fmt.Sprintf("cloud=%s points=%d folds=%d seed=%d", s.Cloud, s.Points, len(s.Folds), s.Seed)
}

func foldChart(s *Summary) *charts.Bar {
	x := make([]string, len(s.Folds))
	acc := make([]opts.BarData, len(s.Folds))
	f1 := make([]opts.BarData, len(s.Folds))
	meanAcc := make([]opts.LineData, len(s.Folds))
	meanF1 := make([]opts.LineData, len(s.Folds))
	for i, rep := range s.Folds {
		if rep.Fold >= 0 {
			x[i] = fmt.Sprintf("fold %d", rep.Fold)
		} else {
			x[i] = "run"
		}
		acc[i] = opts.BarData{Value: rep.Accuracy}
		f1[i] = opts.BarData{Value: rep.MacroF1}
		meanAcc[i] = opts.LineData{Value: s.Mean["accuracy"]}
		meanF1[i] = opts.LineData{Value: s.Mean["macro_f1"]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Evaluation Report", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Scores by Fold", Subtitle: s.subtitle()}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "score"}),
	)
	bar.SetXAxis(x).
		AddSeries("accuracy", acc, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"})).
		AddSeries("macro_f1", f1)

	line := charts.NewLine()
	line.SetXAxis(x).
		AddSeries("mean accuracy", meanAcc).
		AddSeries("mean macro_f1", meanF1)
	bar.Overlap(line)
	return bar
}

func classChart(s *Summary) *charts.Bar {
	per := pooledClassMetrics(s.Classes, s.Confusion)
	x := make([]string, len(per))
	prec := make([]opts.BarData, len(per))
	rec := make([]opts.BarData, len(per))
	f1 := make([]opts.BarData, len(per))
	iou := make([]opts.BarData, len(per))
	for i, cm := range per {
		x[i] = strconv.Itoa(cm.Class)
		prec[i] = opts.BarData{Value: cm.Precision}
		rec[i] = opts.BarData{Value: cm.Recall}
		f1[i] = opts.BarData{Value: cm.F1}
		iou[i] = opts.BarData{Value: cm.IoU}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Per-Class Diagnostics", Subtitle: "pooled over folds"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "class"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "score"}),
	)
	bar.SetXAxis(x).
		AddSeries("precision", prec).
		AddSeries("recall", rec).
		AddSeries("f1", f1).
		AddSeries("iou", iou)
	return bar
}

// pooledClassMetrics derives per-class diagnostics from the pooled
// confusion matrix. Rows index truth, columns prediction.
func pooledClassMetrics(classes []int, conf [][]int) []evaluate.ClassMetrics {
	out := make([]evaluate.ClassMetrics, len(classes))
	for i, cl := range classes {
		tp, fp, fn := conf[i][i], 0, 0
		for j := range classes {
			if j == i {
				continue
			}
			fp += conf[j][i]
			fn += conf[i][j]
		}
		cm := evaluate.ClassMetrics{Class: cl, Support: tp + fn}
		if tp+fp > 0 {
			cm.Precision = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			cm.Recall = float64(tp) / float64(tp+fn)
		}
		if cm.Precision+cm.Recall > 0 {
			cm.F1 = 2 * cm.Precision * cm.Recall / (cm.Precision + cm.Recall)
		}
		if tp+fp+fn > 0 {
			cm.IoU = float64(tp) / float64(tp+fp+fn)
		}
		out[i] = cm
	}
	return out
}
