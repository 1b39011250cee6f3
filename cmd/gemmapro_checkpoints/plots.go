// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"html/template"
	"io"
	"os"
	"slices"

	"github.com/gemmathon/Gemma-EasyLM/ui/commandline"
	"github.com/gemmathon/Gemma-EasyLM/ui/plots"
	gonbplotly "github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
)

var (
	flagPlot = flag.Bool("plot", false,
		fmt.Sprintf("Plots the metrics logged in file %q, one plot per metric type. "+
			"You can control which metrics to plot with -metrics_names and -metrics_types", plots.TrainingPlotFileName))
	flagPlotFile = flag.String("plot_file", "",
		"HTML file where to write the plots. If empty, a temporary file is created. Not used in a notebook.")
)

// plotLine holds the values of one metric of one run.
type plotLine struct {
	name          string
	steps, values []float64
}

// plotLines for the given metric type: one per run and metric, in the order of their columns.
func plotLines(metricType string, names []string, columns map[RunAndMetric]int, points [][]plots.Point) []*plotLine {
	keys := lo.Filter(lo.Keys(columns), func(key RunAndMetric, _ int) bool { return key.MetricType == metricType })
	slices.SortFunc(keys, func(a, b RunAndMetric) int { return columns[a] - columns[b] })
	lines := make([]*plotLine, 0, len(keys))
	for _, key := range keys {
		runIdx := slices.Index(names, key.RunName)
		line := &plotLine{name: key.MetricName}
		if len(names) > 1 {
			line.name = fmt.Sprintf("%s: %s", key.RunName, key.MetricName)
		}
		for _, point := range points[runIdx] {
			if point.Short == key.MetricName && point.MetricType == metricType {
				line.steps = append(line.steps, point.Step)
				line.values = append(line.values, point.Value)
			}
		}
		lines = append(lines, line)
	}
	return lines
}

// plotFigures creates one figure per metric type.
func plotFigures(names []string, columns map[RunAndMetric]int, points [][]plots.Point) []*grob.Fig {
	metricTypes := lo.Uniq(lo.Map(lo.Keys(columns), func(key RunAndMetric, _ int) string { return key.MetricType }))
	slices.Sort(metricTypes)
	figs := make([]*grob.Fig, 0, len(metricTypes))
	for _, metricType := range metricTypes {
		yAxisType := grob.LayoutYaxisTypeLinear
		if metricType == plots.TypeLoss {
			yAxisType = grob.LayoutYaxisTypeLog
		}
		fig := &grob.Fig{
			Layout: &grob.Layout{
				Title: &grob.LayoutTitle{Text: ptypes.S(metricType)},
				Xaxis: &grob.LayoutXaxis{Showgrid: ptypes.B(true)},
				Yaxis: &grob.LayoutYaxis{
					Showgrid: ptypes.B(true),
					Type:     yAxisType,
				},
			},
		}
		for _, line := range plotLines(metricType, names, columns, points) {
			fig.Data = append(fig.Data, &grob.Scatter{
				Name: ptypes.S(line.name),
				Line: &grob.ScatterLine{Shape: grob.ScatterLineShapeLinear},
				Mode: "lines+markers",
				X:    ptypes.DataArray(line.steps),
				Y:    ptypes.DataArray(line.values),
			})
		}
		figs = append(figs, fig)
	}
	return figs
}

// BuildPlots of the metrics of the runs: displayed inline if in a notebook, written to an HTML file otherwise.
func BuildPlots(names []string, columns map[RunAndMetric]int, points [][]plots.Point) {
	figs := plotFigures(names, columns, points)
	if commandline.IsNotebook() {
		for _, fig := range figs {
			must.M(gonbplotly.DisplayFig(fig))
		}
		return
	}

	fileName := *flagPlotFile
	if fileName == "" {
		f := must.M1(os.CreateTemp("", "gemmapro-plots-*.html"))
		fileName = f.Name()
		must.M(f.Close())
	}
	must.M(PlotlyToHTMLFile(fileName, figs...))
	fmt.Printf("\nPlots written to:\t%s\n\n", fileName)
}

var singleFileHTMLTmpl = template.Must(template.New("plotly").Funcs(template.FuncMap{
	"last": func(ii int, a []string) bool { return ii == len(a)-1 },
}).Parse(`<!DOCTYPE html>
<html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .Src }}"></script>
	</head>
	<body>
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
		{{- if not (last $i $.Figures) }}
		<hr>
		{{- end }}
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		Plotly.newPlot('plot{{ $i }}', JSON.parse(atob('{{ $f }}')));
{{- end }}
	</script>
	</body>
</html>
`))

// WritePlotlyAsHTML renders the Plotly figures to a self-contained HTML page.
func WritePlotlyAsHTML(w io.Writer, figs ...*grob.Fig) error {
	encoded := make([]string, 0, len(figs))
	for ii, fig := range figs {
		figJSON, err := json.Marshal(fig)
		if err != nil {
			return errors.Wrapf(err, "failed to serialize plot #%d", ii)
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(figJSON))
	}
	data := struct {
		Src     string
		Figures []string
	}{Src: gonbplotly.PlotlySrc, Figures: encoded}
	if err := singleFileHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plots as HTML")
	}
	return nil
}

// PlotlyToHTMLFile renders the Plotly figures to an HTML file.
func PlotlyToHTMLFile(fileName string, figs ...*grob.Fig) error {
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	if err = WritePlotlyAsHTML(f, figs...); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
