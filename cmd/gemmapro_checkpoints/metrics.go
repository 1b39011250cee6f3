// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"flag"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gemmathon/Gemma-EasyLM/ui/plots"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics logged during training in file %q", plots.TrainingPlotFileName))
	flagMetricsLabels = flag.Bool("metrics_labels", false,
		fmt.Sprintf("Lists the metrics labels (short names) with their full name from file %q", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "",
		fmt.Sprintf("Comma-separated list of metric types to include in metrics reports and plots, e.g. %q.",
			strings.Join([]string{plots.TypeLoss, plots.TypeAccuracy, plots.TypeLearningRate}, ",")))
)

// RunAndMetric identifies a metric (by its short name) of one run.
type RunAndMetric struct{ RunName, MetricName, MetricType string }

// metricsFilter returns whether a point should be reported, according to -metrics_names and -metrics_types.
func metricsFilter(namesExpr, typesList string) (func(p plots.Point) bool, error) {
	if namesExpr == "" && typesList == "" {
		return func(plots.Point) bool { return true }, nil
	}
	var namesMatcher *regexp.Regexp
	if namesExpr != "" {
		var err error
		namesMatcher, err = regexp.Compile(namesExpr)
		if err != nil {
			return nil, err
		}
	}
	var types sets.Set[string]
	if typesList != "" {
		types = sets.MakeWith(strings.Split(typesList, ",")...)
	}
	return func(p plots.Point) bool {
		if namesMatcher != nil && (namesMatcher.MatchString(p.MetricName) || namesMatcher.MatchString(p.Short)) {
			return true
		}
		return types != nil && types.Has(p.MetricType)
	}, nil
}

// metricsColumns maps each reported metric of each run to its column, starting from 1, ordered by metric and then run.
func metricsColumns(names []string, points [][]plots.Point, filter func(p plots.Point) bool) map[RunAndMetric]int {
	used := sets.Make[RunAndMetric]()
	for runIdx, runPoints := range points {
		for _, point := range runPoints {
			if filter(point) {
				used.Insert(RunAndMetric{names[runIdx], point.Short, point.MetricType})
			}
		}
	}
	ordered := lo.Keys(used)
	slices.SortFunc(ordered, func(a, b RunAndMetric) int {
		return cmp.Or(cmp.Compare(a.MetricName, b.MetricName), cmp.Compare(a.RunName, b.RunName))
	})
	columns := make(map[RunAndMetric]int, len(ordered))
	for idx, key := range ordered {
		columns[key] = idx + 1
	}
	return columns
}

func metrics(runDirs, names []string) {
	points := make([][]plots.Point, len(runDirs))
	var numPoints int
	for ii, runDir := range runDirs {
		var err error
		points[ii], err = plots.LoadPointsFromCheckpoint(runDir)
		if err != nil {
			klog.Errorf("Failed to load metrics of %q: %+v", runDir, err)
		}
		// A resumed run may log again steps already logged before it was interrupted.
		slices.SortStableFunc(points[ii], func(a, b plots.Point) int { return cmp.Compare(a.Step, b.Step) })
		numPoints += len(points[ii])
	}
	if numPoints == 0 {
		klog.Errorf("No metrics found in file %q in %v", plots.TrainingPlotFileName, runDirs)
		return
	}

	filter, err := metricsFilter(*flagMetricsNames, *flagMetricsTypes)
	if err != nil {
		klog.Fatalf("Failed to parse -metrics_names=%q: %v", *flagMetricsNames, err)
	}
	columns := metricsColumns(names, points, filter)

	if *flagMetricsLabels {
		shortToName := make(map[string]string)
		for _, runPoints := range points {
			for _, point := range runPoints {
				shortToName[point.Short] = point.MetricName
			}
		}
		ReportMetricsLabels(shortToName)
	}
	if *flagMetrics {
		ReportMetrics(names, columns, points)
	}
	if *flagPlot {
		BuildPlots(names, columns, points)
	}
}

// ReportMetricsLabels lists all metrics short and full names.
func ReportMetricsLabels(shortToName map[string]string) {
	fmt.Println(titleStyle.Render("Metrics Labels"))
	table := newReportTable(lipgloss.Center, lipgloss.Left)
	table.Headers("Short", "Metric Name")
	for _, short := range xslices.SortedKeys(shortToName) {
		table.Row(short, shortToName[short])
	}
	fmt.Println(table.Render())
}

// formatMetric value according to its type.
func formatMetric(metricType string, value float64) string {
	if metricType == plots.TypeAccuracy {
		return fmt.Sprintf("%.2f%%", 100.0*value)
	}
	return fmt.Sprintf("%.3g", value)
}

// metricsTableRows merges the points of all runs (each sorted by step) into rows indexed by step:
// column 0 holds the step, and the other columns are given by columns.
func metricsTableRows(names []string, columns map[RunAndMetric]int, points [][]plots.Point) [][]string {
	heads := make([]int, len(points))
	nextStep := func() (step float64, found bool) {
		step = math.Inf(1)
		for runIdx, runPoints := range points {
			if heads[runIdx] < len(runPoints) {
				step = min(step, runPoints[heads[runIdx]].Step)
				found = true
			}
		}
		return
	}

	var rows [][]string
	for {
		step, found := nextStep()
		if !found {
			break
		}
		row := make([]string, 1+len(columns))
		row[0] = humanize.Comma(int64(step))
		for runIdx, runPoints := range points {
			for heads[runIdx] < len(runPoints) && runPoints[heads[runIdx]].Step == step {
				point := runPoints[heads[runIdx]]
				heads[runIdx]++
				if col, ok := columns[RunAndMetric{names[runIdx], point.Short, point.MetricType}]; ok {
					row[col] = formatMetric(point.MetricType, point.Value)
				}
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// ReportMetrics prints one row per step logged, with the metrics of all runs.
func ReportMetrics(names []string, columns map[RunAndMetric]int, points [][]plots.Point) {
	fmt.Println(titleStyle.Render("Metrics Table"))
	table := newReportTable(lipgloss.Right)
	header := make([]string, 1+len(columns))
	header[0] = "Step"
	for key, col := range columns {
		if len(names) == 1 {
			header[col] = key.MetricName
		} else {
			header[col] = fmt.Sprintf("%s: %s", key.RunName, key.MetricName)
		}
	}
	table.Headers(header...)
	for _, row := range metricsTableRows(names, columns, points) {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
