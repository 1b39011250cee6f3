// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots stores the metrics logged during training as plot points, in a file in the run directory,
// and provides utilities to load and tabulate them.
package plots

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// TrainingPlotFileName is the file in the run directory where the logged metrics are appended.
const TrainingPlotFileName = "training_plot_points.json"

// Point is the value of one metric at one step.
type Point struct {
	MetricName string

	// Short name, see ShortName.
	Short string

	// MetricType groups metrics in the same plot, see MetricType.
	MetricType string

	// Step is the global step, stored as float64 for plotting.
	Step float64

	Value float64
}

// Metric types used to group the metrics in plots.
const (
	TypeLoss         = "loss"
	TypeAccuracy     = "accuracy"
	TypeLearningRate = "learning_rate"
	TypeNorm         = "norm"
	TypeDataset      = "dataset"
	TypeOther        = "other"
)

// MetricType returns the type of metric by its name.
func MetricType(name string) string {
	switch {
	case strings.HasPrefix(name, "dataset_"):
		return TypeDataset
	case strings.HasSuffix(name, "loss"):
		return TypeLoss
	case strings.HasSuffix(name, "accuracy"):
		return TypeAccuracy
	case strings.HasSuffix(name, "learning_rate"):
		return TypeLearningRate
	case strings.HasSuffix(name, "_norm"):
		return TypeNorm
	}
	return TypeOther
}

// ShortName of a metric: the initials of its "_" separated words, e.g. "eval_loss" -> "el".
func ShortName(name string) string {
	var short strings.Builder
	for _, word := range strings.Split(name, "_") {
		if word != "" {
			short.WriteByte(word[0])
		}
	}
	return short.String()
}

// PointsFromMetrics converts the metrics of a step to points, sorted by metric name.
// The "step" entry itself and NaN or infinite values are skipped: incomplete is true if any was skipped.
func PointsFromMetrics(step int, metrics map[string]float64) (points []Point, incomplete bool) {
	names := maps.Keys(metrics)
	slices.Sort(names)
	points = make([]Point, 0, len(names))
	for _, name := range names {
		if name == "step" {
			continue
		}
		value := metrics[name]
		if math.IsNaN(value) || math.IsInf(value, 0) {
			incomplete = true
			continue
		}
		points = append(points, Point{
			MetricName: name,
			Short:      ShortName(name),
			MetricType: MetricType(name),
			Step:       float64(step),
			Value:      value,
		})
	}
	return points, incomplete
}

// LoadPointsFromCheckpoint loads the points logged in the TrainingPlotFileName file of a run directory.
// Points of resumed runs are appended to the same file, so they are in the order they were logged.
func LoadPointsFromCheckpoint(runDir string) ([]Point, error) {
	return LoadPoints(filepath.Join(fsutil.MustReplaceTildeInDir(runDir), TrainingPlotFileName))
}

// LoadPoints reads a file of JSON encoded points, one per line.
func LoadPoints(filePath string) (points []Point, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open points file")
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	for lineNum := 1; ; lineNum++ {
		var point Point
		if err = dec.Decode(&point); err != nil {
			if err == io.EOF {
				return points, nil
			}
			return nil, errors.Wrapf(err, "invalid point #%d in %q", lineNum, filePath)
		}
		points = append(points, point)
	}
}
