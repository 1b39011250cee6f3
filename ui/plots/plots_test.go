// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricType(t *testing.T) {
	for name, want := range map[string]string{
		"loss":                 TypeLoss,
		"eval_loss":            TypeLoss,
		"eval_accuracy":        TypeAccuracy,
		"learning_rate":        TypeLearningRate,
		"gradient_norm":        TypeNorm,
		"param_norm":           TypeNorm,
		"dataset_total_tokens": TypeDataset,
		"dataset_average_tps":  TypeDataset,
		"median_step_duration": TypeOther,
	} {
		assert.Equal(t, want, MetricType(name), name)
	}
	assert.Equal(t, "el", ShortName("eval_loss"))
	assert.Equal(t, "l", ShortName("loss"))
}

func TestPointsFromMetrics(t *testing.T) {
	points, incomplete := PointsFromMetrics(10, map[string]float64{
		"step": 10, "loss": 2.5, "accuracy": 0.25, "gradient_norm": math.NaN(),
	})
	assert.True(t, incomplete)
	require.Len(t, points, 2)
	assert.Equal(t, Point{MetricName: "accuracy", Short: "a", MetricType: TypeAccuracy, Step: 10, Value: 0.25}, points[0])
	assert.Equal(t, "loss", points[1].MetricName)
}

func TestLogger(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "[test] ", true)
	require.NoError(t, err)
	require.NoError(t, logger.Log(0, map[string]float64{"step": 0, "loss": 3, "eval_loss": 3.5}))
	require.NoError(t, logger.Log(50, map[string]float64{"step": 50, "loss": 2, "eval_loss": 2.5}))
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "Close is idempotent")
	require.Error(t, logger.Log(51, map[string]float64{"loss": 1}))

	points, err := LoadPointsFromCheckpoint(dir)
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, Point{MetricName: "eval_loss", Short: "el", MetricType: TypeLoss, Step: 0, Value: 3.5}, points[0])
	assert.Equal(t, Point{MetricName: "loss", Short: "l", MetricType: TypeLoss, Step: 50, Value: 2}, points[3])

	// Appending on reopening.
	logger, err = NewLogger(dir, "", true)
	require.NoError(t, err)
	require.NoError(t, logger.Log(100, map[string]float64{"loss": 1}))
	require.NoError(t, logger.Close())
	points, err = LoadPointsFromCheckpoint(dir)
	require.NoError(t, err)
	require.Len(t, points, 5)
	assert.Equal(t, 100.0, points[4].Step)

	require.NoError(t, os.WriteFile(filepath.Join(dir, TrainingPlotFileName), []byte("{\"Step\": 1}\n{"), 0644))
	_, err = LoadPointsFromCheckpoint(dir)
	require.Error(t, err)
}

func TestDisabledLogger(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "", false)
	require.NoError(t, err)
	require.NoError(t, logger.Log(0, map[string]float64{"loss": 1}))
	require.NoError(t, logger.Close())
	_, err = LoadPointsFromCheckpoint(dir)
	require.Error(t, err)
}

func TestFormatMetrics(t *testing.T) {
	assert.Equal(t, "step=3 accuracy=0.5 loss=1.25",
		FormatMetrics(3, map[string]float64{"step": 3, "loss": 1.25, "accuracy": 0.5}))
}
