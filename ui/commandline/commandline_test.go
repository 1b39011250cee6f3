// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParam("learning_rate", 3e-4)
	ctx.SetParam("cosine_schedule_steps", 0)
	ctx.SetParam("clip_nan", false)
	ctx.SetParam("optimizer", "adamw")
	ctx.SetParam("layers", []int{})
	ctx.SetParam("betas", []float64{})
	ctx.SetParam("tags", []string{})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := createTestContext()

	paramsSet, err := ParseContextSettings(ctx,
		"learning_rate=1e-3;/model/clip_nan=true;/model/layer_3/cosine_schedule_steps=1_000;optimizer=sgd;"+
			"layers=6,13,20;betas=0.9,0.95;tags=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"learning_rate", "/model/clip_nan", "/model/layer_3/cosine_schedule_steps", "optimizer",
		"layers", "betas", "tags"}, paramsSet)

	assert.Equal(t, 1e-3, context.GetParamOr(ctx, "learning_rate", 0.0))
	assert.Equal(t, 0, context.GetParamOr(ctx, "cosine_schedule_steps", -1))
	assert.Equal(t, 0, context.GetParamOr(ctx.In("model"), "cosine_schedule_steps", -1))
	assert.Equal(t, 1000, context.GetParamOr(ctx.In("model").In("layer_3"), "cosine_schedule_steps", -1))
	assert.False(t, context.GetParamOr(ctx, "clip_nan", true))
	assert.True(t, context.GetParamOr(ctx.In("model"), "clip_nan", false))
	assert.Equal(t, "sgd", context.GetParamOr(ctx, "optimizer", ""))
	assert.Equal(t, []int{6, 13, 20}, context.GetParamOr(ctx, "layers", []int{}))
	assert.Equal(t, []float64{0.9, 0.95}, context.GetParamOr(ctx, "betas", []float64{}))
	assert.Equal(t, []string{"a", "b"}, context.GetParamOr(ctx, "tags", []string{}))

	// Unknown parameter.
	_, err = ParseContextSettings(ctx, "dropout_rate=0.1")
	require.Error(t, err)

	// Parameter only known in a sub-scope.
	ctx.In("model").SetParam("dropout_rate", 0.0)
	_, err = ParseContextSettings(ctx, "dropout_rate=0.1")
	require.Error(t, err)

	// Wrong type of value.
	_, err = ParseContextSettings(ctx, "cosine_schedule_steps=3.14")
	require.Error(t, err)
	_, err = ParseContextSettings(ctx, "layers=6,x")
	require.Error(t, err)

	// Scope not absolute.
	_, err = ParseContextSettings(ctx, "model/learning_rate=0.1")
	require.Error(t, err)

	// Missing value.
	_, err = ParseContextSettings(ctx, "learning_rate")
	require.Error(t, err)
}

func TestParseContextSettingsFile(t *testing.T) {
	ctx := createTestContext()
	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte("# Optimizer.\noptimizer=adam\n\nlearning_rate=0.01;clip_nan=true\n"), 0644))
	paramsSet, err := ParseContextSettings(ctx, "file:"+settingsPath+";cosine_schedule_steps=-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"optimizer", "learning_rate", "clip_nan", "cosine_schedule_steps"}, paramsSet)
	assert.Equal(t, "adam", context.GetParamOr(ctx, "optimizer", ""))
	assert.Equal(t, -1, context.GetParamOr(ctx, "cosine_schedule_steps", 0))

	modified := SprintModifiedContextSettings(ctx, append(paramsSet, "optimizer"))
	assert.Contains(t, modified, `"optimizer": (string) adam`)
	assert.Contains(t, modified, `"learning_rate": (float64) 0.01`)
	assert.Equal(t, 1, strings.Count(modified, `"optimizer"`))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567*time.Microsecond))
	assert.Equal(t, "250.00ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1.50m", FormatDuration(90*time.Second))
}

func TestMetricRows(t *testing.T) {
	rows := metricRows(map[string]float64{"loss": 2.123456, "accuracy": 0.5})
	assert.Equal(t, [][2]string{{"accuracy", "0.5"}, {"loss", "2.123"}}, rows)
}

func TestIsNotebook(t *testing.T) {
	t.Setenv("NOTEBOOK_BASH_KERNEL_CAPABILITIES", "image,html")
	assert.True(t, IsNotebook())
}
