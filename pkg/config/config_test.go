// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) Config {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c, err := FromFlags(fs, args)
	require.NoError(t, err)
	return c
}

func TestDefaults(t *testing.T) {
	c := parse(t)
	assert.Equal(t, int64(42), c.Seed)
	assert.Equal(t, "1,-1,1", c.MeshDims)
	assert.Equal(t, "bf16", c.DType)
	assert.Equal(t, 10000, c.TotalSteps)
	assert.Equal(t, 50, c.LogFreq)
	assert.Zero(t, c.SaveModelFreq)
	assert.Zero(t, c.SaveMilestoneFreq)
	assert.Zero(t, c.EvalSteps)
	assert.NotEmpty(t, c.Logger.ExperimentID, "a random experiment id must be generated")

	// Only the generated experiment id differs from the defaults.
	assert.Equal(t, []string{"logger.experiment_id"}, c.VariantNames())
	flags := c.FlagsDict()
	assert.Equal(t, 10000, flags["total_steps"])
	assert.Equal(t, "adamw", flags["optimizer.type"])

	selector, err := c.Selector()
	require.NoError(t, err)
	assert.Equal(t, paramtree.DefaultSelector().String(), selector.String())
	compression, err := c.Compression()
	require.NoError(t, err)
	assert.Equal(t, checkpoints.BinGZIP, compression)
}

func TestFlags(t *testing.T) {
	c := parse(t, "-total_steps=1", "-save_model_freq=1", "-trainable_mode=layers", "-trainable=6,13,20",
		"-train_dataset.path=/data/train.jsonl", "-optimizer.learning_rate=3e-5", "-logger.experiment_id=run1",
		"-logger.output_dir=/tmp/runs/")
	assert.Equal(t, 1, c.TotalSteps)
	assert.Equal(t, 1, c.SaveModelFreq)
	assert.Equal(t, "/data/train.jsonl", c.TrainDataset.Path)
	assert.Equal(t, 3e-5, c.Optimizer.LearningRate)
	assert.Equal(t, "/tmp/runs/run1", c.RunDir())

	variant := c.Variant()
	assert.Equal(t, 1, variant["total_steps"])
	assert.Equal(t, "layers", variant["trainable_mode"])
	assert.NotContains(t, variant, "seed")
	variant["seed"] = 1
	assert.NotContains(t, c.Variant(), "seed", "Variant must return a copy")

	selector, err := c.Selector()
	require.NoError(t, err)
	assert.True(t, selector.Match("model/layer_13/mlp/up_proj/weights"))
	assert.False(t, selector.Match("model/layer_1/mlp/up_proj/weights"))
}

func TestInvalidFlags(t *testing.T) {
	for _, args := range [][]string{
		{"-dtype=int8"},
		{"-log_freq=0"},
		{"-save_model_freq=-1"},
		{"-trainable_mode=layers", "-trainable=x"},
		{"-optimizer.type=lion"},
		{"-checkpointer.compression=zstd"},
		{"-eval_steps=2"},
	} {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		_, err := FromFlags(fs, args)
		assert.Error(t, err, "args=%q", args)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
total_steps: 500
log_freq: 10
trainable:
  mode: regexp
  spec: "layer_(6|13|20)/"
train_dataset:
  path: /data/train.jsonl
  batch_size: 4
optimizer:
  learning_rate: 0.001
logger:
  experiment_id: from-file
`), 0644))

	c := parse(t, "-config="+path, "-log_freq=5")
	assert.Equal(t, 500, c.TotalSteps)
	assert.Equal(t, 5, c.LogFreq, "explicit flags override the file")
	assert.Equal(t, 4, c.TrainDataset.BatchSize)
	assert.Equal(t, 1024, c.TrainDataset.SeqLength, "missing fields keep their defaults")
	assert.Equal(t, 0.001, c.Optimizer.LearningRate)
	assert.Equal(t, "from-file", c.Logger.ExperimentID)
	assert.Equal(t, path, c.ConfigFile)
	variant := c.Variant()
	assert.Equal(t, 500, variant["total_steps"])
	assert.Equal(t, 5, variant["log_freq"])
	assert.Equal(t, path, variant["config"])

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := FromFlags(fs, []string{"-config=" + filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestParseDType(t *testing.T) {
	for name, want := range map[string]dtypes.DType{
		"bf16": dtypes.BFloat16, "FP16": dtypes.Float16, "fp32": dtypes.Float32, "float32": dtypes.Float32,
	} {
		got, err := ParseDType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseDType("fp8")
	require.Error(t, err)
}

func TestModelConfig(t *testing.T) {
	c := parse(t, "-model.name=debug", `-model.update={"resid_pdrop": 0.1}`, "-dtype=fp32")
	model, err := c.ModelConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, model.NumHiddenLayers)
	assert.Equal(t, 0.1, model.ResidualDropout)
	assert.Equal(t, dtypes.Float32, model.ParamsDType)
	assert.Equal(t, dtypes.Float32, model.ComputeDType)
}

func TestApplyToContext(t *testing.T) {
	c := parse(t, "-total_steps=300", "-optimizer.cosine_schedule_steps=-1", "-optimizer.weight_decay=0.01",
		"-set=adam_backoff=10")
	ctx := context.New()
	ctx.SetParam(optimizers.ParamAdamBackoffSteps, 0)
	paramsSet, err := c.ApplyToContext(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{cosineschedule.ParamPeriodSteps, optimizers.ParamAdamWeightDecay,
		optimizers.ParamAdamBackoffSteps}, paramsSet)
	assert.Equal(t, 300, context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0))
	assert.Equal(t, 0.01, context.GetParamOr(ctx, optimizers.ParamAdamWeightDecay, 0.0))
	assert.Equal(t, 10, context.GetParamOr(ctx, optimizers.ParamAdamBackoffSteps, 0))
	assert.Equal(t, int64(42), context.GetParamOr(ctx, context.ParamInitialSeed, int64(0)))
	assert.Equal(t, "adamw", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))

	c = parse(t, "-set=unknown_param=1")
	_, err = c.ApplyToContext(context.New())
	require.Error(t, err)
}

// resumeParams opens the checkpoints in dir with a context configured by args, as the training driver does.
func resumeParams(t *testing.T, dir string, args ...string) *context.Context {
	ctx := context.New()
	paramsSet, err := parse(t, args...).ApplyToContext(ctx)
	require.NoError(t, err)
	_, err = checkpoints.Build(ctx).Dir(dir).ExcludeParams(paramsSet...).Done()
	require.NoError(t, err)
	return ctx
}

func TestResumeRestoresHyperparameters(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	require.NoError(t, os.MkdirAll(dir, checkpoints.DirPermMode))
	ctx := resumeParams(t, dir, "-optimizer.learning_rate=0.5", "-optimizer.beta2=0.95", "-total_steps=10",
		"-optimizer.cosine_schedule_steps=-1")
	ctx.In("model").VariableWithValue("w", []float32{1, 2})
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())

	// Resumed without the flags: the values of the first run are restored.
	ctx = resumeParams(t, dir)
	assert.Equal(t, 0.5, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, 0.95, context.GetParamOr(ctx, optimizers.ParamAdamBeta2, 0.0))
	assert.Equal(t, 10, context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0))

	// Flags given again take precedence.
	ctx = resumeParams(t, dir, "-optimizer.learning_rate=0.2", "-total_steps=20")
	assert.Equal(t, 0.2, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, 0.95, context.GetParamOr(ctx, optimizers.ParamAdamBeta2, 0.0))
	assert.Equal(t, 10, context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0))
}
