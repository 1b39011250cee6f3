// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/gemmathon/Gemma-EasyLM/pkg/checkpoint"
	"github.com/gemmathon/Gemma-EasyLM/pkg/dataset"
	"github.com/gemmathon/Gemma-EasyLM/pkg/gemma"
	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gemmathon/Gemma-EasyLM/pkg/partition"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func debugModel(t *testing.T) *gemma.Config {
	cfg, err := gemma.Preset("debug")
	require.NoError(t, err)
	return cfg
}

// newTestDataset creates a tokens dataset with tokens within the vocabulary of the debug model.
func newTestDataset(t *testing.T) dataset.Dataset {
	path := filepath.Join(t.TempDir(), "tokens.bin")
	tokens := make([]int32, 200)
	for ii := range tokens {
		tokens[ii] = int32((ii*7 + 3) % 64)
	}
	require.NoError(t, dataset.WriteTokenFile(path, tokens))
	config := dataset.DefaultConfig()
	config.Type = dataset.TypeTokenFile
	config.Path = path
	config.BatchSize = 2
	config.SeqLength = 8
	ds, err := dataset.New(config, nil, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func newTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, 0.01)
	return ctx
}

// snapshotModel returns a copy of the values of all model parameters, indexed by path.
func snapshotModel(t *testing.T, ctx *context.Context) map[string][]float32 {
	vars, err := paramtree.FromContext(ctx.In(gemma.ModelScope))
	require.NoError(t, err)
	snapshot := make(map[string][]float32, vars.Len())
	for path, v := range vars.All() {
		snapshot[path] = tensors.MustCopyFlatData[float32](v.MustValue())
	}
	return snapshot
}

func TestCrossEntropyLossAndAccuracy(t *testing.T) {
	// Logits favour token 1 at every position.
	logits := [][][]float32{{{0, 10, 0}, {0, 10, 0}, {0, 10, 0}}}
	targets := [][]int32{{1, 2, 1}}
	graphtest.RunTestGraphFn(t, "masked loss", func(g *Graph) (inputs, outputs []*Node) {
		inputs = []*Node{Const(g, logits), Const(g, targets), Const(g, [][]float32{{1, 0, 1}})}
		loss, accuracy := CrossEntropyLossAndAccuracy(inputs[0], inputs[1], inputs[2])
		outputs = []*Node{loss, accuracy}
		return
	}, []any{
		// Only the 2 valid (correct) positions count: -log(softmax) is tiny.
		float32(-math.Log(math.Exp(10) / (math.Exp(10) + 2))),
		float32(1),
	}, 1e-4)
}

func TestTrainStepFreezesUnselected(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	selector, err := paramtree.NewLayerSelector(6)
	require.NoError(t, err)
	trainer, err := New(backend, ctx, debugModel(t), selector, Options{Seed: 42})
	require.NoError(t, err)
	before := snapshotModel(t, ctx)

	ds := newTestDataset(t)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	rngState := trainer.rngState
	metrics, err := trainer.TrainStep(inputs, labels)
	require.NoError(t, err)
	assert.False(t, rngState.Ok(), "previous RNG state not freed")
	assert.True(t, trainer.rngState.Ok())
	for _, name := range TrainMetricsNames {
		assert.Contains(t, metrics, name)
	}
	assert.Greater(t, metrics[MetricLoss], 0.0)
	assert.InDelta(t, 0.01, metrics[MetricLearningRate], 1e-6)
	assert.Greater(t, metrics[MetricGradientNorm], 0.0)

	after := snapshotModel(t, ctx)
	require.Len(t, after, len(before))
	var numChanged int
	for path, values := range after {
		if selector.Match(path) {
			if !assert.ObjectsAreEqual(before[path], values) {
				numChanged++
			}
			continue
		}
		assert.Equalf(t, before[path], values, "frozen parameter %q changed", path)
	}
	assert.Positive(t, numChanged, "no parameter of layer 6 was updated")

	step, err := trainer.GlobalStep()
	require.NoError(t, err)
	assert.Equal(t, int64(1), step)

	// The optimizer state also advances for frozen parameters.
	moment := ctx.GetVariableByScopeAndName("/AdamOptimizer/model/layer_0/attn/q_proj", "weights_1st_moment")
	require.NotNil(t, moment)

	// Eval doesn't change the parameters or the step.
	evalMetrics, err := trainer.EvalStep(inputs, labels)
	require.NoError(t, err)
	assert.Contains(t, evalMetrics, MetricEvalLoss)
	assert.Contains(t, evalMetrics, MetricEvalAccuracy)
	assert.Equal(t, after, snapshotModel(t, ctx))
	step, err = trainer.GlobalStep()
	require.NoError(t, err)
	assert.Equal(t, int64(1), step)
}

func TestOptimizerStateSharding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	trainer, err := New(backend, ctx, debugModel(t), nil, Options{Seed: 42})
	require.NoError(t, err)
	_, found := trainer.Sharding("model/layer_0/attn/q_proj/weights")
	assert.False(t, found, "single device steps are not sharded")
	_, inputs, labels, err := newTestDataset(t).Yield()
	require.NoError(t, err)
	_, err = trainer.TrainStep(inputs, labels)
	require.NoError(t, err)

	// The moments created by the optimizer are sharded like the parameters they track.
	mesh, err := partition.NewMesh([]int{1, 1, 1})
	require.NoError(t, err)
	sharder := partition.NewSharder(gemma.PartitionRules(), mesh)
	_, err = sharder.Apply(ctx)
	require.NoError(t, err)
	for _, name := range []string{"q_proj", "o_proj"} {
		weights, found := sharder.Spec("model/layer_0/attn/" + name + "/weights")
		require.True(t, found)
		for _, suffix := range []string{"_1st_moment", "_2nd_moment"} {
			moment, found := sharder.Spec("AdamOptimizer/model/layer_0/attn/" + name + "/weights" + suffix)
			require.Truef(t, found, "%s%s not sharded", name, suffix)
			assert.Equal(t, weights.Axes, moment.Axes)
			assert.NotEmpty(t, moment.Axes[0])
		}
	}
}

type recordingLogger struct {
	steps   []int
	records []Metrics
}

func (l *recordingLogger) Log(step int, metrics map[string]float64) error {
	l.steps = append(l.steps, step)
	l.records = append(l.records, metrics)
	return nil
}

// runTraining opens (or resumes) a run in dir and trains up to totalSteps.
func runTraining(t *testing.T, dir string, loadSpec string, schedule Schedule) (*Loop, *checkpoint.Manager, *recordingLogger) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	manager, err := checkpoint.NewManager(ctx, checkpoint.Options{Dir: dir, SaveOptimizerState: true})
	require.NoError(t, err)
	startStep, err := Initialize(ctx, manager, loadSpec)
	require.NoError(t, err)
	model := debugModel(t)
	trainer, err := New(backend, ctx, model, nil, Options{Seed: 42})
	require.NoError(t, err)
	loop, err := NewLoop(trainer)
	require.NoError(t, err)
	require.Equal(t, int(startStep), loop.Step)

	ds := newTestDataset(t)
	require.NoError(t, RestoreDatasetState(ds, manager, ""))
	logger := &recordingLogger{}
	checkpointer := NewCheckpointer(manager, checkpoint.Metadata{ModelConfig: model.ToMap()})
	AttachSchedule(loop, schedule, newTestDataset(t), logger, checkpointer)
	_, err = loop.RunToStep(ds, schedule.TotalSteps)
	require.NoError(t, err)
	return loop, manager, logger
}

func TestSingleStepRun(t *testing.T) {
	dir := t.TempDir()
	schedule := Schedule{TotalSteps: 1, LogFreq: 1, EvalSteps: 2, SaveModelFreq: 1}
	loop, manager, logger := runTraining(t, dir, "", schedule)
	assert.Equal(t, 1, loop.Step)
	assert.Equal(t, int64(1), manager.LastSavedStep())

	latest, err := manager.Latest()
	require.NoError(t, err)
	assert.Contains(t, latest, "step-00000001")
	metadata, err := manager.LatestMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(1), metadata.Step)
	assert.False(t, metadata.Milestone)
	assert.Equal(t, float64(7), metadata.ModelConfig["num_hidden_layers"])
	milestones, err := manager.Milestones()
	require.NoError(t, err)
	assert.Empty(t, milestones)
	checkpointFiles, err := filepath.Glob(filepath.Join(dir, "checkpoint-*"+checkpoints.BinDataSuffix))
	require.NoError(t, err)
	assert.Len(t, checkpointFiles, 1)
	state, found, err := manager.LatestDatasetState()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(16), state.Seek)

	require.Equal(t, []int{0}, logger.steps)
	record := logger.records[0]
	assert.Equal(t, 0.0, record[MetricStep])
	for _, name := range append(TrainMetricsNames, EvalMetricsNames...) {
		assert.Contains(t, record, name)
	}
	assert.Contains(t, record, "dataset_total_tokens")

	// Resuming from the directory continues from step 1 and saves the final checkpoint at step 3.
	schedule.TotalSteps = 3
	schedule.LogFreq = 2
	loop, manager, logger = runTraining(t, dir, "params::/ignored", schedule)
	assert.Equal(t, 1, loop.StartStep)
	assert.Equal(t, 3, loop.Step)
	assert.Equal(t, []int{2}, logger.steps)
	assert.Equal(t, int64(3), manager.LastSavedStep())
	metadata, err = manager.LatestMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(3), metadata.Step)
}

func TestMilestones(t *testing.T) {
	dir := t.TempDir()
	schedule := Schedule{TotalSteps: 4, SaveModelFreq: 1, SaveMilestoneFreq: 2}
	_, manager, logger := runTraining(t, dir, "", schedule)
	assert.Empty(t, logger.steps)
	milestones, err := manager.Milestones()
	require.NoError(t, err)
	require.Len(t, milestones, 2)
	assert.Contains(t, milestones[0], "step-00000002")
	assert.Contains(t, milestones[1], "step-00000004")
	// The last step was a milestone, and it's still followed by the final regular save.
	latest, err := manager.Latest()
	require.NoError(t, err)
	assert.NotEqual(t, milestones[1], latest)
	metadata, err := manager.LatestMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(4), metadata.Step)
	assert.False(t, metadata.Milestone)
	milestoneMetadata, err := checkpoint.ReadMetadata(dir, milestones[1])
	require.NoError(t, err)
	assert.True(t, milestoneMetadata.Milestone)
}

func TestInitializeParamsOnly(t *testing.T) {
	source := t.TempDir()
	_, _, _ = runTraining(t, source, "", Schedule{TotalSteps: 2, SaveModelFreq: 2})

	loaded := context.New()
	_, err := checkpoint.LoadInto(loaded, checkpoint.LoadTrainState, source)
	require.NoError(t, err)
	saved := snapshotModel(t, loaded)

	for _, mode := range []string{"params", "trainstate_params"} {
		t.Run(mode, func(t *testing.T) {
			ctx := newTestContext()
			manager, err := checkpoint.NewManager(ctx, checkpoint.Options{Dir: t.TempDir()})
			require.NoError(t, err)
			startStep, err := Initialize(ctx, manager, mode+"::"+source)
			require.NoError(t, err)
			assert.Equal(t, int64(0), startStep)
			assert.Equal(t, saved, snapshotModel(t, ctx))
			assert.Nil(t, ctx.GetVariableByScopeAndName("/AdamOptimizer/model/layer_0/attn/q_proj",
				"weights_1st_moment"), "optimizer state must not be restored")

			trainer, err := New(graphtest.BuildTestBackend(), ctx, debugModel(t), nil, Options{Seed: 1})
			require.NoError(t, err)
			step, err := trainer.GlobalStep()
			require.NoError(t, err)
			assert.Equal(t, int64(0), step)
		})
	}

	// The full trainstate restores the step.
	ctx := newTestContext()
	startStep, err := Initialize(ctx, nil, "trainstate::"+source)
	require.NoError(t, err)
	assert.Equal(t, int64(2), startStep)
	assert.NotNil(t, ctx.GetVariableByScopeAndName("/AdamOptimizer/model/layer_0/attn/q_proj", "weights_1st_moment"))
}

func TestEvaluateAverages(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext()
	trainer, err := New(backend, ctx, debugModel(t), nil, Options{Seed: 42})
	require.NoError(t, err)

	ds := newTestDataset(t)
	want := Metrics{}
	for range 3 {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		metrics, err := trainer.EvalStep(inputs, labels)
		require.NoError(t, err)
		for name, value := range metrics {
			want[name] += value / 3
		}
	}
	ds.Reset()
	got, err := Evaluate(trainer, ds, 3)
	require.NoError(t, err)
	for name, value := range want {
		assert.InDeltaf(t, value, got[name], 1e-5, "metric %q", name)
	}
}
