// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer implements the training of a Gemma causal language model where only a selected subset of
// the parameters is updated: the masked train step, the eval step, the initialization (or resumption)
// of the training state and the outer training loop with its evaluation, logging and checkpointing schedule.
package trainer

import (
	"github.com/gemmathon/Gemma-EasyLM/pkg/gemma"
	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gemmathon/Gemma-EasyLM/pkg/partition"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Metrics are named scalar values reported by the steps and the datasets.
type Metrics map[string]float64

// Options to create a Trainer.
type Options struct {
	// Seed of the RNG state used for dropout.
	Seed int64

	// Mesh of devices to distribute the steps over. If nil or with only one device, steps run on a single device.
	Mesh *distributed.DeviceMesh

	// Rules used to shard the model parameters over the Mesh. Defaults to gemma.PartitionRules().
	Rules partition.Rules
}

// Trainer holds the compiled train and eval steps of a model, and the RNG state threaded through them.
//
// The training state itself (parameters, optimizer state and the global step) lives in the context.Context.
type Trainer struct {
	backend   backends.Backend
	ctx       *context.Context
	model     *gemma.Config
	selector  paramtree.Selector
	optimizer optimizers.Interface

	mesh                      *distributed.DeviceMesh
	sharder                   *partition.Sharder
	batchSpec, replicatedSpec *distributed.ShardingSpec

	trainExec, evalExec *context.Exec
	rngState            *tensors.Tensor
}

// New creates a Trainer for the Gemma model configured by model, with the parameters selected by selector
// being trained.
//
// The model variables are created (if not yet present in ctx) and, for multi-device meshes, their shardings set.
// The optimizer is selected by the context hyperparameter "optimizer" (see optimizers.FromContext).
func New(backend backends.Backend, ctx *context.Context, model *gemma.Config, selector paramtree.Selector,
	options Options) (*Trainer, error) {
	if selector == nil {
		selector = paramtree.DefaultSelector()
	}
	t := &Trainer{
		backend:  backend,
		ctx:      ctx,
		model:    model,
		selector: selector,
	}
	err := exceptions.TryCatch[error](func() {
		gemma.CreateVariables(ctx, model)
		t.optimizer = optimizers.FromContext(ctx)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to set up the model and optimizer")
	}
	t.rngState, err = graph.RNGStateFromSeed(options.Seed)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create RNG state")
	}
	modelVars, err := paramtree.FromContext(ctx.In(gemma.ModelScope))
	if err != nil {
		return nil, err
	}
	mask := paramtree.Mask(modelVars, selector)
	var numTrained int
	for _, selected := range mask.All() {
		if selected {
			numTrained++
		}
	}
	if numTrained == 0 {
		klog.Warningf("trainable selector %s matches none of the model parameters: all parameters are frozen", selector)
	} else {
		klog.Infof("training %d of %d model variables (selector %s)", numTrained, mask.Len(), selector)
	}

	t.trainExec, err = context.NewExec(backend, ctx, t.trainStepGraph)
	if err != nil {
		return nil, err
	}
	t.evalExec, err = context.NewExec(backend, ctx, t.evalStepGraph)
	if err != nil {
		return nil, err
	}
	if options.Mesh != nil && options.Mesh.NumDevices() > 1 {
		rules := options.Rules
		if len(rules) == 0 {
			rules = gemma.PartitionRules()
		}
		if err = t.distribute(options.Mesh, rules); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func mustModelVariables(ctx *context.Context) paramtree.Tree[*context.Variable] {
	vars, err := paramtree.FromContext(ctx.In(gemma.ModelScope))
	if err != nil {
		exceptions.Panicf("failed to build the tree of model parameters: %+v", err)
	}
	return vars
}

// distribute shards the variables and configures the execs to run over the mesh: batches are split
// over the (dp, fsdp) axes, everything else is replicated unless a variable has a sharding set.
//
// The optimizer state doesn't exist yet: it's sharded by the train step graph once the optimizer creates it.
func (t *Trainer) distribute(mesh *distributed.DeviceMesh, rules partition.Rules) error {
	t.sharder = partition.NewSharder(rules, mesh)
	if _, err := t.sharder.Apply(t.ctx); err != nil {
		return err
	}
	var err error
	t.mesh = mesh
	t.batchSpec, err = partition.BatchSpec(mesh)
	if err != nil {
		return err
	}
	t.replicatedSpec = distributed.NewReplicatedShardingSpec(mesh)
	inputSpecs := []*distributed.ShardingSpec{t.replicatedSpec, t.batchSpec, t.batchSpec, t.batchSpec}
	t.trainExec = t.trainExec.AutoSharding(mesh).WithInputShardingSpecs(inputSpecs...)
	t.evalExec = t.evalExec.AutoSharding(mesh).WithInputShardingSpecs(inputSpecs...)
	for _, exec := range []*context.Exec{t.trainExec, t.evalExec} {
		if err = exec.SetDefaultShardingSpec(t.replicatedSpec); err != nil {
			return errors.WithMessage(err, "failed to set default sharding spec")
		}
	}
	klog.Infof("distributing steps over mesh %s with %d devices", mesh, mesh.NumDevices())
	return nil
}

// Context holding the training state.
func (t *Trainer) Context() *context.Context {
	return t.ctx
}

// Model configuration being trained.
func (t *Trainer) Model() *gemma.Config {
	return t.model
}

// Sharding returns the sharding of the variable with the given path (see paramtree.VariablePath).
// It returns false if the steps are not distributed, or the variable wasn't created yet.
func (t *Trainer) Sharding(path string) (*distributed.ShardingSpec, bool) {
	if t.sharder == nil {
		return nil, false
	}
	return t.sharder.Spec(path)
}

// Selector of the trained parameters.
func (t *Trainer) Selector() paramtree.Selector {
	return t.selector
}

// GlobalStep returns the number of train steps taken so far, as stored in the context.
func (t *Trainer) GlobalStep() (step int64, err error) {
	err = exceptions.TryCatch[error](func() {
		step = optimizers.GetGlobalStep(t.ctx)
	})
	return
}

// TrainStep runs one masked train step on the batch yielded by a dataset.Dataset: inputs are
// (tokens, loss masks) and labels are the target tokens.
func (t *Trainer) TrainStep(inputs, labels []*tensors.Tensor) (Metrics, error) {
	outputs, err := t.run(t.trainExec, inputs, labels)
	if err != nil {
		return nil, errors.WithMessage(err, "train step failed")
	}
	return t.collect(outputs, TrainMetricsNames)
}

// EvalStep evaluates the model on a batch, without changing the training state.
func (t *Trainer) EvalStep(inputs, labels []*tensors.Tensor) (Metrics, error) {
	outputs, err := t.run(t.evalExec, inputs, labels)
	if err != nil {
		return nil, errors.WithMessage(err, "eval step failed")
	}
	return t.collect(outputs, EvalMetricsNames)
}

// run executes one step, sharding its inputs if distributed.
func (t *Trainer) run(exec *context.Exec, inputs, labels []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(inputs) != 2 || len(labels) != 1 {
		return nil, errors.Errorf("expected 2 inputs (tokens, loss masks) and 1 label (targets), got %d and %d",
			len(inputs), len(labels))
	}
	args := []*tensors.Tensor{t.rngState, inputs[0], inputs[1], labels[0]}
	if t.mesh == nil {
		return exec.Exec(tensorsToAny(args)...)
	}
	sharded := make([]any, len(args))
	for ii, arg := range args {
		spec := t.batchSpec
		if ii == 0 {
			spec = t.replicatedSpec
		}
		var err error
		sharded[ii], err = distributed.ShardTensor(spec, arg)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to shard step input #%d", ii)
		}
	}
	distributedOutputs, err := exec.DistributedExec(sharded...)
	if err != nil {
		return nil, err
	}
	outputs := make([]*tensors.Tensor, len(distributedOutputs))
	for ii, output := range distributedOutputs {
		outputs[ii], err = output.Merge()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to merge step output #%d", ii)
		}
	}
	return outputs, nil
}

func tensorsToAny(values []*tensors.Tensor) []any {
	result := make([]any, len(values))
	for ii, v := range values {
		result[ii] = v
	}
	return result
}

// collect updates the RNG state and converts the metrics to float64 values.
func (t *Trainer) collect(outputs []*tensors.Tensor, names []string) (Metrics, error) {
	if len(outputs) != len(names)+1 {
		return nil, errors.Errorf("step returned %d outputs, expected %d", len(outputs), len(names)+1)
	}
	if err := t.rngState.FinalizeAll(); err != nil {
		return nil, err
	}
	t.rngState = outputs[0]
	metrics := make(Metrics, len(names))
	for ii, name := range names {
		output := outputs[ii+1]
		output.MaterializeLocal()
		metrics[name] = shapes.ConvertTo[float64](output.Value())
		if err := output.FinalizeAll(); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}
