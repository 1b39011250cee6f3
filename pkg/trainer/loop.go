// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gemmathon/Gemma-EasyLM/pkg/dataset"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks: it is called after each train step, with its metrics.
type OnStepFn func(loop *Loop, metrics Metrics) error

// OnEndFn is the type of OnEnd hooks: it is called after the last step, with its metrics.
type OnEndFn func(loop *Loop, metrics Metrics) error

// Loop runs the train steps of a Trainer over a dataset, calling the registered hooks.
//
// Evaluation, logging, checkpointing and progress reporting are all attached as hooks.
// The public attributes are meant for reading only.
type Loop struct {
	Trainer *Trainer

	// Step currently being executed, starting from the global step of the training state.
	// While the step hooks run, the training state is already at global step Step+1.
	Step int

	// StartStep and EndStep (exclusive) of the current run.
	StartStep, EndStep int

	// BatchInfo of the last batch used for training, if the dataset reports one (see dataset.BatchInfo).
	BatchInfo *dataset.BatchInfo

	// TrainStepDurations collected during the current run.
	TrainStepDurations []time.Duration

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop starting at the trainer's current global step.
func NewLoop(trainer *Trainer) (*Loop, error) {
	globalStep, err := trainer.GlobalStep()
	if err != nil {
		return nil, err
	}
	return &Loop{
		Trainer: trainer,
		Step:    int(globalStep),
		onStart: newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:  newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:   newPriorityHooks[*hookWithName[OnEndFn]](),
	}, nil
}

// RunToStep trains until the global step reaches totalSteps. If the training state is already at (or past)
// totalSteps, no step is run, but the OnStart and OnEnd hooks are still called (with nil metrics).
//
// The dataset must be infinite: io.EOF is reported as an error.
// Yielded inputs and labels are freed right after each step.
func (loop *Loop) RunToStep(ds train.Dataset, totalSteps int) (metrics Metrics, err error) {
	loop.StartStep = loop.Step
	loop.EndStep = max(totalSteps, loop.StartStep)
	loop.TrainStepDurations = make([]time.Duration, 0, loop.EndStep-loop.StartStep)
	for hook := range loop.onStart.All() {
		if err = hook.fn(loop); err != nil {
			return nil, errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	for ; loop.Step < loop.EndStep; loop.Step++ {
		spec, inputs, labels, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return nil, errors.Errorf("dataset %q ended after %d steps, it should loop forever",
					ds.Name(), loop.Step-loop.StartStep)
			}
			return nil, errors.WithMessagef(err, "failed reading from dataset %q at step %d", ds.Name(), loop.Step)
		}
		if info, ok := spec.(*dataset.BatchInfo); ok {
			loop.BatchInfo = info
		}
		metrics, err = loop.step(inputs, labels)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed train step %d", loop.Step)
		}
	}
	for hook := range loop.onEnd.All() {
		if err = hook.fn(loop, metrics); err != nil {
			return nil, errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return metrics, nil
}

// step runs one train step and calls the OnStep hooks.
// It returns an error if the loss is NaN or infinite.
func (loop *Loop) step(inputs, labels []*tensors.Tensor) (Metrics, error) {
	startTime := time.Now()
	metrics, err := loop.Trainer.TrainStep(inputs, labels)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return nil, err
	}
	if err = finalizeAll(inputs, labels); err != nil {
		return nil, err
	}
	for hook := range loop.onStep.All() {
		if err = hook.fn(loop, metrics); err != nil {
			return nil, errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	loss := metrics[MetricLoss]
	if math.IsNaN(loss) {
		return nil, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(loss, 0) {
		return nil, errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	return metrics, nil
}

// finalizeAll frees the yielded tensors.
func finalizeAll(groups ...[]*tensors.Tensor) error {
	for _, group := range groups {
		for ii, t := range group {
			if err := t.FinalizeAll(); err != nil {
				return errors.WithMessagef(err, "finalizing yielded tensor #%d", ii)
			}
		}
	}
	return nil
}

// MedianTrainStepDuration returns the median duration of the train steps of the current run. It returns 1
// millisecond if no step was recorded.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) called after each train step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a run.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order, and in order of registration
// within the same priority.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
