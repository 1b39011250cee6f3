// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"maps"

	"github.com/gemmathon/Gemma-EasyLM/pkg/checkpoint"
	"github.com/gemmathon/Gemma-EasyLM/pkg/dataset"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Schedule of the evaluation, logging and checkpointing of a training run.
type Schedule struct {
	// TotalSteps to train: the run goes from the current global step up to TotalSteps.
	TotalSteps int

	// LogFreq: every LogFreq steps, EvalSteps eval batches are run and the metrics logged.
	LogFreq   int
	EvalSteps int

	// SaveModelFreq: if > 0, a regular checkpoint (it overwrites the previous one) is saved every SaveModelFreq
	// steps, and at the end of the run.
	SaveModelFreq int

	// SaveMilestoneFreq: if > 0, a milestone checkpoint (never removed) is saved every SaveMilestoneFreq steps,
	// instead of the regular one.
	SaveMilestoneFreq int
}

// MetricStep is the name of the step number in the logged metrics.
const MetricStep = "step"

// MetricsLogger receives the metrics logged during training. See plots.Logger.
type MetricsLogger interface {
	Log(step int, metrics map[string]float64) error
}

// Checkpointer saves the training state.
type Checkpointer interface {
	// Save a checkpoint of the training state at the given global step, along with the dataset state (if not nil).
	Save(step int64, milestone bool, datasetState *dataset.State) error

	// LastSavedStep returns the global step of the last checkpoint saved or restored, or -1 if none.
	LastSavedStep() int64
}

// ScheduleHookName is used to register the schedule hooks in the Loop.
const ScheduleHookName = "trainer.Schedule"

// AttachSchedule attaches to the loop the hooks implementing the schedule:
//
//   - every LogFreq steps: run EvalSteps batches of evalDS (if not nil), and log the step, the train metrics,
//     the averaged eval metrics and the dataset metrics;
//   - after step N, if (N+1) is a multiple of SaveMilestoneFreq, a milestone save, otherwise if (N+1) is a multiple
//     of SaveModelFreq a regular save;
//   - at the end, if SaveModelFreq > 0, a final regular save, unless the last regular checkpoint saved (or
//     resumed from) is already at the current global step. A milestone at the last step is still followed
//     by the final regular save.
//
// logger and checkpointer can be nil, in which case logging and checkpointing are skipped.
func AttachSchedule(loop *Loop, schedule Schedule, evalDS train.Dataset, logger MetricsLogger, checkpointer Checkpointer) {
	lastMilestone := int64(-1)
	loop.OnStep(ScheduleHookName, 10, func(loop *Loop, metrics Metrics) error {
		step := loop.Step
		if logger != nil && schedule.LogFreq > 0 && step%schedule.LogFreq == 0 {
			record := Metrics{MetricStep: float64(step)}
			maps.Copy(record, metrics)
			if evalDS != nil && schedule.EvalSteps > 0 {
				evalMetrics, err := Evaluate(loop.Trainer, evalDS, schedule.EvalSteps)
				if err != nil {
					return err
				}
				maps.Copy(record, evalMetrics)
			}
			if loop.BatchInfo != nil {
				maps.Copy(record, loop.BatchInfo.Metrics)
			}
			if err := logger.Log(step, record); err != nil {
				return err
			}
		}
		if checkpointer == nil {
			return nil
		}
		switch {
		case schedule.SaveMilestoneFreq > 0 && (step+1)%schedule.SaveMilestoneFreq == 0:
			lastMilestone = int64(step + 1)
			return checkpointer.Save(lastMilestone, true, datasetState(loop))
		case schedule.SaveModelFreq > 0 && (step+1)%schedule.SaveModelFreq == 0:
			return checkpointer.Save(int64(step+1), false, datasetState(loop))
		}
		return nil
	})
	loop.OnEnd(ScheduleHookName, 10, func(loop *Loop, _ Metrics) error {
		if checkpointer == nil || schedule.SaveModelFreq <= 0 {
			return nil
		}
		if step := int64(loop.Step); checkpointer.LastSavedStep() == step && lastMilestone != step {
			klog.V(1).Infof("skipping final checkpoint: step %d already saved", loop.Step)
			return nil
		}
		return checkpointer.Save(int64(loop.Step), false, datasetState(loop))
	})
}

func datasetState(loop *Loop) *dataset.State {
	if loop.BatchInfo == nil {
		return nil
	}
	state := loop.BatchInfo.State
	return &state
}

// Evaluate runs numSteps eval steps on batches of ds and returns the average of their metrics.
func Evaluate(trainer *Trainer, ds train.Dataset, numSteps int) (Metrics, error) {
	sums := make(Metrics)
	for step := range numSteps {
		_, inputs, labels, err := ds.Yield()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed reading eval batch #%d from %q", step, ds.Name())
		}
		metrics, err := trainer.EvalStep(inputs, labels)
		if err != nil {
			return nil, err
		}
		if err = finalizeAll(inputs, labels); err != nil {
			return nil, err
		}
		for name, value := range metrics {
			sums[name] += value
		}
	}
	for name := range sums {
		sums[name] /= float64(numSteps)
	}
	return sums, nil
}

// managerCheckpointer saves checkpoints with a checkpoint.Manager, with the run metadata.
type managerCheckpointer struct {
	manager  *checkpoint.Manager
	metadata checkpoint.Metadata
}

// NewCheckpointer returns a Checkpointer that saves with manager, using metadata (with the step updated) for
// every checkpoint.
func NewCheckpointer(manager *checkpoint.Manager, metadata checkpoint.Metadata) Checkpointer {
	return &managerCheckpointer{manager: manager, metadata: metadata}
}

func (c *managerCheckpointer) Save(step int64, milestone bool, datasetState *dataset.State) error {
	metadata := c.metadata
	metadata.Step = step
	baseName, err := c.manager.Save(&metadata, datasetState, milestone)
	if err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint at step %d", step)
	}
	kind := "checkpoint"
	if milestone {
		kind = "milestone checkpoint"
	}
	klog.Infof("saved %s %q at step %d", kind, baseName, step)
	return nil
}

func (c *managerCheckpointer) LastSavedStep() int64 {
	return c.manager.LastSavedStep()
}
