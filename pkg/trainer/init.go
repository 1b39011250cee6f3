// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gemmathon/Gemma-EasyLM/pkg/checkpoint"
	"github.com/gemmathon/Gemma-EasyLM/pkg/dataset"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Initialize the training state in ctx and return the step training starts from.
//
// It must be called before New, and there are three cases:
//
//   - manager (if not nil) was opened on a directory that already has checkpoints: the run is resumed from
//     its latest checkpoint (it takes precedence over loadSpec, which is ignored).
//   - loadSpec is set ("trainstate::<dir>", "trainstate_params::<dir>" or "params::<dir>"): the checkpoint is
//     loaded according to its mode. For the params modes only the model parameters are restored, and the
//     training starts from step 0 with a freshly initialized optimizer state.
//   - Otherwise it is a cold start: nothing is loaded and New will randomly initialize the parameters.
func Initialize(ctx *context.Context, manager *checkpoint.Manager, loadSpec string) (startStep int64, err error) {
	if manager != nil && manager.Resumed() {
		if loadSpec != "" {
			klog.Warningf("resuming from checkpoints in %q: load_checkpoint=%q ignored", manager.Dir(), loadSpec)
		}
		startStep = manager.LastSavedStep()
		klog.Infof("resuming training from %q at step %d", manager.Dir(), startStep)
		return startStep, nil
	}
	mode, dir, err := checkpoint.ParseLoadSpec(loadSpec)
	if err != nil {
		return 0, err
	}
	if mode == checkpoint.LoadNone {
		klog.Info("cold start: initializing model parameters from the random seed")
		return 0, nil
	}
	return checkpoint.LoadInto(ctx, mode, dir)
}

// RestoreDatasetState restores the position of ds: from the latest checkpoint of manager if the run was
// resumed and it has a saved dataset state, otherwise from statePath if it is not empty.
func RestoreDatasetState(ds dataset.Dataset, manager *checkpoint.Manager, statePath string) error {
	if manager != nil && manager.Resumed() {
		state, found, err := manager.LatestDatasetState()
		if err != nil {
			return err
		}
		if found {
			klog.Infof("restoring dataset %q position from checkpoint in %q", ds.Name(), manager.Dir())
			return ds.LoadState(state)
		}
	}
	if statePath == "" {
		return nil
	}
	state, err := dataset.LoadStateFile(statePath)
	if err != nil {
		return err
	}
	if err = ds.LoadState(state); err != nil {
		return errors.WithMessagef(err, "failed to restore dataset state from %q", statePath)
	}
	klog.Infof("restored dataset %q position from %q", ds.Name(), statePath)
	return nil
}
