// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gemmapro_train trains a block-expanded Gemma causal language model, updating only the selected parameters
// (by default the inserted layers 6, 13 and 20 of gemma-2b-pro).
//
// Checkpoints and metrics are saved in -logger.output_dir/-logger.experiment_id, and reusing an experiment id
// resumes the run from its latest checkpoint. Use gemmapro_checkpoints to inspect them.
//
// Example, starting from a checkpoint converted with hf2gomlx:
//
//	gemmapro_train -model.name=gemma-2b-pro -load_checkpoint=params::~/work/gemma-2b-pro \
//		-train_dataset.path=~/data/train.jsonl -total_steps=10000 -save_model_freq=1000 \
//		-logger.experiment_id=pro_v1
package main

import (
	"flag"
	"os"

	"github.com/gemmathon/Gemma-EasyLM/pkg/config"
	"github.com/gemmathon/Gemma-EasyLM/ui/plots"
	"github.com/gomlx/gomlx/backends"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

func main() {
	klog.InitFlags(nil)
	cfg, err := config.FromFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}
	backend := backends.MustNew()
	klog.Infof("backend: %s", backend.Description())
	metrics, err := runTraining(backend, cfg, true)
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
	if metrics != nil {
		klog.Infof("final metrics: %s", plots.FormatMetrics(cfg.TotalSteps, metrics))
	}
}
