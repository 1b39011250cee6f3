// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gemmathon/Gemma-EasyLM/pkg/checkpoint"
	"github.com/gemmathon/Gemma-EasyLM/pkg/config"
	"github.com/gemmathon/Gemma-EasyLM/pkg/dataset"
	"github.com/gemmathon/Gemma-EasyLM/pkg/partition"
	"github.com/gemmathon/Gemma-EasyLM/pkg/trainer"
	"github.com/gemmathon/Gemma-EasyLM/ui/commandline"
	"github.com/gemmathon/Gemma-EasyLM/ui/plots"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// readAheadBatches is the number of training batches prepared in parallel with the train steps.
const readAheadBatches = 2

// textTokenizer loads the tokenizer of the HuggingFace repository repoID, along with its BOS and EOS token ids.
func textTokenizer(repoID string) (tokenizer dataset.Tokenizer, bos, eos int, err error) {
	repo := hub.New(repoID).WithAuth(os.Getenv("HF_TOKEN"))
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, 0, 0, errors.WithMessagef(err, "loading tokenizer from %q", repoID)
	}
	if bos, err = tok.SpecialTokenID(api.TokBeginningOfSentence); err != nil {
		return nil, 0, 0, errors.WithMessagef(err, "tokenizer %q has no BOS token", repoID)
	}
	if eos, err = tok.SpecialTokenID(api.TokEndOfSentence); err != nil {
		return nil, 0, 0, errors.WithMessagef(err, "tokenizer %q has no EOS token", repoID)
	}
	return tok, bos, eos, nil
}

// newDatasets creates the training dataset and, if eval_steps > 0, the eval dataset.
// The tokenizer is only loaded if one of them is a JSON dataset.
func newDatasets(cfg config.Config) (trainDS, evalDS dataset.Dataset, err error) {
	var tokenizer dataset.Tokenizer
	var bos, eos int
	needEval := cfg.EvalSteps > 0
	if cfg.TrainDataset.Type == dataset.TypeJSON || (needEval && cfg.EvalDataset.Type == dataset.TypeJSON) {
		tokenizer, bos, eos, err = textTokenizer(cfg.Tokenizer)
		if err != nil {
			return nil, nil, err
		}
	}
	trainDS, err = dataset.New(cfg.TrainDataset, tokenizer, bos, eos)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "train_dataset")
	}
	if !needEval {
		return trainDS, nil, nil
	}
	evalDS, err = dataset.New(cfg.EvalDataset, tokenizer, bos, eos)
	if err != nil {
		_ = trainDS.Close()
		return nil, nil, errors.WithMessage(err, "eval_dataset")
	}
	return trainDS, evalDS, nil
}

// datasetTokens reports the number of tokens consumed by the training dataset, for the progress bar.
func datasetTokens(loop *trainer.Loop) (name, value string) {
	if loop.BatchInfo == nil {
		return "Tokens", "-"
	}
	return "Tokens", humanize.Comma(int64(loop.BatchInfo.Metrics["dataset_total_tokens"]))
}

// runTraining runs the training configured by cfg on backend, until the global step reaches cfg.TotalSteps.
//
// If the run directory already has checkpoints the run is resumed from the latest one, otherwise it is
// initialized according to cfg.LoadCheckpoint (or randomly, for a cold start).
func runTraining(backend backends.Backend, cfg config.Config, showProgress bool) (trainer.Metrics, error) {
	ctx := context.New()
	paramsSet, err := cfg.ApplyToContext(ctx)
	if err != nil {
		return nil, err
	}
	compression, err := cfg.Compression()
	if err != nil {
		return nil, err
	}
	runDir := cfg.RunDir()
	manager, err := checkpoint.NewManager(ctx, checkpoint.Options{
		Dir:                runDir,
		SaveOptimizerState: cfg.Checkpointer.SaveOptimizerState,
		Compression:        compression,
		ExcludeParams:      paramsSet,
	})
	if err != nil {
		return nil, err
	}
	if _, err = trainer.Initialize(ctx, manager, cfg.LoadCheckpoint); err != nil {
		return nil, err
	}

	model, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}
	selector, err := cfg.Selector()
	if err != nil {
		return nil, err
	}
	meshDims, err := partition.ParseMeshDims(cfg.MeshDims, backend.NumDevices())
	if err != nil {
		return nil, err
	}
	mesh, err := partition.NewMesh(meshDims)
	if err != nil {
		return nil, err
	}
	tr, err := trainer.New(backend, ctx, model, selector, trainer.Options{Seed: cfg.Seed, Mesh: mesh})
	if err != nil {
		return nil, err
	}
	loop, err := trainer.NewLoop(tr)
	if err != nil {
		return nil, err
	}

	trainDS, evalDS, err := newDatasets(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, ds := range []dataset.Dataset{trainDS, evalDS} {
			if ds == nil {
				continue
			}
			if err := ds.Close(); err != nil {
				klog.Warningf("closing dataset %q: %v", ds.Name(), err)
			}
		}
	}()
	if err = trainer.RestoreDatasetState(trainDS, manager, cfg.LoadDatasetState); err != nil {
		return nil, err
	}

	// Single process: it is always the lead worker, so log_all_worker makes no difference.
	logger, err := plots.NewLogger(runDir, cfg.Logger.PrefixToStdout, true)
	if err != nil {
		return nil, err
	}
	checkpointer := trainer.NewCheckpointer(manager, checkpoint.Metadata{
		Variant:      cfg.Variant(),
		Flags:        cfg.FlagsDict(),
		ModelConfig:  model.ToMap(),
		ExperimentID: cfg.Logger.ExperimentID,
	})
	schedule := trainer.Schedule{
		TotalSteps:        cfg.TotalSteps,
		LogFreq:           cfg.LogFreq,
		EvalSteps:         cfg.EvalSteps,
		SaveModelFreq:     cfg.SaveModelFreq,
		SaveMilestoneFreq: cfg.SaveMilestoneFreq,
	}
	var evalSource train.Dataset
	if evalDS != nil {
		evalSource = evalDS
	}
	trainer.AttachSchedule(loop, schedule, evalSource, logger, checkpointer)
	if showProgress {
		commandline.AttachProgressBar(loop, datasetTokens)
	}

	klog.Infof("training %s (%s parameters, trained: %s) in %q, from step %d to %d",
		cfg.Model.Name, humanize.Comma(int64(model.NumParams())), selector, runDir, loop.Step, cfg.TotalSteps)
	if names := cfg.VariantNames(); len(names) > 0 {
		klog.Infof("flags set: %q", names)
	}
	klog.V(1).Infof("hyperparameters:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	readAhead := datasets.CustomParallel(trainDS).Parallelism(1).Buffer(readAheadBatches).Start()
	metrics, err := loop.RunToStep(readAhead, cfg.TotalSteps)
	readAhead.Done()
	if closeErr := logger.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}
	return metrics, nil
}
