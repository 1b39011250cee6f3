// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// hf2gomlx converts a HuggingFace Gemma checkpoint to a GoMLX checkpoint that can be used to start
// training with -load_checkpoint=params::<output_dir>.
//
// Optionally, with -expand_to, the model is block-expanded: identity layers (copies of the preceding layer
// with zeroed output projections) are inserted evenly, so the expanded model initially computes the same
// function as the original one. Those are the layers to train.
//
// The model configuration (with the expanded number of layers) is written to <output_dir>/config.json, to
// be used with -model.name.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gemmathon/Gemma-EasyLM/pkg/gemma"
	"github.com/gemmathon/Gemma-EasyLM/pkg/safetensors"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagModel = flag.String("model", "google/gemma-2b", "HuggingFace id of the Gemma model to convert.")
	flagLocal = flag.String("local", "",
		"Directory with a HuggingFace model (config.json and .safetensors files) to convert, instead of downloading -model.")
	flagOutput   = flag.String("output", "", "Directory where to write the GoMLX checkpoint. Required.")
	flagExpandTo = flag.Int("expand_to", 0,
		"If set, number of layers of the block-expanded model (e.g. 24 to expand gemma-2b to gemma-2b-pro). "+
			"It must be the number of layers of the original model plus a divisor of it.")
	flagAuthToken = flag.String("hf_token", os.Getenv("HF_TOKEN"),
		"HuggingFace token with read access to the model. Defaults to the HF_TOKEN environment variable.")
)

const (
	configFileName = "config.json"
	indexFileName  = "model.safetensors.index.json"
	singleFileName = "model.safetensors"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagOutput == "" {
		klog.Fatalf("-output is required, see 'hf2gomlx -help'")
	}
	outputDir := fsutil.MustReplaceTildeInDir(*flagOutput)
	var configPath string
	var weightFiles []string
	var err error
	if *flagLocal != "" {
		configPath, weightFiles, err = localFiles(fsutil.MustReplaceTildeInDir(*flagLocal))
	} else {
		repo := hub.New(*flagModel).WithAuth(*flagAuthToken).WithProgressBar(true)
		configPath, weightFiles, err = downloadFiles(repo)
	}
	if err != nil {
		klog.Fatalf("Failed to get model files: %+v", err)
	}

	model := must.M1(gemma.LoadConfig(configPath))
	numLayers := model.NumHiddenLayers
	if *flagExpandTo > 0 {
		numLayers = *flagExpandTo
	}
	plan, err := gemma.ExpansionPlan(model.NumHiddenLayers, numLayers)
	if err != nil {
		klog.Fatalf("Invalid -expand_to: %+v", err)
	}

	ctx := context.New()
	// Training keeps the parameters in float32, the -dtype flag only sets the activations dtype.
	conv := newConverter(backends.MustNew(), ctx, plan, dtypes.Float32)
	for _, weightFile := range weightFiles {
		klog.Infof("converting %s", weightFile)
		for named, err := range safetensors.ReadFile(weightFile) {
			if err != nil {
				klog.Fatalf("Failed to read weights: %+v", err)
			}
			must.M(conv.Add(named.Name, named.Tensor))
		}
	}
	model.NumHiddenLayers = numLayers
	if err = conv.Verify(model); err != nil {
		klog.Fatalf("Conversion failed: %+v", err)
	}

	must.M(os.MkdirAll(outputDir, checkpoints.DirPermMode))
	handler := must.M1(checkpoints.Build(ctx).Dir(outputDir).Keep(1).Done())
	must.M(handler.Save())
	outputConfig := filepath.Join(outputDir, configFileName)
	must.M(writeConfig(outputConfig, model))

	fmt.Printf("Converted %d tensors (%d skipped) to %q, with %d layers.\n",
		conv.numConverted, conv.numSkipped, outputDir, numLayers)
	fmt.Printf("Train with:\n\t-model.name=%s -load_checkpoint=params::%s", outputConfig, outputDir)
	if inserted := gemma.InsertedLayers(plan); len(inserted) > 0 {
		fmt.Printf(" -trainable_mode=layers -trainable=%s",
			strings.Join(lo.Map(inserted, func(layer int, _ int) string { return fmt.Sprint(layer) }), ","))
	}
	fmt.Println()
}

// localFiles returns the config.json and the .safetensors files in dir.
func localFiles(dir string) (configPath string, weightFiles []string, err error) {
	configPath = filepath.Join(dir, configFileName)
	weightFiles, err = filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return "", nil, errors.Wrapf(err, "listing weights in %q", dir)
	}
	if len(weightFiles) == 0 {
		return "", nil, errors.Errorf("no .safetensors files in %q", dir)
	}
	return configPath, weightFiles, nil
}

// downloadFiles downloads config.json and the weights of the repo. Sharded weights are listed in
// the model.safetensors.index.json file, otherwise a single model.safetensors is expected.
func downloadFiles(repo *hub.Repo) (configPath string, weightFiles []string, err error) {
	configPath, err = repo.DownloadFile(configFileName)
	if err != nil {
		return "", nil, err
	}
	indexPath, err := repo.DownloadFile(indexFileName)
	if err != nil {
		klog.V(1).Infof("no %s (%v), downloading %s", indexFileName, err, singleFileName)
		weightPath, err := repo.DownloadFile(singleFileName)
		if err != nil {
			return "", nil, err
		}
		return configPath, []string{weightPath}, nil
	}
	shards, err := readIndex(indexPath)
	if err != nil {
		return "", nil, err
	}
	for _, shard := range shards {
		shardPath, err := repo.DownloadFile(shard)
		if err != nil {
			return "", nil, err
		}
		weightFiles = append(weightFiles, shardPath)
	}
	return configPath, weightFiles, nil
}

// readIndex returns the sorted list of shard files in a model.safetensors.index.json file.
func readIndex(indexPath string) ([]string, error) {
	contents, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", indexPath)
	}
	var index struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err = json.Unmarshal(contents, &index); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", indexPath)
	}
	if len(index.WeightMap) == 0 {
		return nil, errors.Errorf("no weight_map in %q", indexPath)
	}
	shards := lo.Uniq(lo.Values(index.WeightMap))
	slices.Sort(shards)
	return shards, nil
}

// writeConfig writes the model configuration in HuggingFace's config.json format.
func writeConfig(path string, model *gemma.Config) error {
	contents, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize model config")
	}
	if err = os.WriteFile(path, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write model config to %q", path)
	}
	return nil
}
