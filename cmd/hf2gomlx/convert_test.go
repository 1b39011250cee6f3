// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gemmathon/Gemma-EasyLM/pkg/checkpoint"
	"github.com/gemmathon/Gemma-EasyLM/pkg/gemma"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// filled returns a float32 tensor with the given dimensions and all values set to value.
func filled(value float32, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = value
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// huggingFaceTensors returns the tensors of a HuggingFace checkpoint for cfg, in HuggingFace's layout.
// The values of layer tensors are 10*(layer+1), and other tensors are 0.5.
func huggingFaceTensors(cfg *gemma.Config) map[string]*tensors.Tensor {
	hidden := cfg.HiddenSize
	qDim, kvDim := cfg.NumAttentionHeads*cfg.HeadDim, cfg.NumKeyValueHeads*cfg.HeadDim
	named := map[string]*tensors.Tensor{
		"model.embed_tokens.weight": filled(0.5, cfg.VocabSize, hidden),
		"model.norm.weight":         filled(0.5, hidden),
		// Unused by the model, tied to the embeddings.
		"lm_head.weight": filled(0.5, cfg.VocabSize, hidden),
	}
	for layer := range cfg.NumHiddenLayers {
		v := float32(10 * (layer + 1))
		prefix := fmt.Sprintf("model.layers.%d.", layer)
		named[prefix+"input_layernorm.weight"] = filled(v, hidden)
		named[prefix+"post_attention_layernorm.weight"] = filled(v, hidden)
		named[prefix+"self_attn.q_proj.weight"] = filled(v, qDim, hidden)
		named[prefix+"self_attn.k_proj.weight"] = filled(v, kvDim, hidden)
		named[prefix+"self_attn.v_proj.weight"] = filled(v, kvDim, hidden)
		named[prefix+"self_attn.o_proj.weight"] = filled(v, hidden, qDim)
		named[prefix+"mlp.gate_proj.weight"] = filled(v, cfg.IntermediateSize, hidden)
		named[prefix+"mlp.up_proj.weight"] = filled(v, cfg.IntermediateSize, hidden)
		named[prefix+"mlp.down_proj.weight"] = filled(v, hidden, cfg.IntermediateSize)
	}
	return named
}

// flatValues returns the distinct values of the variable at path.
func flatValues(t *testing.T, ctx *context.Context, scope, name string) []float32 {
	v := ctx.GetVariableByScopeAndName(scope, name)
	require.NotNilf(t, v, "variable %s/%s missing", scope, name)
	value, err := v.Value()
	require.NoError(t, err)
	var distinct []float32
	require.NoError(t, tensors.ConstFlatData(value, func(flat []float32) {
		for _, x := range flat {
			if len(distinct) == 0 || distinct[len(distinct)-1] != x {
				distinct = append(distinct, x)
			}
		}
	}))
	return distinct
}

func TestConverter(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	source, err := gemma.Preset("debug")
	require.NoError(t, err)
	source.NumHiddenLayers = 2

	plan, err := gemma.ExpansionPlan(source.NumHiddenLayers, 3)
	require.NoError(t, err)
	ctx := context.New()
	conv := newConverter(backend, ctx, plan, dtypes.Float32)
	for name, value := range huggingFaceTensors(source) {
		require.NoError(t, conv.Add(name, value))
	}
	assert.Equal(t, 1, conv.numSkipped)
	assert.Equal(t, 2+2*9, conv.numConverted)

	expanded := *source
	expanded.NumHiddenLayers = 3
	require.NoError(t, conv.Verify(&expanded))

	// The norm scales are shifted by one, and the inserted layer_2 is a copy of layer_1 with zeroed
	// output projections.
	assert.Equal(t, []float32{1.5}, flatValues(t, ctx, "/model/final_norm/rms_norm", "scale"))
	assert.Equal(t, []float32{11}, flatValues(t, ctx, "/model/layer_0/pre_attention_norm/rms_norm", "scale"))
	assert.Equal(t, []float32{20}, flatValues(t, ctx, "/model/layer_1/attn/o_proj", "weights"))
	assert.Equal(t, []float32{20}, flatValues(t, ctx, "/model/layer_2/attn/q_proj", "weights"))
	assert.Equal(t, []float32{21}, flatValues(t, ctx, "/model/layer_2/pre_ffw_norm/rms_norm", "scale"))
	assert.Equal(t, []float32{0}, flatValues(t, ctx, "/model/layer_2/attn/o_proj", "weights"))
	assert.Equal(t, []float32{0}, flatValues(t, ctx, "/model/layer_2/mlp/down_proj", "weights"))
	assert.Equal(t, []float32{20}, flatValues(t, ctx, "/model/layer_1/mlp/down_proj", "weights"))

	// Shapes follow the model layout.
	v := ctx.GetVariableByScopeAndName("/model/layer_2/attn/o_proj", "weights")
	assert.Equal(t, []int{source.NumAttentionHeads * source.HeadDim, source.HiddenSize}, v.Shape().Dimensions)

	// The converted checkpoint can be loaded as parameters for training.
	dir := filepath.Join(t.TempDir(), "converted")
	require.NoError(t, os.MkdirAll(dir, checkpoints.DirPermMode))
	handler, err := checkpoints.Build(ctx).Dir(dir).Keep(1).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())

	loaded := context.New()
	step, err := checkpoint.LoadInto(loaded, checkpoint.LoadParams, dir)
	require.NoError(t, err)
	assert.Zero(t, step)
	assert.Equal(t, []float32{0}, flatValues(t, loaded, "/model/layer_2/mlp/down_proj", "weights"))
	assert.Equal(t, []float32{10}, flatValues(t, loaded, "/model/layer_0/mlp/up_proj", "weights"))
}

func TestConverterErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	plan, err := gemma.ExpansionPlan(2, 2)
	require.NoError(t, err)
	conv := newConverter(backend, context.New(), plan, dtypes.Float32)

	// Layer beyond the model.
	require.Error(t, conv.Add("model.layers.2.input_layernorm.weight", filled(1, 4)))

	// Same tensor twice.
	require.NoError(t, conv.Add("model.norm.weight", filled(1, 4)))
	require.Error(t, conv.Add("model.norm.weight", filled(1, 4)))

	// Missing variables.
	cfg, err := gemma.Preset("debug")
	require.NoError(t, err)
	cfg.NumHiddenLayers = 2
	require.Error(t, conv.Verify(cfg))
}

func TestReadIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), indexFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"metadata": {"total_size": 10}, "weight_map": {
		"model.norm.weight": "model-00002-of-00002.safetensors",
		"model.embed_tokens.weight": "model-00001-of-00002.safetensors",
		"model.layers.0.mlp.up_proj.weight": "model-00001-of-00002.safetensors"}}`), 0644))
	shards, err := readIndex(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"model-00001-of-00002.safetensors", "model-00002-of-00002.safetensors"}, shards)

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))
	_, err = readIndex(path)
	require.Error(t, err)
}
