// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemma

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHuggingFaceToPath(t *testing.T) {
	cases := []struct {
		name, path string
		transform  Transform
	}{
		{"model.embed_tokens.weight", "model/embedder/embedding", TransformNone},
		{"model.norm.weight", "model/final_norm/rms_norm/scale", TransformAddOne},
		{"model.layers.20.input_layernorm.weight", "model/layer_20/pre_attention_norm/rms_norm/scale", TransformAddOne},
		{"model.layers.6.post_attention_layernorm.weight", "model/layer_6/pre_ffw_norm/rms_norm/scale", TransformAddOne},
		{"model.layers.0.self_attn.k_proj.weight", "model/layer_0/attn/k_proj/weights", TransformTranspose},
		{"model.layers.13.mlp.down_proj.weight", "model/layer_13/mlp/down_proj/weights", TransformTranspose},
	}
	for _, c := range cases {
		path, transform, ok := HuggingFaceToPath(c.name)
		require.Truef(t, ok, "%q should be mapped", c.name)
		assert.Equal(t, c.path, path)
		assert.Equal(t, c.transform, transform)
	}

	for _, name := range []string{"lm_head.weight", "model.layers.x.mlp.up_proj.weight", "model.layers.1.mlp.up_proj.bias",
		"model.layers.1.self_attn.rotary_emb.inv_freq"} {
		_, _, ok := HuggingFaceToPath(name)
		assert.Falsef(t, ok, "%q should not be mapped", name)
	}
}

func TestApplyTransform(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	value := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})

	got, err := ApplyTransform(backend, TransformTranspose, value, dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 4}, {2, 5}, {3, 6}}, got.Value())

	got, err = ApplyTransform(backend, TransformAddOne, tensors.FromValue([]float32{0, 0.5}), dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1.5}, got.Value())

	got, err = ApplyTransform(backend, TransformNone, value, dtypes.Float64)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, got.Value())

	_, err = ApplyTransform(backend, TransformTranspose, tensors.FromValue([]float32{1}), dtypes.Float32)
	require.Error(t, err)
}
