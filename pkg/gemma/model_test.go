// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemma

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCausalLM(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg, err := Preset("debug")
	require.NoError(t, err)
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tokens *Node) *Node {
		logits, _ := CausalLM(ctx, cfg, Inputs{Tokens: tokens})
		return logits
	})

	tokens := [][]int32{{2, 5, 7, 9, 11}, {2, 3, 4, 0, 0}}
	logits := exec.MustExec(tokens)[0]
	require.NoError(t, logits.Shape().CheckDims(2, 5, cfg.VocabSize))

	// Embedding + 7 layers * (2 norms + 4 attention + 3 mlp) + final norm.
	assert.Equal(t, 1+cfg.NumHiddenLayers*9+1, ctx.NumVariables())
	embedding := ctx.GetVariableByScopeAndName("/model/embedder", "embedding")
	require.NotNil(t, embedding)
	require.NoError(t, embedding.Shape().CheckDims(cfg.VocabSize, cfg.HiddenSize))
	require.NotNil(t, ctx.GetVariableByScopeAndName("/model/layer_6/attn/k_proj", "weights"))
	require.NotNil(t, ctx.GetVariableByScopeAndName("/model/layer_6/pre_ffw_norm/rms_norm", "scale"))

	// Causality: changing the last token doesn't change the logits of the previous positions.
	changed := [][]int32{{2, 5, 7, 9, 30}, {2, 3, 4, 0, 1}}
	logits2 := exec.MustExec(changed)[0]
	before := logits.Value().([][][]float32)
	after := logits2.Value().([][][]float32)
	for batchIdx := range before {
		for pos := 0; pos < 4; pos++ {
			assert.InDeltaSlicef(t, before[batchIdx][pos], after[batchIdx][pos], 1e-5,
				"logits of position %d changed", pos)
		}
	}
	assert.NotEqual(t, before[0][4], after[0][4])
}

func TestCreateVariables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg, err := Preset("debug")
	require.NoError(t, err)
	ctx := context.New()
	CreateVariables(ctx, cfg)
	assert.Equal(t, 1+cfg.NumHiddenLayers*9+1, ctx.NumVariables())
	var numParams int
	for v := range ctx.IterVariables() {
		numParams += v.Shape().Size()
	}
	assert.Equal(t, cfg.NumParams(), numParams)

	// The forward pass reuses the variables created.
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tokens *Node) *Node {
		logits, _ := CausalLM(ctx, cfg, Inputs{Tokens: tokens})
		return logits
	})
	logits := exec.MustExec([][]int32{{2, 5, 7}})[0]
	require.NoError(t, logits.Shape().CheckDims(1, 3, cfg.VocabSize))
	assert.Equal(t, 1+cfg.NumHiddenLayers*9+1, ctx.NumVariables())
	scale := ctx.GetVariableByScopeAndName("/model/final_norm/rms_norm", "scale")
	require.NotNil(t, scale)
	assert.Equal(t, float32(1), tensors.MustCopyFlatData[float32](scale.MustValue())[0])
}

func TestCausalLMAttentionMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg, err := Preset("debug")
	require.NoError(t, err)
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tokens, mask *Node) *Node {
		logits, _ := CausalLM(ctx, cfg, Inputs{Tokens: tokens, AttentionMask: mask})
		return logits
	})

	// Masking out the first token changes the logits of every position that would attend to it.
	tokens := [][]int32{{2, 5, 7, 9}}
	full := exec.MustExec(tokens, [][]int32{{1, 1, 1, 1}})[0].Value().([][][]float32)
	masked := exec.MustExec(tokens, [][]int32{{0, 1, 1, 1}})[0].Value().([][][]float32)
	assert.NotEqual(t, full[0][3], masked[0][3])
}

func TestCausalLMDropout(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg, err := Preset("debug")
	require.NoError(t, err)
	cfg.ResidualDropout = 0.5
	ctx := context.New()
	rngState, err := RNGStateFromSeed(42)
	require.NoError(t, err)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, tokens, rng *Node) []*Node {
		ctx.SetTraining(tokens.Graph(), true)
		logits, newRng := CausalLM(ctx, cfg, Inputs{Tokens: tokens, RNGState: rng})
		return []*Node{logits, newRng}
	})
	tokens := [][]int32{{2, 5, 7, 9}}
	outputs := exec.MustExec(tokens, rngState)
	require.Len(t, outputs, 2)
	assert.True(t, outputs[1].Shape().Equal(rngState.Shape()))
	outputs2 := exec.MustExec(tokens, outputs[1])
	assert.NotEqual(t, outputs[0].Value(), outputs2[0].Value(), "dropout masks should differ with a new RNG state")
}

func TestApplyRoPE(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// At position 0 the rotation is the identity.
	got, err := ExecOnce(backend, func(x, positions *Node) *Node {
		return applyRoPE(x, positions, 10000)
	}, [][][][]float32{{{{1, 2, 3, 4}}}}, [][]int32{{0}})
	require.NoError(t, err)
	assert.Equal(t, [][][][]float32{{{{1, 2, 3, 4}}}}, got.Value())
}
