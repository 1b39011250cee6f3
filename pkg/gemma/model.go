// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gemma implements the Gemma causal language model on GoMLX: its configuration, its forward pass,
// the partition rules of its parameters and the mapping from HuggingFace weight names.
//
// Variables are created under the "model" scope:
//
//	model/embedder/embedding                          [vocab, hidden]
//	model/layer_N/pre_attention_norm/rms_norm/scale  [hidden]
//	model/layer_N/attn/{q,k,v,o}_proj/weights        [hidden, heads*head_dim] ([heads*head_dim, hidden] for o_proj)
//	model/layer_N/pre_ffw_norm/rms_norm/scale        [hidden]
//	model/layer_N/mlp/{gate,up,down}_proj/weights    [hidden, intermediate] ([intermediate, hidden] for down_proj)
//	model/final_norm/rms_norm/scale                  [hidden]
//
// The output logits are tied to the embedding table.
package gemma

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ModelScope is the scope under which all model parameters are created.
const ModelScope = "model"

// LayerScope returns the scope name of the decoder layer with the given index.
func LayerScope(layer int) string {
	return fmt.Sprintf("layer_%d", layer)
}

// Inputs to the forward pass.
type Inputs struct {
	// Tokens are the input token ids, shaped [batch, seq_len].
	Tokens *Node

	// Positions of each token, shaped [batch, seq_len]. If nil, 0...seq_len-1 is used.
	Positions *Node

	// AttentionMask marks with true (or 1) the valid (non-padding) tokens, shaped [batch, seq_len]. Optional.
	AttentionMask *Node

	// RNGState used for dropout during training, see graph.RNGStateFromSeed. Optional:
	// if nil, no dropout is applied.
	RNGState *Node
}

// CausalLM runs the model on the given inputs and returns the logits shaped [batch, seq_len, vocab] (float32)
// and the updated RNG state (nil if inputs.RNGState is nil).
//
// Dropout is only applied if ctx.IsTraining(g) and an RNG state is given. Variables already in ctx (created by
// CreateVariables or restored from a checkpoint) are reused.
func CausalLM(ctx *context.Context, cfg *Config, inputs Inputs) (logits, rngState *Node) {
	tokens := inputs.Tokens
	g := tokens.Graph()
	batchSize, seqLen := tokens.Shape().Dimensions[0], tokens.Shape().Dimensions[1]
	ctx = ctx.In(ModelScope).Checked(false).WithInitializer(initializers.RandomNormalFn(ctx, cfg.InitializerRange))
	m := &model{ctx: ctx, cfg: cfg, g: g, rngState: inputs.RNGState}
	m.dropoutEnabled = inputs.RNGState != nil && ctx.IsTraining(g)

	positions := inputs.Positions
	if positions == nil {
		positions = Iota(g, shapes.Make(dtypes.Int32, batchSize, seqLen), 1)
	}

	// Boolean mask shaped [batch, q_seq=1, kv_heads=1, group=1, k_seq] combined with the causal mask.
	mask := Reshape(LowerTriangular(g, seqLen), 1, seqLen, 1, 1, seqLen)
	if inputs.AttentionMask != nil {
		keyMask := inputs.AttentionMask
		if keyMask.DType() != dtypes.Bool {
			keyMask = GreaterThan(keyMask, ZerosLike(keyMask))
		}
		keyMask = Reshape(keyMask, batchSize, 1, 1, 1, seqLen)
		mask = LogicalAnd(
			BroadcastToDims(mask, batchSize, seqLen, 1, 1, seqLen),
			BroadcastToDims(keyMask, batchSize, seqLen, 1, 1, seqLen))
	}

	embedding := m.embeddingTable()
	x := Gather(embedding, ExpandAxes(tokens, -1))
	x = ConvertDType(x, cfg.ComputeDType)
	x = MulScalar(x, math.Sqrt(float64(cfg.HiddenSize)))
	x = m.dropout(x, cfg.EmbeddingDropout)

	for layer := range cfg.NumHiddenLayers {
		x = m.decoderLayer(ctx.In(LayerScope(layer)), x, positions, mask)
	}
	x = m.rmsNorm(ctx.In("final_norm"), x)

	// Tied output embeddings, logits computed in float32.
	x = ConvertDType(x, dtypes.Float32)
	embedding = ConvertDType(embedding, dtypes.Float32)
	logits = Einsum("btd,vd->btv", x, embedding)
	return logits, m.rngState
}

// CreateVariables creates all the model variables (under ModelScope) with their shapes and initializers, without
// building a graph. Their values are only initialized when first used, or with ctx.InitializeVariables.
//
// It allows setting up shardings, or restoring parameters, before the model graph is built.
func CreateVariables(ctx *context.Context, cfg *Config) {
	ctx = ctx.In(ModelScope).Checked(false).WithInitializer(initializers.RandomNormalFn(ctx, cfg.InitializerRange))
	dtype := cfg.ParamsDType
	hidden := cfg.HiddenSize
	ctx.In("embedder").VariableWithShape("embedding", shapes.Make(dtype, cfg.VocabSize, hidden))
	createScale := func(ctx *context.Context) {
		ctx.In("rms_norm").WithInitializer(initializers.One).VariableWithShape("scale", shapes.Make(dtype, hidden))
	}
	createWeights := func(ctx *context.Context, inputDim, outputDim int) {
		ctx.VariableWithShape("weights", shapes.Make(dtype, inputDim, outputDim))
	}
	qDim, kvDim := cfg.NumAttentionHeads*cfg.HeadDim, cfg.NumKeyValueHeads*cfg.HeadDim
	for layer := range cfg.NumHiddenLayers {
		layerCtx := ctx.In(LayerScope(layer))
		createScale(layerCtx.In("pre_attention_norm"))
		attnCtx := layerCtx.In("attn")
		createWeights(attnCtx.In("q_proj"), hidden, qDim)
		createWeights(attnCtx.In("k_proj"), hidden, kvDim)
		createWeights(attnCtx.In("v_proj"), hidden, kvDim)
		createWeights(attnCtx.In("o_proj"), qDim, hidden)
		createScale(layerCtx.In("pre_ffw_norm"))
		mlpCtx := layerCtx.In("mlp")
		createWeights(mlpCtx.In("gate_proj"), hidden, cfg.IntermediateSize)
		createWeights(mlpCtx.In("up_proj"), hidden, cfg.IntermediateSize)
		createWeights(mlpCtx.In("down_proj"), cfg.IntermediateSize, hidden)
	}
	createScale(ctx.In("final_norm"))
}

// model holds the state of one forward pass graph building.
type model struct {
	ctx            *context.Context
	cfg            *Config
	g              *Graph
	rngState       *Node
	dropoutEnabled bool
}

func (m *model) embeddingTable() *Node {
	v := m.ctx.In("embedder").VariableWithShape("embedding",
		shapes.Make(m.cfg.ParamsDType, m.cfg.VocabSize, m.cfg.HiddenSize))
	return v.ValueGraph(m.g)
}

// dropout using the explicit RNG state threaded through the model.
func (m *model) dropout(x *Node, rate float64) *Node {
	if !m.dropoutEnabled || rate <= 0 {
		return x
	}
	var uniform *Node
	m.rngState, uniform = RandomUniform(m.rngState, shapes.Make(dtypes.Float32, x.Shape().Dimensions...))
	keep := GreaterOrEqual(uniform, ConstAsDType(m.g, dtypes.Float32, rate))
	kept := DivScalar(x, 1.0-rate)
	return Where(keep, kept, ZerosLike(x))
}

// dense projects the last axis of x to outputDim, with a [inputDim, outputDim] weight matrix and no bias.
func (m *model) dense(ctx *context.Context, x *Node, outputDim int) *Node {
	inputDim := x.Shape().Dimensions[x.Rank()-1]
	weights := ctx.VariableWithShape("weights", shapes.Make(m.cfg.ParamsDType, inputDim, outputDim)).ValueGraph(m.g)
	if weights.DType() != x.DType() {
		weights = ConvertDType(weights, x.DType())
	}
	return Einsum("btd,de->bte", x, weights)
}

// rmsNorm normalizes in float32. HuggingFace's Gemma multiplies by (1+weight): the converter stores 1+weight
// as the scale.
func (m *model) rmsNorm(ctx *context.Context, x *Node) *Node {
	dtype := x.DType()
	normalized := layers.RMSNorm(ctx, ConvertDType(x, m.cfg.ParamsDType)).WithEpsilon(m.cfg.RMSNormEps).Done()
	return ConvertDType(normalized, dtype)
}

func (m *model) decoderLayer(ctx *context.Context, x, positions, mask *Node) *Node {
	residual := x
	x = m.rmsNorm(ctx.In("pre_attention_norm"), x)
	x = m.attention(ctx.In("attn"), x, positions, mask)
	x = Add(residual, m.dropout(x, m.cfg.ResidualDropout))

	residual = x
	x = m.rmsNorm(ctx.In("pre_ffw_norm"), x)
	x = m.mlp(ctx.In("mlp"), x)
	return Add(residual, m.dropout(x, m.cfg.ResidualDropout))
}

// attention implements grouped-query self-attention with rotary position embeddings.
func (m *model) attention(ctx *context.Context, x, positions, mask *Node) *Node {
	cfg := m.cfg
	batchSize, seqLen := x.Shape().Dimensions[0], x.Shape().Dimensions[1]
	numHeads, numKVHeads, headDim := cfg.NumAttentionHeads, cfg.NumKeyValueHeads, cfg.HeadDim
	groupSize := numHeads / numKVHeads

	query := Reshape(m.dense(ctx.In("q_proj"), x, numHeads*headDim), batchSize, seqLen, numHeads, headDim)
	key := Reshape(m.dense(ctx.In("k_proj"), x, numKVHeads*headDim), batchSize, seqLen, numKVHeads, headDim)
	value := Reshape(m.dense(ctx.In("v_proj"), x, numKVHeads*headDim), batchSize, seqLen, numKVHeads, headDim)
	query = applyRoPE(query, positions, cfg.RopeTheta)
	key = applyRoPE(key, positions, cfg.RopeTheta)

	// Split query heads into (kv_heads, group) so that keys/values are shared within a group.
	query = Reshape(query, batchSize, seqLen, numKVHeads, groupSize, headDim)
	scores := Einsum("bqHgd,bkHd->bqHgk", query, key)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(headDim)))
	scores = ConvertDType(scores, dtypes.Float32)
	coefficients := MaskedSoftmax(scores, BroadcastToShape(mask, scores.Shape()), -1)
	coefficients = ConvertDType(coefficients, x.DType())
	coefficients = m.dropout(coefficients, cfg.AttentionDropout)
	output := Einsum("bqHgk,bkHd->bqHgd", coefficients, value)
	output = Reshape(output, batchSize, seqLen, numHeads*headDim)
	return m.dense(ctx.In("o_proj"), output, cfg.HiddenSize)
}

// mlp implements the gated feed-forward block: down(act(gate(x)) * up(x)).
func (m *model) mlp(ctx *context.Context, x *Node) *Node {
	gate := m.dense(ctx.In("gate_proj"), x, m.cfg.IntermediateSize)
	up := m.dense(ctx.In("up_proj"), x, m.cfg.IntermediateSize)
	if m.cfg.HiddenActivation == "gelu" {
		gate = activations.Gelu(gate)
	} else {
		gate = activations.GeluApproximate(gate)
	}
	return m.dense(ctx.In("down_proj"), Mul(gate, up), m.cfg.HiddenSize)
}

// applyRoPE rotates the two halves of the last axis of x ([batch, seq, heads, head_dim]) by the
// position dependent angles, as HuggingFace's Gemma does.
func applyRoPE(x, positions *Node, theta float64) *Node {
	g := x.Graph()
	dtype := x.DType()
	headDim := x.Shape().Dimensions[3]
	half := headDim / 2
	invFreq := make([]float32, half)
	for ii := range invFreq {
		invFreq[ii] = float32(1.0 / math.Pow(theta, float64(2*ii)/float64(headDim)))
	}
	// angles: [batch, seq, 1, half]
	angles := Mul(
		ExpandAxes(ConvertDType(positions, dtypes.Float32), -1),
		Reshape(Const(g, invFreq), 1, 1, half))
	angles = ExpandAxes(angles, 2)
	cos, sin := Cos(angles), Sin(angles)

	xf := ConvertDType(x, dtypes.Float32)
	parts := Split(xf, 3, 2)
	x1, x2 := parts[0], parts[1]
	rotated := Concatenate([]*Node{
		Sub(Mul(x1, cos), Mul(x2, sin)),
		Add(Mul(x2, cos), Mul(x1, sin)),
	}, 3)
	return ConvertDType(rotated, dtype)
}
