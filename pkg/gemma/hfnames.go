// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemma

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Transform to apply to a HuggingFace tensor before storing it as a model variable.
type Transform int

const (
	// TransformNone keeps the tensor as is.
	TransformNone Transform = iota

	// TransformTranspose swaps the axes of a [out, in] linear weight, to the [in, out] layout used by the model.
	TransformTranspose

	// TransformAddOne stores 1+weight: HuggingFace's Gemma RMS norm multiplies by (1+weight).
	TransformAddOne
)

func (t Transform) String() string {
	switch t {
	case TransformNone:
		return "none"
	case TransformTranspose:
		return "transpose"
	case TransformAddOne:
		return "add_one"
	}
	return fmt.Sprintf("Transform(%d)", int(t))
}

// HuggingFaceToPath converts a HuggingFace Gemma tensor name (e.g. "model.layers.3.self_attn.q_proj.weight")
// to the path of the corresponding model variable (e.g. "model/layer_3/attn/q_proj/weights") and
// the transformation its value requires.
//
// It returns ok=false for tensors that have no corresponding variable (e.g. "lm_head.weight", tied to the
// embedding table).
func HuggingFaceToPath(name string) (path string, transform Transform, ok bool) {
	switch name {
	case "model.embed_tokens.weight":
		return paramtree.JoinPath(ModelScope, "embedder", "embedding"), TransformNone, true
	case "model.norm.weight":
		return paramtree.JoinPath(ModelScope, "final_norm", "rms_norm", "scale"), TransformAddOne, true
	}
	if !strings.HasPrefix(name, "model.layers.") {
		return "", TransformNone, false
	}
	parts := strings.Split(name, ".")
	if len(parts) < 5 || parts[len(parts)-1] != "weight" {
		return "", TransformNone, false
	}
	layer, err := strconv.Atoi(parts[2])
	if err != nil || layer < 0 {
		return "", TransformNone, false
	}
	layerScope := LayerScope(layer)
	switch parts[3] {
	case "input_layernorm":
		return paramtree.JoinPath(ModelScope, layerScope, "pre_attention_norm", "rms_norm", "scale"), TransformAddOne, true
	case "post_attention_layernorm":
		return paramtree.JoinPath(ModelScope, layerScope, "pre_ffw_norm", "rms_norm", "scale"), TransformAddOne, true
	case "self_attn":
		switch parts[4] {
		case "q_proj", "k_proj", "v_proj", "o_proj":
			return paramtree.JoinPath(ModelScope, layerScope, "attn", parts[4], "weights"), TransformTranspose, true
		}
	case "mlp":
		switch parts[4] {
		case "gate_proj", "up_proj", "down_proj":
			return paramtree.JoinPath(ModelScope, layerScope, "mlp", parts[4], "weights"), TransformTranspose, true
		}
	}
	return "", TransformNone, false
}

// ApplyTransform executes transform on the backend, and converts the result to dtype.
func ApplyTransform(backend backends.Backend, transform Transform, value *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, error) {
	if transform == TransformTranspose && value.Rank() != 2 {
		return nil, errors.Errorf("can only transpose rank-2 tensors, got shape %s", value.Shape())
	}
	if transform == TransformNone && value.DType() == dtype {
		return value, nil
	}
	return ExecOnce(backend, func(x *Node) *Node {
		x = ConvertDType(x, dtype)
		switch transform {
		case TransformTranspose:
			x = Transpose(x, 0, 1)
		case TransformAddOne:
			x = AddScalar(x, 1)
		}
		return x
	}, value)
}
