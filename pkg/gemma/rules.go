// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemma

import (
	"github.com/gemmathon/Gemma-EasyLM/pkg/partition"
)

// momentSuffix matches the optional suffix of optimizer moments variables.
const momentSuffix = `(_1st_moment|_2nd_moment)?$`

// PartitionRules returns how each Gemma parameter is sharded over the (dp, fsdp, mp) mesh.
//
// Weights are split over the fully-sharded axis on one side and the model-parallel axis on the other.
// Norm scales and any non-model variable (optimizer scalars, step counters) are replicated.
// Optimizer moments (e.g. "AdamOptimizer/model/.../weights_1st_moment") follow the sharding of the
// variable they track.
func PartitionRules() partition.Rules {
	return partition.Rules{
		partition.MustNewRule(`embedder/embedding`+momentSuffix, partition.AxisMP, partition.AxisFSDP),

		partition.MustNewRule(`attn/(q|k|v)_proj/weights`+momentSuffix, partition.AxisFSDP, partition.AxisMP),
		partition.MustNewRule(`attn/o_proj/weights`+momentSuffix, partition.AxisMP, partition.AxisFSDP),

		partition.MustNewRule(`mlp/(gate|up)_proj/weights`+momentSuffix, partition.AxisFSDP, partition.AxisMP),
		partition.MustNewRule(`mlp/down_proj/weights`+momentSuffix, partition.AxisMP, partition.AxisFSDP),

		partition.MustNewRule(`rms_norm/scale`+momentSuffix, ""),
		partition.MustNewRule(`.*`),
	}
}
