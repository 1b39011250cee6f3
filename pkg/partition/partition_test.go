// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMeshDims(t *testing.T) {
	dims, err := ParseMeshDims("1,-1,1", 8)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 1}, dims)

	dims, err = ParseMeshDims("2, 2, -1", 8)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, dims)

	dims, err = ParseMeshDims("1,1,1", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1}, dims)

	for _, spec := range []string{"1,-1", "1,-1,-1", "3,-1,1", "2,2,1", "0,1,1", "a,1,1"} {
		_, err = ParseMeshDims(spec, 8)
		assert.Errorf(t, err, "expected error for mesh dimensions %q", spec)
	}
}

func TestRules(t *testing.T) {
	mesh := must.M1(NewMesh([]int{1, 2, 2}))
	rules := Rules{
		MustNewRule("embedding$", "mp", "fsdp"),
		MustNewRule("q_proj/weights$", "fsdp", "mp"),
		MustNewRule("scale$", ""),
	}

	spec, err := rules.SpecFor(mesh, "model/embedder/embedding", shapes.Make(dtypes.Float32, 64, 16))
	require.NoError(t, err)
	assert.Equal(t, []distributed.AxisSpec{{"mp"}, {"fsdp"}}, spec.Axes)

	// Odd dimension can't be split in 2: replicated.
	spec, err = rules.SpecFor(mesh, "model/layer_0/attn/q_proj/weights", shapes.Make(dtypes.Float32, 16, 7))
	require.NoError(t, err)
	assert.Equal(t, []distributed.AxisSpec{{"fsdp"}, nil}, spec.Axes)

	spec, err = rules.SpecFor(mesh, "model/final_norm/rms_norm/scale", shapes.Make(dtypes.Float32, 16))
	require.NoError(t, err)
	assert.True(t, spec.IsReplicated())

	// Scalars are always replicated, even without a rule.
	spec, err = rules.SpecFor(mesh, "global_step", shapes.Make(dtypes.Int64))
	require.NoError(t, err)
	assert.True(t, spec.IsReplicated())

	spec, err = rules.SpecFor(mesh, "model/unknown", shapes.Make(dtypes.Float32, 4))
	require.NoError(t, err)
	assert.True(t, spec.IsReplicated())

	// Rule with more axes than the parameter.
	_, err = rules.SpecFor(mesh, "model/embedder/embedding", shapes.Make(dtypes.Float32, 4))
	require.Error(t, err)

	_, err = NewRule("([", "mp")
	require.Error(t, err)
}

func TestSpecs(t *testing.T) {
	mesh := must.M1(NewMesh([]int{2, 1, 1}))
	ctx := context.New()
	ctx.In("model").In("dense").VariableWithShape("weights", shapes.Make(dtypes.Float32, 4, 6))
	ctx.In("model").In("norm").VariableWithShape("scale", shapes.Make(dtypes.Float32, 4))
	rules := Rules{
		MustNewRule("weights$", "fsdp", "mp"),
		MustNewRule(".*"),
	}
	specs, err := rules.Specs(ctx, mesh)
	require.NoError(t, err)
	assert.Equal(t, 2, specs.Len())
	spec, found := specs.Get("model/dense/weights")
	require.True(t, found)
	assert.Equal(t, []distributed.AxisSpec{{"fsdp"}, {"mp"}}, spec.Axes)
	require.NoError(t, rules.Apply(ctx, mesh))
}

func TestBatchSpec(t *testing.T) {
	mesh := must.M1(NewMesh([]int{2, 2, 1}))
	spec, err := BatchSpec(mesh)
	require.NoError(t, err)
	assert.Equal(t, []distributed.AxisSpec{{AxisDP, AxisFSDP}, nil}, spec.Axes)
	assert.Equal(t, 4, mesh.NumDevices())
}

func TestSharder(t *testing.T) {
	mesh := must.M1(NewMesh([]int{1, 2, 1}))
	ctx := context.New()
	ctx.In("model").In("dense").VariableWithShape("weights", shapes.Make(dtypes.Float32, 4, 6))
	rules := Rules{
		MustNewRule(`dense/weights(_1st_moment|_2nd_moment)?$`, "fsdp", "mp"),
		MustNewRule(".*"),
	}
	sharder := NewSharder(rules, mesh)
	count, err := sharder.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_, found := sharder.Spec("AdamOptimizer/model/dense/weights_1st_moment")
	assert.False(t, found)

	// Variables created later, like optimizer moments, are sharded by the next Apply; the others are left alone.
	ctx.InAbsPath("/AdamOptimizer/model/dense").VariableWithShape("weights_1st_moment", shapes.Make(dtypes.Float32, 4, 6))
	ctx.InAbsPath("/AdamOptimizer").VariableWithShape("step", shapes.Make(dtypes.Int64))
	count, err = sharder.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	spec, found := sharder.Spec("AdamOptimizer/model/dense/weights_1st_moment")
	require.True(t, found)
	assert.Equal(t, []distributed.AxisSpec{{"fsdp"}, {"mp"}}, spec.Axes)
	spec, found = sharder.Spec("AdamOptimizer/step")
	require.True(t, found)
	assert.True(t, spec.IsReplicated())

	count, err = sharder.Apply(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
