// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"slices"

	"github.com/gemmathon/Gemma-EasyLM/pkg/gemma"
	"github.com/gemmathon/Gemma-EasyLM/pkg/paramtree"
	"github.com/gemmathon/Gemma-EasyLM/pkg/safetensors"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// converter stores HuggingFace tensors as model variables of a context, expanding the layers according to a plan.
type converter struct {
	backend backends.Backend
	ctx     *context.Context
	dtype   dtypes.DType

	// targets maps each source layer to the layers of the expanded model it initializes.
	targets map[int][]int
	plan    []gemma.LayerOrigin

	numConverted, numSkipped int
}

func newConverter(backend backends.Backend, ctx *context.Context, plan []gemma.LayerOrigin, dtype dtypes.DType) *converter {
	c := &converter{
		backend: backend,
		ctx:     ctx,
		dtype:   dtype,
		plan:    plan,
		targets: make(map[int][]int),
	}
	for layer, origin := range plan {
		c.targets[origin.Source] = append(c.targets[origin.Source], layer)
	}
	return c
}

// convertValue applies the transform and converts the value to the params dtype.
func (c *converter) convertValue(value *tensors.Tensor, transform gemma.Transform) (*tensors.Tensor, error) {
	if transform == gemma.TransformNone && c.dtype == dtypes.Float32 &&
		(value.DType() == dtypes.Float16 || value.DType() == dtypes.BFloat16) {
		return safetensors.ToFloat32(value)
	}
	return gemma.ApplyTransform(c.backend, transform, value, c.dtype)
}

// Add converts the HuggingFace tensor name and stores it in the variables it initializes.
// Tensors with no corresponding variable are skipped.
func (c *converter) Add(name string, value *tensors.Tensor) error {
	path, transform, ok := gemma.HuggingFaceToPath(name)
	if !ok {
		klog.V(1).Infof("skipping %q (%s)", name, value.Shape())
		c.numSkipped++
		return nil
	}
	converted, err := c.convertValue(value, transform)
	if err != nil {
		return errors.WithMessagef(err, "converting %q", name)
	}
	c.numConverted++

	source, isLayer := paramtree.LayerIndex(path)
	if !isLayer {
		return c.setVariable(path, converted)
	}
	targets, found := c.targets[source]
	if !found {
		return errors.Errorf("tensor %q is for layer %d, but the model has only %d layers", name, source, len(c.targets))
	}
	components := paramtree.SplitPath(path)
	relPath := paramtree.JoinPath(components[2:]...)
	for ii, target := range targets {
		targetValue := converted
		if c.plan[target].Identity && slices.Contains(gemma.IdentityZeroed, relPath) {
			targetValue = tensors.FromShape(converted.Shape())
		} else if ii > 0 {
			if targetValue, err = converted.LocalClone(); err != nil {
				return err
			}
		}
		targetPath := paramtree.JoinPath(gemma.ModelScope, gemma.LayerScope(target), relPath)
		if err = c.setVariable(targetPath, targetValue); err != nil {
			return err
		}
	}
	return nil
}

func (c *converter) setVariable(path string, value *tensors.Tensor) error {
	components := paramtree.SplitPath(path)
	scope := context.RootScope + paramtree.JoinPath(components[:len(components)-1]...)
	name := components[len(components)-1]
	scopedCtx := c.ctx.InAbsPath(scope)
	if scopedCtx.GetVariable(name) != nil {
		return errors.Errorf("variable %q set twice", path)
	}
	scopedCtx.VariableWithValue(name, value)
	return nil
}

// Verify that the variables converted are exactly the ones of the model, with the same shapes.
func (c *converter) Verify(model *gemma.Config) error {
	reference := context.New()
	gemma.CreateVariables(reference, model)
	var numExpected int
	for v := range reference.IterVariables() {
		numExpected++
		got := c.ctx.InAbsPath(v.Scope()).GetVariable(v.Name())
		if got == nil {
			return errors.Errorf("variable %q missing from the converted checkpoint", v.ScopeAndName())
		}
		if !got.Shape().Equal(v.Shape()) {
			return errors.Errorf("variable %q converted with shape %s, but the model expects %s",
				v.ScopeAndName(), got.Shape(), v.Shape())
		}
	}
	var numGot int
	for range c.ctx.IterVariables() {
		numGot++
	}
	if numGot != numExpected {
		return errors.Errorf("converted %d variables, but the model has %d", numGot, numExpected)
	}
	return nil
}
