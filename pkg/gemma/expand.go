// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemma

import (
	"github.com/pkg/errors"
)

// LayerOrigin tells where a layer of a block-expanded model comes from.
type LayerOrigin struct {
	// Source is the layer of the original model copied into this layer.
	Source int

	// Identity is true for the inserted layers: their output projections are zeroed, so initially
	// they only pass through the residual stream.
	Identity bool
}

// IdentityZeroed lists the variables (relative to the layer scope) zeroed in the inserted layers.
var IdentityZeroed = []string{"attn/o_proj/weights", "mlp/down_proj/weights"}

// ExpansionPlan returns the origin of each of the numTarget layers of a model block-expanded from a
// model with numSource layers.
//
// The source layers are split in numTarget-numSource groups of equal size, and after each group a copy of
// its last layer is inserted as an identity layer. numSource must be a multiple of numTarget-numSource.
func ExpansionPlan(numSource, numTarget int) ([]LayerOrigin, error) {
	if numSource <= 0 || numTarget < numSource {
		return nil, errors.Errorf("cannot expand %d layers to %d layers", numSource, numTarget)
	}
	plan := make([]LayerOrigin, 0, numTarget)
	numInserted := numTarget - numSource
	if numInserted == 0 {
		for layer := range numSource {
			plan = append(plan, LayerOrigin{Source: layer})
		}
		return plan, nil
	}
	if numSource%numInserted != 0 {
		return nil, errors.Errorf("cannot expand %d layers to %d layers: %d is not a multiple of the %d layers inserted",
			numSource, numTarget, numSource, numInserted)
	}
	groupSize := numSource / numInserted
	for layer := range numSource {
		plan = append(plan, LayerOrigin{Source: layer})
		if (layer+1)%groupSize == 0 {
			plan = append(plan, LayerOrigin{Source: layer, Identity: true})
		}
	}
	return plan, nil
}

// InsertedLayers returns the indices of the identity layers of the plan.
func InsertedLayers(plan []LayerOrigin) []int {
	var layers []int
	for layer, origin := range plan {
		if origin.Identity {
			layers = append(layers, layer)
		}
	}
	return layers
}
